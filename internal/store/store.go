package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store owns the sqlite handle for agents / commands / trades rows.
type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, errors.New("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`
CREATE TABLE IF NOT EXISTS agents (
  identity TEXT PRIMARY KEY,
  magic INTEGER NOT NULL,
  instance_uid TEXT NOT NULL DEFAULT '',
  symbol TEXT NOT NULL DEFAULT '',
  strategy TEXT NOT NULL DEFAULT '',
  risk_level TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  provenance TEXT NOT NULL,
  balance REAL NOT NULL DEFAULT 0,
  equity REAL NOT NULL DEFAULT 0,
  margin REAL NOT NULL DEFAULT 0,
  last_seen TEXT NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS agent_status_log (
  identity TEXT NOT NULL REFERENCES agents(identity) ON DELETE CASCADE,
  status TEXT NOT NULL,
  balance REAL NOT NULL DEFAULT 0,
  equity REAL NOT NULL DEFAULT 0,
  margin REAL NOT NULL DEFAULT 0,
  ts TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_status_log_identity_ts ON agent_status_log(identity, ts DESC);`,
		// commands/trades reference the permanent identity key, not the
		// registry row, so history survives evict/recreate cycles.
		`
CREATE TABLE IF NOT EXISTS commands (
  id TEXT PRIMARY KEY,
  identity TEXT NOT NULL,
  type TEXT NOT NULL,
  params_json TEXT NOT NULL DEFAULT '{}',
  scheduled_at TEXT NOT NULL,
  status TEXT NOT NULL,
  sent_at TEXT,
  acked_at TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_commands_status_scheduled ON commands(status, scheduled_at);`,
		`
CREATE TABLE IF NOT EXISTS trades (
  id TEXT PRIMARY KEY,
  command_id TEXT NOT NULL DEFAULT '',
  identity TEXT NOT NULL,
  ticket INTEGER NOT NULL DEFAULT 0,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  request_price REAL NOT NULL DEFAULT 0,
  fill_price REAL NOT NULL DEFAULT 0,
  close_price REAL NOT NULL DEFAULT 0,
  volume REAL NOT NULL DEFAULT 0,
  stop_loss REAL NOT NULL DEFAULT 0,
  take_profit REAL NOT NULL DEFAULT 0,
  profit REAL NOT NULL DEFAULT 0,
  commission REAL NOT NULL DEFAULT 0,
  swap REAL NOT NULL DEFAULT 0,
  net_profit REAL NOT NULL DEFAULT 0,
  requested_at TEXT NOT NULL,
  filled_at TEXT,
  closed_at TEXT
);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_identity ON trades(identity, requested_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

func fmtNullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseNullableTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	return &t
}

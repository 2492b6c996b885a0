package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/eafleet/gofleet/internal/domain"
)

func (s *Store) InsertAgent(ctx context.Context, a *domain.Agent) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO agents (identity,magic,instance_uid,symbol,strategy,risk_level,status,provenance,balance,equity,margin,last_seen,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`, a.IdentityKey(), a.Magic, a.InstanceUID, a.Symbol, a.Strategy, a.RiskLevel, string(a.Status), a.Provenance,
		a.Account.Balance, a.Account.Equity, a.Account.Margin,
		fmtTime(a.LastSeen), fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt))
	return err
}

func (s *Store) GetAgent(ctx context.Context, identity string) (*domain.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT identity,magic,instance_uid,symbol,strategy,risk_level,status,provenance,balance,equity,margin,last_seen,created_at,updated_at
FROM agents WHERE identity=?
`, identity)
	return scanAgent(row)
}

func (s *Store) ListAgents(ctx context.Context) ([]*domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT identity,magic,instance_uid,symbol,strategy,risk_level,status,provenance,balance,equity,margin,last_seen,created_at,updated_at
FROM agents ORDER BY created_at ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// TouchAgent refreshes last_seen / status / account snapshot, and appends a
// status log row (cascade-deleted with the registry row on eviction).
func (s *Store) TouchAgent(ctx context.Context, identity string, status domain.AgentStatus, acct domain.AccountSnapshot, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE agents SET status=?, balance=?, equity=?, margin=?, last_seen=?, updated_at=?
WHERE identity=?
`, string(status), acct.Balance, acct.Equity, acct.Margin, fmtTime(ts), fmtTime(time.Now()), identity)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO agent_status_log (identity,status,balance,equity,margin,ts) VALUES (?,?,?,?,?,?)
`, identity, string(status), acct.Balance, acct.Equity, acct.Margin, fmtTime(ts))
	return err
}

// UpdateAgentStatus sets status without touching last_seen (used when the
// coordinator marks an agent disconnected, which is not an observation).
func (s *Store) UpdateAgentStatus(ctx context.Context, identity string, status domain.AgentStatus) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE agents SET status=?, updated_at=? WHERE identity=?
`, string(status), fmtTime(time.Now()), identity)
	return err
}

// DeleteStaleAgents evicts rows whose last_seen is before cutoff and returns
// the evicted identity keys. agent_status_log rows cascade.
func (s *Store) DeleteStaleAgents(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT identity FROM agents WHERE last_seen < ?`, fmtTime(cutoff))
	if err != nil {
		return nil, err
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		stale = append(stale, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range stale {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE identity=?`, id); err != nil {
			return nil, err
		}
	}
	return stale, nil
}

type agentScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row agentScanner) (*domain.Agent, error) {
	var a domain.Agent
	var identity, status string
	var lastSeen, created, updated string
	if err := row.Scan(&identity, &a.Magic, &a.InstanceUID, &a.Symbol, &a.Strategy, &a.RiskLevel, &status, &a.Provenance,
		&a.Account.Balance, &a.Account.Equity, &a.Account.Margin, &lastSeen, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	a.Status = domain.AgentStatus(status)
	a.LastSeen = parseTime(lastSeen)
	a.CreatedAt = parseTime(created)
	a.UpdatedAt = parseTime(updated)
	return &a, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/eafleet/gofleet/internal/domain"
)

func (s *Store) InsertCommand(ctx context.Context, c *domain.Command) error {
	params, err := json.Marshal(c.Params)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO commands (id,identity,type,params_json,scheduled_at,status,sent_at,acked_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
`, c.ID, c.TargetIdentity, string(c.Type), string(params), fmtTime(c.ScheduledAt), string(c.Status),
		fmtNullableTime(c.SentAt), fmtNullableTime(c.AckedAt), fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt))
	return err
}

func (s *Store) GetCommand(ctx context.Context, id string) (*domain.Command, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,identity,type,params_json,scheduled_at,status,sent_at,acked_at,created_at,updated_at
FROM commands WHERE id=?
`, id)
	return scanCommand(row)
}

// ListPendingDue returns pending commands whose scheduled_at <= now, oldest first.
func (s *Store) ListPendingDue(ctx context.Context, now time.Time, limit int) ([]*domain.Command, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id,identity,type,params_json,scheduled_at,status,sent_at,acked_at,created_at,updated_at
FROM commands WHERE status=? AND scheduled_at<=? ORDER BY scheduled_at ASC LIMIT ?
`, string(domain.CommandStatusPending), fmtTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// TransitionCommandStatus performs a conditional from->to status write and
// reports whether the row actually moved. Zero rows means a concurrent writer
// won the race (e.g. cancel vs dispatch) and the caller must not proceed as
// if its transition happened.
func (s *Store) TransitionCommandStatus(ctx context.Context, id string, from, to domain.CommandStatus, sentAt, ackedAt *time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE commands SET status=?,
  sent_at=COALESCE(?, sent_at),
  acked_at=COALESCE(?, acked_at),
  updated_at=?
WHERE id=? AND status=?
`, string(to), fmtNullableTime(sentAt), fmtNullableTime(ackedAt), fmtTime(time.Now()), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListSentCommands returns all rows still in sent, oldest first. Used to
// rebuild in-flight acknowledgment bookkeeping after a restart.
func (s *Store) ListSentCommands(ctx context.Context) ([]*domain.Command, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,identity,type,params_json,scheduled_at,status,sent_at,acked_at,created_at,updated_at
FROM commands WHERE status=? ORDER BY sent_at ASC
`, string(domain.CommandStatusSent))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteFinalCommandsBefore purges terminal-state commands older than cutoff.
func (s *Store) DeleteFinalCommandsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM commands WHERE status IN (?,?,?) AND updated_at < ?
`, string(domain.CommandStatusAcknowledged), string(domain.CommandStatusTimedOut), string(domain.CommandStatusCancelled), fmtTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type commandScanner interface {
	Scan(dest ...interface{}) error
}

func scanCommand(row commandScanner) (*domain.Command, error) {
	var c domain.Command
	var typ, status, paramsJSON string
	var scheduled, created, updated string
	var sentAt, ackedAt sql.NullString
	if err := row.Scan(&c.ID, &c.TargetIdentity, &typ, &paramsJSON, &scheduled, &status, &sentAt, &ackedAt, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	c.Type = domain.CommandType(typ)
	c.Status = domain.CommandStatus(status)
	if paramsJSON != "" {
		_ = json.Unmarshal([]byte(paramsJSON), &c.Params)
	}
	c.ScheduledAt = parseTime(scheduled)
	c.SentAt = parseNullableTime(sentAt)
	c.AckedAt = parseNullableTime(ackedAt)
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

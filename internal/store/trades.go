package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/eafleet/gofleet/internal/domain"
)

// InsertTrade appends a terminal-state trade record. Rows are immutable once
// written; there is no update path.
func (s *Store) InsertTrade(ctx context.Context, t *domain.TradeRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO trades (id,command_id,identity,ticket,symbol,side,status,request_price,fill_price,close_price,volume,stop_loss,take_profit,profit,commission,swap,net_profit,requested_at,filled_at,closed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`, t.ID, t.CommandID, t.Identity, t.Ticket, t.Symbol, t.Side, string(t.Status),
		t.RequestPrice, t.FillPrice, t.ClosePrice, t.Volume, t.StopLoss, t.TakeProfit,
		t.Profit, t.Commission, t.Swap, t.NetProfit,
		fmtTime(t.RequestedAt), fmtNullableTime(t.FilledAt), fmtNullableTime(t.ClosedAt))
	return err
}

// ListTrades returns history rows, newest first. identity == "" lists all.
func (s *Store) ListTrades(ctx context.Context, identity string, limit int) ([]*domain.TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if identity == "" {
		rows, err = s.db.QueryContext(ctx, `
SELECT id,command_id,identity,ticket,symbol,side,status,request_price,fill_price,close_price,volume,stop_loss,take_profit,profit,commission,swap,net_profit,requested_at,filled_at,closed_at
FROM trades ORDER BY requested_at DESC LIMIT ?
`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
SELECT id,command_id,identity,ticket,symbol,side,status,request_price,fill_price,close_price,volume,stop_loss,take_profit,profit,commission,swap,net_profit,requested_at,filled_at,closed_at
FROM trades WHERE identity=? ORDER BY requested_at DESC LIMIT ?
`, identity, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.TradeRecord
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTrade(rows *sql.Rows) (*domain.TradeRecord, error) {
	var t domain.TradeRecord
	var status, requested string
	var filledAt, closedAt sql.NullString
	if err := rows.Scan(&t.ID, &t.CommandID, &t.Identity, &t.Ticket, &t.Symbol, &t.Side, &status,
		&t.RequestPrice, &t.FillPrice, &t.ClosePrice, &t.Volume, &t.StopLoss, &t.TakeProfit,
		&t.Profit, &t.Commission, &t.Swap, &t.NetProfit, &requested, &filledAt, &closedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t.Status = domain.TradeStatus(status)
	t.RequestedAt = parseTime(requested)
	t.FilledAt = parseNullableTime(filledAt)
	t.ClosedAt = parseNullableTime(closedAt)
	return &t, nil
}

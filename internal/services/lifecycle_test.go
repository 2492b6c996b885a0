package services

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/eafleet/gofleet/internal/domain"
	"github.com/eafleet/gofleet/internal/events"
)

func newTestLifecycle(t *testing.T) *TradeLifecycleTracker {
	t.Helper()
	return NewTradeLifecycleTracker(newTestStore(t), events.NewBus())
}

func placeOrderCommand(id, identity string) *domain.Command {
	return &domain.Command{
		ID:             id,
		TargetIdentity: identity,
		Type:           domain.CommandPlaceOrder,
		Params: map[string]string{
			"symbol":      "EURUSD",
			"side":        "buy",
			"price":       "1.10000",
			"volume":      "0.5",
			"stop_loss":   "1.09000",
			"take_profit": "1.12000",
		},
		Status:    domain.CommandStatusAcknowledged,
		CreatedAt: time.Now(),
	}
}

// 完整生命周期：命令 → 成交 → 平仓，净利润按带符号费用口径计算
func TestLifecycleCommandFillClose(t *testing.T) {
	lt := newTestLifecycle(t)
	ctx := context.Background()

	rec := lt.RecordCommand(placeOrderCommand("cmd-1", "ea-1"))
	if rec.Status != domain.TradeStatusPending {
		t.Fatalf("expected pending, got %s", rec.Status)
	}

	filled := lt.RecordFill(events.FillEvent{
		Identity: "ea-1", Ticket: 9001, Symbol: "EURUSD", Side: "buy",
		Price: 1.10010, Volume: 0.5, Timestamp: time.Now(),
	})
	if filled.ID != rec.ID {
		t.Fatalf("fill must match the pending record")
	}
	if filled.Status != domain.TradeStatusFilled || filled.Ticket != 9001 {
		t.Fatalf("unexpected record after fill: %+v", filled)
	}
	if len(lt.GetActive()) != 1 {
		t.Fatalf("expected 1 active record")
	}

	closed := lt.RecordClose(ctx, events.CloseEvent{
		Identity: "ea-1", Ticket: 9001, Symbol: "EURUSD",
		ClosePrice: 1.11500, Profit: 25.0, Commission: -7.0, Swap: -2.0,
		Timestamp: time.Now(),
	})
	if closed.Status != domain.TradeStatusClosed {
		t.Fatalf("expected closed, got %s", closed.Status)
	}
	if math.Abs(closed.NetProfit-16.0) > 1e-9 {
		t.Fatalf("expected net profit 16.0, got %v", closed.NetProfit)
	}
	if len(lt.GetActive()) != 0 {
		t.Fatalf("closed record must leave the active set")
	}

	history, err := lt.GetHistory(ctx, "ea-1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Status != domain.TradeStatusClosed {
		t.Fatalf("expected closed record in history, got %+v", history)
	}
	if math.Abs(history[0].NetProfit-16.0) > 1e-9 {
		t.Fatalf("persisted net profit mismatch: %v", history[0].NetProfit)
	}
}

// 同身份同品种有多条 pending 时，成交只更新最早的那一条
func TestLifecycleFillMatchesOldestPendingOnly(t *testing.T) {
	lt := newTestLifecycle(t)

	first := lt.RecordCommand(placeOrderCommand("cmd-1", "ea-1"))
	time.Sleep(2 * time.Millisecond)
	second := lt.RecordCommand(placeOrderCommand("cmd-2", "ea-1"))

	filled := lt.RecordFill(events.FillEvent{
		Identity: "ea-1", Ticket: 9001, Symbol: "EURUSD", Side: "buy",
		Price: 1.1, Volume: 0.5, Timestamp: time.Now(),
	})
	if filled.ID != first.ID {
		t.Fatalf("fill must match the oldest pending record")
	}

	var pendingCount int
	for _, r := range lt.GetActive() {
		if r.Status == domain.TradeStatusPending {
			pendingCount++
			if r.ID != second.ID {
				t.Fatalf("unexpected pending record %s", r.ID)
			}
		}
	}
	if pendingCount != 1 {
		t.Fatalf("exactly one record must stay pending, got %d", pendingCount)
	}
}

// 平仓事件优先按 ticket 匹配，而不是 (identity, symbol) 里最早的
func TestLifecycleClosePrefersTicketMatch(t *testing.T) {
	lt := newTestLifecycle(t)
	ctx := context.Background()

	_ = lt.RecordFill(events.FillEvent{Identity: "ea-1", Ticket: 100, Symbol: "EURUSD", Side: "buy", Price: 1.1, Volume: 0.1, Timestamp: time.Now()})
	second := lt.RecordFill(events.FillEvent{Identity: "ea-1", Ticket: 200, Symbol: "EURUSD", Side: "buy", Price: 1.2, Volume: 0.1, Timestamp: time.Now()})

	closed := lt.RecordClose(ctx, events.CloseEvent{Identity: "ea-1", Ticket: 200, Symbol: "EURUSD", ClosePrice: 1.25, Profit: 5, Timestamp: time.Now()})
	if closed.ID != second.ID {
		t.Fatalf("close must match by ticket first")
	}
	if len(lt.GetActive()) != 1 {
		t.Fatalf("the other position must stay active")
	}
}

func TestLifecycleCancelPending(t *testing.T) {
	lt := newTestLifecycle(t)
	ctx := context.Background()

	rec := lt.RecordCommand(placeOrderCommand("cmd-1", "ea-1"))
	cancelled := lt.RecordCancel(ctx, events.CancelEvent{Identity: "ea-1", Symbol: "EURUSD", Timestamp: time.Now()})
	if cancelled == nil || cancelled.ID != rec.ID {
		t.Fatalf("cancel must match the pending record")
	}
	if cancelled.Status != domain.TradeStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if len(lt.GetActive()) != 0 {
		t.Fatalf("cancelled record must leave the active set")
	}

	history, _ := lt.GetHistory(ctx, "ea-1", 10)
	if len(history) != 1 || history[0].Status != domain.TradeStatusCancelled {
		t.Fatalf("expected cancelled record in history")
	}
}

// 无匹配的成交事件降级为新建记录，不丢事件
func TestLifecycleUnmatchedFillCreatesRecord(t *testing.T) {
	lt := newTestLifecycle(t)

	rec := lt.RecordFill(events.FillEvent{
		Identity: "ea-9", Ticket: 555, Symbol: "XAUUSD", Side: "sell",
		Price: 2400.5, Volume: 0.2, Timestamp: time.Now(),
	})
	if rec.Status != domain.TradeStatusFilled || rec.CommandID != "" {
		t.Fatalf("expected autonomous filled record, got %+v", rec)
	}
	if len(lt.GetActive()) != 1 {
		t.Fatalf("expected 1 active record")
	}
}

func TestLifecycleJournalNewestFirst(t *testing.T) {
	lt := newTestLifecycle(t)

	lt.RecordCommand(placeOrderCommand("cmd-1", "ea-1"))
	entries := lt.GetJournal(0)
	if len(entries) == 0 {
		t.Fatalf("expected journal entries")
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp.After(entries[i-1].Timestamp) {
			t.Fatalf("journal must be newest first")
		}
	}
}

package services

import (
	"context"
	"testing"
	"time"

	"github.com/eafleet/gofleet/internal/domain"
	"github.com/eafleet/gofleet/internal/events"
)

// fakeGateway 可编程的终端查询面
type fakeGateway struct {
	positions  []domain.TerminalPosition
	orders     []domain.TerminalOrder
	executions []domain.TerminalExecution
	err        error
}

func (g *fakeGateway) ListOpenPositions(ctx context.Context) ([]domain.TerminalPosition, error) {
	return g.positions, g.err
}

func (g *fakeGateway) ListWorkingOrders(ctx context.Context) ([]domain.TerminalOrder, error) {
	return g.orders, g.err
}

func (g *fakeGateway) QueryExecutions(ctx context.Context, from, to time.Time) ([]domain.TerminalExecution, error) {
	return g.executions, g.err
}

func newTestReconciler(t *testing.T, gw *fakeGateway) (*StateReconciler, *EARegistry, *TradeLifecycleTracker, *events.Bus) {
	t.Helper()
	st := newTestStore(t)
	registry := NewEARegistry(st, time.Minute)
	lifecycle := NewTradeLifecycleTracker(st, events.NewBus())
	bus := events.NewBus()
	r := NewStateReconciler(gw, registry, lifecycle, bus, time.Minute)
	return r, registry, lifecycle, bus
}

// 快照里出现未注册身份时以 snapshot-discovered 来源静默注册；magic 0 忽略
func TestReconcilerSnapshotDiscovery(t *testing.T) {
	gw := &fakeGateway{
		positions: []domain.TerminalPosition{
			{Ticket: 1, Magic: 77, Symbol: "EURUSD", Side: "buy", Volume: 0.1, OpenedAt: time.Now()},
			{Ticket: 2, Magic: 0, Symbol: "GBPUSD", Side: "sell", Volume: 1.0, OpenedAt: time.Now()}, // 人工持仓
		},
	}
	r, registry, _, _ := newTestReconciler(t, gw)
	ctx := context.Background()

	if err := r.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	agent, err := registry.Get(ctx, "77")
	if err != nil || agent == nil {
		t.Fatalf("expected snapshot-discovered agent: %v", err)
	}
	if agent.Provenance != domain.ProvenanceSnapshotDiscovered {
		t.Fatalf("expected provenance snapshot-discovered, got %s", agent.Provenance)
	}
	if agent.Status != domain.AgentStatusActive {
		t.Fatalf("expected active, got %s", agent.Status)
	}

	agents, _ := registry.List(ctx)
	if len(agents) != 1 {
		t.Fatalf("manual activity (magic 0) must not be registered, got %d agents", len(agents))
	}
}

// 上一快照里的持仓消失，按平仓处理并写入历史
func TestReconcilerDisappearedPositionClosed(t *testing.T) {
	gw := &fakeGateway{
		positions: []domain.TerminalPosition{
			{Ticket: 10, Magic: 42, Symbol: "EURUSD", Side: "buy", Volume: 0.5, CurrentPrice: 1.105, Profit: 12.5, OpenedAt: time.Now()},
		},
	}
	r, _, lifecycle, _ := newTestReconciler(t, gw)
	ctx := context.Background()

	if err := r.Reconcile(ctx); err != nil {
		t.Fatalf("first cycle: %v", err)
	}

	gw.positions = nil
	if err := r.Reconcile(ctx); err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	history, err := lifecycle.GetHistory(ctx, "42", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Status != domain.TradeStatusClosed {
		t.Fatalf("expected closed record for disappeared position, got %+v", history)
	}
	if history[0].Ticket != 10 {
		t.Fatalf("expected ticket 10, got %d", history[0].Ticket)
	}
}

// 尾随窗口重叠导致同一条成交重复出现，票据缓存保证只处理一次
func TestReconcilerExecutionDedupe(t *testing.T) {
	gw := &fakeGateway{
		executions: []domain.TerminalExecution{
			{Ticket: 500, Magic: 42, Symbol: "EURUSD", Side: "buy", Kind: "fill", Volume: 0.1, Price: 1.1, ExecutedAt: time.Now()},
		},
	}
	r, _, lifecycle, _ := newTestReconciler(t, gw)
	ctx := context.Background()

	if err := r.Reconcile(ctx); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if err := r.Reconcile(ctx); err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	if n := len(lifecycle.GetActive()); n != 1 {
		t.Fatalf("duplicated execution must be processed once, got %d active records", n)
	}
}

// 同一票据的 fill 与 close 共享票据号，去重不得吞掉成交之后的平仓
func TestReconcilerFillThenCloseSameTicket(t *testing.T) {
	gw := &fakeGateway{
		executions: []domain.TerminalExecution{
			{Ticket: 900, Magic: 42, Symbol: "EURUSD", Side: "buy", Kind: "fill", Volume: 0.1, Price: 1.1, ExecutedAt: time.Now()},
		},
	}
	r, _, lifecycle, _ := newTestReconciler(t, gw)
	ctx := context.Background()

	if err := r.Reconcile(ctx); err != nil {
		t.Fatalf("first cycle: %v", err)
	}

	gw.executions = []domain.TerminalExecution{
		{Ticket: 900, Magic: 42, Symbol: "EURUSD", Kind: "close", Price: 1.105, Profit: 5, ExecutedAt: time.Now()},
	}
	if err := r.Reconcile(ctx); err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	history, err := lifecycle.GetHistory(ctx, "42", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Status != domain.TradeStatusClosed {
		t.Fatalf("expected closed record, got %+v", history)
	}
	if n := len(lifecycle.GetActive()); n != 0 {
		t.Fatalf("expected no active records after close, got %d", n)
	}
}

// 每个周期至多一条合并后的 sync-update
func TestReconcilerCoalescedSyncUpdate(t *testing.T) {
	gw := &fakeGateway{
		positions: []domain.TerminalPosition{
			{Ticket: 1, Magic: 11, Symbol: "EURUSD", Side: "buy", Volume: 0.1, OpenedAt: time.Now()},
			{Ticket: 2, Magic: 12, Symbol: "GBPUSD", Side: "sell", Volume: 0.2, OpenedAt: time.Now()},
		},
	}
	r, _, _, bus := newTestReconciler(t, gw)
	ctx := context.Background()

	var updates []events.SyncUpdatePayload
	bus.Subscribe(events.KindSyncUpdate, func(u events.Update) {
		updates = append(updates, u.Payload.(events.SyncUpdatePayload))
	})

	if err := r.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("expected exactly one sync-update per cycle, got %d", len(updates))
	}
	if len(updates[0].Added) != 2 {
		t.Fatalf("expected 2 added identities, got %v", updates[0].Added)
	}

	// 无差异的周期不推送
	if err := r.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("no-diff cycle must not publish, got %d", len(updates))
	}
}

// 消失且没转成持仓的挂单按撤单处理
func TestReconcilerDisappearedOrderCancelled(t *testing.T) {
	gw := &fakeGateway{
		orders: []domain.TerminalOrder{
			{Ticket: 300, Magic: 42, Symbol: "EURUSD", Side: "buy", Volume: 0.1, Price: 1.09, PlacedAt: time.Now()},
		},
	}
	r, _, lifecycle, _ := newTestReconciler(t, gw)
	ctx := context.Background()

	// 先建一条 pending 记录供撤单事件匹配
	lifecycle.RecordCommand(placeOrderCommand("cmd-1", "42"))

	if err := r.Reconcile(ctx); err != nil {
		t.Fatalf("first cycle: %v", err)
	}

	gw.orders = nil
	if err := r.Reconcile(ctx); err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	history, _ := lifecycle.GetHistory(ctx, "42", 10)
	if len(history) != 1 || history[0].Status != domain.TradeStatusCancelled {
		t.Fatalf("expected cancelled record, got %+v", history)
	}
}

// 终端查询失败时整个周期放弃，上一快照保留，不会把持仓误判为消失
func TestReconcilerGatewayFailureSkipsCycle(t *testing.T) {
	gw := &fakeGateway{
		positions: []domain.TerminalPosition{
			{Ticket: 1, Magic: 42, Symbol: "EURUSD", Side: "buy", Volume: 0.1, OpenedAt: time.Now()},
		},
	}
	r, _, lifecycle, _ := newTestReconciler(t, gw)
	ctx := context.Background()

	if err := r.Reconcile(ctx); err != nil {
		t.Fatalf("first cycle: %v", err)
	}

	gw.err = context.DeadlineExceeded
	gw.positions = nil
	if err := r.Reconcile(ctx); err == nil {
		t.Fatalf("expected error from failed cycle")
	}

	history, _ := lifecycle.GetHistory(ctx, "42", 10)
	if len(history) != 0 {
		t.Fatalf("failed cycle must not fabricate closes, got %+v", history)
	}
}

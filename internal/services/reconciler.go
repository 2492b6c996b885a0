package services

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eafleet/gofleet/internal/domain"
	"github.com/eafleet/gofleet/internal/events"
	"github.com/eafleet/gofleet/internal/terminal"
	"github.com/eafleet/gofleet/pkg/cache"
)

var reconcilerLog = logrus.WithField("component", "state_reconciler")

// DefaultExecutionWindow 成交尾随查询窗口：每个周期查 [now-window, now]，
// 窗口重叠靠票据缓存去重。
const DefaultExecutionWindow = 2 * time.Minute

// positionKey 对账以终端票据号为持仓身份
type positionKey = int64

// StateReconciler 状态对账器。
//
// 终端是持仓/挂单的唯一权威：每个周期拉取终端快照，与上一周期快照按
// 票据号做三向 diff（新增/变更/消失），把差异转成生命周期事件喂给跟踪器。
// magic 为 0 的条目是人工活动，整个对账流程忽略。
// 快照里出现未注册身份时以 snapshot-discovered 来源注册（状态 active）。
type StateReconciler struct {
	gateway   terminal.Gateway
	registry  *EARegistry
	lifecycle *TradeLifecycleTracker
	bus       *events.Bus

	executionWindow time.Duration
	seenTickets     *cache.TicketCache

	prev       map[positionKey]domain.TerminalPosition
	prevOrders map[positionKey]domain.TerminalOrder
}

// NewStateReconciler 创建对账器
func NewStateReconciler(gw terminal.Gateway, registry *EARegistry, lifecycle *TradeLifecycleTracker, bus *events.Bus, executionWindow time.Duration) *StateReconciler {
	if executionWindow <= 0 {
		executionWindow = DefaultExecutionWindow
	}
	return &StateReconciler{
		gateway:         gw,
		registry:        registry,
		lifecycle:       lifecycle,
		bus:             bus,
		executionWindow: executionWindow,
		// 去重缓存保留两倍窗口，确保覆盖相邻周期的重叠
		seenTickets: cache.NewTicketCache(2 * executionWindow),
		prev:        make(map[positionKey]domain.TerminalPosition),
		prevOrders:  make(map[positionKey]domain.TerminalOrder),
	}
}

// Reconcile 执行一个对账周期。
// 终端查询失败时本周期放弃（保留上一快照），不产生任何半套差异。
func (r *StateReconciler) Reconcile(ctx context.Context) error {
	now := time.Now()

	positions, err := r.gateway.ListOpenPositions(ctx)
	if err != nil {
		reconcilerLog.Warnf("拉取终端持仓失败，本周期跳过: %v", err)
		return err
	}
	orders, err := r.gateway.ListWorkingOrders(ctx)
	if err != nil {
		reconcilerLog.Warnf("拉取终端挂单失败，本周期跳过: %v", err)
		return err
	}
	executions, err := r.gateway.QueryExecutions(ctx, now.Add(-r.executionWindow), now)
	if err != nil {
		reconcilerLog.Warnf("拉取终端成交失败，本周期跳过: %v", err)
		return err
	}

	current := make(map[positionKey]domain.TerminalPosition, len(positions))
	for _, p := range positions {
		if p.Magic == 0 {
			continue // 人工活动
		}
		current[p.Ticket] = p
	}

	addedSet := make(map[string]struct{})
	mutatedSet := make(map[string]struct{})
	removedSet := make(map[string]struct{})

	// 新增与变更
	for ticket, p := range current {
		identity := p.Identity()
		if err := r.ensureRegistered(ctx, &p); err != nil {
			reconcilerLog.Errorf("快照发现注册失败: identity=%s err=%v", identity, err)
		}

		old, existed := r.prev[ticket]
		if !existed {
			addedSet[identity] = struct{}{}
			continue
		}
		if positionMutated(old, p) {
			mutatedSet[identity] = struct{}{}
		}
	}

	// 消失的持仓：权威侧已不存在，按平仓处理
	for ticket, old := range r.prev {
		if _, stillOpen := current[ticket]; stillOpen {
			continue
		}
		identity := old.Identity()
		removedSet[identity] = struct{}{}
		r.lifecycle.RecordClose(ctx, events.CloseEvent{
			Identity:   identity,
			Ticket:     ticket,
			Symbol:     old.Symbol,
			ClosePrice: old.CurrentPrice,
			Profit:     old.Profit,
			Swap:       old.Swap,
			Timestamp:  now,
		})
		reconcilerLog.Infof("对账发现持仓消失，记为平仓: identity=%s ticket=%d", identity, ticket)
	}

	currentOrders := make(map[positionKey]domain.TerminalOrder, len(orders))
	for _, o := range orders {
		if o.Magic == 0 {
			continue
		}
		currentOrders[o.Ticket] = o
	}

	// 消失的挂单：没有转成同票据持仓就视为撤单
	for ticket, old := range r.prevOrders {
		if _, stillWorking := currentOrders[ticket]; stillWorking {
			continue
		}
		if _, becamePosition := current[ticket]; becamePosition {
			continue
		}
		r.lifecycle.RecordCancel(ctx, events.CancelEvent{
			Identity:  old.Identity(),
			Ticket:    ticket,
			Symbol:    old.Symbol,
			Timestamp: now,
		})
	}

	r.applyExecutions(ctx, executions)

	r.prev = current
	r.prevOrders = currentOrders

	if len(addedSet)+len(removedSet)+len(mutatedSet) > 0 {
		r.publishSyncUpdate(addedSet, removedSet, mutatedSet)
	}
	return nil
}

// applyExecutions 把尾随窗口内未处理过的成交记录转为生命周期事件
func (r *StateReconciler) applyExecutions(ctx context.Context, executions []domain.TerminalExecution) {
	for _, e := range executions {
		if e.Magic == 0 {
			continue
		}
		if r.seenTickets.Seen(e.Ticket, e.Kind) {
			continue
		}
		identity := e.Identity()
		switch e.Kind {
		case "fill":
			r.lifecycle.RecordFill(events.FillEvent{
				Identity:  identity,
				Ticket:    e.Ticket,
				Symbol:    e.Symbol,
				Side:      e.Side,
				Price:     e.Price,
				Volume:    e.Volume,
				Timestamp: e.ExecutedAt,
			})
		case "close":
			r.lifecycle.RecordClose(ctx, events.CloseEvent{
				Identity:   identity,
				Ticket:     e.Ticket,
				Symbol:     e.Symbol,
				ClosePrice: e.Price,
				Profit:     e.Profit,
				Commission: e.Commission,
				Swap:       e.Swap,
				Timestamp:  e.ExecutedAt,
			})
		case "cancel":
			r.lifecycle.RecordCancel(ctx, events.CancelEvent{
				Identity:  identity,
				Ticket:    e.Ticket,
				Symbol:    e.Symbol,
				Timestamp: e.ExecutedAt,
			})
		default:
			reconcilerLog.Debugf("未知成交类型，忽略: kind=%s ticket=%d", e.Kind, e.Ticket)
		}
	}
}

// ensureRegistered 快照中出现未注册身份时静默注册（snapshot-discovered，状态 active）
func (r *StateReconciler) ensureRegistered(ctx context.Context, p *domain.TerminalPosition) error {
	_, err := r.registry.GetOrCreate(ctx, p.Magic, p.InstanceUID, AgentDefaults{
		Symbol:     p.Symbol,
		Status:     domain.AgentStatusActive,
		Provenance: domain.ProvenanceSnapshotDiscovered,
	})
	return err
}

// positionMutated 判断持仓的受关注字段是否发生变化（当前价波动不算）
func positionMutated(old, cur domain.TerminalPosition) bool {
	return old.Volume != cur.Volume ||
		old.OpenPrice != cur.OpenPrice ||
		old.Side != cur.Side ||
		old.Symbol != cur.Symbol
}

// publishSyncUpdate 每个周期至多一条合并后的 sync-update
func (r *StateReconciler) publishSyncUpdate(added, removed, mutated map[string]struct{}) {
	payload := events.SyncUpdatePayload{
		Added:   sortedKeys(added),
		Removed: sortedKeys(removed),
		Mutated: sortedKeys(mutated),
	}
	reconcilerLog.Infof("对账周期差异: added=%d removed=%d mutated=%d", len(payload.Added), len(payload.Removed), len(payload.Mutated))
	if r.bus != nil {
		r.bus.Publish(events.KindSyncUpdate, payload)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

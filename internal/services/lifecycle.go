package services

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eafleet/gofleet/internal/domain"
	"github.com/eafleet/gofleet/internal/events"
	"github.com/eafleet/gofleet/internal/store"
)

var lifecycleLog = logrus.WithField("component", "trade_lifecycle")

// DefaultJournalCapacity 内存日志保留的最近条目数
const DefaultJournalCapacity = 500

// JournalEntry 人读日志条目（最近的在前）
type JournalEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Identity  string    `json:"identity"`
	Message   string    `json:"message"`
}

// TradeLifecycleTracker 交易生命周期跟踪器。
//
// 活动记录（pending/filled）驻内存；进入终态（closed/cancelled）即写入
// 持久历史并从活动集合移除，历史记录不可变。事件与记录的关联是启发式的
// （成交按最早的同身份同品种 pending 匹配，平仓优先 ticket），
// 无法匹配时降级为新建记录而不是丢事件。
type TradeLifecycleTracker struct {
	store *store.Store
	bus   *events.Bus

	mu         sync.Mutex
	active     map[string]*domain.TradeRecord // record id -> 活动记录
	journal    []JournalEntry                 // 最近的在前，容量有界
	journalCap int
}

// NewTradeLifecycleTracker 创建跟踪器
func NewTradeLifecycleTracker(st *store.Store, bus *events.Bus) *TradeLifecycleTracker {
	return &TradeLifecycleTracker{
		store:      st,
		bus:        bus,
		active:     make(map[string]*domain.TradeRecord),
		journalCap: DefaultJournalCapacity,
	}
}

// RecordCommand 由下单类命令在下发时触发：创建 pending 活动记录并写日志。
// 记录必须在确认之前存在——成交可能先经对账通道被观测到。
// 参数缺失按零值处理（降级记录优于丢失）。
func (t *TradeLifecycleTracker) RecordCommand(cmd *domain.Command) *domain.TradeRecord {
	params := cmd.Params
	symbol := params["symbol"]
	side := params["side"]
	price := parseFloatParam(params, "price")
	volume := parseFloatParam(params, "volume")
	stopLoss := parseFloatParam(params, "stop_loss")
	takeProfit := parseFloatParam(params, "take_profit")

	rec := &domain.TradeRecord{
		ID:           uuid.NewString(),
		CommandID:    cmd.ID,
		Identity:     cmd.TargetIdentity,
		Symbol:       symbol,
		Side:         side,
		Status:       domain.TradeStatusPending,
		RequestPrice: price,
		Volume:       volume,
		StopLoss:     stopLoss,
		TakeProfit:   takeProfit,
		RequestedAt:  time.Now(),
	}

	t.mu.Lock()
	t.active[rec.ID] = rec
	t.appendJournalLocked(rec.Identity, fmt.Sprintf("开仓请求 %s %s %.2f手 @%.5f", side, symbol, volume, price))
	if stopLoss > 0 {
		t.appendJournalLocked(rec.Identity, fmt.Sprintf("止损 %.5f", stopLoss))
	}
	if takeProfit > 0 {
		t.appendJournalLocked(rec.Identity, fmt.Sprintf("止盈 %.5f", takeProfit))
	}
	if stopLoss > 0 && takeProfit > 0 && price > 0 {
		if rr, ok := riskReward(price, stopLoss, takeProfit); ok {
			t.appendJournalLocked(rec.Identity, fmt.Sprintf("盈亏比 %.2f", rr))
		}
	}
	t.mu.Unlock()

	lifecycleLog.Infof("创建交易记录: id=%s identity=%s symbol=%s side=%s", rec.ID, rec.Identity, symbol, side)
	t.publishTradeUpdate(rec)
	return rec
}

// RecordFill 处理成交事件：匹配最早的同身份同品种 pending 记录置 filled，
// 无匹配时新建一条 filled 记录（代理自主开仓）。
func (t *TradeLifecycleTracker) RecordFill(ev events.FillEvent) *domain.TradeRecord {
	t.mu.Lock()
	rec := t.oldestPendingLocked(ev.Identity, ev.Symbol)
	if rec == nil {
		rec = &domain.TradeRecord{
			ID:          uuid.NewString(),
			Identity:    ev.Identity,
			Symbol:      ev.Symbol,
			Side:        ev.Side,
			Status:      domain.TradeStatusPending,
			RequestedAt: ev.Timestamp,
		}
		t.active[rec.ID] = rec
		lifecycleLog.Infof("成交事件无匹配的 pending 记录，新建: identity=%s symbol=%s ticket=%d", ev.Identity, ev.Symbol, ev.Ticket)
	}

	ts := ev.Timestamp
	rec.Status = domain.TradeStatusFilled
	rec.Ticket = ev.Ticket
	rec.FillPrice = ev.Price
	if ev.Volume > 0 {
		rec.Volume = ev.Volume
	}
	if rec.Side == "" {
		rec.Side = ev.Side
	}
	rec.FilledAt = &ts
	t.appendJournalLocked(rec.Identity, fmt.Sprintf("成交 %s %s ticket=%d @%.5f", rec.Side, rec.Symbol, ev.Ticket, ev.Price))
	t.mu.Unlock()

	lifecycleLog.Infof("交易成交: id=%s ticket=%d price=%.5f", rec.ID, ev.Ticket, ev.Price)
	t.publishTradeUpdate(rec)
	return rec
}

// RecordClose 处理平仓事件：优先按 ticket 匹配，退化到 (identity, symbol)。
// 计算净利润（带符号费用口径）、写入持久历史、移出活动集合。
func (t *TradeLifecycleTracker) RecordClose(ctx context.Context, ev events.CloseEvent) *domain.TradeRecord {
	t.mu.Lock()
	rec := t.matchByTicketLocked(ev.Ticket)
	if rec == nil {
		rec = t.oldestFilledLocked(ev.Identity, ev.Symbol)
	}
	if rec == nil {
		rec = &domain.TradeRecord{
			ID:          uuid.NewString(),
			Identity:    ev.Identity,
			Symbol:      ev.Symbol,
			Ticket:      ev.Ticket,
			Status:      domain.TradeStatusFilled,
			RequestedAt: ev.Timestamp,
		}
		lifecycleLog.Infof("平仓事件无匹配的活动记录，新建: identity=%s symbol=%s ticket=%d", ev.Identity, ev.Symbol, ev.Ticket)
	}

	ts := ev.Timestamp
	rec.Status = domain.TradeStatusClosed
	rec.ClosePrice = ev.ClosePrice
	rec.Profit = ev.Profit
	rec.Commission = ev.Commission
	rec.Swap = ev.Swap
	rec.NetProfit = domain.ComputeNetProfit(ev.Profit, ev.Commission, ev.Swap)
	rec.ClosedAt = &ts
	delete(t.active, rec.ID)
	t.appendJournalLocked(rec.Identity, fmt.Sprintf("平仓 %s ticket=%d @%.5f 净利润=%.2f", rec.Symbol, ev.Ticket, ev.ClosePrice, rec.NetProfit))
	t.mu.Unlock()

	if err := t.store.InsertTrade(ctx, rec); err != nil {
		lifecycleLog.Errorf("写入交易历史失败: id=%s err=%v", rec.ID, err)
	}
	lifecycleLog.Infof("交易关闭: id=%s ticket=%d netProfit=%.2f", rec.ID, ev.Ticket, rec.NetProfit)
	t.publishTradeUpdate(rec)
	return rec
}

// RecordCancel 处理撤单事件：pending 记录置 cancelled 并归档。
func (t *TradeLifecycleTracker) RecordCancel(ctx context.Context, ev events.CancelEvent) *domain.TradeRecord {
	t.mu.Lock()
	rec := t.matchByTicketLocked(ev.Ticket)
	if rec == nil {
		rec = t.oldestPendingLocked(ev.Identity, ev.Symbol)
	}
	if rec == nil {
		t.mu.Unlock()
		lifecycleLog.Debugf("撤单事件无匹配记录，忽略: identity=%s symbol=%s ticket=%d", ev.Identity, ev.Symbol, ev.Ticket)
		return nil
	}

	ts := ev.Timestamp
	rec.Status = domain.TradeStatusCancelled
	rec.ClosedAt = &ts
	delete(t.active, rec.ID)
	t.appendJournalLocked(rec.Identity, fmt.Sprintf("撤单 %s ticket=%d", rec.Symbol, ev.Ticket))
	t.mu.Unlock()

	if err := t.store.InsertTrade(ctx, rec); err != nil {
		lifecycleLog.Errorf("写入交易历史失败: id=%s err=%v", rec.ID, err)
	}
	lifecycleLog.Infof("交易撤单: id=%s ticket=%d", rec.ID, ev.Ticket)
	t.publishTradeUpdate(rec)
	return rec
}

// GetActive 返回活动记录快照
func (t *TradeLifecycleTracker) GetActive() []*domain.TradeRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*domain.TradeRecord, 0, len(t.active))
	for _, rec := range t.active {
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

// GetHistory 按身份查询持久历史（最新在前）
func (t *TradeLifecycleTracker) GetHistory(ctx context.Context, identity string, limit int) ([]*domain.TradeRecord, error) {
	return t.store.ListTrades(ctx, identity, limit)
}

// GetJournal 返回最近 n 条日志（最近的在前）
func (t *TradeLifecycleTracker) GetJournal(n int) []JournalEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n <= 0 || n > len(t.journal) {
		n = len(t.journal)
	}
	out := make([]JournalEntry, n)
	copy(out, t.journal[:n])
	return out
}

// 按最早 RequestedAt 匹配同身份同品种的 pending 记录（先到先配）
func (t *TradeLifecycleTracker) oldestPendingLocked(identity, symbol string) *domain.TradeRecord {
	var best *domain.TradeRecord
	for _, rec := range t.active {
		if rec.Status != domain.TradeStatusPending || rec.Identity != identity || rec.Symbol != symbol {
			continue
		}
		if best == nil || rec.RequestedAt.Before(best.RequestedAt) {
			best = rec
		}
	}
	return best
}

func (t *TradeLifecycleTracker) oldestFilledLocked(identity, symbol string) *domain.TradeRecord {
	var best *domain.TradeRecord
	for _, rec := range t.active {
		if rec.Status != domain.TradeStatusFilled || rec.Identity != identity || rec.Symbol != symbol {
			continue
		}
		if best == nil || rec.RequestedAt.Before(best.RequestedAt) {
			best = rec
		}
	}
	return best
}

func (t *TradeLifecycleTracker) matchByTicketLocked(ticket int64) *domain.TradeRecord {
	if ticket == 0 {
		return nil
	}
	for _, rec := range t.active {
		if rec.Ticket == ticket {
			return rec
		}
	}
	return nil
}

func (t *TradeLifecycleTracker) appendJournalLocked(identity, msg string) {
	entry := JournalEntry{Timestamp: time.Now(), Identity: identity, Message: msg}
	t.journal = append([]JournalEntry{entry}, t.journal...)
	if len(t.journal) > t.journalCap {
		t.journal = t.journal[:t.journalCap]
	}
}

func (t *TradeLifecycleTracker) publishTradeUpdate(rec *domain.TradeRecord) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(events.KindTradeUpdate, events.TradeUpdatePayload{
		RecordID:  rec.ID,
		Identity:  rec.Identity,
		Symbol:    rec.Symbol,
		Status:    rec.Status,
		NetProfit: rec.NetProfit,
	})
}

func parseFloatParam(params map[string]string, key string) float64 {
	v, ok := params[key]
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}

// riskReward 计算盈亏比 |tp-entry| / |entry-sl|
func riskReward(entry, sl, tp float64) (float64, bool) {
	risk := entry - sl
	if risk < 0 {
		risk = -risk
	}
	reward := tp - entry
	if reward < 0 {
		reward = -reward
	}
	if risk == 0 {
		return 0, false
	}
	return reward / risk, true
}

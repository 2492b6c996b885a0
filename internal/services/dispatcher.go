package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eafleet/gofleet/internal/channel"
	"github.com/eafleet/gofleet/internal/domain"
	"github.com/eafleet/gofleet/internal/events"
	"github.com/eafleet/gofleet/internal/store"
)

var dispatcherLog = logrus.WithField("component", "command_dispatcher")

// DefaultAckTimeout 确认超时：超过后由 CheckTimeouts 标记 timed_out。
// 分发器自身从不重试，重试与否是调用方的决定。
const DefaultAckTimeout = 300 * time.Second

// DefaultInterSendDelay 相邻两次发送之间的固定间隔，避免打满共享通道
const DefaultInterSendDelay = 100 * time.Millisecond

// pendingAck 待确认簿记（按命令 ID 键控，附带发送时间）
type pendingAck struct {
	commandID string
	identity  string
	cmdType   domain.CommandType
	sentAt    time.Time
}

// ackKey 入站控制面按 (identity, commandType) 确认，用二级索引解析回命令 ID
type ackKey struct {
	identity string
	cmdType  domain.CommandType
}

// CommandCallback 命令事件回调
type CommandCallback func(cmd *domain.Command)

// AckCallback 确认回调
type AckCallback = CommandCallback

// CommandDispatcher 命令分发器。
//
// 负责命令创建（单条/按过滤条件批量）、调度、经通道投递、确认跟踪与超时检测、
// 取消与清理。命令一旦交给通道就无法召回——取消只在投递前合法，
// 投递后的「取消」要建模为下发一条对冲命令。
//
// 状态机：pending → {sent, cancelled}；sent → {acknowledged, timed_out}。
// sent 会一直保持，直到两个终结事件之一发生。
type CommandDispatcher struct {
	store    *store.Store
	registry *EARegistry
	ch       channel.Channel
	bus      *events.Bus

	ackTimeout     time.Duration
	interSendDelay time.Duration

	mu          sync.Mutex
	pendingAcks map[string]*pendingAck // command id -> 簿记
	ackIndex    map[ackKey]string      // (identity, type) -> command id
	callbacks   map[string]AckCallback // command id -> 回调
	createdHook CommandCallback        // 每条命令创建成功后触发
}

// NewCommandDispatcher 创建分发器
func NewCommandDispatcher(st *store.Store, registry *EARegistry, ch channel.Channel, bus *events.Bus, ackTimeout, interSendDelay time.Duration) *CommandDispatcher {
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	if interSendDelay <= 0 {
		interSendDelay = DefaultInterSendDelay
	}
	return &CommandDispatcher{
		store:          st,
		registry:       registry,
		ch:             ch,
		bus:            bus,
		ackTimeout:     ackTimeout,
		interSendDelay: interSendDelay,
		pendingAcks:    make(map[string]*pendingAck),
		ackIndex:       make(map[ackKey]string),
		callbacks:      make(map[string]AckCallback),
	}
}

// Create 创建单条命令，scheduledAt 为零值时立即可分发
func (d *CommandDispatcher) Create(ctx context.Context, targetIdentity string, cmdType domain.CommandType, params map[string]string, scheduledAt time.Time) (string, error) {
	now := time.Now()
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	cmd := &domain.Command{
		ID:             uuid.NewString(),
		TargetIdentity: targetIdentity,
		Type:           cmdType,
		Params:         params,
		ScheduledAt:    scheduledAt,
		Status:         domain.CommandStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := d.store.InsertCommand(ctx, cmd); err != nil {
		return "", fmt.Errorf("创建命令失败: %w", err)
	}
	dispatcherLog.Infof("创建命令: id=%s target=%s type=%s", cmd.ID, targetIdentity, cmdType)

	d.mu.Lock()
	hook := d.createdHook
	d.mu.Unlock()
	if hook != nil {
		hook(cmd)
	}
	d.publishCommandUpdate(cmd)
	return cmd.ID, nil
}

// SetCommandCreatedHook 注册命令创建钩子。
// 下单类命令在「下发」时就要建交易记录（成交可能先于确认被对账器观测到），
// 不能等确认。
func (d *CommandDispatcher) SetCommandCreatedHook(cb CommandCallback) {
	d.mu.Lock()
	d.createdHook = cb
	d.mu.Unlock()
}

// Recover 重启后从持久层重建在途簿记：sent 行既要能被确认，也要能超时。
// 发送时间用持久化的 sent_at，重启不重置超时计时。
func (d *CommandDispatcher) Recover(ctx context.Context) error {
	cmds, err := d.store.ListSentCommands(ctx)
	if err != nil {
		return fmt.Errorf("恢复在途命令失败: %w", err)
	}
	if len(cmds) == 0 {
		return nil
	}

	d.mu.Lock()
	for _, cmd := range cmds {
		sentAt := cmd.CreatedAt
		if cmd.SentAt != nil {
			sentAt = *cmd.SentAt
		}
		d.pendingAcks[cmd.ID] = &pendingAck{
			commandID: cmd.ID,
			identity:  cmd.TargetIdentity,
			cmdType:   cmd.Type,
			sentAt:    sentAt,
		}
		d.ackIndex[ackKey{identity: cmd.TargetIdentity, cmdType: cmd.Type}] = cmd.ID
	}
	d.mu.Unlock()

	dispatcherLog.Infof("恢复在途命令簿记: count=%d", len(cmds))
	return nil
}

// CreateBatch 按过滤条件批量创建（各条件取 AND 交集）。
// 零命中时返回空列表，不产生任何写入。
func (d *CommandDispatcher) CreateBatch(ctx context.Context, filter domain.CommandFilter, cmdType domain.CommandType, params map[string]string, scheduledAt time.Time) ([]string, error) {
	agents, err := d.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("批量创建前查询代理失败: %w", err)
	}

	var matched []*domain.Agent
	for _, a := range agents {
		if filter.Matches(a) {
			matched = append(matched, a)
		}
	}
	if len(matched) == 0 {
		return []string{}, nil
	}

	ids := make([]string, 0, len(matched))
	for _, a := range matched {
		id, err := d.Create(ctx, a.IdentityKey(), cmdType, params, scheduledAt)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	dispatcherLog.Infof("批量创建命令: type=%s matched=%d", cmdType, len(ids))
	return ids, nil
}

// GetPending 返回 scheduledAt <= now 的 pending 命令
func (d *CommandDispatcher) GetPending(ctx context.Context, limit int) ([]*domain.Command, error) {
	return d.store.ListPendingDue(ctx, time.Now(), limit)
}

// Execute 经通道投递单条命令。
// 成功：状态置 sent 并登记待确认条目；失败：保持 pending 等待下个周期
// （不升级、不加退避——通道层的失败对发起方不可见）。
func (d *CommandDispatcher) Execute(ctx context.Context, cmd *domain.Command) error {
	envelope := domain.CommandEnvelope{
		CommandID: cmd.ID,
		Type:      string(cmd.Type),
		Params:    cmd.Params,
		IssuedAt:  time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("序列化命令信封失败: %w", err)
	}

	if err := d.ch.Send(cmd.TargetIdentity, payload); err != nil {
		dispatcherLog.Warnf("命令投递失败，保持 pending: id=%s target=%s err=%v", cmd.ID, cmd.TargetIdentity, err)
		return err
	}

	// 条件迁移 pending→sent：取消在投递窗口内抢先落地时这里会写 0 行，
	// 绝不能把 cancelled 改写回 sent。
	now := time.Now()
	moved, err := d.store.TransitionCommandStatus(ctx, cmd.ID, domain.CommandStatusPending, domain.CommandStatusSent, &now, nil)
	if err != nil {
		// 信封已投递但簿记写失败：确认只能最终一致，不回滚
		dispatcherLog.Errorf("更新命令状态失败: id=%s err=%v", cmd.ID, err)
	}
	if err == nil && !moved {
		// 并发取消赢了：信封无法召回，但命令保持 cancelled，不登记待确认
		dispatcherLog.Warnf("命令在投递窗口内被取消，不跟踪确认: id=%s target=%s", cmd.ID, cmd.TargetIdentity)
		return nil
	}
	cmd.Status = domain.CommandStatusSent
	cmd.SentAt = &now

	d.mu.Lock()
	d.pendingAcks[cmd.ID] = &pendingAck{
		commandID: cmd.ID,
		identity:  cmd.TargetIdentity,
		cmdType:   cmd.Type,
		sentAt:    now,
	}
	d.ackIndex[ackKey{identity: cmd.TargetIdentity, cmdType: cmd.Type}] = cmd.ID
	d.mu.Unlock()

	dispatcherLog.Infof("命令已投递: id=%s target=%s type=%s", cmd.ID, cmd.TargetIdentity, cmd.Type)
	d.publishCommandUpdate(cmd)
	return nil
}

// ExecutePending 批量分发到期的 pending 命令，相邻发送之间留固定间隔。
// 返回成功投递的条数。
func (d *CommandDispatcher) ExecutePending(ctx context.Context, maxBatch int) int {
	cmds, err := d.GetPending(ctx, maxBatch)
	if err != nil {
		dispatcherLog.Errorf("查询待分发命令失败: %v", err)
		return 0
	}

	sent := 0
	for i, cmd := range cmds {
		if i > 0 {
			select {
			case <-ctx.Done():
				return sent
			case <-time.After(d.interSendDelay):
			}
		}
		if err := d.Execute(ctx, cmd); err != nil {
			continue // 保持 pending，下个周期重试
		}
		sent++
	}
	return sent
}

// Acknowledge 确认命令：移除待确认条目、触发回调、状态置 acknowledged。
// 条目已移除时为幂等 no-op。
func (d *CommandDispatcher) Acknowledge(ctx context.Context, commandID, identity string) {
	d.mu.Lock()
	pa, ok := d.pendingAcks[commandID]
	if !ok {
		d.mu.Unlock()
		dispatcherLog.Debugf("重复确认，忽略: id=%s identity=%s", commandID, identity)
		return
	}
	delete(d.pendingAcks, commandID)
	delete(d.ackIndex, ackKey{identity: pa.identity, cmdType: pa.cmdType})
	cb := d.callbacks[commandID]
	delete(d.callbacks, commandID)
	d.mu.Unlock()

	now := time.Now()
	if _, err := d.store.TransitionCommandStatus(ctx, commandID, domain.CommandStatusSent, domain.CommandStatusAcknowledged, nil, &now); err != nil {
		dispatcherLog.Errorf("更新确认状态失败: id=%s err=%v", commandID, err)
	}
	dispatcherLog.Infof("命令已确认: id=%s identity=%s 耗时=%v", commandID, identity, now.Sub(pa.sentAt))

	cmd, err := d.store.GetCommand(ctx, commandID)
	if err == nil && cmd != nil {
		if cb != nil {
			cb(cmd)
		}
		d.publishCommandUpdate(cmd)
	}
}

// AcknowledgeFromAgent 入站控制面：按 (identity, commandType) 确认。
// 命令已不在待确认集合时重复确认直接 no-op。
func (d *CommandDispatcher) AcknowledgeFromAgent(ctx context.Context, identity string, cmdType domain.CommandType, outcome string, ts time.Time) {
	d.mu.Lock()
	commandID, ok := d.ackIndex[ackKey{identity: identity, cmdType: cmdType}]
	d.mu.Unlock()
	if !ok {
		dispatcherLog.Debugf("无匹配的待确认命令: identity=%s type=%s outcome=%s", identity, cmdType, outcome)
		return
	}
	d.Acknowledge(ctx, commandID, identity)
}

// OnAcknowledged 注册单条命令的确认回调（确认时触发一次后移除）
func (d *CommandDispatcher) OnAcknowledged(commandID string, cb AckCallback) {
	if cb == nil {
		return
	}
	d.mu.Lock()
	d.callbacks[commandID] = cb
	d.mu.Unlock()
}

// CheckTimeouts 扫描待确认条目，超时的标记 timed_out 并移除簿记，返回超时命令 ID。
// 超时只能通过本方法的返回值观测，分发器不做任何升级或重试。
func (d *CommandDispatcher) CheckTimeouts(ctx context.Context) []string {
	now := time.Now()

	d.mu.Lock()
	var expired []*pendingAck
	for id, pa := range d.pendingAcks {
		if now.Sub(pa.sentAt) > d.ackTimeout {
			expired = append(expired, pa)
			delete(d.pendingAcks, id)
			delete(d.ackIndex, ackKey{identity: pa.identity, cmdType: pa.cmdType})
			delete(d.callbacks, id)
		}
	}
	d.mu.Unlock()

	var ids []string
	for _, pa := range expired {
		if _, err := d.store.TransitionCommandStatus(ctx, pa.commandID, domain.CommandStatusSent, domain.CommandStatusTimedOut, nil, nil); err != nil {
			dispatcherLog.Errorf("更新超时状态失败: id=%s err=%v", pa.commandID, err)
		}
		dispatcherLog.Warnf("命令确认超时: id=%s identity=%s sentAt=%s", pa.commandID, pa.identity, pa.sentAt.Format(time.RFC3339))
		ids = append(ids, pa.commandID)

		if cmd, err := d.store.GetCommand(ctx, pa.commandID); err == nil && cmd != nil {
			d.publishCommandUpdate(cmd)
		}
	}
	return ids
}

// Cancel 取消命令，仅 pending 状态合法。
// 条件迁移 pending→cancelled：与分发循环竞争时写 0 行即失败，
// 不存在 sent 之后再被改成 cancelled 的路径。
func (d *CommandDispatcher) Cancel(ctx context.Context, commandID string) error {
	moved, err := d.store.TransitionCommandStatus(ctx, commandID, domain.CommandStatusPending, domain.CommandStatusCancelled, nil, nil)
	if err != nil {
		return err
	}
	if !moved {
		cmd, err := d.store.GetCommand(ctx, commandID)
		if err != nil {
			return err
		}
		if cmd == nil {
			return fmt.Errorf("命令不存在: %s", commandID)
		}
		return fmt.Errorf("命令 %s 状态为 %s，只有 pending 可取消", commandID, cmd.Status)
	}

	dispatcherLog.Infof("命令已取消: id=%s", commandID)
	if cmd, err := d.store.GetCommand(ctx, commandID); err == nil && cmd != nil {
		d.publishCommandUpdate(cmd)
	}
	return nil
}

// Cleanup 清理早于 age 的终态命令
func (d *CommandDispatcher) Cleanup(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)
	n, err := d.store.DeleteFinalCommandsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		dispatcherLog.Infof("清理终态命令: count=%d", n)
	}
	return n, nil
}

// PendingAckCount 当前待确认条目数（监控用）
func (d *CommandDispatcher) PendingAckCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pendingAcks)
}

func (d *CommandDispatcher) publishCommandUpdate(cmd *domain.Command) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(events.KindCommandUpdate, events.CommandUpdatePayload{
		CommandID: cmd.ID,
		Identity:  cmd.TargetIdentity,
		Type:      cmd.Type,
		Status:    cmd.Status,
	})
}

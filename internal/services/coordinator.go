package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eafleet/gofleet/internal/domain"
	"github.com/eafleet/gofleet/internal/events"
	"github.com/eafleet/gofleet/pkg/config"
)

var coordinatorLog = logrus.WithField("component", "coordinator")

// StatusReport 入站控制面的代理状态上报
type StatusReport struct {
	Magic       int64                  `json:"magic"`
	InstanceUID string                 `json:"instance_uid,omitempty"`
	Symbol      string                 `json:"symbol,omitempty"`
	Strategy    string                 `json:"strategy,omitempty"`
	RiskLevel   string                 `json:"risk_level,omitempty"`
	Status      domain.AgentStatus     `json:"status"`
	Account     domain.AccountSnapshot `json:"account"`
	Timestamp   int64                  `json:"timestamp"` // Unix 毫秒，0 则取服务端时间
}

// AckReport 入站控制面的命令确认上报
type AckReport struct {
	Magic       int64  `json:"magic"`
	InstanceUID string `json:"instance_uid,omitempty"`
	CommandType string `json:"command_type"`
	Outcome     string `json:"outcome,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// Coordinator 组合所有服务并驱动三个后台循环：
//   - dispatch：分发到期命令 + 超时检测 + 终态清理
//   - liveness：心跳检查 + 注册表驱逐扫描（两套独立阈值）
//   - reconcile：终端对账
//
// 入站上报（状态/确认）由控制面 HTTP 层转交到这里。
type Coordinator struct {
	Registry   *EARegistry
	Heartbeat  *HeartbeatMonitor
	Dispatcher *CommandDispatcher
	Lifecycle  *TradeLifecycleTracker
	Reconciler *StateReconciler

	bus *events.Bus
	cfg *config.Config

	lastCleanup time.Time
	wg          sync.WaitGroup
}

// NewCoordinator 创建协调器
func NewCoordinator(registry *EARegistry, heartbeat *HeartbeatMonitor, dispatcher *CommandDispatcher, lifecycle *TradeLifecycleTracker, reconciler *StateReconciler, bus *events.Bus, cfg *config.Config) *Coordinator {
	c := &Coordinator{
		Registry:   registry,
		Heartbeat:  heartbeat,
		Dispatcher: dispatcher,
		Lifecycle:  lifecycle,
		Reconciler: reconciler,
		bus:        bus,
		cfg:        cfg,
	}

	// 下单类命令在下发时就建 pending 交易记录：对账器可能先于确认观测到成交，
	// 等确认再建会留下永远不会成交的幽灵记录
	if dispatcher != nil && lifecycle != nil {
		dispatcher.SetCommandCreatedHook(func(cmd *domain.Command) {
			if cmd.Type == domain.CommandPlaceOrder {
				lifecycle.RecordCommand(cmd)
			}
		})
	}
	return c
}

// Start 启动后台循环，非阻塞；循环随 ctx 取消退出。
// 先从持久层恢复在途命令簿记，重启后 sent 行才能继续走确认或超时。
func (c *Coordinator) Start(ctx context.Context) {
	if err := c.Dispatcher.Recover(ctx); err != nil {
		coordinatorLog.Errorf("恢复在途命令失败: %v", err)
	}

	loops := []*periodicLoop{
		newPeriodicLoop("dispatch", c.cfg.Dispatcher.Interval, c.dispatchCycle),
		newPeriodicLoop("liveness", c.cfg.Heartbeat.Interval, c.livenessCycle),
	}
	if c.Reconciler != nil {
		loops = append(loops, newPeriodicLoop("reconcile", c.cfg.Reconciler.Interval, c.reconcileCycle))
	}

	for _, l := range loops {
		c.wg.Add(1)
		go func(l *periodicLoop) {
			defer c.wg.Done()
			l.Run(ctx)
		}(l)
	}
	coordinatorLog.Infof("后台循环已启动: count=%d", len(loops))
}

// Wait 等待全部循环退出
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// dispatchCycle 一个分发周期：发送到期命令、扫描确认超时、按需清理终态命令
func (c *Coordinator) dispatchCycle(ctx context.Context) {
	c.Dispatcher.ExecutePending(ctx, c.cfg.Dispatcher.MaxBatch)

	if timedOut := c.Dispatcher.CheckTimeouts(ctx); len(timedOut) > 0 {
		coordinatorLog.Warnf("确认超时命令: count=%d ids=%v", len(timedOut), timedOut)
	}

	// 终态清理低频执行，挂在分发循环上每小时一次
	if time.Since(c.lastCleanup) > time.Hour {
		c.lastCleanup = time.Now()
		if _, err := c.Dispatcher.Cleanup(ctx, c.cfg.Dispatcher.CleanupAge); err != nil {
			coordinatorLog.Errorf("清理终态命令失败: %v", err)
		}
	}
}

// livenessCycle 一个存活周期：心跳失联判定 + 注册表新鲜度驱逐。
// 两套阈值独立（失联告警容忍抖动，注册表快速剔除幽灵行）。
func (c *Coordinator) livenessCycle(ctx context.Context) {
	for _, identity := range c.Heartbeat.Check() {
		if err := c.Registry.MarkStatus(ctx, identity, domain.AgentStatusError); err != nil {
			coordinatorLog.Debugf("标记失联代理失败（行可能已驱逐）: identity=%s err=%v", identity, err)
		}
		c.publishAgentStatus(identity, domain.AgentStatusError)
	}

	evicted, err := c.Registry.Sweep(ctx)
	if err != nil {
		coordinatorLog.Errorf("注册表驱逐扫描失败: %v", err)
		return
	}
	// 驱逐只清注册表行，心跳簿记照常保留 sticky 失联状态
	_ = evicted

	c.Heartbeat.CleanupOldDisconnected(c.cfg.Heartbeat.CleanupAge)
}

// reconcileCycle 一个对账周期
func (c *Coordinator) reconcileCycle(ctx context.Context) {
	if err := c.Reconciler.Reconcile(ctx); err != nil {
		coordinatorLog.Debugf("对账周期失败: %v", err)
	}
}

// HandleStatus 处理入站状态上报：注册表自愈式 GetOrCreate + Touch、心跳刷新、推送 agent-update
func (c *Coordinator) HandleStatus(ctx context.Context, report StatusReport) error {
	ts := time.Now()
	if report.Timestamp > 0 {
		ts = time.UnixMilli(report.Timestamp)
	}
	status := report.Status
	if status == "" {
		status = domain.AgentStatusActive
	}

	agent, err := c.Registry.GetOrCreate(ctx, report.Magic, report.InstanceUID, AgentDefaults{
		Symbol:    report.Symbol,
		Strategy:  report.Strategy,
		RiskLevel: report.RiskLevel,
		Status:    status,
	})
	if err != nil {
		return err
	}
	identity := agent.IdentityKey()

	if err := c.Registry.Touch(ctx, identity, status, report.Account, ts); err != nil {
		return err
	}
	c.Heartbeat.Update(identity, ts)

	if c.bus != nil {
		c.bus.Publish(events.KindAgentUpdate, events.AgentUpdatePayload{
			Identity: identity,
			Status:   status,
			Symbol:   report.Symbol,
			Balance:  report.Account.Balance,
			Equity:   report.Account.Equity,
			Margin:   report.Account.Margin,
		})
	}
	return nil
}

// HandleAck 处理入站命令确认：按 (identity, commandType) 解析到具体命令。
// 确认同时算一次存活观测，刷新心跳。
func (c *Coordinator) HandleAck(ctx context.Context, report AckReport) {
	ts := time.Now()
	if report.Timestamp > 0 {
		ts = time.UnixMilli(report.Timestamp)
	}
	identity := domain.MakeIdentityKey(report.Magic, report.InstanceUID)

	c.Heartbeat.Update(identity, ts)
	c.Dispatcher.AcknowledgeFromAgent(ctx, identity, domain.CommandType(report.CommandType), report.Outcome, ts)
}

func (c *Coordinator) publishAgentStatus(identity string, status domain.AgentStatus) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.KindAgentUpdate, events.AgentUpdatePayload{
		Identity: identity,
		Status:   status,
	})
}

package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eafleet/gofleet/internal/domain"
	"github.com/eafleet/gofleet/internal/store"
)

var registryLog = logrus.WithField("component", "ea_registry")

// 两个独立调参的存活阈值，消费方不同，不要合并：
//   - DefaultRegistryFreshnessWindow 驱逐注册表缓存行（秒级，面板要求快速剔除幽灵行，
//     下一次状态上报会静默重建）
//   - DefaultHeartbeatTimeout 见 heartbeat.go，判定代理失联（几十秒级，容忍轮询信道抖动）
const DefaultRegistryFreshnessWindow = 60 * time.Second

// AgentDefaults 首次注册时的默认属性
type AgentDefaults struct {
	Symbol     string
	Strategy   string
	RiskLevel  string
	Status     domain.AgentStatus
	Provenance string
}

// EARegistry 代理身份注册表。
//
// 注册表行是「永久身份」之上的缓存：驱逐后同一代理的下一次状态上报会静默重建行
// （self-healing）。命令/交易历史挂在身份键上，不随行驱逐而丢失；
// 状态快照日志挂在行上，随行级联删除。
type EARegistry struct {
	store *store.Store

	freshnessWindow time.Duration

	mu sync.Mutex
}

// NewEARegistry 创建注册表
func NewEARegistry(st *store.Store, freshnessWindow time.Duration) *EARegistry {
	if freshnessWindow <= 0 {
		freshnessWindow = DefaultRegistryFreshnessWindow
	}
	return &EARegistry{
		store:           st,
		freshnessWindow: freshnessWindow,
	}
}

// GetOrCreate 幂等获取或创建代理行。
// 身份解析优先实例 UID，无 UID 时回退到 magic（并发的无 UID 实例会合并到同一行，已知限制）。
func (r *EARegistry) GetOrCreate(ctx context.Context, magic int64, instanceUID string, defaults AgentDefaults) (*domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity := domain.MakeIdentityKey(magic, instanceUID)
	existing, err := r.store.GetAgent(ctx, identity)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now()
	status := defaults.Status
	if status == "" {
		status = domain.AgentStatusUnknown
	}
	provenance := defaults.Provenance
	if provenance == "" {
		provenance = domain.ProvenanceRegistered
	}
	a := &domain.Agent{
		Magic:       magic,
		InstanceUID: instanceUID,
		Symbol:      defaults.Symbol,
		Strategy:    defaults.Strategy,
		RiskLevel:   defaults.RiskLevel,
		Status:      status,
		Provenance:  provenance,
		LastSeen:    now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.InsertAgent(ctx, a); err != nil {
		return nil, err
	}
	registryLog.Infof("注册代理: identity=%s magic=%d provenance=%s", identity, magic, provenance)
	return a, nil
}

// Touch 每次注册/状态上报都刷新 last_seen 与账户快照
func (r *EARegistry) Touch(ctx context.Context, identity string, status domain.AgentStatus, acct domain.AccountSnapshot, ts time.Time) error {
	return r.store.TouchAgent(ctx, identity, status, acct, ts)
}

// MarkStatus 只更新状态，不刷新 last_seen（失联标记不是一次观测）
func (r *EARegistry) MarkStatus(ctx context.Context, identity string, status domain.AgentStatus) error {
	return r.store.UpdateAgentStatus(ctx, identity, status)
}

// Get 按身份键读取
func (r *EARegistry) Get(ctx context.Context, identity string) (*domain.Agent, error) {
	return r.store.GetAgent(ctx, identity)
}

// List 列出全部代理行
func (r *EARegistry) List(ctx context.Context) ([]*domain.Agent, error) {
	return r.store.ListAgents(ctx)
}

// Sweep 新鲜度驱逐扫描：删除 last_seen 超出窗口的行（状态快照日志级联删除），
// 返回被驱逐的身份键。驱逐竞态（刚驱逐就来状态上报）由 GetOrCreate 自愈。
func (r *EARegistry) Sweep(ctx context.Context) ([]string, error) {
	cutoff := time.Now().Add(-r.freshnessWindow)
	evicted, err := r.store.DeleteStaleAgents(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if len(evicted) > 0 {
		registryLog.Infof("新鲜度驱逐: count=%d identities=%v", len(evicted), evicted)
	}
	return evicted, nil
}

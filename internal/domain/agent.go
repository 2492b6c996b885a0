package domain

import (
	"strconv"
	"time"
)

// Agent EA 代理领域模型
//
// 身份由两部分组成：
//   - Magic：粗粒度策略标识（magic number），多个运行实例可能共享同一个 magic
//   - InstanceUID：可选的实例级唯一标识，存在时优先作为身份键
type Agent struct {
	Magic       int64          // magic number（粗粒度，不保证唯一）
	InstanceUID string         // 实例 UID（存在时全局唯一）
	Symbol      string         // 交易品种
	Strategy    string         // 策略标签
	RiskLevel   string         // 风险级别
	Status      AgentStatus    // 当前状态
	Provenance  string         // 来源：registered / snapshot-discovered
	LastSeen    time.Time      // 最后一次观测时间（心跳或状态上报）
	Account     AccountSnapshot // 账户快照
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AgentStatus 代理状态
type AgentStatus string

const (
	AgentStatusActive  AgentStatus = "active"
	AgentStatusPaused  AgentStatus = "paused"
	AgentStatusError   AgentStatus = "error"
	AgentStatusUnknown AgentStatus = "unknown"
)

// 来源标记
const (
	ProvenanceRegistered         = "registered"
	ProvenanceSnapshotDiscovered = "snapshot-discovered"
)

// AccountSnapshot 账户快照
type AccountSnapshot struct {
	Balance float64
	Equity  float64
	Margin  float64
}

// IdentityKey 返回身份键：优先实例 UID，否则 magic 的十进制串。
// 注意：多个无 UID 的实例共享同一个 magic 时会落到同一行（已知限制）。
func (a *Agent) IdentityKey() string {
	return MakeIdentityKey(a.Magic, a.InstanceUID)
}

// MakeIdentityKey 由 magic + 可选实例 UID 构造身份键
func MakeIdentityKey(magic int64, instanceUID string) string {
	if instanceUID != "" {
		return instanceUID
	}
	return strconv.FormatInt(magic, 10)
}

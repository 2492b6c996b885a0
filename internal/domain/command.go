package domain

import (
	"time"
)

// Command 操作员下发给代理的命令
type Command struct {
	ID             string            // 命令 ID（uuid）
	TargetIdentity string            // 目标代理身份键
	Type           CommandType       // 命令类型
	Params         map[string]string // 命令参数（开放键值）
	ScheduledAt    time.Time         // 计划执行时间（<= now 才可分发）
	Status         CommandStatus     // 命令状态
	SentAt         *time.Time        // 发送时间（可选）
	AckedAt        *time.Time        // 确认时间（可选）
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CommandType 命令类型
type CommandType string

const (
	CommandPause          CommandType = "pause"
	CommandResume         CommandType = "resume"
	CommandAdjustRisk     CommandType = "adjust_risk"
	CommandClosePositions CommandType = "close_positions"
	CommandPlaceOrder     CommandType = "place_order"
)

// CommandStatus 命令状态
//
// 状态机（不存在其他迁移）：
//
//	pending → sent | cancelled
//	sent    → acknowledged | timed_out
//
// 状态枚举的字符串值是跨重启的稳定契约，重启后的扫描/确认逻辑依赖它们。
type CommandStatus string

const (
	CommandStatusPending      CommandStatus = "pending"
	CommandStatusSent         CommandStatus = "sent"
	CommandStatusAcknowledged CommandStatus = "acknowledged"
	CommandStatusTimedOut     CommandStatus = "timed_out"
	CommandStatusCancelled    CommandStatus = "cancelled"
)

// IsFinalStatus 检查命令是否处于终态
func (c *Command) IsFinalStatus() bool {
	switch c.Status {
	case CommandStatusAcknowledged, CommandStatusTimedOut, CommandStatusCancelled:
		return true
	}
	return false
}

// CommandFilter 批量下发的过滤条件（各字段取 AND 交集；零值字段不参与过滤）
type CommandFilter struct {
	Symbol     string
	Strategy   string
	RiskLevel  string
	Status     AgentStatus
	Identities []string // 显式身份键集合
}

// Matches 判断代理是否满足过滤条件
func (f CommandFilter) Matches(a *Agent) bool {
	if a == nil {
		return false
	}
	if f.Symbol != "" && a.Symbol != f.Symbol {
		return false
	}
	if f.Strategy != "" && a.Strategy != f.Strategy {
		return false
	}
	if f.RiskLevel != "" && a.RiskLevel != f.RiskLevel {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if len(f.Identities) > 0 {
		found := false
		key := a.IdentityKey()
		for _, id := range f.Identities {
			if id == key {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// CommandEnvelope 写入通道槽位的命令信封（EA 轮询到后按此结构解析执行）
type CommandEnvelope struct {
	CommandID string            `json:"command_id"`
	Type      string            `json:"type"`
	Params    map[string]string `json:"params,omitempty"`
	IssuedAt  int64             `json:"issued_at"` // Unix 毫秒
}

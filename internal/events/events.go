package events

import (
	"time"

	"github.com/eafleet/gofleet/internal/domain"
)

// 终端事件建模为带固定字段集的 tagged union（Fill / Close / Cancel），
// 缺失的数值字段按零值处理（宁可降级记录，不丢事件）。

// FillEvent 成交事件
type FillEvent struct {
	Identity  string
	Ticket    int64
	Symbol    string
	Side      string
	Price     float64
	Volume    float64
	Timestamp time.Time
}

// CloseEvent 平仓事件
type CloseEvent struct {
	Identity   string
	Ticket     int64
	Symbol     string
	ClosePrice float64
	Profit     float64
	Commission float64 // 带符号（费用为负）
	Swap       float64 // 带符号
	Timestamp  time.Time
}

// CancelEvent 撤单事件
type CancelEvent struct {
	Identity  string
	Ticket    int64
	Symbol    string
	Timestamp time.Time
}

// UpdateKind 推送给面板订阅方的更新类别。
// 类别名是对外的稳定契约，payload 结构属于实现细节。
type UpdateKind string

const (
	KindAgentUpdate   UpdateKind = "agent-update"
	KindCommandUpdate UpdateKind = "command-update"
	KindTradeUpdate   UpdateKind = "trade-update"
	KindSyncUpdate    UpdateKind = "sync-update"
)

// Update 一条推送更新
type Update struct {
	Kind      UpdateKind  `json:"kind"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// AgentUpdatePayload agent-update 载荷
type AgentUpdatePayload struct {
	Identity string             `json:"identity"`
	Status   domain.AgentStatus `json:"status"`
	Symbol   string             `json:"symbol,omitempty"`
	Balance  float64            `json:"balance,omitempty"`
	Equity   float64            `json:"equity,omitempty"`
	Margin   float64            `json:"margin,omitempty"`
}

// CommandUpdatePayload command-update 载荷
type CommandUpdatePayload struct {
	CommandID string               `json:"command_id"`
	Identity  string               `json:"identity"`
	Type      domain.CommandType   `json:"type"`
	Status    domain.CommandStatus `json:"status"`
}

// TradeUpdatePayload trade-update 载荷
type TradeUpdatePayload struct {
	RecordID  string             `json:"record_id"`
	Identity  string             `json:"identity"`
	Symbol    string             `json:"symbol"`
	Status    domain.TradeStatus `json:"status"`
	NetProfit float64            `json:"net_profit,omitempty"`
}

// SyncUpdatePayload sync-update 载荷：每个对账周期合并后的变更集
type SyncUpdatePayload struct {
	Added   []string `json:"added"`   // 新出现的身份键
	Removed []string `json:"removed"` // 消失的身份键
	Mutated []string `json:"mutated"` // 字段发生变化的身份键
}

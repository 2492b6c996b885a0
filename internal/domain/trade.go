package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeRecord 交易生命周期记录
//
// 状态机只有三条前向路径，关闭/取消后不可重开：
//
//	pending → filled → closed
//	pending → cancelled
//	filled  → closed（按 ticket 匹配）
type TradeRecord struct {
	ID        string      // 记录 ID（uuid）
	CommandID string      // 关联的命令 ID（可选；代理自主开仓时为空）
	Identity  string      // 代理身份键
	Ticket    int64       // 终端票据号（可选）
	Symbol    string      // 交易品种
	Side      string      // buy / sell
	Status    TradeStatus // 记录状态

	RequestPrice float64 // 请求价格
	FillPrice    float64 // 成交价格
	ClosePrice   float64 // 平仓价格
	Volume       float64 // 手数
	StopLoss     float64 // 止损价（可选）
	TakeProfit   float64 // 止盈价（可选）

	Profit     float64 // 毛利润
	Commission float64 // 手续费（带符号，费用为负）
	Swap       float64 // 隔夜利息（带符号）
	NetProfit  float64 // 净利润 = profit + commission + swap

	RequestedAt time.Time  // 请求时间
	FilledAt    *time.Time // 成交时间
	ClosedAt    *time.Time // 关闭/取消时间
}

// TradeStatus 交易记录状态（字符串值是跨重启的稳定契约）
type TradeStatus string

const (
	TradeStatusPending   TradeStatus = "pending"
	TradeStatusFilled    TradeStatus = "filled"
	TradeStatusCancelled TradeStatus = "cancelled"
	TradeStatusClosed    TradeStatus = "closed"
	TradeStatusRejected  TradeStatus = "rejected"
)

// IsFinalStatus 检查记录是否已进入终态（终态记录归入历史且不可变）
func (t *TradeRecord) IsFinalStatus() bool {
	switch t.Status {
	case TradeStatusClosed, TradeStatusCancelled, TradeStatusRejected:
		return true
	}
	return false
}

// ComputeNetProfit 以带符号费用口径计算净利润：net = profit + commission + swap。
// 终端上报的 commission/swap 为带符号金额（费用为负），用 decimal 避免浮点误差。
func ComputeNetProfit(profit, commission, swap float64) float64 {
	net := decimal.NewFromFloat(profit).
		Add(decimal.NewFromFloat(commission)).
		Add(decimal.NewFromFloat(swap))
	f, _ := net.Float64()
	return f
}

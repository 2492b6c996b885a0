package domain

import "time"

// TerminalPosition 终端侧的持仓（来自终端查询面，只读）
type TerminalPosition struct {
	Ticket       int64
	Magic        int64  // 0 表示人工/未跟踪活动，对账器忽略
	InstanceUID  string // 可选
	Symbol       string
	Side         string // buy / sell
	Volume       float64
	OpenPrice    float64
	CurrentPrice float64
	Profit       float64
	Swap         float64
	OpenedAt     time.Time
}

// TerminalOrder 终端侧的挂单
type TerminalOrder struct {
	Ticket      int64
	Magic       int64
	InstanceUID string
	Symbol      string
	Side        string
	Volume      float64
	Price       float64
	PlacedAt    time.Time
}

// TerminalExecution 终端侧的成交/关闭记录（尾随窗口查询）
type TerminalExecution struct {
	Ticket      int64
	Magic       int64
	InstanceUID string
	Symbol      string
	Side        string
	Kind        string // fill / close / cancel
	Volume      float64
	Price       float64
	Profit      float64
	Commission  float64
	Swap        float64
	ExecutedAt  time.Time
}

// Identity 返回持仓所属代理的身份键
func (p *TerminalPosition) Identity() string {
	return MakeIdentityKey(p.Magic, p.InstanceUID)
}

// Identity 返回挂单所属代理的身份键
func (o *TerminalOrder) Identity() string {
	return MakeIdentityKey(o.Magic, o.InstanceUID)
}

// Identity 返回成交所属代理的身份键
func (e *TerminalExecution) Identity() string {
	return MakeIdentityKey(e.Magic, e.InstanceUID)
}

// TerminalSnapshot 一次终端快照（对账器的权威输入）
type TerminalSnapshot struct {
	Positions []TerminalPosition
	Orders    []TerminalOrder
	TakenAt   time.Time
}

package terminal

import (
	"context"
	"time"

	"github.com/eafleet/gofleet/internal/domain"
)

// Gateway 终端查询面（黑盒，只读）。
// magic 为 0 的条目表示人工/未跟踪活动，调用方（对账器）必须忽略。
type Gateway interface {
	// ListOpenPositions 列出当前持仓
	ListOpenPositions(ctx context.Context) ([]domain.TerminalPosition, error)
	// ListWorkingOrders 列出当前挂单
	ListWorkingOrders(ctx context.Context) ([]domain.TerminalOrder, error)
	// QueryExecutions 查询 [from, to] 窗口内的成交/关闭记录
	QueryExecutions(ctx context.Context, from, to time.Time) ([]domain.TerminalExecution, error)
}

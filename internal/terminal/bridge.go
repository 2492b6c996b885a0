package terminal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/eafleet/gofleet/internal/domain"
)

// BridgeClient 通过本地桥接 EA 暴露的 HTTP 接口访问终端查询面。
type BridgeClient struct {
	client *resty.Client
}

// NewBridgeClient 创建桥接客户端
func NewBridgeClient(baseURL string, timeout time.Duration) *BridgeClient {
	if strings.HasSuffix(baseURL, "/") {
		baseURL = baseURL[:len(baseURL)-1]
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second)

	return &BridgeClient{client: client}
}

type bridgePosition struct {
	Ticket       int64   `json:"ticket"`
	Magic        int64   `json:"magic"`
	InstanceUID  string  `json:"instance_uid"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Volume       float64 `json:"volume"`
	OpenPrice    float64 `json:"open_price"`
	CurrentPrice float64 `json:"current_price"`
	Profit       float64 `json:"profit"`
	Swap         float64 `json:"swap"`
	OpenedAt     int64   `json:"opened_at"`
}

type bridgeOrder struct {
	Ticket      int64   `json:"ticket"`
	Magic       int64   `json:"magic"`
	InstanceUID string  `json:"instance_uid"`
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	Volume      float64 `json:"volume"`
	Price       float64 `json:"price"`
	PlacedAt    int64   `json:"placed_at"`
}

type bridgeExecution struct {
	Ticket      int64   `json:"ticket"`
	Magic       int64   `json:"magic"`
	InstanceUID string  `json:"instance_uid"`
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	Kind        string  `json:"kind"`
	Volume      float64 `json:"volume"`
	Price       float64 `json:"price"`
	Profit      float64 `json:"profit"`
	Commission  float64 `json:"commission"`
	Swap        float64 `json:"swap"`
	ExecutedAt  int64   `json:"executed_at"`
}

// ListOpenPositions 实现 Gateway
func (c *BridgeClient) ListOpenPositions(ctx context.Context) ([]domain.TerminalPosition, error) {
	var raw []bridgePosition
	resp, err := c.client.R().SetContext(ctx).SetResult(&raw).Get("/positions")
	if err != nil {
		return nil, errors.Wrap(err, "查询持仓失败")
	}
	if resp.IsError() {
		return nil, fmt.Errorf("查询持仓失败: status=%d", resp.StatusCode())
	}

	out := make([]domain.TerminalPosition, 0, len(raw))
	for _, p := range raw {
		out = append(out, domain.TerminalPosition{
			Ticket:       p.Ticket,
			Magic:        p.Magic,
			InstanceUID:  p.InstanceUID,
			Symbol:       p.Symbol,
			Side:         p.Side,
			Volume:       p.Volume,
			OpenPrice:    p.OpenPrice,
			CurrentPrice: p.CurrentPrice,
			Profit:       p.Profit,
			Swap:         p.Swap,
			OpenedAt:     time.UnixMilli(p.OpenedAt),
		})
	}
	return out, nil
}

// ListWorkingOrders 实现 Gateway
func (c *BridgeClient) ListWorkingOrders(ctx context.Context) ([]domain.TerminalOrder, error) {
	var raw []bridgeOrder
	resp, err := c.client.R().SetContext(ctx).SetResult(&raw).Get("/orders")
	if err != nil {
		return nil, errors.Wrap(err, "查询挂单失败")
	}
	if resp.IsError() {
		return nil, fmt.Errorf("查询挂单失败: status=%d", resp.StatusCode())
	}

	out := make([]domain.TerminalOrder, 0, len(raw))
	for _, o := range raw {
		out = append(out, domain.TerminalOrder{
			Ticket:      o.Ticket,
			Magic:       o.Magic,
			InstanceUID: o.InstanceUID,
			Symbol:      o.Symbol,
			Side:        o.Side,
			Volume:      o.Volume,
			Price:       o.Price,
			PlacedAt:    time.UnixMilli(o.PlacedAt),
		})
	}
	return out, nil
}

// QueryExecutions 实现 Gateway
func (c *BridgeClient) QueryExecutions(ctx context.Context, from, to time.Time) ([]domain.TerminalExecution, error) {
	var raw []bridgeExecution
	resp, err := c.client.R().SetContext(ctx).
		SetQueryParam("from", fmt.Sprintf("%d", from.UnixMilli())).
		SetQueryParam("to", fmt.Sprintf("%d", to.UnixMilli())).
		SetResult(&raw).
		Get("/executions")
	if err != nil {
		return nil, errors.Wrap(err, "查询成交失败")
	}
	if resp.IsError() {
		return nil, fmt.Errorf("查询成交失败: status=%d", resp.StatusCode())
	}

	out := make([]domain.TerminalExecution, 0, len(raw))
	for _, e := range raw {
		out = append(out, domain.TerminalExecution{
			Ticket:      e.Ticket,
			Magic:       e.Magic,
			InstanceUID: e.InstanceUID,
			Symbol:      e.Symbol,
			Side:        e.Side,
			Kind:        e.Kind,
			Volume:      e.Volume,
			Price:       e.Price,
			Profit:      e.Profit,
			Commission:  e.Commission,
			Swap:        e.Swap,
			ExecutedAt:  time.UnixMilli(e.ExecutedAt),
		})
	}
	return out, nil
}

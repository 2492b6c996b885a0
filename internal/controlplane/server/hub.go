package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/eafleet/gofleet/internal/events"
)

var hubLog = logrus.WithField("component", "ws_hub")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// 面板与服务同机部署，不校验 Origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait    = 10 * time.Second
	pingPeriod   = 30 * time.Second
	clientBuffer = 64
)

// wsClient 一个面板连接及其订阅的更新类别
type wsClient struct {
	conn  *websocket.Conn
	kinds map[events.UpdateKind]bool // 空集合表示订阅全部
	send  chan events.Update
}

func (c *wsClient) wants(kind events.UpdateKind) bool {
	if len(c.kinds) == 0 {
		return true
	}
	return c.kinds[kind]
}

// Hub 把事件总线上的更新扇出到 websocket 订阅方。
// 慢消费方的发送缓冲打满时断开连接（面板重连后自行全量拉取）。
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]bool
	closed  bool
}

// NewHub 创建 hub 并订阅全部更新类别
func NewHub(bus *events.Bus) *Hub {
	h := &Hub{clients: make(map[*wsClient]bool)}
	if bus != nil {
		for _, kind := range []events.UpdateKind{
			events.KindAgentUpdate,
			events.KindCommandUpdate,
			events.KindTradeUpdate,
			events.KindSyncUpdate,
		} {
			bus.Subscribe(kind, h.broadcast)
		}
	}
	return h
}

// HandleWS 升级连接。?kinds=agent-update,trade-update 过滤订阅类别，缺省订阅全部。
func (h *Hub) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		hubLog.Warnf("websocket 升级失败: %v", err)
		return
	}

	kinds := make(map[events.UpdateKind]bool)
	if raw := c.Query("kinds"); raw != "" {
		for _, k := range strings.Split(raw, ",") {
			k = strings.TrimSpace(k)
			if k != "" {
				kinds[events.UpdateKind(k)] = true
			}
		}
	}

	client := &wsClient{
		conn:  conn,
		kinds: kinds,
		send:  make(chan events.Update, clientBuffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[client] = true
	n := len(h.clients)
	h.mu.Unlock()
	hubLog.Infof("面板连接建立: total=%d kinds=%v", n, c.Query("kinds"))

	go h.writePump(client)
	go h.readPump(client)
}

func (h *Hub) broadcast(u events.Update) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if !client.wants(u.Kind) {
			continue
		}
		select {
		case client.send <- u:
		default:
			// 缓冲打满，断开慢消费方
			hubLog.Warn("面板连接消费过慢，断开")
			delete(h.clients, client)
			close(client.send)
		}
	}
}

func (h *Hub) remove(client *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
	_ = client.conn.Close()
}

// writePump 发送循环：推送更新 + 周期 ping
func (h *Hub) writePump(client *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()

	for {
		select {
		case u, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteJSON(u); err != nil {
				h.remove(client)
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(client)
				return
			}
		}
	}
}

// readPump 只为感知断连，入站消息丢弃
func (h *Hub) readPump(client *wsClient) {
	defer h.remove(client)
	client.conn.SetReadLimit(512)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Close 断开全部连接，hub 不再接受新连接
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for client := range h.clients {
		close(client.send)
		_ = client.conn.Close()
		delete(h.clients, client)
	}
}

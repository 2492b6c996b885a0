package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var busLog = logrus.WithField("component", "event_bus")

// Bus 按类别分发的进程内发布/订阅总线。
// 订阅方按 UpdateKind 注册 handler；Publish 串行调用所有匹配 handler。
type Bus struct {
	mu       sync.RWMutex
	handlers map[UpdateKind][]Handler
}

// Handler 更新处理函数。handler 不应阻塞；慢消费方自行排队。
type Handler func(u Update)

// NewBus 创建事件总线
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[UpdateKind][]Handler),
	}
}

// Subscribe 订阅指定类别的更新
func (b *Bus) Subscribe(kind UpdateKind, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.handlers[kind] = append(b.handlers[kind], h)
	b.mu.Unlock()
}

// Publish 发布一条更新（补齐时间戳）
func (b *Bus) Publish(kind UpdateKind, payload interface{}) {
	u := Update{
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	b.mu.RLock()
	hs := b.handlers[kind]
	b.mu.RUnlock()

	if len(hs) == 0 {
		busLog.Debugf("没有 %s 的订阅方，丢弃更新", kind)
		return
	}
	for _, h := range hs {
		h(u)
	}
}

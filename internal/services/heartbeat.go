package services

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var heartbeatLog = logrus.WithField("component", "heartbeat_monitor")

// DefaultHeartbeatTimeout 失联判定超时。
// 与 DefaultRegistryFreshnessWindow（registry.go）是两个独立策略：
// 注册表服务于面板展示（快速剔除），心跳监控服务于失联告警（容忍抖动），不要统一。
const DefaultHeartbeatTimeout = 90 * time.Second

type heartbeatEntry struct {
	lastSeen       time.Time
	disconnected   bool // sticky：首次越过阈值后置位，直到下一次心跳
	disconnectedAt time.Time
}

// HeartbeatMonitor 基于最后观测时间的存活跟踪。
// 任何入站状态观测都应喂给 Update，与命令分发完全无关。
type HeartbeatMonitor struct {
	mu      sync.Mutex
	entries map[string]*heartbeatEntry
	timeout time.Duration
}

// NewHeartbeatMonitor 创建心跳监控
func NewHeartbeatMonitor(timeout time.Duration) *HeartbeatMonitor {
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	return &HeartbeatMonitor{
		entries: make(map[string]*heartbeatEntry),
		timeout: timeout,
	}
}

// Update 刷新最后观测时间；此前处于失联状态则记录重连并清除 sticky 标记
func (m *HeartbeatMonitor) Update(identity string, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[identity]
	if !ok {
		m.entries[identity] = &heartbeatEntry{lastSeen: ts}
		return
	}
	if e.disconnected {
		heartbeatLog.Infof("代理重连: identity=%s 失联时长=%v", identity, ts.Sub(e.disconnectedAt))
		e.disconnected = false
		e.disconnectedAt = time.Time{}
	}
	if ts.After(e.lastSeen) {
		e.lastSeen = ts
	}
}

// Check 扫描所有条目：首次越过超时阈值的身份报告一次并置 sticky 标记，
// 已失联的不再重复报告。返回本次新判定失联的身份键。
func (m *HeartbeatMonitor) Check() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var newly []string
	for identity, e := range m.entries {
		if e.disconnected {
			continue
		}
		if now.Sub(e.lastSeen) > m.timeout {
			e.disconnected = true
			e.disconnectedAt = now
			newly = append(newly, identity)
			heartbeatLog.Warnf("代理失联: identity=%s lastSeen=%s", identity, e.lastSeen.Format(time.RFC3339))
		}
	}
	return newly
}

// GetConnected 每次调用即时推导的在线集合
func (m *HeartbeatMonitor) GetConnected() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var out []string
	for identity, e := range m.entries {
		if !e.disconnected && now.Sub(e.lastSeen) <= m.timeout {
			out = append(out, identity)
		}
	}
	return out
}

// GetDisconnected 返回 sticky 失联集合
func (m *HeartbeatMonitor) GetDisconnected() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for identity, e := range m.entries {
		if e.disconnected {
			out = append(out, identity)
		}
	}
	return out
}

// Remove 清除身份的全部心跳簿记
func (m *HeartbeatMonitor) Remove(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, identity)
}

// CleanupOldDisconnected 驱逐失联超过 age 的条目，约束内存占用
func (m *HeartbeatMonitor) CleanupOldDisconnected(age time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	removed := 0
	for identity, e := range m.entries {
		if e.disconnected && now.Sub(e.disconnectedAt) > age {
			delete(m.entries, identity)
			removed++
		}
	}
	if removed > 0 {
		heartbeatLog.Infof("清理长期失联条目: count=%d", removed)
	}
	return removed
}

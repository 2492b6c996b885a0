package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config fleetd 全局配置
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Store      StoreConfig      `yaml:"store"`
	Channel    ChannelConfig    `yaml:"channel"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Heartbeat  HeartbeatConfig  `yaml:"heartbeat"`
	Registry   RegistryConfig   `yaml:"registry"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Terminal   TerminalConfig   `yaml:"terminal"`
	Server     ServerConfig     `yaml:"server"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	OutputFile string `yaml:"outputFile"`
}

// StoreConfig sqlite 存储配置
type StoreConfig struct {
	DBPath string `yaml:"dbPath"`
}

// ChannelConfig 命令通道配置
type ChannelConfig struct {
	// SlotDir 主通道槽位目录（终端 Files 目录，EA 轮询该目录）
	SlotDir string `yaml:"slotDir"`
	// FallbackDir 备用通道 badger 数据目录
	FallbackDir string `yaml:"fallbackDir"`
}

// DispatcherConfig 命令分发配置
type DispatcherConfig struct {
	Interval       time.Duration `yaml:"interval"`       // 分发循环周期
	MaxBatch       int           `yaml:"maxBatch"`       // 单个周期最多发送的命令数
	InterSendDelay time.Duration `yaml:"interSendDelay"` // 相邻两次发送之间的固定间隔
	AckTimeout     time.Duration `yaml:"ackTimeout"`     // 确认超时
	CleanupAge     time.Duration `yaml:"cleanupAge"`     // 终态命令清理年龄
}

// HeartbeatConfig 心跳监控配置
type HeartbeatConfig struct {
	Timeout    time.Duration `yaml:"timeout"`    // 失联判定超时
	Interval   time.Duration `yaml:"interval"`   // 心跳检查循环周期
	CleanupAge time.Duration `yaml:"cleanupAge"` // 长期失联条目清理年龄
}

// RegistryConfig EA 注册表配置
type RegistryConfig struct {
	FreshnessWindow time.Duration `yaml:"freshnessWindow"` // 新鲜度窗口（超过则驱逐）
	SweepInterval   time.Duration `yaml:"sweepInterval"`   // 驱逐扫描周期
}

// ReconcilerConfig 状态对账配置
type ReconcilerConfig struct {
	Interval        time.Duration `yaml:"interval"`        // 对账循环周期
	ExecutionWindow time.Duration `yaml:"executionWindow"` // 成交回查的尾随窗口
}

// TerminalConfig 终端桥接配置
type TerminalConfig struct {
	BridgeURL string        `yaml:"bridgeURL"`
	Timeout   time.Duration `yaml:"timeout"`
}

// ServerConfig 控制面服务配置
type ServerConfig struct {
	ListenAddr string `yaml:"listenAddr"`
}

// ApplyDefaults 填充默认值
func (c *Config) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Store.DBPath == "" {
		c.Store.DBPath = "data/fleet.db"
	}
	if c.Channel.SlotDir == "" {
		c.Channel.SlotDir = "data/slots"
	}
	if c.Channel.FallbackDir == "" {
		c.Channel.FallbackDir = "data/fallback"
	}
	if c.Dispatcher.Interval <= 0 {
		c.Dispatcher.Interval = 5 * time.Second
	}
	if c.Dispatcher.MaxBatch <= 0 {
		c.Dispatcher.MaxBatch = 20
	}
	if c.Dispatcher.InterSendDelay <= 0 {
		c.Dispatcher.InterSendDelay = 100 * time.Millisecond
	}
	if c.Dispatcher.AckTimeout <= 0 {
		c.Dispatcher.AckTimeout = 300 * time.Second
	}
	if c.Dispatcher.CleanupAge <= 0 {
		c.Dispatcher.CleanupAge = 24 * time.Hour
	}
	if c.Heartbeat.Timeout <= 0 {
		c.Heartbeat.Timeout = 90 * time.Second
	}
	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = 10 * time.Second
	}
	if c.Heartbeat.CleanupAge <= 0 {
		c.Heartbeat.CleanupAge = 24 * time.Hour
	}
	if c.Registry.FreshnessWindow <= 0 {
		c.Registry.FreshnessWindow = 60 * time.Second
	}
	if c.Registry.SweepInterval <= 0 {
		c.Registry.SweepInterval = 10 * time.Second
	}
	if c.Reconciler.Interval <= 0 {
		c.Reconciler.Interval = 15 * time.Second
	}
	if c.Reconciler.ExecutionWindow <= 0 {
		c.Reconciler.ExecutionWindow = 2 * time.Minute
	}
	if c.Terminal.Timeout <= 0 {
		c.Terminal.Timeout = 10 * time.Second
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8087"
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Dispatcher.AckTimeout <= c.Dispatcher.Interval {
		return fmt.Errorf("dispatcher.ackTimeout (%v) 必须大于 dispatcher.interval (%v)", c.Dispatcher.AckTimeout, c.Dispatcher.Interval)
	}
	if c.Heartbeat.Timeout <= c.Heartbeat.Interval {
		return fmt.Errorf("heartbeat.timeout (%v) 必须大于 heartbeat.interval (%v)", c.Heartbeat.Timeout, c.Heartbeat.Interval)
	}
	if c.Registry.FreshnessWindow <= 0 {
		return fmt.Errorf("registry.freshnessWindow 必须为正数")
	}
	return nil
}

// LoadFromFile 从 yaml 文件加载配置，path 为空则只用默认值 + 环境变量
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}

	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides 环境变量覆盖（部署时常用的几项）
func (c *Config) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv("GOFLEET_LOG_LEVEL")); v != "" {
		c.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("GOFLEET_DB_PATH")); v != "" {
		c.Store.DBPath = v
	}
	if v := strings.TrimSpace(os.Getenv("GOFLEET_SLOT_DIR")); v != "" {
		c.Channel.SlotDir = v
	}
	if v := strings.TrimSpace(os.Getenv("GOFLEET_BRIDGE_URL")); v != "" {
		c.Terminal.BridgeURL = v
	}
	if v := strings.TrimSpace(os.Getenv("GOFLEET_LISTEN_ADDR")); v != "" {
		c.Server.ListenAddr = v
	}
}

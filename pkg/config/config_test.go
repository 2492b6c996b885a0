package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestConfigDefaults 测试配置默认值
func TestConfigDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()

	if cfg.Dispatcher.Interval != 5*time.Second {
		t.Errorf("Dispatcher.Interval 默认值应该为 5s，实际为 %v", cfg.Dispatcher.Interval)
	}
	if cfg.Dispatcher.AckTimeout != 300*time.Second {
		t.Errorf("Dispatcher.AckTimeout 默认值应该为 300s，实际为 %v", cfg.Dispatcher.AckTimeout)
	}
	if cfg.Dispatcher.InterSendDelay != 100*time.Millisecond {
		t.Errorf("Dispatcher.InterSendDelay 默认值应该为 100ms，实际为 %v", cfg.Dispatcher.InterSendDelay)
	}
	if cfg.Heartbeat.Timeout != 90*time.Second {
		t.Errorf("Heartbeat.Timeout 默认值应该为 90s，实际为 %v", cfg.Heartbeat.Timeout)
	}
	if cfg.Registry.FreshnessWindow != 60*time.Second {
		t.Errorf("Registry.FreshnessWindow 默认值应该为 60s，实际为 %v", cfg.Registry.FreshnessWindow)
	}
	if cfg.Server.ListenAddr != ":8087" {
		t.Errorf("Server.ListenAddr 默认值应该为 :8087，实际为 %s", cfg.Server.ListenAddr)
	}
}

// TestConfigValidation 测试配置校验
func TestConfigValidation(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Errorf("默认配置应该通过校验: %v", err)
	}

	// 确认超时必须大于分发周期，否则命令刚发出就会被判超时
	bad := &Config{}
	bad.ApplyDefaults()
	bad.Dispatcher.AckTimeout = time.Second
	bad.Dispatcher.Interval = 5 * time.Second
	if err := bad.Validate(); err == nil {
		t.Errorf("ackTimeout <= interval 应该校验失败")
	}

	bad2 := &Config{}
	bad2.ApplyDefaults()
	bad2.Heartbeat.Timeout = time.Second
	bad2.Heartbeat.Interval = 10 * time.Second
	if err := bad2.Validate(); err == nil {
		t.Errorf("heartbeat.timeout <= interval 应该校验失败")
	}
}

// TestLoadFromFile 测试 yaml 加载与环境变量覆盖
func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleetd.yaml")
	yaml := `
log:
  level: debug
dispatcher:
  interval: 3s
  maxBatch: 5
terminal:
  bridgeURL: http://127.0.0.1:9100
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("写入配置文件失败: %v", err)
	}

	t.Setenv("GOFLEET_LOG_LEVEL", "warn")

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("环境变量应该覆盖文件值，实际为 %s", cfg.Log.Level)
	}
	if cfg.Dispatcher.Interval != 3*time.Second {
		t.Errorf("Dispatcher.Interval 应该为 3s，实际为 %v", cfg.Dispatcher.Interval)
	}
	if cfg.Dispatcher.MaxBatch != 5 {
		t.Errorf("Dispatcher.MaxBatch 应该为 5，实际为 %d", cfg.Dispatcher.MaxBatch)
	}
	if cfg.Terminal.BridgeURL != "http://127.0.0.1:9100" {
		t.Errorf("Terminal.BridgeURL 不匹配: %s", cfg.Terminal.BridgeURL)
	}
	// 未出现的项仍取默认值
	if cfg.Heartbeat.Timeout != 90*time.Second {
		t.Errorf("未配置项应该取默认值，实际为 %v", cfg.Heartbeat.Timeout)
	}
}

// TestLoadWithoutFile 空路径只用默认值
func TestLoadWithoutFile(t *testing.T) {
	cfg, err := LoadFromFile("")
	if err != nil {
		t.Fatalf("空路径加载失败: %v", err)
	}
	if cfg.Store.DBPath != "data/fleet.db" {
		t.Errorf("DBPath 默认值不匹配: %s", cfg.Store.DBPath)
	}
}

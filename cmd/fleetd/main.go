package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/eafleet/gofleet/internal/channel"
	"github.com/eafleet/gofleet/internal/controlplane/server"
	"github.com/eafleet/gofleet/internal/events"
	"github.com/eafleet/gofleet/internal/services"
	"github.com/eafleet/gofleet/internal/store"
	"github.com/eafleet/gofleet/internal/terminal"
	"github.com/eafleet/gofleet/pkg/config"
	"github.com/eafleet/gofleet/pkg/logger"
	"github.com/eafleet/gofleet/pkg/shutdown"
)

func main() {
	// 先加载 .env（best-effort），缺失则直接用真实环境变量
	_ = godotenv.Load()

	var (
		configPath = flag.String("config", os.Getenv("GOFLEET_CONFIG"), "yaml 配置文件路径（可选）")
	)
	flag.Parse()

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputFile: cfg.Log.OutputFile,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	logger.Info("fleetd 启动")

	st, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		logger.Errorf("打开存储失败: %v", err)
		os.Exit(1)
	}

	primary := channel.NewSlotFileChannel(cfg.Channel.SlotDir)
	secondary, err := channel.OpenBadgerChannel(cfg.Channel.FallbackDir)
	if err != nil {
		logger.Errorf("打开备用通道失败: %v", err)
		os.Exit(1)
	}
	ch := channel.NewFailoverChannel(primary, secondary)

	bus := events.NewBus()

	registry := services.NewEARegistry(st, cfg.Registry.FreshnessWindow)
	heartbeat := services.NewHeartbeatMonitor(cfg.Heartbeat.Timeout)
	dispatcher := services.NewCommandDispatcher(st, registry, ch, bus, cfg.Dispatcher.AckTimeout, cfg.Dispatcher.InterSendDelay)
	lifecycle := services.NewTradeLifecycleTracker(st, bus)

	var reconciler *services.StateReconciler
	if cfg.Terminal.BridgeURL != "" {
		gw := terminal.NewBridgeClient(cfg.Terminal.BridgeURL, cfg.Terminal.Timeout)
		reconciler = services.NewStateReconciler(gw, registry, lifecycle, bus, cfg.Reconciler.ExecutionWindow)
	} else {
		logger.Warn("未配置终端桥接地址，对账循环不启动")
	}

	coord := services.NewCoordinator(registry, heartbeat, dispatcher, lifecycle, reconciler, bus, cfg)

	srv, err := server.New(server.Config{ListenAddr: cfg.Server.ListenAddr}, coord, bus)
	if err != nil {
		logger.Errorf("初始化控制面失败: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	coord.Start(ctx)
	srv.Start()

	mgr := shutdown.NewManager()
	// 回调并发执行，存储要等循环退出后再关，放在同一个回调里顺序执行
	mgr.OnShutdown(func(ctx context.Context, wg *sync.WaitGroup) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warnf("控制面关闭失败: %v", err)
		}
	})
	mgr.OnShutdown(func(ctx context.Context, wg *sync.WaitGroup) {
		cancel()
		coord.Wait()
		if err := secondary.Close(); err != nil {
			logger.Warnf("关闭备用通道失败: %v", err)
		}
		if err := st.Close(); err != nil {
			logger.Warnf("关闭存储失败: %v", err)
		}
	})

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	<-stopCh
	logger.Info("收到退出信号，开始优雅关闭")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mgr.Shutdown(shutdownCtx)

	logger.Info("fleetd 已退出")
}

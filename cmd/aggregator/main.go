package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/betbot/goliq/internal/events"
	"github.com/betbot/goliq/internal/health"
	"github.com/betbot/goliq/internal/ingest"
	"github.com/betbot/goliq/internal/liquidity"
	"github.com/betbot/goliq/internal/metrics"
	"github.com/betbot/goliq/internal/registry"
	"github.com/betbot/goliq/internal/state"
	"github.com/betbot/goliq/pkg/config"
	"github.com/betbot/goliq/pkg/logger"
	"github.com/betbot/goliq/pkg/shutdown"

	apiserver "github.com/betbot/goliq/internal/api"
)

func main() {
	// .env 可选：容器里通常用环境变量直接注入
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     7,
		Compress:   true,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	logger.Infof("goliq 启动中: venues=%d", len(cfg.Venues))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 组件装配
	reg := registry.Load(cfg.Venues)
	if reg.Size() == 0 {
		logger.Error("没有任何有效场所，检查配置文件")
		os.Exit(1)
	}
	store := state.NewStore()
	statusHandlers := &events.VenueStatusHandlerList{}

	var persister *liquidity.Persister
	if cfg.Cache.PersistDir != "" {
		persister, err = liquidity.NewPersister(cfg.Cache.PersistDir)
		if err != nil {
			logger.Errorf("初始化快照持久化失败: %v", err)
			os.Exit(1)
		}
	}

	tierCache := liquidity.NewTierCache(cfg.Cache, cfg.Drift, store, persister)
	tracker := health.NewTracker(cfg.Health, reg, store, statusHandlers)
	orch := liquidity.NewOrchestrator(cfg.Fetch, reg, store, tracker, nil)
	ingestor := ingest.NewIngestor(reg, store, cfg.Reconnect, statusHandlers)

	agg := liquidity.NewAggregator(cfg, reg, store, tierCache, orch, ingestor, tracker, persister, statusHandlers)
	if err := agg.Start(ctx); err != nil {
		logger.Errorf("启动聚合引擎失败: %v", err)
		os.Exit(1)
	}

	mgr := shutdown.NewManager()
	mgr.OnShutdown(func(ctx context.Context) {
		agg.Shutdown(ctx)
	})

	// HTTP 查询服务
	if cfg.APIListen != "" {
		srv := apiserver.NewServer(cfg.APIListen, agg)
		srv.Start()
		mgr.OnShutdown(func(ctx context.Context) {
			if err := srv.Shutdown(ctx); err != nil {
				logger.Warnf("关闭 HTTP 服务失败: %v", err)
			}
		})
	}

	// metrics/pprof 调试服务
	if cfg.MetricsListen != "" {
		if _, err := metrics.StartAsync(ctx, cfg.MetricsListen); err != nil {
			logger.Warnf("启动 metrics 服务失败: %v", err)
		} else {
			logger.Infof("metrics 服务已启动: %s", cfg.MetricsListen)
		}
	}

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infof("收到信号 %s，开始关闭", sig)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	mgr.Shutdown(shutdownCtx)
	logger.Info("✅ goliq 已退出")
}

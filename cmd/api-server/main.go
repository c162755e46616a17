// Package main 调度器 API Server 入口
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ui-automation/internal/apiserver/agent"
	"ui-automation/internal/apiserver/dispatch"
	"ui-automation/internal/apiserver/reconcile"
	"ui-automation/internal/apiserver/scheduler"
	"ui-automation/internal/apiserver/server"
	"ui-automation/internal/config"
	"ui-automation/internal/shared/eventbus"
	"ui-automation/internal/shared/infra"
	"ui-automation/internal/shared/model"
	"ui-automation/pkg/engine"
	"ui-automation/pkg/logging"
)

func main() {
	// 加载配置（.env → configs/common.yaml → configs/{env}.yaml → 环境变量）
	cfg := config.Load()

	log.Printf("Starting API Server... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 初始化存储、Redis（可选）、MinIO（可选）
	inf, err := infra.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize infrastructure: %v", err)
	}
	defer inf.Close()
	log.Printf("Storage ready [driver=%s]", cfg.DatabaseDriver)

	if err := os.MkdirAll(cfg.ReportDir, 0o755); err != nil {
		log.Fatalf("Failed to create report dir %s: %v", cfg.ReportDir, err)
	}

	registry := agent.NewRegistry()
	registry.SetPresence(inf.Cache)
	// 上一个进程留下的在线记录已失效
	if err := inf.Cache.ClearAgents(ctx); err != nil {
		log.Printf("Failed to clear agent presence: %v", err)
	}

	schedCfg := schedulerConfig(cfg.Scheduler)
	dispatchOpts := dispatch.Options{
		ReportDir:   cfg.ReportDir,
		CancelGrace: schedCfg.CancelGrace,
		Chain:       schedCfg.BuildStrategyChain(),
	}
	if inf.Reports != nil {
		dispatchOpts.Archiver = inf.Reports
	}
	dispatcher := dispatch.New(registry, dispatchOpts)

	engines := engine.NewRegistry()
	engines.Register(engine.NewPlaceholder(engine.PlaceholderOptions{
		ReportDir:   cfg.ReportDir,
		StepTimeout: cfg.Engine.StepTimeout,
		StepDelay:   cfg.Engine.StepDelay,
	}))
	engineName := cfg.Engine.Name
	if engineName == "" {
		engineName = engine.PlaceholderName
	}
	eng, ok := engines.Get(engineName)
	if !ok {
		log.Fatalf("Unknown engine %q (available: %v)", engineName, engines.List())
	}

	// 事件：有 Redis 时经 Redis 广播（多实例共享），否则直接进入进程内推送中心
	metrics := server.NewMetrics("uiauto")
	hub := server.NewEventHub(metrics)
	var publisher eventbus.Publisher = hub
	if inf.EventBus != nil {
		publisher = inf.EventBus
		go func() {
			if err := hub.Relay(ctx, inf.EventBus); err != nil && ctx.Err() == nil {
				log.Printf("Event relay stopped: %v", err)
			}
		}()
	}

	sched, err := scheduler.NewScheduler(schedCfg, reconcile.New(inf.Storage, publisher), dispatcher, eng)
	if err != nil {
		log.Fatalf("Failed to create scheduler: %v", err)
	}

	// 上次进程遗留的 queued/running 记录没有执行方了，统一置为失败
	recovered, err := sched.Recover(ctx)
	if err != nil {
		log.Printf("Startup recovery failed: %v", err)
	} else if recovered.Executions > 0 || recovered.Cases > 0 {
		log.Printf("Startup recovery: executions=%d cases=%d", recovered.Executions, recovered.Cases)
	}

	var reports server.ReportStore
	if inf.Reports != nil {
		reports = inf.Reports
	}
	h := server.NewHandler(server.Options{
		Scheduler: sched,
		Hub:       hub,
		Metrics:   metrics,
		Reports:   reports,
		ReportDir: cfg.ReportDir,
		Logger:    logging.Default("api-server"),
	})

	// 远程执行可能持续数分钟，WebSocket 连接不能受 WriteTimeout 限制
	srv := &http.Server{
		Addr:        ":" + cfg.APIPort,
		Handler:     h.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
		ErrorLog:    newServerErrorLog(),
	}

	// 优雅关闭
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("API Server listening on :%s (max_concurrency=%d, remote=%v)",
		cfg.APIPort, schedCfg.MaxConcurrency, schedCfg.RemotePlatforms)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	cancel()
	sched.Close()
	fmt.Println("Server stopped")
}

// schedulerConfig 将配置文件中的调度器配置转换为调度器配置
func schedulerConfig(c config.SchedulerConfig) *scheduler.Config {
	sc := scheduler.DefaultConfig()
	if c.MaxConcurrency > 0 {
		sc.MaxConcurrency = c.MaxConcurrency
	}
	if len(c.RemotePlatforms) > 0 {
		sc.RemotePlatforms = sc.RemotePlatforms[:0]
		for _, p := range c.RemotePlatforms {
			sc.RemotePlatforms = append(sc.RemotePlatforms, model.Platform(p))
		}
	}
	if c.CancelGrace > 0 {
		sc.CancelGrace = c.CancelGrace
	}
	sc.RemoteTimeout = c.RemoteTimeout
	if len(c.StrategyChain) > 0 {
		sc.Strategy.Chain = c.StrategyChain
	}
	return sc
}

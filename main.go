package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gapserver/indexdb"
	"gapserver/journal"
	"gapserver/server"
	"gapserver/sim"
)

// gapserver 入口：加载配置，启动模拟、意图聚合与 WebSocket 服务
func main() {
	if err := server.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(2)
	}
	cfg, err := server.LoadConfig(os.Args[1:], os.LookupEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	// 使用第三方 zap 日志库写入日志文件（带滚动）
	if err := server.InitLogger(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg)
	stop()
	if err != nil {
		// run 返回前已关闭日志与索引库，Fatalf 不会丢数据
		server.Log.Fatalf("%v", err)
	}
	server.Log.Info("Shutting down...")
	server.SyncLogger()
}

// run 运行到 ctx 结束或监听失败；返回前停止模拟并关闭日志与索引库
func run(ctx context.Context, cfg server.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metrics := server.NewMetrics()
	agg := server.NewIntentAggregator(cfg.SweepInterval, cfg.IntentQueueSize).WithMetrics(metrics)
	world := sim.NewWorld(cfg.TickRate)

	if cfg.JournalDir != "" {
		j := journal.NewIntentJournal(cfg.JournalDir)
		defer func() {
			if err := j.Close(); err != nil {
				server.Log.Warnf("close journal: %v", err)
			}
		}()
		world.SetJournal(j)
		server.Log.Infof("intent journal: %s", cfg.JournalDir)
	}

	srv := server.NewServer(cfg, world, agg, metrics)
	if cfg.IndexDB != "" {
		idx, err := indexdb.OpenSQLite(cfg.IndexDB)
		if err != nil {
			return fmt.Errorf("open session index: %w", err)
		}
		defer idx.Close()
		srv.SetRecorder(idx)
	}

	// 模拟结束后，聚合器不再向下游转发
	simDone := make(chan struct{})
	go func() {
		defer close(simDone)
		defer agg.Close()
		world.Run(ctx, agg.Intents())
	}()
	go agg.Run(ctx)

	server.Log.Infof("gapserver %s listening on %s (tick_rate=%d broadcast=%s sweep=%s)",
		cfg.Version, cfg.Addr, cfg.TickRate, cfg.BroadcastInterval, cfg.SweepInterval)
	err := srv.ListenAndServe(ctx)

	// 等模拟停止写日志后再关闭日志文件
	cancel()
	<-simDone
	return err
}

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"gopherex.com/booksync/internal/app"
	"gopherex.com/booksync/internal/config"
	"gopherex.com/booksync/pkg/logger"
)

var configDir = flag.String("c", "", "directory containing booksync.yaml (default ./config or .)")

func main() {
	flag.Parse()

	// 支持 Ctrl+C / kubernetes 停止信号的 context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var dirs []string
	if *configDir != "" {
		dirs = append(dirs, *configDir)
	}
	cfg, err := config.Load(dirs...)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger.InitWithFile(cfg.Name, cfg.Log.Level, cfg.Log.File)
	defer logger.Sync()

	logger.Info(ctx, "booksync starting",
		zap.String("product_id", cfg.ProductID),
		zap.String("api_url", cfg.APIURL),
		zap.String("ws_url", cfg.WSURL),
		zap.Bool("authenticated", cfg.Auth.Enabled()),
		zap.String("notify_driver", cfg.Notify.Driver),
	)

	a, err := app.New(cfg)
	if err != nil {
		logger.Error(ctx, "init app", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}

	runErr := a.Run(ctx)
	a.Close()
	if runErr != nil {
		// 引擎致命错误（快照结构非法 / 重同步耗尽）：非零退出交给进程管理器重启
		logger.Error(ctx, "booksync stopped with error", zap.Error(runErr))
		logger.Sync()
		os.Exit(1)
	}
}

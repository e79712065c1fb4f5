package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gopherex.com/booksync/internal/api"
	"gopherex.com/booksync/internal/book"
	"gopherex.com/booksync/internal/booksync"
	"gopherex.com/booksync/internal/config"
	"gopherex.com/booksync/internal/feed"
	"gopherex.com/booksync/internal/notify"
	"gopherex.com/booksync/internal/snapshot"
	"gopherex.com/booksync/pkg/logger"
	"gopherex.com/booksync/pkg/metrics"
	"gopherex.com/booksync/pkg/ratelimit"
	"gopherex.com/booksync/pkg/trace"
)

// App 组装一个 product 的同步进程：feed -> engine -> broker，外加状态 API 和指标
type App struct {
	cfg *config.Config
	log *zap.Logger

	broker        notify.Broker
	sink          *notify.BrokerSink
	engine        *booksync.Engine
	runner        *feed.Runner
	api           *api.Server
	metricsSrv    *http.Server
	traceShutdown func(context.Context) error
}

func New(cfg *config.Config) (*App, error) {
	log := logger.L().With(zap.String("product_id", cfg.ProductID))
	a := &App{cfg: cfg, log: log}

	shutdown, err := trace.InitTrace(cfg.Name, cfg.Trace.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	a.traceShutdown = shutdown

	metrics.MustRegister()

	broker, err := newBroker(cfg.Notify)
	if err != nil {
		return nil, fmt.Errorf("init %s broker: %w", cfg.Notify.Driver, err)
	}
	a.broker = broker
	a.sink = notify.NewBrokerSink(broker, 0, log)

	src, err := newSnapshotSource(cfg, log)
	if err != nil {
		return nil, err
	}

	a.engine = booksync.New(cfg.ProductID, src, book.NewLevelBook(), a.sink,
		booksync.WithLogger(log),
		booksync.WithResyncPolicy(booksync.ResyncPolicy{
			MaxAttempts: cfg.Resync.MaxAttempts,
			BaseBackoff: cfg.Resync.BaseBackoff,
			MaxBackoff:  cfg.Resync.MaxBackoff,
		}),
	)

	ws := feed.NewWSSource(cfg.WSURL, cfg.ProductID)
	ws.Channels = []string{cfg.Feed.Channel, "heartbeat"}
	if cfg.Feed.PongWait > 0 {
		ws.PongWait = cfg.Feed.PongWait
	}
	a.runner = feed.NewRunner(ws, a.engine.OnRawMessage, log)

	a.api = api.New(a.engine, api.Options{
		Addr:   cfg.HTTP.Addr,
		Broker: broker,
		Logger: log,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return a, nil
}

// Run 阻塞到 ctx 结束或引擎致命退出。引擎的致命错误原样返回
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if rb, ok := a.broker.(*notify.RedisBroker); ok {
		rb.ReportPoolStats(gctx, 5*time.Second)
	}

	g.Go(func() error {
		err := a.engine.Run(gctx)
		if err != nil {
			return fmt.Errorf("sync engine: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := a.engine.WaitInitialized(gctx); err != nil {
			return nil
		}
		st := a.engine.Status()
		a.log.Info("order book initialized", zap.Int64("sequence", st.Sequence))
		return nil
	})

	g.Go(func() error {
		if err := a.runner.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("feed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := a.api.Run(gctx); err != nil {
			return fmt.Errorf("status api: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		errCh := make(chan error, 1)
		go func() {
			a.log.Info("metrics listening", zap.String("addr", a.metricsSrv.Addr))
			if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()
		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		case <-gctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown)
		defer cancel()
		return a.metricsSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Close 释放 broker/trace；Run 返回之后调用
func (a *App) Close() {
	a.sink.Close()
	if err := a.broker.Close(); err != nil {
		a.log.Warn("close broker", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown)
	defer cancel()
	if err := a.traceShutdown(ctx); err != nil {
		a.log.Warn("shutdown tracer", zap.Error(err))
	}
	a.log.Info("booksync exit",
		zap.Uint64("notifications_dropped", a.sink.Dropped()),
		zap.Uint64("notifications_failed", a.sink.Failed()),
	)
}

func newBroker(cfg config.NotifyConfig) (notify.Broker, error) {
	switch cfg.Driver {
	case "", "memory":
		return notify.NewMemBroker(), nil
	case "nats":
		url := cfg.URL
		if url == "" {
			url = nats.DefaultURL
		}
		return notify.NewNatsBroker(url, nats.Name(config.ServiceName), nats.MaxReconnects(-1))
	case "redis":
		if cfg.URL == "" {
			return nil, errors.New("notify.url is required for redis")
		}
		return notify.NewRedisBroker(cfg.URL)
	default:
		return nil, fmt.Errorf("unknown notify driver %q", cfg.Driver)
	}
}

// newSnapshotSource 配了 auth.key 就走签名接口
func newSnapshotSource(cfg *config.Config, log *zap.Logger) (booksync.SnapshotSource, error) {
	opt := snapshot.Options{
		Timeout: cfg.Snapshot.Timeout,
		Rate:    rate.Limit(cfg.Snapshot.Rate),
		Burst:   cfg.Snapshot.Burst,
		Breaker: ratelimit.NewManager(ratelimit.Rule{
			MaxRequests:             1,
			Interval:                time.Minute,
			Timeout:                 30 * time.Second,
			TripConsecutiveFailures: 5,
		}, nil),
		Logger: log,
	}
	if cfg.Auth.Enabled() {
		log.Info("using authenticated snapshot source")
		return snapshot.NewAuthClient(cfg.APIURL, snapshot.Credentials{
			Key:        cfg.Auth.Key,
			Secret:     cfg.Auth.Secret,
			Passphrase: cfg.Auth.Passphrase,
		}, opt)
	}
	return snapshot.NewPublicClient(cfg.APIURL, opt)
}

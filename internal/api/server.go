package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprom "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopherex.com/booksync/internal/booksync"
	"gopherex.com/booksync/internal/notify"
	"gopherex.com/booksync/pkg/middleware"
	"gopherex.com/booksync/pkg/ratelimit"
)

// Engine 只读视角，*booksync.Engine 满足
type Engine interface {
	ProductID() string
	Status() booksync.Status
	View(ctx context.Context, fn func(booksync.BookStore)) error
}

type Options struct {
	Addr string
	// Broker 为 nil 时不开 /ws
	Broker         notify.Broker
	Rate           rate.Limit
	Burst          int
	AllowedOrigins []string
	WriteTimeout   time.Duration
	Logger         *zap.Logger
}

type Server struct {
	engine Engine
	broker notify.Broker
	log    *zap.Logger
	limits *ratelimit.Store
	srv    *http.Server

	origins      []string
	writeTimeout time.Duration
	closing      chan struct{} // 关闭时通知 /ws 长连接退出
	closeOnce    sync.Once
}

var (
	promOnce sync.Once
	prom     *ginprom.Prometheus
)

// ginprom 注册的是全局 collector，只建一次
func httpMetrics() *ginprom.Prometheus {
	promOnce.Do(func() {
		prom = ginprom.NewPrometheus("booksync_http")
	})
	return prom
}

func New(engine Engine, opt Options) *Server {
	if opt.Rate == 0 {
		opt.Rate = 50
	}
	if opt.Burst <= 0 {
		opt.Burst = 100
	}
	if opt.WriteTimeout <= 0 {
		opt.WriteTimeout = 2 * time.Second
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if len(opt.AllowedOrigins) == 0 {
		opt.AllowedOrigins = []string{"localhost:*", "127.0.0.1:*"}
	}

	s := &Server{
		engine:       engine,
		broker:       opt.Broker,
		log:          opt.Logger,
		limits:       ratelimit.NewStore(opt.Rate, opt.Burst, 10*time.Minute),
		origins:      opt.AllowedOrigins,
		writeTimeout: opt.WriteTimeout,
		closing:      make(chan struct{}),
	}
	s.srv = &http.Server{
		Addr:              opt.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s
}

func (s *Server) routes() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	httpMetrics().Use(r)
	r.Use(
		otelgin.Middleware("booksync-api"),
		middleware.ReqId(),
		cors.Default(),
		middleware.Recover(),
		middleware.RateLimit(s.limits),
	)

	r.GET("/healthz", s.healthz)
	r.GET("/readyz", s.readyz)
	r.GET("/status", s.status)
	r.GET("/book", s.book)
	if s.broker != nil {
		r.GET("/ws", s.stream)
	}
	return r
}

func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Run 监听直到 ctx 结束，然后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	s.limits.StartJanitor(ctx, time.Minute)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("status api listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// Close 断开所有 /ws 订阅，不影响普通请求
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

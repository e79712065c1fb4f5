package feed

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"gopherex.com/booksync/pkg/metrics"
)

// Runner 给 Source 加上断线重连：指数退避 + jitter。
// 断线期间丢掉的消息由同步引擎的 gap 检测兜底（触发重新拉快照）。
type Runner struct {
	src  Source
	emit func(raw []byte)
	log  *zap.Logger

	BaseBackoff time.Duration // e.g. 300ms
	MaxBackoff  time.Duration // e.g. 5s
	StableReset time.Duration // 连接存活多久才重置 backoff，避免抖动重连
}

func NewRunner(src Source, emit func(raw []byte), log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		src:         src,
		emit:        emit,
		log:         log,
		BaseBackoff: 300 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
		StableReset: 10 * time.Second,
	}
}

// Run 阻塞直到 ctx 结束，返回 ctx.Err()
func (r *Runner) Run(ctx context.Context) error {
	backoff := r.BaseBackoff
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		start := time.Now()
		err := r.src.Run(ctx, r.emit)
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return ctx.Err()
		}

		if time.Since(start) >= r.StableReset {
			backoff = r.BaseBackoff
		}
		metrics.FeedReconnectsTotal.WithLabelValues(r.src.Name()).Inc()

		sleep := backoff + time.Duration(rng.Int63n(int64(backoff/2+1)))
		if sleep > r.MaxBackoff {
			sleep = r.MaxBackoff
		}
		r.log.Warn("feed disconnected, reconnecting",
			zap.String("source", r.src.Name()),
			zap.Error(err),
			zap.Duration("retry_in", sleep),
		)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if backoff > r.MaxBackoff {
			backoff = r.MaxBackoff
		}
	}
}

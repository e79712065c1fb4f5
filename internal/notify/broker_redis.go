package notify

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopherex.com/booksync/pkg/metrics"
)

// RedisBroker 基于 Redis Pub/Sub；通配 topic 走 PSUBSCRIBE
type RedisBroker struct {
	rdb *redis.Client
}

func NewRedisBroker(url string) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisBroker{rdb: redis.NewClient(opt)}, nil
}

func NewRedisBrokerFromClient(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb}
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.rdb.Publish(ctx, topic, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	var plain, patterns []string
	for _, t := range topics {
		if strings.HasSuffix(t, "*") {
			patterns = append(patterns, t)
		} else {
			plain = append(plain, t)
		}
	}

	var subs []*redis.PubSub
	if len(plain) > 0 {
		subs = append(subs, b.rdb.Subscribe(ctx, plain...))
	}
	if len(patterns) > 0 {
		subs = append(subs, b.rdb.PSubscribe(ctx, patterns...))
	}
	for _, ps := range subs {
		// 等订阅确认，连不上直接报错
		if _, err := ps.Receive(ctx); err != nil {
			for _, s := range subs {
				_ = s.Close()
			}
			return nil, err
		}
	}

	out := make(chan Message, 8192)
	done := make(chan struct{}, len(subs))
	for _, ps := range subs {
		go func(ps *redis.PubSub) {
			defer func() { done <- struct{}{} }()
			for m := range ps.Channel() {
				select {
				case out <- Message{Topic: m.Channel, Payload: []byte(m.Payload)}:
				default:
				}
			}
		}(ps)
	}

	go func() {
		<-ctx.Done()
		for _, ps := range subs {
			_ = ps.Close()
		}
		for range subs {
			<-done
		}
		close(out)
	}()
	return out, nil
}

func (b *RedisBroker) Close() error {
	return b.rdb.Close()
}

// ReportPoolStats 定时把连接池状态写进指标，ctx 结束退出
func (b *RedisBroker) ReportPoolStats(ctx context.Context, every time.Duration) {
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			st := b.rdb.PoolStats()
			metrics.RedisPoolConns.WithLabelValues("total").Set(float64(st.TotalConns))
			metrics.RedisPoolConns.WithLabelValues("idle").Set(float64(st.IdleConns))
			metrics.RedisPoolConns.WithLabelValues("stale").Set(float64(st.StaleConns))
			metrics.RedisPoolTimeouts.Set(float64(st.Timeouts))
		}
	}()
}

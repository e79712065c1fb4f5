package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"gopherex.com/booksync/pkg/metrics"
)

// BrokerSink 把通知编码成 JSON 发到 Broker。
// Publish 只入队；单个 worker 按入队顺序发送，队列满了丢弃并计数。
type BrokerSink struct {
	broker  Broker
	driver  string
	log     *zap.Logger
	queue   chan Notification
	timeout time.Duration

	dropped atomic.Uint64
	failed  atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

func NewBrokerSink(broker Broker, size int, log *zap.Logger) *BrokerSink {
	if size <= 0 {
		size = 1 << 14
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &BrokerSink{
		broker:  broker,
		driver:  driverName(broker),
		log:     log,
		queue:   make(chan Notification, size),
		timeout: 2 * time.Second,
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *BrokerSink) Publish(n Notification) {
	select {
	case s.queue <- n:
	default:
		s.dropped.Add(1)
		metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "dropped").Inc()
	}
}

func (s *BrokerSink) loop() {
	defer close(s.done)
	for n := range s.queue {
		payload, err := json.Marshal(n)
		if err != nil {
			s.failed.Add(1)
			s.log.Error("encode notification", zap.String("kind", string(n.Kind)), zap.Error(err))
			continue
		}
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err = s.broker.Publish(ctx, n.Topic(), payload)
		cancel()
		metrics.BrokerPublishDuration.WithLabelValues(s.driver).Observe(time.Since(start).Seconds())
		if err == nil {
			metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "published").Inc()
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "failed").Inc()
		s.failed.Add(1)
		s.log.Warn("broker publish failed",
			zap.String("topic", n.Topic()),
			zap.Int64("sequence", n.Sequence),
			zap.Error(err),
		)
	}
}

// Close 停止接收并等队列发完
func (s *BrokerSink) Close() {
	s.closeOnce.Do(func() { close(s.queue) })
	<-s.done
}

func (s *BrokerSink) Dropped() uint64 { return s.dropped.Load() }
func (s *BrokerSink) Failed() uint64  { return s.failed.Load() }

func driverName(b Broker) string {
	switch b.(type) {
	case *MemBroker:
		return "memory"
	case *NatsBroker:
		return "nats"
	case *RedisBroker:
		return "redis"
	default:
		return "custom"
	}
}

package notify

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

type Kind string

const (
	KindInitialized Kind = "initialized"
	KindSynced      Kind = "synced"
	KindOrderOpen   Kind = "order_open"
	KindOrderDone   Kind = "order_done"
	KindOrderMatch  Kind = "order_match"
	KindOrderChange Kind = "order_change"
)

// Notification 引擎对外的事件。order_* 的 Event 是交易所原始消息
type Notification struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	ProductID string          `json:"product_id"`
	Sequence  int64           `json:"sequence"`
	Orders    int             `json:"orders,omitempty"` // initialized/synced：簿上挂单数
	Event     json.RawMessage `json:"event,omitempty"`
	Time      time.Time       `json:"time"`
}

// Topic book:{product}:{kind}
func (n Notification) Topic() string {
	return "book:" + n.ProductID + ":" + string(n.Kind)
}

// Sink 发后即忘：不能阻塞调用方，调用顺序即投递顺序
type Sink interface {
	Publish(n Notification)
}

// ChanSink 进程内 channel，满了直接丢（at-most-once）
type ChanSink struct {
	ch      chan Notification
	dropped atomic.Uint64
}

func NewChanSink(size int) *ChanSink {
	if size <= 0 {
		size = 1 << 12
	}
	return &ChanSink{ch: make(chan Notification, size)}
}

func (s *ChanSink) Publish(n Notification) {
	select {
	case s.ch <- n:
	default:
		s.dropped.Add(1)
	}
}

func (s *ChanSink) C() <-chan Notification { return s.ch }
func (s *ChanSink) Dropped() uint64        { return s.dropped.Load() }

// Multi 依次转发给多个 sink
type Multi []Sink

func (m Multi) Publish(n Notification) {
	for _, s := range m {
		s.Publish(n)
	}
}

// SinkFunc 适配普通函数
type SinkFunc func(Notification)

func (f SinkFunc) Publish(n Notification) { f(n) }

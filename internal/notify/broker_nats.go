package notify

import (
	"context"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
)

type unsubscriber interface {
	Unsubscribe() error
}

type NatsBroker struct {
	nc        *nats.Conn
	subscribe func(subj string, cb nats.MsgHandler) (unsubscriber, error)
}

func NewNatsBroker(url string, opts ...nats.Option) (*NatsBroker, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	b := &NatsBroker{nc: nc}
	b.subscribe = func(subj string, cb nats.MsgHandler) (unsubscriber, error) {
		sub, err := nc.Subscribe(subj, cb)
		if err != nil {
			return nil, err
		}
		return sub, nil
	}
	return b, nil
}

// natsOut Unsubscribe 不等正在执行的回调，关 channel 和回调里的发送要互斥
type natsOut struct {
	mu     sync.RWMutex
	closed bool
	ch     chan Message
}

// offer at-most-once：慢消费者直接丢，避免卡住 NATS 回调
func (o *natsOut) offer(m Message) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return
	}
	select {
	case o.ch <- m:
	default:
	}
}

func (o *natsOut) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.ch)
	}
}

// Publish 只进 nats 客户端缓冲，不等服务端确认
func (b *NatsBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.nc.Publish(topicToSubject(topic), payload)
}

func (b *NatsBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	out := &natsOut{ch: make(chan Message, 8192)}
	subs := make([]unsubscriber, 0, len(topics))

	for _, t := range topics {
		sub, err := b.subscribe(topicToSubject(t), func(m *nats.Msg) {
			out.offer(Message{Topic: subjectToTopic(m.Subject), Payload: m.Data})
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}

	go func() {
		<-ctx.Done()
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
		out.close()
	}()

	return out.ch, nil
}

func (b *NatsBroker) Close() error {
	if b.nc != nil {
		_ = b.nc.Drain()
		b.nc.Close()
	}
	return nil
}

// book:BTC-USD:order_open <-> book.BTC-USD.order_open；通配 * 映射成 NATS 的 >
func topicToSubject(topic string) string {
	s := strings.ReplaceAll(topic, ":", ".")
	if strings.HasSuffix(s, "*") {
		s = strings.TrimSuffix(s, "*") + ">"
	}
	return s
}

func subjectToTopic(subj string) string { return strings.ReplaceAll(subj, ".", ":") }

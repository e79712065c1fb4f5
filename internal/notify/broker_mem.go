package notify

import (
	"context"
	"strings"
	"sync"
)

// MemBroker 进程内 fanout。topic 支持前缀通配 "book:BTC-USD:*"
type MemBroker struct {
	mu   sync.RWMutex
	subs map[string][]chan Message
}

func NewMemBroker() *MemBroker {
	return &MemBroker{subs: make(map[string][]chan Message)}
}

func (b *MemBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	msg := Message{Topic: topic, Payload: payload}
	for pattern, list := range b.subs {
		if !topicMatch(pattern, topic) {
			continue
		}
		// at-most-once，慢订阅者直接丢
		for _, ch := range list {
			select {
			case ch <- msg:
			default:
			}
		}
	}
	return nil
}

func (b *MemBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	ch := make(chan Message, 4096)
	b.mu.Lock()
	for _, t := range topics {
		b.subs[t] = append(b.subs[t], ch)
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		for _, t := range topics {
			b.subs[t] = removeChan(b.subs[t], ch)
			if len(b.subs[t]) == 0 {
				delete(b.subs, t)
			}
		}
		b.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

func (b *MemBroker) Close() error { return nil }

func removeChan(list []chan Message, ch chan Message) []chan Message {
	out := list[:0]
	for _, c := range list {
		if c != ch {
			out = append(out, c)
		}
	}
	return out
}

func topicMatch(pattern, topic string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == topic
}

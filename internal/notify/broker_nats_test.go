package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNatsSub struct {
	mu           sync.Mutex
	unsubscribed bool
}

func (s *fakeNatsSub) Unsubscribe() error {
	s.mu.Lock()
	s.unsubscribed = true
	s.mu.Unlock()
	return nil
}

// fakeNatsConn 只记录回调，测试里自己模拟 nats 的投递 goroutine
type fakeNatsConn struct {
	mu   sync.Mutex
	cbs  map[string]nats.MsgHandler
	subs []*fakeNatsSub
}

func newFakeNatsBroker() (*NatsBroker, *fakeNatsConn) {
	fc := &fakeNatsConn{cbs: map[string]nats.MsgHandler{}}
	b := &NatsBroker{subscribe: func(subj string, cb nats.MsgHandler) (unsubscriber, error) {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		fc.cbs[subj] = cb
		s := &fakeNatsSub{}
		fc.subs = append(fc.subs, s)
		return s, nil
	}}
	return b, fc
}

func (fc *fakeNatsConn) deliver(subj string, data []byte) {
	fc.mu.Lock()
	cb := fc.cbs[subj]
	fc.mu.Unlock()
	cb(&nats.Msg{Subject: subj, Data: data})
}

func TestNatsBroker_DeliversWithTopicMapping(t *testing.T) {
	b, fc := newFakeNatsBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, []string{"book:BTC-USD:*"})
	require.NoError(t, err)

	fc.deliver("book.BTC-USD.>", []byte("x"))
	select {
	case m := <-ch:
		assert.Equal(t, "book:BTC-USD:>", m.Topic)
		assert.Equal(t, []byte("x"), m.Payload)
	case <-time.After(time.Second):
		t.Fatal("no message")
	}
}

// 取消订阅和回调并发：回调晚到不能往已关闭的 channel 里写
func TestNatsBroker_CancelWhileDelivering(t *testing.T) {
	b, fc := newFakeNatsBroker()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := b.Subscribe(ctx, []string{"book:BTC-USD:synced"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 2000; j++ {
				fc.deliver("book.BTC-USD.synced", []byte("n"))
			}
		}()
	}

	cancel()
	// 把 channel 读到关闭
	deadline := time.After(2 * time.Second)
	for closed := false; !closed; {
		select {
		case _, ok := <-ch:
			closed = !ok
		case <-deadline:
			t.Fatal("channel not closed after cancel")
		}
	}
	wg.Wait()

	assert.NotPanics(t, func() { fc.deliver("book.BTC-USD.synced", []byte("late")) })
	fc.mu.Lock()
	defer fc.mu.Unlock()
	for _, s := range fc.subs {
		assert.True(t, s.unsubscribed)
	}
}

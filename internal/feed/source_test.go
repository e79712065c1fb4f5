package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWSSource_SubscribesAndEmits(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotSub := make(chan subscribeMsg, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		var sub subscribeMsg
		if err := c.ReadJSON(&sub); err != nil {
			return
		}
		gotSub <- sub

		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscriptions","channels":[]}`))
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"open","sequence":1}`))
		// 等客户端断开
		_, _, _ = c.ReadMessage()
	}))
	defer srv.Close()

	src := NewWSSource("ws"+strings.TrimPrefix(srv.URL, "http"), "BTC-USD")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs := make(chan string, 4)
	errCh := make(chan error, 1)
	go func() {
		errCh <- src.Run(ctx, func(raw []byte) { msgs <- string(raw) })
	}()

	select {
	case sub := <-gotSub:
		assert.Equal(t, "subscribe", sub.Type)
		assert.Equal(t, []string{"BTC-USD"}, sub.ProductIDs)
		assert.Equal(t, []string{"full", "heartbeat"}, sub.Channels)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe message")
	}

	for _, want := range []string{`{"type":"subscriptions","channels":[]}`, `{"type":"open","sequence":1}`} {
		select {
		case got := <-msgs:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatal("message not delivered")
		}
	}

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type flakySource struct {
	calls atomic.Int32
	fails int32
}

func (f *flakySource) Name() string { return "flaky" }

func (f *flakySource) Run(ctx context.Context, emit func([]byte)) error {
	n := f.calls.Add(1)
	if n <= f.fails {
		return errors.New("connection reset")
	}
	emit([]byte(`{"type":"heartbeat"}`))
	<-ctx.Done()
	return ctx.Err()
}

func TestRunner_ReconnectsWithBackoff(t *testing.T) {
	src := &flakySource{fails: 2}
	got := make(chan struct{}, 1)
	r := NewRunner(src, func([]byte) { got <- struct{}{} }, nil)
	r.BaseBackoff = time.Millisecond
	r.MaxBackoff = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("runner never reconnected")
	}
	assert.Equal(t, int32(3), src.calls.Load())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

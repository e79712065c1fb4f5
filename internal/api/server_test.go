package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopherex.com/booksync/internal/book"
	"gopherex.com/booksync/internal/booksync"
	"gopherex.com/booksync/internal/notify"
	"gopherex.com/booksync/pkg/common"
)

type fakeEngine struct {
	st    booksync.Status
	store booksync.BookStore
	err   error
}

func (f *fakeEngine) ProductID() string        { return "BTC-USD" }
func (f *fakeEngine) Status() booksync.Status { return f.st }
func (f *fakeEngine) View(ctx context.Context, fn func(booksync.BookStore)) error {
	if f.err != nil {
		return f.err
	}
	fn(f.store)
	return nil
}

func syncedEngine(t *testing.T) *fakeEngine {
	t.Helper()
	lb := book.NewLevelBook()
	d := decimal.RequireFromString
	require.NoError(t, lb.LoadState(book.State{
		Sequence: 42,
		Bids: []book.Entry{
			{OrderID: "b1", Price: d("100"), Size: d("1")},
			{OrderID: "b2", Price: d("100"), Size: d("2")},
			{OrderID: "b3", Price: d("99"), Size: d("5")},
		},
		Asks: []book.Entry{
			{OrderID: "a1", Price: d("101"), Size: d("3")},
		},
	}))
	return &fakeEngine{
		st:    booksync.Status{ProductID: "BTC-USD", State: "synced", Sequence: 42, Initialized: true},
		store: lb,
	}
}

func do(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, common.Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp common.Response
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestHealthAndReady(t *testing.T) {
	eng := syncedEngine(t)
	h := New(eng, Options{}).Handler()

	w, _ := do(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(common.HeaderRequestID))

	w, _ = do(t, h, "/readyz")
	assert.Equal(t, http.StatusOK, w.Code)

	eng.st.State = "unsynced"
	w, _ = do(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	h := New(syncedEngine(t), Options{}).Handler()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(common.HeaderRequestID, "rid-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "rid-1", w.Header().Get(common.HeaderRequestID))
}

func TestStatus(t *testing.T) {
	h := New(syncedEngine(t), Options{}).Handler()

	w, resp := do(t, h, "/status")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusOK, resp.Code)

	data := resp.Data.(map[string]any)
	assert.Equal(t, "synced", data["state"])
	assert.EqualValues(t, 42, data["sequence"])
}

func TestBookDepth(t *testing.T) {
	h := New(syncedEngine(t), Options{}).Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/book?depth=1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data BookView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	v := resp.Data
	assert.Equal(t, int64(42), v.Sequence)
	assert.Equal(t, 4, v.Orders)
	require.Len(t, v.Bids, 1)
	assert.True(t, v.Bids[0].Price.Equal(decimal.RequireFromString("100")))
	assert.True(t, v.Bids[0].Size.Equal(decimal.RequireFromString("3")))
	assert.Equal(t, 2, v.Bids[0].Count)
	require.NotNil(t, v.BestAsk)
	assert.Equal(t, "101", *v.BestAsk)
}

func TestBookRejectsBadDepth(t *testing.T) {
	h := New(syncedEngine(t), Options{}).Handler()
	for _, q := range []string{"0", "-1", "abc", "1001"} {
		w, resp := do(t, h, "/book?depth="+q)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
		assert.Equal(t, common.CodeBadRequest, resp.Code, q)
	}
}

func TestBookUnavailableWhileUnsynced(t *testing.T) {
	eng := syncedEngine(t)
	eng.st.State = "unsynced"
	h := New(eng, Options{}).Handler()

	w, resp := do(t, h, "/book")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, common.CodeUnavailable, resp.Code)
}

func TestBookEngineStopped(t *testing.T) {
	eng := syncedEngine(t)
	eng.err = booksync.ErrStopped
	h := New(eng, Options{}).Handler()

	w, _ := do(t, h, "/book")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRateLimit(t *testing.T) {
	h := New(syncedEngine(t), Options{Rate: 1, Burst: 2}).Handler()

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w, _ := do(t, h, "/healthz")
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{200, 200, http.StatusTooManyRequests}, codes)
}

func TestTopicsFor(t *testing.T) {
	topics, ok := topicsFor("BTC-USD", "")
	require.True(t, ok)
	assert.Equal(t, []string{"book:BTC-USD:*"}, topics)

	topics, ok = topicsFor("BTC-USD", "synced, order_match")
	require.True(t, ok)
	assert.Equal(t, []string{"book:BTC-USD:synced", "book:BTC-USD:order_match"}, topics)

	topics, ok = topicsFor("BTC-USD", "synced,synced, order_match,synced")
	require.True(t, ok)
	assert.Equal(t, []string{"book:BTC-USD:synced", "book:BTC-USD:order_match"}, topics)

	_, ok = topicsFor("BTC-USD", "order_fill")
	assert.False(t, ok)
}

func TestWSDuplicateKindsDeliverOnce(t *testing.T) {
	broker := notify.NewMemBroker()
	s := New(syncedEngine(t), Options{Broker: broker})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?kinds=synced,synced"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sink := notify.NewBrokerSink(broker, 16, nil)
	defer sink.Close()
	sink.Publish(notify.Notification{Kind: notify.KindSynced, ProductID: "BTC-USD", Sequence: 1})
	sink.Publish(notify.Notification{Kind: notify.KindSynced, ProductID: "BTC-USD", Sequence: 2})

	var seqs []int64
	for i := 0; i < 2; i++ {
		_, payload, err := conn.Read(ctx)
		require.NoError(t, err)
		var n notify.Notification
		require.NoError(t, json.Unmarshal(payload, &n))
		seqs = append(seqs, n.Sequence)
	}
	// 有重复订阅的话第二条读到的还是 1
	assert.Equal(t, []int64{1, 2}, seqs)
}

func TestWSNotFoundWithoutBroker(t *testing.T) {
	h := New(syncedEngine(t), Options{}).Handler()
	w, _ := do(t, h, "/ws")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWSStreamsNotifications(t *testing.T) {
	broker := notify.NewMemBroker()
	s := New(syncedEngine(t), Options{Broker: broker})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?kinds=order_open"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sink := notify.NewBrokerSink(broker, 16, nil)
	defer sink.Close()
	sink.Publish(notify.Notification{Kind: notify.KindSynced, ProductID: "BTC-USD", Sequence: 1})
	sink.Publish(notify.Notification{Kind: notify.KindOrderOpen, ProductID: "BTC-USD", Sequence: 2})

	typ, payload, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)

	var n notify.Notification
	require.NoError(t, json.Unmarshal(payload, &n))
	assert.Equal(t, notify.KindOrderOpen, n.Kind)
	assert.Equal(t, int64(2), n.Sequence)

	// 关闭服务端，连接应该被断开
	s.Close()
	_, _, err = conn.Read(ctx)
	assert.Error(t, err)
}

func TestWSRejectsUnknownKind(t *testing.T) {
	h := New(syncedEngine(t), Options{Broker: notify.NewMemBroker()}).Handler()
	w, _ := do(t, h, "/ws?kinds=bogus")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

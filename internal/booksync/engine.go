package booksync

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopherex.com/booksync/internal/feed"
	"gopherex.com/booksync/internal/notify"
	"gopherex.com/booksync/pkg/logger"
	"gopherex.com/booksync/pkg/metrics"
	"gopherex.com/booksync/pkg/safe"
	"gopherex.com/booksync/pkg/xerr"
)

// Engine 把 REST 快照和增量推送对齐成一份本地 L3 订单簿。
//
// 所有状态（游标、待回放队列、BookStore）只在 Run 的 actor 协程里改；
// 外部通过 OnRawMessage / FetchAndLoad / View 投递消息，Status 走原子快照。
type Engine struct {
	id        string
	productID string
	src       SnapshotSource
	store     BookStore
	sink      notify.Sink
	log       *zap.Logger
	policy    ResyncPolicy
	now       func() time.Time

	in      *inbox
	started atomic.Bool
	stopped chan struct{}
	initCh  chan struct{}
	status  atomic.Pointer[Status]

	// ---- actor 私有 ----
	ctx         context.Context
	state       SyncState
	cursor      int64
	pending     []feed.UpdateEvent
	gen         uint64 // 快照代数，只认最新一代的结果
	inflight    bool
	waiters     []func(BookStore, error)
	retry       bool // 本轮失败是否按 policy 重试
	attempt     int
	resyncs     uint64
	initialized bool
	lastSynced  time.Time
	fatal       error
	rng         *rand.Rand
}

func New(productID string, src SnapshotSource, store BookStore, sink notify.Sink, opts ...Option) *Engine {
	if sink == nil {
		sink = notify.SinkFunc(func(notify.Notification) {})
	}
	e := &Engine{
		id:        uuid.NewString(),
		productID: productID,
		src:       src,
		store:     store,
		sink:      sink,
		policy:    DefaultResyncPolicy(),
		now:       time.Now,
		in:        newInbox(),
		stopped:   make(chan struct{}),
		initCh:    make(chan struct{}),
		state:     Unsynced,
		cursor:    NoSequence,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logger.L()
	}
	e.log = e.log.With(zap.String("product_id", productID), zap.String("engine_id", e.id))
	e.publishStatus()
	return e
}

// Run 阻塞运行 actor：先拉首个快照，然后处理邮箱。
// ctx 结束返回 nil；快照结构非法或重同步重试耗尽时返回致命错误。
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("booksync: engine already running")
	}
	defer close(e.stopped)

	e.ctx = ctx
	e.log.Info("sync engine started",
		zap.Int("resync_max_attempts", e.policy.MaxAttempts),
		zap.Duration("resync_base_backoff", e.policy.BaseBackoff),
	)
	// 首次加载失败同样走重试策略，耗尽后由 Run 返回给调用方
	e.startFetch("initial", true)
	e.publishStatus()

	var batch []message
	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine stopped", zap.Int64("sequence", e.cursor))
			return nil
		case <-e.in.notify:
		}

		batch = e.in.swap(batch)
		for i := range batch {
			e.handle(batch[i])
			if e.fatal != nil {
				e.publishStatus()
				e.log.Error("sync engine terminated", zap.Error(e.fatal))
				return e.fatal
			}
		}
		e.publishStatus()
	}
}

// OnRawMessage 给传输层用的回调，永不阻塞。调用后不要再改 raw
func (e *Engine) OnRawMessage(raw []byte) { e.Ingest(raw) }

func (e *Engine) Ingest(raw []byte) {
	e.in.push(message{kind: msgRaw, raw: raw})
}

// FetchAndLoad 请求一次快照。已有拉取在途时合并进去（single-flight）。
// onComplete 在 actor 协程里回调：成功拿到 BookStore，失败拿到 SnapshotFetchFailed，
// 引擎保持 UNSYNCED 继续缓冲。onComplete 为 nil 等同于自动重同步，失败按 policy 重试。
// onComplete 直接读参数里的 BookStore，不能调 View/WaitInitialized 这类等 actor 的方法，否则引擎死锁；
// 耗时工作自己起 goroutine。
func (e *Engine) FetchAndLoad(onComplete func(BookStore, error)) {
	e.in.push(message{kind: msgFetch, onComplete: onComplete})
}

// View 在 actor 协程里执行只读查询，不会和变更交错。fn 里不要改 BookStore，
// 也不要再调 View（同样会死锁）
func (e *Engine) View(ctx context.Context, fn func(BookStore)) error {
	done := make(chan struct{})
	e.in.push(message{kind: msgView, view: fn, viewDone: done})
	select {
	case <-done:
		return nil
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitInitialized 等首个快照加载完成
func (e *Engine) WaitInitialized(ctx context.Context) error {
	select {
	case <-e.initCh:
		return nil
	case <-e.stopped:
		if e.fatal != nil {
			return e.fatal
		}
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) Status() Status {
	return *e.status.Load()
}

func (e *Engine) ProductID() string { return e.productID }

func (e *Engine) handle(m message) {
	switch m.kind {
	case msgRaw:
		e.ingest(m.raw)
	case msgFetch:
		e.fetchAndLoad(m.onComplete)
	case msgFetchDone:
		e.onFetchDone(m)
	case msgRetry:
		e.onRetry(m.gen)
	case msgView:
		e.runView(m)
	}
}

func (e *Engine) ingest(raw []byte) {
	ev, err := feed.Decode(raw)
	if errors.Is(err, feed.ErrControl) {
		e.count("control")
		if ev.Type == "error" {
			e.log.Warn("feed reported error", zap.ByteString("raw", clip(raw)))
		}
		return
	}
	if err != nil {
		e.count("malformed")
		e.log.Warn("drop malformed feed message", zap.Error(err), zap.ByteString("raw", clip(raw)))
		return
	}
	if ev.ProductID != "" && ev.ProductID != e.productID {
		e.count("ignored")
		return
	}

	if e.state == Unsynced {
		e.pending = append(e.pending, ev)
		e.count("buffered")
		return
	}
	e.applyIfInOrder(ev)
}

// applyIfInOrder 只在 SYNCED 下调用。返回 false 表示发现 gap，已转入重同步
func (e *Engine) applyIfInOrder(ev feed.UpdateEvent) bool {
	switch {
	case ev.Sequence <= e.cursor:
		e.count("stale")
		return true
	case ev.Sequence == e.cursor+1:
		e.cursor = ev.Sequence
		e.dispatch(ev)
		return true
	default:
		e.onGap(ev)
		return false
	}
}

func (e *Engine) dispatch(ev feed.UpdateEvent) {
	var kind notify.Kind
	switch ev.Kind {
	case feed.KindOpen:
		e.store.Add(ev.Order())
		kind = notify.KindOrderOpen
	case feed.KindDone:
		e.store.Remove(ev.OrderID)
		kind = notify.KindOrderDone
	case feed.KindMatch:
		e.store.Match(ev.MakerOrderID, ev.Size.Decimal)
		kind = notify.KindOrderMatch
	case feed.KindChange:
		// 市价单的 change 只带 new_funds，不在簿上
		if ev.NewSize.Valid {
			e.store.Change(ev.OrderID, ev.NewSize.Decimal, ev.NewPrice)
		}
		kind = notify.KindOrderChange
	default:
		// received/activate/未知类型：占一个 sequence，不动簿也不通知
		e.count("skipped")
		return
	}
	e.count("applied")
	e.publish(kind, ev.Sequence, 0, ev.Raw)
}

func (e *Engine) onGap(ev feed.UpdateEvent) {
	metrics.GapsTotal.WithLabelValues(e.productID).Inc()
	e.log.Warn("sequence gap detected, resyncing",
		zap.Int64("cursor", e.cursor),
		zap.Int64("got", ev.Sequence),
		zap.Int("pending_dropped", len(e.pending)),
	)
	e.pending = nil
	e.cursor = NoSequence
	e.state = Unsynced
	e.markResync("gap")
	e.startFetch("gap", true)
}

func (e *Engine) fetchAndLoad(onComplete func(BookStore, error)) {
	if onComplete != nil {
		e.waiters = append(e.waiters, onComplete)
	}
	if e.inflight {
		return
	}
	if e.state == Synced {
		// 主动重拉：从现在起缓冲，新快照到了再回放
		e.state = Unsynced
		e.cursor = NoSequence
		e.markResync("requested")
	}
	e.startFetch("requested", onComplete == nil)
}

func (e *Engine) markResync(reason string) {
	e.resyncs++
	metrics.ResyncsTotal.WithLabelValues(e.productID, reason).Inc()
}

func (e *Engine) startFetch(reason string, retry bool) {
	if retry {
		e.retry = true
	}
	if e.inflight {
		return
	}
	e.inflight = true
	e.gen++
	gen := e.gen

	e.log.Info("fetching snapshot",
		zap.String("reason", reason),
		zap.Uint64("generation", gen),
		zap.Int("attempt", e.attempt+1),
	)

	src, productID := e.src, e.productID
	safe.GoCtx(logger.WithProduct(e.ctx, productID), func(ctx context.Context) {
		st, err := src.Fetch(ctx, productID, snapshotLevel)
		e.in.push(message{kind: msgFetchDone, gen: gen, state: st, err: err})
	}, func(r any) {
		e.in.push(message{kind: msgFetchDone, gen: gen, err: safe.PanicError(r)})
	})
}

func (e *Engine) onFetchDone(m message) {
	if m.gen != e.gen {
		metrics.SnapshotsTotal.WithLabelValues(e.productID, "stale").Inc()
		e.log.Info("discard superseded snapshot",
			zap.Uint64("generation", m.gen),
			zap.Uint64("current", e.gen),
		)
		return
	}
	e.inflight = false

	if m.err != nil {
		e.onFetchFailed(m.err)
		return
	}
	metrics.SnapshotsTotal.WithLabelValues(e.productID, "ok").Inc()

	if err := e.store.LoadState(m.state); err != nil {
		e.fatal = xerr.Wrap(err, xerr.BookStructure, "")
		e.failWaiters(e.fatal)
		return
	}
	e.cursor = m.state.Sequence
	e.state = Synced
	e.attempt = 0
	e.retry = false
	e.lastSynced = e.now()

	// 回放期间不会有新消息插进来：都还在邮箱里排队
	queue := e.pending
	e.pending = nil
	replayed := 0
	for _, ev := range queue {
		replayed++
		if !e.applyIfInOrder(ev) {
			break
		}
	}

	if e.state != Synced {
		// 回放中又断档，已经发起新一轮拉取；回调跟着新快照走
		e.log.Warn("gap during replay, snapshot superseded",
			zap.Int64("snapshot_sequence", m.state.Sequence),
			zap.Int("replayed", replayed),
			zap.Int("abandoned", len(queue)-replayed),
		)
		return
	}
	clear(queue)
	e.pending = queue[:0]

	orders := len(m.state.Bids) + len(m.state.Asks)
	if l, ok := e.store.(interface{ Len() int }); ok {
		orders = l.Len()
	}
	e.log.Info("book synced",
		zap.Int64("snapshot_sequence", m.state.Sequence),
		zap.Int64("sequence", e.cursor),
		zap.Int("replayed", replayed),
		zap.Int("orders", orders),
	)

	waiters := e.waiters
	e.waiters = nil
	for _, cb := range waiters {
		e.invoke(cb, e.store, nil)
	}
	if !e.initialized {
		e.initialized = true
		close(e.initCh)
		e.publish(notify.KindInitialized, e.cursor, orders, nil)
	}
	e.publish(notify.KindSynced, e.cursor, orders, nil)
}

func (e *Engine) onFetchFailed(err error) {
	metrics.SnapshotsTotal.WithLabelValues(e.productID, "error").Inc()

	if errors.Is(err, ErrBookStructure) {
		e.fatal = err
		e.failWaiters(err)
		return
	}
	if xerr.CodeOf(err) != xerr.SnapshotFetchFailed {
		err = xerr.Wrap(err, xerr.SnapshotFetchFailed, "")
	}
	e.failWaiters(err)

	if !e.retry {
		e.log.Warn("snapshot fetch failed, still buffering",
			zap.Int("pending", len(e.pending)),
			zap.Error(err),
		)
		return
	}

	e.attempt++
	if e.attempt >= e.policy.MaxAttempts {
		metrics.ResyncFailuresTotal.WithLabelValues(e.productID).Inc()
		e.fatal = xerr.Wrap(err, xerr.ResyncExhausted, fmt.Sprintf("resync failed after %d attempts", e.attempt))
		return
	}

	wait := e.backoff(e.attempt)
	gen := e.gen
	e.log.Warn("snapshot fetch failed, retrying",
		zap.Int("attempt", e.attempt),
		zap.Duration("retry_in", wait),
		zap.Error(err),
	)
	time.AfterFunc(wait, func() {
		e.in.push(message{kind: msgRetry, gen: gen})
	})
}

func (e *Engine) onRetry(gen uint64) {
	// 退避期间已有别的拉取（FetchAndLoad）接手
	if gen != e.gen || e.inflight || e.state == Synced {
		return
	}
	e.startFetch("retry", true)
}

// backoff 指数退避 + jitter：[d/2, d]
func (e *Engine) backoff(attempt int) time.Duration {
	d := e.policy.BaseBackoff
	for i := 1; i < attempt && d < e.policy.MaxBackoff; i++ {
		d *= 2
	}
	if d > e.policy.MaxBackoff {
		d = e.policy.MaxBackoff
	}
	half := d / 2
	return half + time.Duration(e.rng.Int63n(int64(d-half)+1))
}

func (e *Engine) failWaiters(err error) {
	waiters := e.waiters
	e.waiters = nil
	for _, cb := range waiters {
		e.invoke(cb, nil, err)
	}
}

func (e *Engine) invoke(cb func(BookStore, error), store BookStore, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("fetch callback panic", zap.Any("panic", r))
		}
	}()
	cb(store, err)
}

func (e *Engine) runView(m message) {
	defer close(m.viewDone)
	// fn 里读 Status 能拿到和簿一致的游标
	e.publishStatus()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("view panic", zap.Any("panic", r))
		}
	}()
	m.view(e.store)
}

func (e *Engine) publish(kind notify.Kind, seq int64, orders int, raw []byte) {
	e.sink.Publish(notify.Notification{
		ID:        uuid.NewString(),
		Kind:      kind,
		ProductID: e.productID,
		Sequence:  seq,
		Orders:    orders,
		Event:     raw,
		Time:      e.now(),
	})
}

func (e *Engine) count(outcome string) {
	metrics.EventsTotal.WithLabelValues(e.productID, outcome).Inc()
}

func (e *Engine) publishStatus() {
	st := &Status{
		EngineID:    e.id,
		ProductID:   e.productID,
		State:       e.state.String(),
		Sequence:    e.cursor,
		Pending:     len(e.pending),
		Fetching:    e.inflight,
		Resyncs:     e.resyncs,
		Initialized: e.initialized,
		LastSynced:  e.lastSynced,
	}
	e.status.Store(st)
	metrics.PendingDepth.WithLabelValues(e.productID).Set(float64(st.Pending))
	metrics.Cursor.WithLabelValues(e.productID).Set(float64(st.Sequence))
}

func clip(raw []byte) []byte {
	const limit = 512
	if len(raw) > limit {
		return raw[:limit]
	}
	return raw
}

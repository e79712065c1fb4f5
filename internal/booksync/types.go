package booksync

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopherex.com/booksync/internal/book"
	"gopherex.com/booksync/pkg/xerr"
)

// SyncState 引擎只有两个状态
type SyncState int32

const (
	Unsynced SyncState = iota
	Synced
)

func (s SyncState) String() string {
	if s == Synced {
		return "synced"
	}
	return "unsynced"
}

// NoSequence 游标的"无"值：还没有快照，或者正在重同步
const NoSequence int64 = -1

// 快照必须是 L3，后续 done/match/change 要按 order id 对上
const snapshotLevel = 3

// SnapshotSource 拉一次全量快照
type SnapshotSource interface {
	Fetch(ctx context.Context, productID string, level int) (book.State, error)
}

// BookStore 由引擎独占；未知 order id 的 Remove/Match/Change 必须是 no-op
type BookStore interface {
	LoadState(st book.State) error
	Add(o book.Order)
	Remove(orderID string)
	Match(makerOrderID string, size decimal.Decimal)
	Change(orderID string, newSize decimal.Decimal, newPrice decimal.NullDecimal)
}

// ResyncPolicy 自动重同步（gap 触发、没有回调）拉快照失败时的重试策略
type ResyncPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultResyncPolicy() ResyncPolicy {
	return ResyncPolicy{MaxAttempts: 5, BaseBackoff: 500 * time.Millisecond, MaxBackoff: 10 * time.Second}
}

// Status 给外部看的只读视图，任意协程可读
type Status struct {
	EngineID    string    `json:"engine_id"`
	ProductID   string    `json:"product_id"`
	State       string    `json:"state"`
	Sequence    int64     `json:"sequence"`
	Pending     int       `json:"pending"`
	Fetching    bool      `json:"fetching"`
	Resyncs     uint64    `json:"resyncs"`
	Initialized bool      `json:"initialized"`
	LastSynced  time.Time `json:"last_synced,omitempty"`
}

var (
	ErrResyncExhausted = xerr.NewErrCode(xerr.ResyncExhausted)
	ErrBookStructure   = xerr.NewErrCode(xerr.BookStructure)
	ErrStopped         = errors.New("booksync: engine stopped")
)

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithResyncPolicy(p ResyncPolicy) Option {
	return func(e *Engine) {
		if p.MaxAttempts <= 0 {
			p.MaxAttempts = 1
		}
		if p.BaseBackoff <= 0 {
			p.BaseBackoff = time.Millisecond
		}
		if p.MaxBackoff < p.BaseBackoff {
			p.MaxBackoff = p.BaseBackoff
		}
		e.policy = p
	}
}

// WithClock 测试用
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

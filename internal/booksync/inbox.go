package booksync

import (
	"sync"

	"gopherex.com/booksync/internal/book"
)

type msgKind uint8

const (
	msgRaw       msgKind = iota + 1
	msgFetch             // FetchAndLoad 请求
	msgFetchDone         // 快照协程回报结果
	msgRetry             // 退避结束，重新拉
	msgView              // 在 actor 上跑只读查询
)

type message struct {
	kind msgKind

	raw []byte

	onComplete func(BookStore, error)

	gen   uint64
	state book.State
	err   error

	view     func(BookStore)
	viewDone chan struct{}
}

// inbox 无界邮箱：生产方永不阻塞、永不丢。
// notify 容量 1，只负责"踢一脚"actor，多次 push 合并成一次唤醒。
type inbox struct {
	mu     sync.Mutex
	items  []message
	notify chan struct{}
}

func newInbox() *inbox {
	return &inbox{notify: make(chan struct{}, 1)}
}

func (q *inbox) push(m message) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// swap 取走当前全部消息，把 buf 换进去复用底层数组
func (q *inbox) swap(buf []message) []message {
	clear(buf)
	q.mu.Lock()
	out := q.items
	q.items = buf[:0]
	q.mu.Unlock()
	return out
}

func (q *inbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

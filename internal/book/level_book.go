package book

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

type priceLevel struct {
	price decimal.Decimal
	head  *lvNode
	tail  *lvNode
	count int
	total decimal.Decimal
}

// 双向链表节点，同价位按到达顺序排队
type lvNode struct {
	prev  *lvNode
	next  *lvNode
	order *Order
	lv    *priceLevel
}

// 新订单追加到队尾 => FIFO
func (l *priceLevel) pushBack(n *lvNode) {
	n.prev, n.next = l.tail, nil
	if l.tail != nil {
		l.tail.next = n
	} else {
		l.head = n
	}
	l.tail = n
	l.count++
	l.total = l.total.Add(n.order.Size)
}

func (l *priceLevel) remove(n *lvNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next = nil, nil
	l.count--
	l.total = l.total.Sub(n.order.Size)
}

func (l *priceLevel) empty() bool {
	return l.count == 0
}

// LevelBook L3 订单簿：价位桶 + orderID 索引。
// 不是并发安全的，只能由同步引擎的 actor 协程访问。
type LevelBook struct {
	asks map[string]*priceLevel // price.String() -> level
	bids map[string]*priceLevel
	byID map[string]*lvNode

	bestAsk *priceLevel
	bestBid *priceLevel
}

func NewLevelBook() *LevelBook {
	b := &LevelBook{}
	b.reset(1024)
	return b
}

func (b *LevelBook) reset(hint int) {
	b.asks = make(map[string]*priceLevel, hint)
	b.bids = make(map[string]*priceLevel, hint)
	b.byID = make(map[string]*lvNode, hint)
	b.bestAsk, b.bestBid = nil, nil
}

// LoadState 整本替换。快照里重复的 order id、非正的价格/数量都视为结构错误，
// 出错时簿被清空，不会留下半本。
func (b *LevelBook) LoadState(st State) error {
	b.reset(len(st.Bids) + len(st.Asks))
	load := func(side Side, entries []Entry) error {
		for i, e := range entries {
			if e.OrderID == "" {
				return fmt.Errorf("%w: %s[%d] empty order id", ErrBookStructure, side, i)
			}
			if !e.Price.IsPositive() || !e.Size.IsPositive() {
				return fmt.Errorf("%w: %s[%d] order %s price=%s size=%s", ErrBookStructure, side, i, e.OrderID, e.Price, e.Size)
			}
			if _, dup := b.byID[e.OrderID]; dup {
				return fmt.Errorf("%w: duplicate order id %s", ErrBookStructure, e.OrderID)
			}
			b.insert(&Order{ID: e.OrderID, Side: side, Price: e.Price, Size: e.Size})
		}
		return nil
	}
	if err := load(Buy, st.Bids); err != nil {
		b.reset(0)
		return err
	}
	if err := load(Sell, st.Asks); err != nil {
		b.reset(0)
		return err
	}
	return nil
}

// Add 新挂单入簿；重复 id 或非法数据直接忽略
func (b *LevelBook) Add(o Order) {
	if o.ID == "" || !o.Size.IsPositive() || !o.Price.IsPositive() {
		return
	}
	if o.Side != Buy && o.Side != Sell {
		return
	}
	if _, exists := b.byID[o.ID]; exists {
		return
	}
	cp := o
	b.insert(&cp)
}

func (b *LevelBook) insert(o *Order) {
	side := b.sideMap(o.Side)
	key := o.Price.String()
	lv := side[key]
	if lv == nil {
		lv = &priceLevel{price: o.Price}
		side[key] = lv
	}
	n := &lvNode{order: o, lv: lv}
	lv.pushBack(n)
	b.byID[o.ID] = n

	if o.Side == Sell {
		if b.bestAsk == nil || o.Price.LessThan(b.bestAsk.price) {
			b.bestAsk = lv
		}
	} else {
		if b.bestBid == nil || o.Price.GreaterThan(b.bestBid.price) {
			b.bestBid = lv
		}
	}
}

// Remove 撤单/成交完成。未知 id 是 no-op（快照边界上的竞态会出现）
func (b *LevelBook) Remove(orderID string) {
	n := b.byID[orderID]
	if n == nil {
		return
	}
	b.unlink(n)
}

func (b *LevelBook) unlink(n *lvNode) {
	lv := n.lv
	lv.remove(n)
	delete(b.byID, n.order.ID)
	if !lv.empty() {
		return
	}
	side := n.order.Side
	delete(b.sideMap(side), lv.price.String())
	if side == Sell && b.bestAsk == lv {
		b.bestAsk = best(b.asks, func(a, c decimal.Decimal) bool { return a.LessThan(c) })
	}
	if side == Buy && b.bestBid == lv {
		b.bestBid = best(b.bids, func(a, c decimal.Decimal) bool { return a.GreaterThan(c) })
	}
}

// Match maker 被吃掉 size；吃完出簿。未知 maker 是 no-op
func (b *LevelBook) Match(makerOrderID string, size decimal.Decimal) {
	n := b.byID[makerOrderID]
	if n == nil || !size.IsPositive() {
		return
	}
	remaining := n.order.Size.Sub(size)
	if !remaining.IsPositive() {
		b.unlink(n)
		return
	}
	n.lv.total = n.lv.total.Sub(size)
	n.order.Size = remaining
}

// Change 改单：数量直接覆盖；newPrice 有效且不同则换价位（失去时间优先）。
// newSize<=0 视为出簿。未知 id 是 no-op
func (b *LevelBook) Change(orderID string, newSize decimal.Decimal, newPrice decimal.NullDecimal) {
	n := b.byID[orderID]
	if n == nil {
		return
	}
	if !newSize.IsPositive() {
		b.unlink(n)
		return
	}
	if newPrice.Valid && newPrice.Decimal.IsPositive() && !newPrice.Decimal.Equal(n.order.Price) {
		o := *n.order
		b.unlink(n)
		o.Price = newPrice.Decimal
		o.Size = newSize
		b.insert(&o)
		return
	}
	n.lv.total = n.lv.total.Sub(n.order.Size).Add(newSize)
	n.order.Size = newSize
}

// BestAsk 最优卖价（最低）
func (b *LevelBook) BestAsk() (decimal.Decimal, bool) {
	if b.bestAsk == nil {
		return decimal.Zero, false
	}
	return b.bestAsk.price, true
}

// BestBid 最优买价（最高）
func (b *LevelBook) BestBid() (decimal.Decimal, bool) {
	if b.bestBid == nil {
		return decimal.Zero, false
	}
	return b.bestBid.price, true
}

func (b *LevelBook) Len() int { return len(b.byID) }

// Order 按 id 查挂单，返回拷贝
func (b *LevelBook) Order(orderID string) (Order, bool) {
	n := b.byID[orderID]
	if n == nil {
		return Order{}, false
	}
	return *n.order, true
}

// Depth 聚合后的前 n 档，bids 从高到低，asks 从低到高；n<=0 返回全部
func (b *LevelBook) Depth(n int) (bids, asks []Level) {
	bids = levels(b.bids, n, func(a, c decimal.Decimal) bool { return a.GreaterThan(c) })
	asks = levels(b.asks, n, func(a, c decimal.Decimal) bool { return a.LessThan(c) })
	return bids, asks
}

// State 导出当前簿（按价位优先、同价 FIFO），seq 由调用方给出
func (b *LevelBook) State(seq int64) State {
	st := State{Sequence: seq}
	for _, lv := range sorted(b.bids, func(a, c decimal.Decimal) bool { return a.GreaterThan(c) }) {
		for n := lv.head; n != nil; n = n.next {
			st.Bids = append(st.Bids, Entry{OrderID: n.order.ID, Price: n.order.Price, Size: n.order.Size})
		}
	}
	for _, lv := range sorted(b.asks, func(a, c decimal.Decimal) bool { return a.LessThan(c) }) {
		for n := lv.head; n != nil; n = n.next {
			st.Asks = append(st.Asks, Entry{OrderID: n.order.ID, Price: n.order.Price, Size: n.order.Size})
		}
	}
	return st
}

func (b *LevelBook) sideMap(s Side) map[string]*priceLevel {
	if s == Sell {
		return b.asks
	}
	return b.bids
}

func best(m map[string]*priceLevel, better func(a, c decimal.Decimal) bool) *priceLevel {
	var out *priceLevel
	for _, lv := range m {
		if lv.empty() {
			continue
		}
		if out == nil || better(lv.price, out.price) {
			out = lv
		}
	}
	return out
}

func sorted(m map[string]*priceLevel, better func(a, c decimal.Decimal) bool) []*priceLevel {
	out := make([]*priceLevel, 0, len(m))
	for _, lv := range m {
		out = append(out, lv)
	}
	sort.Slice(out, func(i, j int) bool { return better(out[i].price, out[j].price) })
	return out
}

func levels(m map[string]*priceLevel, n int, better func(a, c decimal.Decimal) bool) []Level {
	lvs := sorted(m, better)
	if n > 0 && len(lvs) > n {
		lvs = lvs[:n]
	}
	out := make([]Level, 0, len(lvs))
	for _, lv := range lvs {
		out = append(out, Level{Price: lv.price, Size: lv.total, Count: lv.count})
	}
	return out
}

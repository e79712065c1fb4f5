package feed

import (
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"gopherex.com/booksync/internal/book"
	"gopherex.com/booksync/pkg/xerr"
)

type Kind uint8

const (
	KindUnknown Kind = iota
	KindOpen
	KindDone
	KindMatch
	KindChange
	KindReceived
	KindActivate
)

var kindNames = map[string]Kind{
	"open":     KindOpen,
	"done":     KindDone,
	"match":    KindMatch,
	"change":   KindChange,
	"received": KindReceived,
	"activate": KindActivate,
}

func (k Kind) String() string {
	for name, v := range kindNames {
		if v == k {
			return name
		}
	}
	return "unknown"
}

// 非订单簿消息：订阅确认、心跳、错误。不占 sequence 槽位
var controlTypes = map[string]struct{}{
	"subscriptions": {},
	"heartbeat":     {},
	"error":         {},
}

// ErrMalformedMessage 用 errors.Is 判断
var ErrMalformedMessage = xerr.NewErrCode(xerr.MalformedMessage)

// UpdateEvent 一条 L3 增量消息。Decode 之后只读
type UpdateEvent struct {
	Sequence  int64
	Kind      Kind
	Type      string // 原始 type，KindUnknown 时保留给下游
	ProductID string
	Time      time.Time

	OrderID      string
	MakerOrderID string
	TakerOrderID string
	TradeID      int64
	Side         book.Side
	OrderType    string
	Reason       string

	Price         decimal.NullDecimal
	Size          decimal.NullDecimal
	RemainingSize decimal.NullDecimal
	NewSize       decimal.NullDecimal
	OldSize       decimal.NullDecimal
	NewPrice      decimal.NullDecimal

	// Raw 原始 JSON，通知里原样带出去
	Raw []byte
}

// 只保留我们要用的字段；数值一律按字符串收，自己解析 decimal
type wireMsg struct {
	Type          string `json:"type"`
	Sequence      *int64 `json:"sequence"`
	ProductID     string `json:"product_id"`
	Time          string `json:"time"`
	OrderID       string `json:"order_id"`
	MakerOrderID  string `json:"maker_order_id"`
	TakerOrderID  string `json:"taker_order_id"`
	TradeID       int64  `json:"trade_id"`
	Side          string `json:"side"`
	OrderType     string `json:"order_type"`
	Reason        string `json:"reason"`
	Price         string `json:"price"`
	Size          string `json:"size"`
	RemainingSize string `json:"remaining_size"`
	NewSize       string `json:"new_size"`
	OldSize       string `json:"old_size"`
	NewPrice      string `json:"new_price"`
}

// ErrControl 订阅确认/心跳/错误这类不进簿的消息，Decode 只填 Type
var ErrControl = errors.New("feed control message")

// Decode 解析一条 full channel 消息。type/sequence 缺失、decimal 非法都返回 ErrMalformedMessage。
// 控制消息返回 ErrControl（不检查 sequence）；未知 type 不报错，Kind=KindUnknown。
func Decode(raw []byte) (UpdateEvent, error) {
	var m wireMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return UpdateEvent{}, xerr.Wrap(err, xerr.MalformedMessage, "")
	}
	if m.Type == "" {
		return UpdateEvent{}, xerr.Wrap(errors.New("missing type"), xerr.MalformedMessage, "")
	}
	if _, ok := controlTypes[m.Type]; ok {
		return UpdateEvent{Type: m.Type}, ErrControl
	}
	if m.Sequence == nil {
		return UpdateEvent{}, xerr.Wrap(fmt.Errorf("type %q: missing sequence", m.Type), xerr.MalformedMessage, "")
	}

	ev := UpdateEvent{
		Sequence:     *m.Sequence,
		Kind:         kindNames[m.Type],
		Type:         m.Type,
		ProductID:    m.ProductID,
		OrderID:      m.OrderID,
		MakerOrderID: m.MakerOrderID,
		TakerOrderID: m.TakerOrderID,
		TradeID:      m.TradeID,
		Side:         book.ParseSide(m.Side),
		OrderType:    m.OrderType,
		Reason:       m.Reason,
	}
	if m.Time != "" {
		if ts, err := time.Parse(time.RFC3339Nano, m.Time); err == nil {
			ev.Time = ts.UTC()
		}
	}

	fields := []struct {
		name string
		in   string
		out  *decimal.NullDecimal
	}{
		{"price", m.Price, &ev.Price},
		{"size", m.Size, &ev.Size},
		{"remaining_size", m.RemainingSize, &ev.RemainingSize},
		{"new_size", m.NewSize, &ev.NewSize},
		{"old_size", m.OldSize, &ev.OldSize},
		{"new_price", m.NewPrice, &ev.NewPrice},
	}
	for _, f := range fields {
		if f.in == "" {
			continue
		}
		v, err := decimal.NewFromString(f.in)
		if err != nil {
			return UpdateEvent{}, xerr.Wrap(fmt.Errorf("%s=%q: %w", f.name, f.in, err), xerr.MalformedMessage, "")
		}
		*f.out = decimal.NewNullDecimal(v)
	}

	ev.Raw = append([]byte(nil), raw...)
	return ev, nil
}

// Order 把 open 事件转成簿上的挂单
func (e UpdateEvent) Order() book.Order {
	size := e.RemainingSize
	if !size.Valid {
		size = e.Size
	}
	return book.Order{
		ID:    e.OrderID,
		Side:  e.Side,
		Price: e.Price.Decimal,
		Size:  size.Decimal,
	}
}

package book

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

type Side uint8

const (
	SideUnknown Side = iota
	Buy
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// ParseSide 接受 "buy"/"sell"（大小写不敏感）
func ParseSide(s string) Side {
	switch strings.ToLower(s) {
	case "buy", "bid":
		return Buy
	case "sell", "ask":
		return Sell
	default:
		return SideUnknown
	}
}

// Order 簿上的一笔挂单（L3 粒度，按交易所的 order id 追踪）
type Order struct {
	ID    string
	Side  Side
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Entry 快照里的一条挂单
type Entry struct {
	OrderID string
	Price   decimal.Decimal
	Size    decimal.Decimal
}

// State 某个 sequence 时刻的完整订单簿
type State struct {
	Sequence int64
	Bids     []Entry
	Asks     []Entry
}

// Level 聚合后的价位
type Level struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
	Count int             `json:"count"`
}

var ErrBookStructure = errors.New("book: malformed snapshot state")

package snapshot

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"gopherex.com/booksync/internal/book"
)

// level3Entry [price, size, order_id]
type level3Entry [3]string

// sequence 有时是数字有时是字符串，两种都收
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("sequence %q: %w", b, err)
	}
	*f = flexInt64(v)
	return nil
}

type level3Book struct {
	Sequence *flexInt64    `json:"sequence"`
	Bids     []level3Entry `json:"bids"`
	Asks     []level3Entry `json:"asks"`
}

type decodeError struct{ err error }

func (e decodeError) Error() string { return "decode snapshot: " + e.err.Error() }
func (e decodeError) Unwrap() error { return e.err }

// decodeLevel3 解析 /products/{id}/book?level=3 的响应。
// JSON 本身坏了返回 decodeError（按拉取失败处理）；条目内容非法返回 book.ErrBookStructure。
func decodeLevel3(body []byte) (book.State, error) {
	var raw level3Book
	if err := json.Unmarshal(body, &raw); err != nil {
		return book.State{}, decodeError{err}
	}
	if raw.Sequence == nil {
		return book.State{}, fmt.Errorf("%w: missing sequence", book.ErrBookStructure)
	}

	st := book.State{Sequence: int64(*raw.Sequence)}
	var err error
	if st.Bids, err = entries(raw.Bids, "bids"); err != nil {
		return book.State{}, err
	}
	if st.Asks, err = entries(raw.Asks, "asks"); err != nil {
		return book.State{}, err
	}
	return st, nil
}

func entries(in []level3Entry, side string) ([]book.Entry, error) {
	out := make([]book.Entry, 0, len(in))
	for i, e := range in {
		price, err := decimal.NewFromString(e[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %s[%d] price %q", book.ErrBookStructure, side, i, e[0])
		}
		size, err := decimal.NewFromString(e[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %s[%d] size %q", book.ErrBookStructure, side, i, e[1])
		}
		out = append(out, book.Entry{OrderID: e[2], Price: price, Size: size})
	}
	return out, nil
}

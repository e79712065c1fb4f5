package feed

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopherex.com/booksync/internal/book"
	"gopherex.com/booksync/pkg/xerr"
)

func TestDecode_Open(t *testing.T) {
	raw := []byte(`{"type":"open","time":"2014-11-07T08:19:27.028459Z","product_id":"BTC-USD","sequence":10,"order_id":"d50ec984-77a8-460a-b958-66f114b0de9b","price":"200.2","remaining_size":"1.00","side":"sell"}`)

	ev, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, KindOpen, ev.Kind)
	assert.Equal(t, int64(10), ev.Sequence)
	assert.Equal(t, "BTC-USD", ev.ProductID)
	assert.Equal(t, book.Sell, ev.Side)
	assert.False(t, ev.Time.IsZero())
	assert.JSONEq(t, string(raw), string(ev.Raw))

	o := ev.Order()
	assert.Equal(t, "d50ec984-77a8-460a-b958-66f114b0de9b", o.ID)
	assert.True(t, o.Price.Equal(decimal.RequireFromString("200.2")))
	assert.True(t, o.Size.Equal(decimal.RequireFromString("1")))
}

func TestDecode_MatchAndChange(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"match","trade_id":10,"sequence":50,"maker_order_id":"m","taker_order_id":"t","size":"5.23512","price":"400.23","side":"sell","product_id":"BTC-USD"}`))
	require.NoError(t, err)
	assert.Equal(t, KindMatch, ev.Kind)
	assert.Equal(t, "m", ev.MakerOrderID)
	assert.Equal(t, int64(10), ev.TradeID)
	assert.True(t, ev.Size.Valid)

	ev, err = Decode([]byte(`{"type":"change","sequence":80,"order_id":"o","new_size":"5.23512","old_size":"12.234412","price":"400.23","side":"sell"}`))
	require.NoError(t, err)
	assert.Equal(t, KindChange, ev.Kind)
	assert.True(t, ev.NewSize.Decimal.Equal(decimal.RequireFromString("5.23512")))
	assert.False(t, ev.NewPrice.Valid)
}

func TestDecode_UnknownKindAccepted(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"future_thing","sequence":7}`))
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, ev.Kind)
	assert.Equal(t, "future_thing", ev.Type)
	assert.Equal(t, int64(7), ev.Sequence)
}

func TestDecode_Malformed(t *testing.T) {
	cases := map[string]string{
		"not_json":      `{"type":`,
		"no_type":       `{"sequence":1}`,
		"no_sequence":   `{"type":"open","order_id":"x"}`,
		"bad_decimal":   `{"type":"open","sequence":1,"price":"abc"}`,
		"bad_sequence":  `{"type":"open","sequence":"one"}`,
		"bad_trade_id":  `{"type":"match","sequence":1,"trade_id":"x"}`,
		"empty_payload": ``,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

func TestDecode_ControlMessages(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"subscriptions","channels":[]}`))
	assert.ErrorIs(t, err, ErrControl)
	assert.Equal(t, "subscriptions", ev.Type)

	// heartbeat 带的 sequence 是另一套序号，不能进簿
	ev, err = Decode([]byte(`{"type":"heartbeat","sequence":90,"last_trade_id":20}`))
	assert.ErrorIs(t, err, ErrControl)
	assert.Zero(t, ev.Sequence)

	_, err = Decode([]byte(`{"type":"error","message":"bad product"}`))
	assert.ErrorIs(t, err, ErrControl)

	_, err = Decode([]byte(`{"type":"open","sequence":1}`))
	assert.NoError(t, err)

	_, err = Decode([]byte(`garbage`))
	assert.NotErrorIs(t, err, ErrControl)
	assert.Equal(t, xerr.MalformedMessage, xerr.CodeOf(err))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "open", KindOpen.String())
	assert.Equal(t, "change", KindChange.String())
	assert.Equal(t, "unknown", KindUnknown.String())
}

package feed

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Source 一个可插拔的增量数据源。
// Run 一次连接生命周期：阻塞读消息交给 emit，直到断线/ctx 结束。不做重连，重连交给 Runner。
type Source interface {
	Name() string
	Run(ctx context.Context, emit func(raw []byte)) error
}

// WSSource 订阅 Coinbase Exchange 的 full channel（L3 增量）
type WSSource struct {
	URL        string   // e.g. wss://ws-feed.exchange.coinbase.com
	ProductIDs []string // e.g. BTC-USD
	Channels   []string // 默认 full + heartbeat

	ReadLimit int64
	PongWait  time.Duration
	WriteWait time.Duration
	Dialer    *websocket.Dialer
}

func NewWSSource(url string, productIDs ...string) *WSSource {
	return &WSSource{
		URL:        url,
		ProductIDs: productIDs,
		Channels:   []string{"full", "heartbeat"},
		ReadLimit:  1 << 22,
		PongWait:   60 * time.Second,
		WriteWait:  5 * time.Second,
		Dialer:     websocket.DefaultDialer,
	}
}

func (s *WSSource) Name() string { return "coinbase-full" }

type subscribeMsg struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

func (s *WSSource) Run(ctx context.Context, emit func(raw []byte)) error {
	c, _, err := s.Dialer.DialContext(ctx, s.URL, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	// ctx 结束时关连接，让阻塞的 ReadMessage 返回
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	c.SetReadLimit(s.ReadLimit)
	_ = c.SetReadDeadline(time.Now().Add(s.PongWait))
	c.SetPongHandler(func(string) error {
		_ = c.SetReadDeadline(time.Now().Add(s.PongWait))
		return nil
	})

	var writeMu sync.Mutex
	c.SetPingHandler(func(appData string) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return c.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(s.WriteWait))
	})

	writeMu.Lock()
	_ = c.SetWriteDeadline(time.Now().Add(s.WriteWait))
	err = c.WriteJSON(subscribeMsg{Type: "subscribe", ProductIDs: s.ProductIDs, Channels: s.Channels})
	writeMu.Unlock()
	if err != nil {
		return err
	}

	for ctx.Err() == nil {
		_, msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		// 有数据就说明连接活着，顺延读超时（heartbeat 每秒一条）
		_ = c.SetReadDeadline(time.Now().Add(s.PongWait))
		emit(msg)
	}
	return ctx.Err()
}

var _ Source = (*WSSource)(nil)

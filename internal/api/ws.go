package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gopherex.com/booksync/internal/notify"
	"gopherex.com/booksync/pkg/common"
)

var streamKinds = map[notify.Kind]struct{}{
	notify.KindInitialized: {},
	notify.KindSynced:      {},
	notify.KindOrderOpen:   {},
	notify.KindOrderDone:   {},
	notify.KindOrderMatch:  {},
	notify.KindOrderChange: {},
}

// topicsFor ?kinds=synced,order_match；不传就订阅全部
func topicsFor(productID, kinds string) ([]string, bool) {
	if kinds == "" {
		return []string{"book:" + productID + ":*"}, true
	}
	var topics []string
	seen := make(map[notify.Kind]struct{}, len(streamKinds))
	for _, k := range strings.Split(kinds, ",") {
		kind := notify.Kind(strings.TrimSpace(k))
		if _, ok := streamKinds[kind]; !ok {
			return nil, false
		}
		// 同一 kind 订两次会收到两份
		if _, dup := seen[kind]; dup {
			continue
		}
		seen[kind] = struct{}{}
		topics = append(topics, notify.Notification{Kind: kind, ProductID: productID}.Topic())
	}
	return topics, true
}

// stream 把引擎通知原样推给 websocket 客户端（at-most-once，慢客户端会丢）
func (s *Server) stream(c *gin.Context) {
	topics, ok := topicsFor(s.engine.ProductID(), c.Query("kinds"))
	if !ok {
		common.Fail(c, http.StatusBadRequest, common.CodeBadRequest, "unknown notification kind")
		return
	}

	// 建一个可取消的 ctx：任何一端出错、或服务关闭都能停掉两个 loop
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		select {
		case <-s.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	// 先订阅再升级，握手完成后不会漏掉消息
	sub, err := s.broker.Subscribe(ctx, topics)
	if err != nil {
		common.FailErr(c, err)
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	rid := common.RequestIDFromGin(c)
	s.log.Debug("ws subscriber connected", zap.String("request_id", rid), zap.Strings("topics", topics))

	// 读循环：感知 close 和控制帧
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			select {
			case <-s.closing:
				conn.Close(websocket.StatusGoingAway, "server shutting down")
			default:
			}
			return
		case m, ok := <-sub:
			if !ok {
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, s.writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, m.Payload)
			wcancel()
			if err != nil {
				s.log.Debug("ws write failed", zap.String("request_id", rid), zap.Error(err))
				return
			}
		}
	}
}

package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gopherex.com/booksync/pkg/common"
	"gopherex.com/booksync/pkg/logger"
	"gopherex.com/booksync/pkg/ratelimit"
)

// RateLimit 按 ip+路由 限流
func RateLimit(store *ratelimit.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		key := c.ClientIP() + ":" + route

		if !store.Allow(key) {
			// 限流属于"可控拒绝"，不打堆栈
			logger.Warn(c.Request.Context(), "http rate limited",
				zap.String("ip", c.ClientIP()),
				zap.String("route", route),
			)
			common.Fail(c, http.StatusTooManyRequests, common.CodeRateLimited, "请求过于频繁")
			c.Abort()
			return
		}
		c.Next()
	}
}

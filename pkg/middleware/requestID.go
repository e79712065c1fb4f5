package middleware

import (
	"github.com/gin-gonic/gin"
	"gopherex.com/booksync/pkg/common"
	"gopherex.com/booksync/pkg/logger"
)

// ReqId 透传或生成 X-Request-Id，同时放进 request context 供日志使用
func ReqId() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(common.HeaderRequestID)
		if rid == "" {
			rid = common.NewRequestID()
		}
		c.Set(common.CtxKeyRequestID, rid)
		c.Header(common.HeaderRequestID, rid)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), rid))
		c.Next()
	}
}

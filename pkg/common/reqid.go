package common

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	HeaderRequestID = "X-Request-Id"
	CtxKeyRequestID = "request_id"
)

func NewRequestID() string { return uuid.NewString() }

// RequestIDFromGin 取 ReqId 中间件放进去的 id
func RequestIDFromGin(c *gin.Context) string {
	if v, ok := c.Get(CtxKeyRequestID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

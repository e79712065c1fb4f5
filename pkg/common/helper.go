package common

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gopherex.com/booksync/pkg/logger"
	"gopherex.com/booksync/pkg/xerr"
)

// 定义http返回格式
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// 业务码
const (
	CodeBadRequest  = 1001001
	CodeRateLimited = 1003001
	CodeUnavailable = 1004001
	CodeInternal    = 5000000
)

func Success(ctx *gin.Context, data interface{}) {
	ctx.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: http.StatusText(http.StatusOK),
		Data:    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, message string) {
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
		Data:    nil,
	})
}

// FailErr 按错误类型选 http 状态，对外只回错误码和固定文案，细节进日志
func FailErr(c *gin.Context, err error) {
	httpStatus, code, msg := mapErr(err)
	logger.Warn(c.Request.Context(), "http error",
		zap.String("request_id", RequestIDFromGin(c)),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("biz_code", code),
		zap.Error(err),
	)
	Fail(c, httpStatus, code, msg)
}

func mapErr(err error) (httpStatus int, code int, msg string) {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, CodeUnavailable, "服务繁忙"
	}
	switch c := xerr.CodeOf(err); c {
	case xerr.MalformedMessage:
		return http.StatusBadRequest, c, xerr.MapErrMsg(c)
	case xerr.SnapshotFetchFailed, xerr.ResyncExhausted, xerr.BookStructure:
		return http.StatusServiceUnavailable, c, xerr.MapErrMsg(c)
	default:
		return http.StatusInternalServerError, CodeInternal, "internal error"
	}
}

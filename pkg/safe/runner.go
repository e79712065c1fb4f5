package safe

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
	"gopherex.com/booksync/pkg/logger"
)

// Go 安全启动协程，panic 记日志后吞掉
func Go(fn func()) {
	GoCtx(context.Background(), func(context.Context) { fn() })
}

// GoCtx 同 Go，日志里保留 ctx 上的 product_id/request_id。
// onPanic 可选，用来把 panic 转成错误交回调用方（比如快照拉取协程）。
func GoCtx(ctx context.Context, fn func(ctx context.Context), onPanic ...func(r any)) {
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error(ctx, "goroutine panic recovered",
					zap.Any("panic", r),
					zap.String("stack", string(debug.Stack())),
				)
				for _, h := range onPanic {
					h(r)
				}
			}
		}()

		fn(ctx)
	}()
}

// PanicError 把 recover 出来的值包成 error
func PanicError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}

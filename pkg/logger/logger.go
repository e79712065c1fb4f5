package logger

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// context 里携带的字段 key
const (
	ProductIDKey = "product_id"
	RequestIDKey = "request_id"
)

type ctxKey string

// 全局 Logger 实例，Init 之前是 Nop，测试里不用初始化也能跑
var Log = zap.NewNop()

// level 可热改，配置文件变更时由 SetLevel 调整
var level = zap.NewAtomicLevelAt(zap.InfoLevel)

// Init 初始化日志组件
// serviceName: 进程名 (例如 "booksync")
// level: 日志级别 (debug, info, warn, error)
func Init(serviceName string, level string) {
	InitWithFile(serviceName, level, "")
}

// InitWithFile 同 Init，额外指定日志文件；为空时写 logs/{serviceName}.log
func InitWithFile(serviceName string, lvl string, logFile string) {
	if err := SetLevel(lvl); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.MessageKey = "msg"

	writeSyncers := []zapcore.WriteSyncer{
		zapcore.AddSync(os.Stdout),
	}

	if logFile == "" {
		logFile = filepath.Join("logs", serviceName+".log")
	}
	// 文件打不开只写控制台，不中断启动
	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err == nil {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			writeSyncers = append(writeSyncers, zapcore.AddSync(file))
		}
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.NewMultiWriteSyncer(writeSyncers...),
		level,
	)

	// AddCallerSkip(1): 下面的包级函数多包了一层
	Log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).
		With(zap.String("service", serviceName))
}

// SetLevel 运行中调整日志级别，非法值返回错误且不改动
func SetLevel(lvl string) error {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(lvl)); err != nil {
		return err
	}
	level.SetLevel(l)
	return nil
}

func Level() zapcore.Level { return level.Level() }

// L 返回不带 caller skip 的 logger，给组件自己持有用
func L() *zap.Logger {
	return Log.WithOptions(zap.AddCallerSkip(-1))
}

// WithProduct 把订单簿标识挂到 ctx 上，之后的日志自动带 product_id
func WithProduct(ctx context.Context, productID string) context.Context {
	return context.WithValue(ctx, ctxKey(ProductIDKey), productID)
}

// WithRequestID 同上，HTTP 请求链路用
func WithRequestID(ctx context.Context, rid string) context.Context {
	return context.WithValue(ctx, ctxKey(RequestIDKey), rid)
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Info(msg, withCtx(ctx, fields)...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Error(msg, withCtx(ctx, fields)...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Warn(msg, withCtx(ctx, fields)...)
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Debug(msg, withCtx(ctx, fields)...)
}

// Fatal 会调用 os.Exit
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	Log.Fatal(msg, withCtx(ctx, fields)...)
}

func withCtx(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}
	if v, ok := ctx.Value(ctxKey(ProductIDKey)).(string); ok && v != "" {
		fields = append(fields, zap.String(ProductIDKey, v))
	}
	if v, ok := ctx.Value(ctxKey(RequestIDKey)).(string); ok && v != "" {
		fields = append(fields, zap.String(RequestIDKey, v))
	}
	return fields
}

// Sync 刷新缓冲区，main 里 defer 调用
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}

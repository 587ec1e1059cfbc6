package logger

import (
	"context"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey string

// FeedIDKey：一个 feed 实例的全部日志都带上它，方便按实例过滤
const FeedIDKey ctxKey = "feed_id"

// 全局 Logger 实例；未 Init 前是 Nop，库代码和测试可以直接用
var Log = zap.NewNop()

// level 可热更新（配置文件变更时 SetLevel）
var level = zap.NewAtomicLevelAt(zap.InfoLevel)

// Init 初始化日志组件
// serviceName: 当前服务名 (例如 "feed-service")
// lvl: 日志级别 (debug, info, warn, error)
func Init(serviceName string, lvl string) {
	InitWithFile(serviceName, lvl, "")
}

// InitWithFile 同 Init，额外写一份到 logFile
// logFile 为空时默认 logs/{serviceName}.log；写文件失败只输出到控制台
func InitWithFile(serviceName string, lvl string, logFile string) {
	SetLevel(lvl)

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder   // 2023-11-23T...
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder // INFO, ERROR
	encoderConfig.MessageKey = "msg"

	writeSyncers := []zapcore.WriteSyncer{
		zapcore.AddSync(os.Stdout), // 容器化标准
	}

	if logFile == "" {
		logFile = filepath.Join("logs", serviceName+".log")
	}
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

	// AddCallerSkip(1)：下面几个包装函数占了一层
	Log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).
		With(zap.String("service", serviceName))
}

// SetLevel 运行时调整级别；无法识别的级别回落到 info
func SetLevel(lvl string) {
	var zl zapcore.Level
	if err := zl.UnmarshalText([]byte(lvl)); err != nil {
		zl = zap.InfoLevel
	}
	level.SetLevel(zl)
}

// WithFeedID 把 feed_id 放进 ctx，之后经由本包打印的日志都会带上
func WithFeedID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, FeedIDKey, id)
}

// FeedID 取出 ctx 中的 feed_id（没有则为空）
func FeedID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(FeedIDKey).(string)
	return id
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	extractTrace(ctx, &fields)
	Log.Info(msg, fields...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	extractTrace(ctx, &fields)
	Log.Error(msg, fields...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	extractTrace(ctx, &fields)
	Log.Warn(msg, fields...)
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	extractTrace(ctx, &fields)
	Log.Debug(msg, fields...)
}

// Fatal 会调用 os.Exit
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	extractTrace(ctx, &fields)
	Log.Fatal(msg, fields...)
}

// extractTrace：feed_id + OpenTelemetry trace_id/span_id
func extractTrace(ctx context.Context, fields *[]zap.Field) {
	if ctx == nil {
		return
	}
	if id := FeedID(ctx); id != "" {
		*fields = append(*fields, zap.String(string(FeedIDKey), id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		*fields = append(*fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
}

// Sync 刷新缓冲区 (建议在 main 函数 defer 中调用)
func Sync() {
	_ = Log.Sync()
}

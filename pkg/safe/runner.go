package safe

import (
	"context"
	"runtime/debug"

	"go.uber.org/zap"
	"gopherex.com/mdfeed/pkg/logger"
)

// Go 安全启动协程；panic 只记日志，不带崩进程
func Go(fn func()) {
	GoCtx(context.Background(), func(context.Context) { fn() })
}

// GoCtx 安全启动携带 context 的协程，便于在日志中保留 feed_id / trace 信息。
func GoCtx(ctx context.Context, fn func(ctx context.Context)) {
	_ = Spawn(ctx, "", fn)
}

// Spawn 同 GoCtx，返回的 chan 在 fn 结束（包括 panic）后关闭
func Spawn(ctx context.Context, name string, fn func(ctx context.Context)) <-chan struct{} {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer Recover(ctx, name)
		fn(ctx)
	}()
	return done
}

// Recover 必须直接 defer 调用
func Recover(ctx context.Context, name string) {
	if r := recover(); r != nil {
		logger.Error(ctx, "goroutine panic recovered",
			zap.String("goroutine", name),
			zap.Any("panic", r),
			zap.String("stack", string(debug.Stack())),
		)
	}
}

package history

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"gopherex.com/mdfeed/internal/quotes/kline"
	"gopherex.com/mdfeed/pkg/logger"
	"gopherex.com/mdfeed/pkg/metrics"
	"gopherex.com/mdfeed/pkg/trace"
)

// PageSource：分页历史接口。返回 [w.StartMs, w.EndMs) 内按时间升序的原始 K 线。
// 重试/超时由实现方负责，这里只看最终结果。
type PageSource interface {
	FetchPage(ctx context.Context, symbol string, iv kline.Interval, w Window) ([]kline.RawKline, error)
}

type PageSourceFunc func(ctx context.Context, symbol string, iv kline.Interval, w Window) ([]kline.RawKline, error)

func (f PageSourceFunc) FetchPage(ctx context.Context, symbol string, iv kline.Interval, w Window) ([]kline.RawKline, error) {
	return f(ctx, symbol, iv, w)
}

// Progress：进度通知，只用于观测
type Progress struct {
	Done   int
	Total  int
	Window Window
}

type Option func(*Fetcher)

// WithMaxPerRequest 每个窗口最多多少根（默认 1000）
func WithMaxPerRequest(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxPerRequest = n
		}
	}
}

// WithConcurrency 同时在途的窗口数；结果仍按窗口顺序拼接
func WithConcurrency(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.concurrency = n
		}
	}
}

// WithLimiter 每个窗口请求前先拿令牌
func WithLimiter(l *rate.Limiter) Option {
	return func(f *Fetcher) { f.limiter = l }
}

// WithProgress 每完成一个窗口回调一次（可能并发调用，Done 单调递增）
func WithProgress(fn func(Progress)) Option {
	return func(f *Fetcher) { f.progress = fn }
}

func WithTracer(t oteltrace.Tracer) Option {
	return func(f *Fetcher) { f.tracer = t }
}

// Fetcher：按 Plan 的窗口驱动 PageSource，拼接所有结果
type Fetcher struct {
	src           PageSource
	maxPerRequest int
	concurrency   int
	limiter       *rate.Limiter
	progress      func(Progress)
	tracer        oteltrace.Tracer
}

func NewFetcher(src PageSource, opts ...Option) *Fetcher {
	f := &Fetcher{
		src:           src,
		maxPerRequest: 1000,
		concurrency:   1,
		tracer:        trace.Tracer("mdfeed/history"),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// FetchAll 拉取 [startMs, endMs) 的全部原始 K 线，按窗口顺序拼接
//
// 任一窗口失败则整体失败（*SourceFetchError），不返回部分结果。
// ctx 取消后不再发出新窗口。
func (f *Fetcher) FetchAll(ctx context.Context, symbol string, iv kline.Interval, startMs, endMs int64) ([]kline.RawKline, error) {
	windows, err := Plan(startMs, endMs, iv.Ms(), f.maxPerRequest)
	if err != nil {
		return nil, err
	}

	ctx, span := f.tracer.Start(ctx, "history.FetchAll", oteltrace.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.String("interval", string(iv)),
		attribute.Int("windows", len(windows)),
	))
	defer span.End()

	logger.Debug(ctx, "history fetch start",
		zap.String("symbol", symbol),
		zap.String("interval", string(iv)),
		zap.Int64("start_ms", startMs),
		zap.Int64("end_ms", endMs),
		zap.Int("windows", len(windows)),
	)

	pages := make([][]kline.RawKline, len(windows))
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)

	var stopErr error
	for i, w := range windows {
		// 已经有窗口失败或外部取消：不再发新请求
		if gctx.Err() != nil {
			stopErr = &SourceFetchError{Window: w, Err: context.Cause(gctx)}
			break
		}
		g.Go(func() error {
			rows, err := f.fetchWindow(gctx, symbol, iv, w)
			if err != nil {
				return &SourceFetchError{Window: w, Err: err}
			}
			pages[i] = rows

			n := int(done.Add(1))
			logger.Debug(gctx, "history window done",
				zap.String("window", w.String()),
				zap.Int("rows", len(rows)),
				zap.Int("done", n),
				zap.Int("total", len(windows)),
			)
			if f.progress != nil {
				f.progress(Progress{Done: n, Total: len(windows), Window: w})
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, f.fail(ctx, span, err)
	}
	if stopErr != nil {
		return nil, f.fail(ctx, span, stopErr)
	}

	total := 0
	for _, p := range pages {
		total += len(p)
	}
	out := make([]kline.RawKline, 0, total)
	for _, p := range pages {
		out = append(out, p...)
	}
	span.SetAttributes(attribute.Int("rows", total))
	return out, nil
}

func (f *Fetcher) fetchWindow(ctx context.Context, symbol string, iv kline.Interval, w Window) ([]kline.RawKline, error) {
	ctx, span := f.tracer.Start(ctx, "history.FetchPage", oteltrace.WithAttributes(
		attribute.Int64("start_ms", w.StartMs),
		attribute.Int64("end_ms", w.EndMs),
	))
	defer span.End()

	// 排队期间别的窗口失败了：直接放弃，不打上游
	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	rows, err := f.src.FetchPage(ctx, symbol, iv, w)
	metrics.HistoryWindowDuration.WithLabelValues(symbol, string(iv)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.HistoryWindowsTotal.WithLabelValues(symbol, string(iv), "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	metrics.HistoryWindowsTotal.WithLabelValues(symbol, string(iv), "ok").Inc()
	span.SetAttributes(attribute.Int("rows", len(rows)))
	return rows, nil
}

func (f *Fetcher) fail(ctx context.Context, span oteltrace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if !errors.Is(err, context.Canceled) {
		logger.Error(ctx, "history fetch failed", zap.Error(err))
	}
	return err
}

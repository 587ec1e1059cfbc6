package mdsource

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"gopherex.com/mdfeed/internal/quotes/datasource/model"
	"gopherex.com/mdfeed/pkg/logger"
	"gopherex.com/mdfeed/pkg/metrics"
)

// ErrRetriesExhausted：连续重连失败次数达到 MaxAttempts
var ErrRetriesExhausted = errors.New("mdsource: reconnect attempts exhausted")

type Runner struct {
	sources []Source

	// Out 是统一 kline 事件出口（上层只消费这个）；所有源退出后关闭
	Out chan model.KlineEvent

	// Err 每次断线的错误（非阻塞投递，满了就丢）
	Err chan error

	BaseBackoff time.Duration // e.g. 300ms
	MaxBackoff  time.Duration // e.g. 5s

	// MaxAttempts 连续失败多少次后放弃（<=0 不限）
	MaxAttempts int
	// StableReset 连接存活超过它视为稳定，退避和失败计数清零
	StableReset time.Duration

	mu    sync.Mutex
	cause error
}

func NewRunner(sources ...Source) *Runner {
	return &Runner{
		sources:     sources,
		Out:         make(chan model.KlineEvent, 1024),
		Err:         make(chan error, 128),
		BaseBackoff: 300 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
		StableReset: 30 * time.Second,
	}
}

func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range r.sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.runOne(ctx, s); err != nil {
				r.setCause(err)
			}
		}()
	}

	go func() {
		wg.Wait()
		close(r.Out)
		close(r.Err)
	}()
}

// Cause：Out 关闭后读取；非 nil 表示有源因重连耗尽而退出
func (r *Runner) Cause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cause
}

func (r *Runner) setCause(err error) {
	r.mu.Lock()
	if r.cause == nil {
		r.cause = err
	}
	r.mu.Unlock()
}

func (r *Runner) runOne(ctx context.Context, src Source) error {
	backoff := r.BaseBackoff
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		started := time.Now()
		err := src.Run(ctx, r.Out) // 阻塞直到断线/错误/ctx cancel
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		if err == nil {
			err = errors.New("stream closed")
		}

		if r.StableReset > 0 && time.Since(started) >= r.StableReset {
			backoff = r.BaseBackoff
			failures = 0
		}
		failures++

		err = wrapErr(src.Name(), err)
		select {
		case r.Err <- err:
		default:
		}

		if r.MaxAttempts > 0 && failures >= r.MaxAttempts {
			logger.Error(ctx, "live source giving up",
				zap.String("source", src.Name()), zap.Int("failures", failures), zap.Error(err))
			return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
		}

		// 指数退避 + jitter（避免所有源同时重连造成尖峰）
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff/2+1)))
		if sleep > r.MaxBackoff {
			sleep = r.MaxBackoff
		}
		logger.Warn(ctx, "live source disconnected, reconnecting",
			zap.String("source", src.Name()), zap.Duration("sleep", sleep), zap.Error(err))
		metrics.LiveReconnectsTotal.WithLabelValues(src.Name()).Inc()

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		backoff *= 2
		if backoff > r.MaxBackoff {
			backoff = r.MaxBackoff
		}
	}
}

type namedErr struct {
	src string
	err error
}

func (e namedErr) Error() string          { return e.src + ": " + e.err.Error() }
func (e namedErr) Unwrap() error          { return e.err }
func wrapErr(src string, err error) error { return namedErr{src: src, err: err} }

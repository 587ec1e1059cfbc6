package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"gopherex.com/mdfeed/internal/feed"
	"gopherex.com/mdfeed/internal/quotes/kline"
	"gopherex.com/mdfeed/pkg/logger"
)

const defaultPollInterval = 200 * time.Millisecond

type puller interface {
	Pull() (kline.Record, feed.Status)
}

type sinkFunc func(ctx context.Context, r kline.Record) error

// pump 按 every 轮询 feed，把记录依次交给 sinks；feed 结束返回 nil
//
// 单个 sink 出错只记日志，不影响后续记录。
func pump(ctx context.Context, p puller, every time.Duration, sinks ...sinkFunc) (int, error) {
	if every <= 0 {
		every = defaultPollInterval
	}
	t := time.NewTicker(every)
	defer t.Stop()

	n := 0
	for {
		for {
			r, st := p.Pull()
			if st == feed.StatusFinished {
				return n, nil
			}
			if st != feed.StatusRecord {
				break
			}
			n++
			for _, s := range sinks {
				if err := s(ctx, r); err != nil {
					logger.Warn(ctx, "sink failed", zap.Int64("open_time", r.OpenTimeMs()), zap.Error(err))
				}
			}
		}

		select {
		case <-ctx.Done():
			return n, ctx.Err()
		case <-t.C:
		}
	}
}

// watchNotifications 把 feed 通知落到日志，直到通道关闭
func watchNotifications(ctx context.Context, notes <-chan feed.Notification) {
	for n := range notes {
		fields := []zap.Field{zap.String("kind", n.Kind.String())}
		if n.Err != nil {
			fields = append(fields, zap.Error(n.Err))
		}
		switch n.Kind {
		case feed.NotifyDisconnected, feed.NotifyUnknownSymbol, feed.NotifyUnsupportedGranularity:
			logger.Error(ctx, "feed notification", fields...)
		default:
			logger.Info(ctx, "feed notification", fields...)
		}
	}
}

package mdsource

import (
	"context"
	"sync"

	"gopherex.com/mdfeed/internal/quotes/datasource/model"
	"gopherex.com/mdfeed/pkg/safe"
)

type subscription struct {
	cancel context.CancelFunc
	done   <-chan struct{}
	once   sync.Once
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}

// Subscribe 启动 runner，把 Out 上的事件串行转给 onEvent
//
// runner 因重连耗尽退出时补发一次 EventError；ctx 取消或 Unsubscribe 导致的退出不发。
func Subscribe(ctx context.Context, r *Runner, onEvent func(model.KlineEvent)) Subscription {
	ctx, cancel := context.WithCancel(ctx)
	r.Run(ctx)

	done := safe.Spawn(ctx, "mdsource.subscribe", func(ctx context.Context) {
		out, errs := r.Out, r.Err
		for out != nil {
			select {
			case ev, ok := <-out:
				if !ok {
					out = nil
					continue
				}
				onEvent(ev)
			case _, ok := <-errs:
				// 单次断线只记日志（runOne 里已记），这里只负责排空
				if !ok {
					errs = nil
				}
			}
		}
		if cause := r.Cause(); cause != nil && ctx.Err() == nil {
			onEvent(model.KlineEvent{Kind: model.EventError, Err: cause})
		}
	})
	return &subscription{cancel: cancel, done: done}
}

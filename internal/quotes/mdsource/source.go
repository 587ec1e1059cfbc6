package mdsource

import (
	"context"

	"gopherex.com/mdfeed/internal/quotes/datasource/model"
	"gopherex.com/mdfeed/internal/quotes/kline"
)

// Source：一个“可插拔”的实时数据源。
// Run 必须阻塞运行：持续产出 KlineEvent，直到 ctx.Done() 或连接断开/出错（一次连接生命周期）。
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- model.KlineEvent) error
}

// Subscription：Unsubscribe 返回时不会再有回调；不要在回调里调用它
type Subscription interface {
	Unsubscribe() error
}

// Subscriber：推送订阅方。onEvent 串行调用；推送通道彻底失败时会收到一次 EventError。
type Subscriber interface {
	Subscribe(ctx context.Context, symbol string, iv kline.Interval, onEvent func(model.KlineEvent)) (Subscription, error)
}

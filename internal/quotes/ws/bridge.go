package ws

import (
	"context"

	"go.uber.org/zap"

	"gopherex.com/mdfeed/internal/quotes/gateway"
	"gopherex.com/mdfeed/pkg/logger"
)

// Bridge：从 broker 订阅 topics，包一层 ServerMsg 后推给 hub
//
// 阻塞到 ctx 结束或 broker 关闭订阅通道。
func Bridge(ctx context.Context, h *Hub, b gateway.Broker, topics []string) error {
	ch, err := b.Subscribe(ctx, topics)
	if err != nil {
		return err
	}
	for msg := range ch {
		payload, err := encodeKline(msg.Topic, msg.Payload)
		if err != nil {
			logger.Warn(ctx, "ws encode failed", zap.String("topic", msg.Topic), zap.Error(err))
			continue
		}
		h.Publish(msg.Topic, payload)
	}
	return ctx.Err()
}

package gateway

import "context"

type Message struct {
	Topic   string
	Payload []byte
}

// Broker：K 线分发出口，at-most-once
type Broker interface {
	// publish
	Publish(ctx context.Context, topic string, payload []byte) error
	// 订阅；ctx 结束时取消订阅并关闭返回的 channel
	Subscribe(ctx context.Context, topics []string) (<-chan Message, error)
	// 关闭
	Close() error
}

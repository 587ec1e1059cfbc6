package gateway

import (
	"context"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gopherex.com/mdfeed/pkg/logger"
)

// NatsConfig：broker.kind=nats 时使用
type NatsConfig struct {
	URL  string `mapstructure:"url"`
	Name string `mapstructure:"name"`
}

type NatsBroker struct {
	nc *nats.Conn
}

func NewNatsBroker(cfg NatsConfig, opts ...nats.Option) (*NatsBroker, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	opts = append(opts,
		nats.DisconnectHandler(func(nc *nats.Conn) {
			logger.Warn(context.Background(), "nats disconnected", zap.String("url", url))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info(context.Background(), "nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NatsBroker{nc: nc}, nil
}

func (b *NatsBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.nc.Publish(topicToSubject(topic), payload)
}

func (b *NatsBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	out := make(chan Message, 8192)
	var (
		mu     sync.RWMutex
		closed bool
	)

	// 保存订阅，退出时取消
	subs := make([]*nats.Subscription, 0, len(topics))

	for _, t := range topics {
		sub, err := b.nc.Subscribe(topicToSubject(t), func(m *nats.Msg) {
			msg := Message{
				Topic:   subjectToTopic(m.Subject),
				Payload: m.Data,
			}
			mu.RLock()
			defer mu.RUnlock()
			if closed {
				return
			}
			// at-most-once：慢消费者直接丢，避免把 NATS 回调卡死
			select {
			case out <- msg:
			default:
			}
		})
		if err != nil {
			for _, ss := range subs {
				_ = ss.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}

	context.AfterFunc(ctx, func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
		// 回调可能还在途，置位后再关
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	})

	return out, nil
}

func (b *NatsBroker) Close() error {
	if b.nc == nil {
		return nil
	}
	// Drain 会处理完在途消息再关闭连接
	return b.nc.Drain()
}

// topic 用 ':' 分隔（kline:1m:BTCUSDT），NATS subject 用 '.'
func topicToSubject(topic string) string { return strings.ReplaceAll(topic, ":", ".") }
func subjectToTopic(subj string) string  { return strings.ReplaceAll(subj, ".", ":") }

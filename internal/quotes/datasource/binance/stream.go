package binance

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gopherex.com/mdfeed/internal/quotes/datasource/model"
	"gopherex.com/mdfeed/internal/quotes/kline"
	"gopherex.com/mdfeed/internal/quotes/mdsource"
	"gopherex.com/mdfeed/pkg/logger"
)

// StreamSource：单个交易对/粒度的 kline 推送（一次连接生命周期，重连交给 mdsource.Runner）
type StreamSource struct {
	BaseURL  string // e.g. wss://stream.binance.com:9443
	Symbol   string
	Interval kline.Interval

	ReadLimit int64
	PongWait  time.Duration
	WriteWait time.Duration
	Dialer    *websocket.Dialer
}

func NewStreamSource(baseURL, symbol string, iv kline.Interval) *StreamSource {
	if baseURL == "" {
		baseURL = "wss://stream.binance.com:9443"
	}
	return &StreamSource{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		Symbol:    symbol,
		Interval:  iv,
		ReadLimit: 1 << 20,
		PongWait:  60 * time.Second,
		WriteWait: 2 * time.Second,
		Dialer:    websocket.DefaultDialer,
	}
}

func (s *StreamSource) Name() string { return "binance:" + streamName(s.Symbol, string(s.Interval)) }

func (s *StreamSource) Run(ctx context.Context, out chan<- model.KlineEvent) error {
	url := s.BaseURL + "/ws/" + streamName(s.Symbol, string(s.Interval))

	c, _, err := s.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	// ctx 结束时关掉连接，让阻塞中的 ReadMessage 立刻返回
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	c.SetReadLimit(s.ReadLimit)
	extend := func() { _ = c.SetReadDeadline(time.Now().Add(s.PongWait)) }
	extend()
	c.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	// 服务端每隔几分钟发 ping，必须回 pong，否则会被断开
	var writeMu sync.Mutex
	c.SetPingHandler(func(appData string) error {
		extend()
		writeMu.Lock()
		defer writeMu.Unlock()
		err := c.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(s.WriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	logger.Info(ctx, "binance stream connected", zap.String("url", url))

	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		extend()

		ev, err := ParseKlineStream(msg)
		if err != nil {
			if !errors.Is(err, ErrNotKline) {
				logger.Debug(ctx, "binance stream bad message", zap.Error(err))
			}
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

var _ mdsource.Source = (*StreamSource)(nil)

package binance

import (
	"context"
	"time"

	"gopherex.com/mdfeed/internal/quotes/datasource/model"
	"gopherex.com/mdfeed/internal/quotes/kline"
	"gopherex.com/mdfeed/internal/quotes/mdsource"
)

type StreamConfig struct {
	BaseURL     string        `mapstructure:"stream_url"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	StableReset time.Duration `mapstructure:"stable_reset"`
}

// Streamer：实现 mdsource.Subscriber，每次 Subscribe 起一个带重连的 Runner
type Streamer struct {
	cfg StreamConfig
}

func NewStreamer(cfg StreamConfig) *Streamer {
	return &Streamer{cfg: cfg}
}

func (s *Streamer) Subscribe(ctx context.Context, symbol string, iv kline.Interval, onEvent func(model.KlineEvent)) (mdsource.Subscription, error) {
	r := mdsource.NewRunner(NewStreamSource(s.cfg.BaseURL, symbol, iv))
	if s.cfg.BaseBackoff > 0 {
		r.BaseBackoff = s.cfg.BaseBackoff
	}
	if s.cfg.MaxBackoff > 0 {
		r.MaxBackoff = s.cfg.MaxBackoff
	}
	if s.cfg.StableReset > 0 {
		r.StableReset = s.cfg.StableReset
	}
	r.MaxAttempts = s.cfg.MaxAttempts
	return mdsource.Subscribe(ctx, r, onEvent), nil
}

var _ mdsource.Subscriber = (*Streamer)(nil)

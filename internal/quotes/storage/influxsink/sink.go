package influxsink

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"gopherex.com/mdfeed/internal/quotes/kline"
	"gopherex.com/mdfeed/pkg/logger"
	"gopherex.com/mdfeed/pkg/metrics"
)

const measurement = "kline"

type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Token   string `mapstructure:"token"`
	Org     string `mapstructure:"org"`
	Bucket  string `mapstructure:"bucket"`

	// 写入优化项
	BatchSize     uint          `mapstructure:"batch_size"`     // 建议从 1000~5000 起步
	FlushInterval time.Duration `mapstructure:"flush_interval"` // 例如 1s
	UseGzip       bool          `mapstructure:"use_gzip"`
}

// Sink：一个 feed 的记录写入 influx，tag 固定为 symbol/interval/source
type Sink struct {
	client influxdb2.Client
	write  api.WriteAPI
	tags   map[string]string
}

func New(cfg Config, symbol string, iv kline.Interval, source string) *Sink {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 2000
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Second
	}

	opt := influxdb2.DefaultOptions().
		SetBatchSize(cfg.BatchSize).
		SetFlushInterval(uint(cfg.FlushInterval.Milliseconds())).
		SetUseGZip(cfg.UseGzip)

	c := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opt)
	w := c.WriteAPI(cfg.Org, cfg.Bucket)
	s := &Sink{
		client: c,
		write:  w,
		tags: map[string]string{
			"symbol":   symbol,
			"interval": iv.String(),
			"source":   source,
		},
	}

	// 必须消费 Errors()，否则异步写入会阻塞。
	// Errors() 懒创建通道，要在当前协程取到，不能和 Close 并发
	errs := w.Errors()
	go func() {
		for err := range errs {
			metrics.PublishTotal.WithLabelValues("influx", "error").Inc()
			logger.Error(context.Background(), "influx write error", zap.Error(err))
		}
	}()

	return s
}

// Close flush 缓冲后关闭
func (s *Sink) Close() {
	s.client.Close()
}

func (s *Sink) Point(r kline.Record) *write.Point {
	fields := map[string]any{
		"o": r.Open.InexactFloat64(),
		"h": r.High.InexactFloat64(),
		"l": r.Low.InexactFloat64(),
		"c": r.Close.InexactFloat64(),
		"v": r.Volume.InexactFloat64(),
	}
	if n, err := strconv.ParseInt(r.Aux.NumberOfTrades, 10, 64); err == nil {
		fields["n"] = n
	}
	return write.NewPoint(measurement, s.tags, fields, r.OpenTime)
}

func (s *Sink) Write(r kline.Record) {
	s.write.WritePoint(s.Point(r))
	metrics.PublishTotal.WithLabelValues("influx", "ok").Inc()
}

// Run 消费 in 直到 ctx 结束或 in 关闭；退出前 flush
func (s *Sink) Run(ctx context.Context, in <-chan kline.Record) error {
	defer s.write.Flush()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-in:
			if !ok {
				return nil
			}
			s.Write(r)
		}
	}
}

func (cfg Config) String() string {
	return fmt.Sprintf("url=%s org=%s bucket=%s batch=%d flush=%s gzip=%v",
		cfg.URL, cfg.Org, cfg.Bucket, cfg.BatchSize, cfg.FlushInterval, cfg.UseGzip)
}

package feed

import (
	"fmt"
	"strings"
	"time"
)

// Config：一个 feed 实例的全部配置；实例存活期间不可变
//
// 从 DefaultConfig() 开始改；零值的 DropTrailingBucket 是 false，不是默认的 true。
// 走 viper 时用 Defaults(prefix) 预置同样的默认值。
type Config struct {
	Symbol   string `mapstructure:"symbol"`
	Interval string `mapstructure:"interval"`

	// BackfillStart 为空表示不回补历史；支持 RFC3339 或 YYYY-MM-DD（UTC）
	BackfillStart string `mapstructure:"backfill_start"`

	EnableLive bool `mapstructure:"enable_live"`

	// DropTrailingBucket 丢掉回补结果的最后一根（可能还没收盘）
	DropTrailingBucket bool `mapstructure:"drop_trailing_bucket"`

	// MaxRecordsPerRequest 会被截到数据源的单次上限
	MaxRecordsPerRequest int `mapstructure:"max_records_per_request"`
	FetchConcurrency     int `mapstructure:"fetch_concurrency"`

	// LiveBuffer 实时推送到 Pull 之间的队列长度；满了回压到推送连接
	LiveBuffer int `mapstructure:"live_buffer"`

	// CatchUp 订阅建立后补拉回补期间收盘的 K 线
	CatchUp bool `mapstructure:"catch_up"`
}

func DefaultConfig() Config {
	return Config{
		DropTrailingBucket:   true,
		MaxRecordsPerRequest: 1000,
		FetchConcurrency:     1,
		LiveBuffer:           1024,
	}
}

// Defaults 以 viper 点号路径给出默认值，prefix 一般是 "feed"
func Defaults(prefix string) map[string]any {
	d := DefaultConfig()
	return map[string]any{
		prefix + ".drop_trailing_bucket":    d.DropTrailingBucket,
		prefix + ".max_records_per_request": d.MaxRecordsPerRequest,
		prefix + ".fetch_concurrency":       d.FetchConcurrency,
		prefix + ".live_buffer":             d.LiveBuffer,
	}
}

// StartTime 解析 BackfillStart；ok=false 表示没配置
func (c Config) StartTime() (t time.Time, ok bool, err error) {
	s := strings.TrimSpace(c.BackfillStart)
	if s == "" {
		return time.Time{}, false, nil
	}
	return parseInstant(s)
}

func parseInstant(s string) (time.Time, bool, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, time.DateOnly} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), true, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("feed: invalid backfill_start %q (want RFC3339 or YYYY-MM-DD)", s)
}

// withDefaults 零值字段补默认（DropTrailingBucket/EnableLive/CatchUp 是 bool，不动）
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRecordsPerRequest <= 0 {
		c.MaxRecordsPerRequest = d.MaxRecordsPerRequest
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = d.FetchConcurrency
	}
	if c.LiveBuffer <= 0 {
		c.LiveBuffer = d.LiveBuffer
	}
	c.Symbol = strings.TrimSpace(c.Symbol)
	c.Interval = strings.TrimSpace(c.Interval)
	return c
}

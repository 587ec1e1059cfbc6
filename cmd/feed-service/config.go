package main

import (
	"time"

	"gopherex.com/mdfeed/internal/feed"
	"gopherex.com/mdfeed/internal/quotes/datasource/binance"
	"gopherex.com/mdfeed/internal/quotes/gateway"
	"gopherex.com/mdfeed/internal/quotes/storage/influxsink"
)

const serviceName = "feed-service"

type Cfg struct {
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	// 同一个端口挂 /metrics 和 /debug/pprof
	HTTPAddr     string        `mapstructure:"http_addr"`
	PollInterval time.Duration `mapstructure:"poll_interval"`

	OTel struct {
		Enabled bool   `mapstructure:"enabled"`
		Addr    string `mapstructure:"addr"`
	} `mapstructure:"otel"`

	Feed feed.Config `mapstructure:"feed"`

	Binance struct {
		REST   binance.RESTConfig   `mapstructure:"rest"`
		Stream binance.StreamConfig `mapstructure:"stream"`
	} `mapstructure:"binance"`

	Broker struct {
		Kind string             `mapstructure:"kind"` // mem | nats
		NATS gateway.NatsConfig `mapstructure:"nats"`
	} `mapstructure:"broker"`

	Influx influxsink.Config `mapstructure:"influx"`

	// WS：在 http_addr 上挂一个推送端点，客户端按 topic 订阅
	WS struct {
		Enabled bool   `mapstructure:"enabled"`
		Path    string `mapstructure:"path"`
	} `mapstructure:"ws"`
}

func defaults() map[string]any {
	d := feed.Defaults("feed")
	d["name"] = serviceName
	d["log_level"] = "info"
	d["http_addr"] = "127.0.0.1:9091"
	d["poll_interval"] = "200ms"
	d["broker.kind"] = "mem"
	d["ws.path"] = "/ws"
	return d
}

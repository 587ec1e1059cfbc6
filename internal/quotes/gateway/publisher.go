package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"gopherex.com/mdfeed/internal/quotes/kline"
	"gopherex.com/mdfeed/pkg/logger"
	"gopherex.com/mdfeed/pkg/metrics"
)

// KlineDTO：对外发布的 K 线，价格/成交量保持十进制字符串
type KlineDTO struct {
	Symbol   string `json:"symbol"`
	Base     string `json:"base,omitempty"`
	Quote    string `json:"quote,omitempty"`
	Interval string `json:"interval"`
	Source   string `json:"source"`

	OpenTime int64  `json:"t"`
	Open     string `json:"o"`
	High     string `json:"h"`
	Low      string `json:"l"`
	Close    string `json:"c"`
	Volume   string `json:"v"`

	Aux *AuxDTO `json:"aux,omitempty"`
}

type AuxDTO struct {
	CloseTime                string `json:"close_time,omitempty"`
	QuoteAssetVolume         string `json:"quote_asset_volume,omitempty"`
	NumberOfTrades           string `json:"number_of_trades,omitempty"`
	TakerBuyBaseAssetVolume  string `json:"taker_buy_base_asset_volume,omitempty"`
	TakerBuyQuoteAssetVolume string `json:"taker_buy_quote_asset_volume,omitempty"`
}

// Topic：kline:<interval>:<SYMBOL>
func Topic(iv kline.Interval, symbol string) string {
	return fmt.Sprintf("kline:%s:%s", iv, strings.ToUpper(symbol))
}

// RecordPublisher：把一个 feed 的记录发到 broker
type RecordPublisher struct {
	broker   Broker
	sink     string
	source   string
	symbol   string
	interval kline.Interval
	topic    string
	base     string
	quote    string
}

type PublisherOption func(*RecordPublisher)

// WithPair 填 DTO 的 base/quote；交易对怎么拆由数据源决定
func WithPair(base, quote string) PublisherOption {
	return func(p *RecordPublisher) { p.base, p.quote = base, quote }
}

func NewRecordPublisher(b Broker, sink, source, symbol string, iv kline.Interval, opts ...PublisherOption) *RecordPublisher {
	p := &RecordPublisher{
		broker:   b,
		sink:     sink,
		source:   source,
		symbol:   strings.ToUpper(symbol),
		interval: iv,
		topic:    Topic(iv, symbol),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *RecordPublisher) Topic() string { return p.topic }

func (p *RecordPublisher) DTO(r kline.Record) KlineDTO {
	d := KlineDTO{
		Symbol:   p.symbol,
		Base:     p.base,
		Quote:    p.quote,
		Interval: p.interval.String(),
		Source:   p.source,
		OpenTime: r.OpenTimeMs(),
		Open:     r.Open.String(),
		High:     r.High.String(),
		Low:      r.Low.String(),
		Close:    r.Close.String(),
		Volume:   r.Volume.String(),
	}
	if r.Aux.Fields > 6 {
		d.Aux = &AuxDTO{
			CloseTime:                r.Aux.CloseTime,
			QuoteAssetVolume:         r.Aux.QuoteAssetVolume,
			NumberOfTrades:           r.Aux.NumberOfTrades,
			TakerBuyBaseAssetVolume:  r.Aux.TakerBuyBaseAssetVolume,
			TakerBuyQuoteAssetVolume: r.Aux.TakerBuyQuoteAssetVolume,
		}
	}
	return d
}

func (p *RecordPublisher) Publish(ctx context.Context, r kline.Record) error {
	payload, err := json.Marshal(p.DTO(r))
	if err != nil {
		metrics.PublishTotal.WithLabelValues(p.sink, "encode_error").Inc()
		return err
	}
	if err := p.broker.Publish(ctx, p.topic, payload); err != nil {
		metrics.PublishTotal.WithLabelValues(p.sink, "error").Inc()
		logger.Warn(ctx, "publish kline failed",
			zap.String("topic", p.topic),
			zap.Int64("open_time", r.OpenTimeMs()),
			zap.Error(err))
		return err
	}
	metrics.PublishTotal.WithLabelValues(p.sink, "ok").Inc()
	return nil
}

package binance

import (
	"errors"
	"strconv"
	"strings"

	"github.com/segmentio/encoding/json"

	"gopherex.com/mdfeed/internal/quotes/datasource/model"
)

// ErrNotKline：消息不是 kline 事件（订阅回执、其他 stream 等），调用方直接跳过
var ErrNotKline = errors.New("binance: not a kline event")

type bnCombined struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type bnKlineEvent struct {
	EventType string  `json:"e"`
	EventTime int64   `json:"E"`
	Symbol    string  `json:"s"`
	K         bnKline `json:"k"`
}

// 交易所的 key 大小写敏感（t/T、v/V、l/L 含义不同），这里每个 key 都显式声明，
// 避免解码器的大小写不敏感回退把 "L" 塞进 Low。
type bnKline struct {
	OpenTime   int64  `json:"t"`
	CloseTime  int64  `json:"T"`
	Symbol     string `json:"s"`
	Interval   string `json:"i"`
	FirstTrade int64  `json:"f"`
	LastTrade  int64  `json:"L"`
	Open       string `json:"o"`
	Close      string `json:"c"`
	High       string `json:"h"`
	Low        string `json:"l"`
	Volume     string `json:"v"`
	Trades     int64  `json:"n"`
	Closed     bool   `json:"x"`
	QuoteVol   string `json:"q"`
	TakerBase  string `json:"V"`
	TakerQuote string `json:"Q"`
	Ignore     string `json:"B"`
}

// ParseKlineStream 同时支持 /ws/<stream> 的裸消息和 /stream?streams= 的 combined 包装
func ParseKlineStream(b []byte) (model.KlineEvent, error) {
	var wrap bnCombined
	if err := json.Unmarshal(b, &wrap); err != nil {
		return model.KlineEvent{}, err
	}
	payload := b
	if len(wrap.Data) > 0 {
		payload = wrap.Data
	}

	var ev bnKlineEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return model.KlineEvent{}, err
	}
	if ev.EventType != "kline" {
		return model.KlineEvent{}, ErrNotKline
	}

	k := ev.K
	return model.KlineEvent{
		Kind:        model.EventKline,
		Symbol:      ev.Symbol,
		Interval:    k.Interval,
		EventTimeMs: ev.EventTime,
		IsClosed:    k.Closed,
		Kline: model.RawKline{
			OpenTime:                 strconv.FormatInt(k.OpenTime, 10),
			Open:                     k.Open,
			High:                     k.High,
			Low:                      k.Low,
			Close:                    k.Close,
			Volume:                   k.Volume,
			CloseTime:                strconv.FormatInt(k.CloseTime, 10),
			QuoteAssetVolume:         k.QuoteVol,
			NumberOfTrades:           strconv.FormatInt(k.Trades, 10),
			TakerBuyBaseAssetVolume:  k.TakerBase,
			TakerBuyQuoteAssetVolume: k.TakerQuote,
			Ignore:                   k.Ignore,
			Fields:                   model.KlineFields,
		},
	}, nil
}

// SplitSymbol BTCUSDT -> BTC, USDT
func SplitSymbol(sym string) (base, quote string, ok bool) {
	s := strings.ToUpper(sym)
	quotes := []string{
		"FDUSD", "USDT", "USDC", "BUSD", "TUSD",
		"BTC", "ETH", "BNB",
		"EUR", "GBP", "TRY", "JPY", "AUD", "BRL", "RUB",
	}
	for _, q := range quotes {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)], q, true
		}
	}
	return "", "", false
}

// streamName btcusdt@kline_1m
func streamName(symbol, interval string) string {
	return strings.ToLower(symbol) + "@kline_" + interval
}

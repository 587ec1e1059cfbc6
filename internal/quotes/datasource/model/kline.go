package model

import (
	"bytes"
	"errors"
	"strconv"

	"github.com/segmentio/encoding/json"
)

// KlineFields：交易所 kline 行的完整字段数
// [openTime, open, high, low, close, volume, closeTime, quoteAssetVolume,
//  numberOfTrades, takerBuyBaseAssetVolume, takerBuyQuoteAssetVolume, ignore]
const KlineFields = 12

// RawKline：未经归一化的一根 K 线。
//
// 所有字段都按“原文”保存成字符串：交易所同一个字段有时给数字、有时给字符串，
// 这里不做任何数值判断，解析/校验统一交给 kline.Normalize。
type RawKline struct {
	OpenTime string
	Open     string
	High     string
	Low      string
	Close    string
	Volume   string

	CloseTime                string
	QuoteAssetVolume         string
	NumberOfTrades           string
	TakerBuyBaseAssetVolume  string
	TakerBuyQuoteAssetVolume string
	Ignore                   string

	// Fields：原始数据实际带了多少个字段（<12 表示辅助字段缺失）
	Fields int
}

var errNotArray = errors.New("kline row is not a json array")

// UnmarshalJSON 解析 REST 返回的数组行：[1499040000000,"0.0163",...]
func (k *RawKline) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '[' {
		return errNotArray
	}
	var cols []json.RawMessage
	if err := json.Unmarshal(b, &cols); err != nil {
		return err
	}
	dst := []*string{
		&k.OpenTime, &k.Open, &k.High, &k.Low, &k.Close, &k.Volume,
		&k.CloseTime, &k.QuoteAssetVolume, &k.NumberOfTrades,
		&k.TakerBuyBaseAssetVolume, &k.TakerBuyQuoteAssetVolume, &k.Ignore,
	}
	*k = RawKline{}
	for i, c := range cols {
		if i >= len(dst) {
			break
		}
		*dst[i] = scalarText(c)
	}
	k.Fields = min(len(cols), KlineFields)
	return nil
}

// MarshalJSON 输出成与 REST 相同的数组格式（主要给测试/回放用）
func (k RawKline) MarshalJSON() ([]byte, error) {
	n := k.Fields
	if n <= 0 || n > KlineFields {
		n = KlineFields
	}
	cols := []string{
		k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume,
		k.CloseTime, k.QuoteAssetVolume, k.NumberOfTrades,
		k.TakerBuyBaseAssetVolume, k.TakerBuyQuoteAssetVolume, k.Ignore,
	}[:n]
	return json.Marshal(cols)
}

// scalarText：字符串取内容，数字/布尔取字面量，null 取空
func scalarText(c json.RawMessage) string {
	c = bytes.TrimSpace(c)
	if len(c) == 0 || bytes.Equal(c, []byte("null")) {
		return ""
	}
	if c[0] == '"' {
		if s, err := strconv.Unquote(string(c)); err == nil {
			return s
		}
		var s string
		_ = json.Unmarshal(c, &s)
		return s
	}
	return string(c)
}

type EventKind uint8

const (
	EventKline EventKind = iota + 1
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventKline:
		return "kline"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// KlineEvent：实时推送的一次 bucket 更新（或推送通道本身的错误）。
// IsClosed=false 表示这根 K 线还没走完，数值随时会变。
type KlineEvent struct {
	Kind        EventKind
	Symbol      string
	Interval    string
	EventTimeMs int64
	Kline       RawKline
	IsClosed    bool

	// Err 只在 Kind == EventError 时有值
	Err error
}

// UnknownSymbolError：数据源不认识这个交易对
type UnknownSymbolError struct {
	Symbol string
}

func (e *UnknownSymbolError) Error() string {
	return "unknown symbol: " + e.Symbol
}

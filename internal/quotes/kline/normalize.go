package kline

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MalformedRecordError：某一行无法归一化；只拒绝这一行，不影响同批其他数据
type MalformedRecordError struct {
	OpenTimeMs int64 // 解析不出时为 0
	Field      string
	Reason     string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed kline at %d: %s: %s", e.OpenTimeMs, e.Field, e.Reason)
}

// Normalize：原始行 -> Record（纯函数）
//
// iv 非空时额外校验 open_time 对齐到粒度边界；iv 为空只做数值校验。
func Normalize(iv Interval, raw RawKline) (Record, error) {
	ts, err := parseMs(raw.OpenTime)
	if err != nil {
		return Record{}, &MalformedRecordError{Field: "open_time", Reason: err.Error()}
	}
	if step := iv.Ms(); step > 0 && BucketStartMs(ts, step, 0) != ts {
		return Record{}, &MalformedRecordError{OpenTimeMs: ts, Field: "open_time", Reason: "not aligned to " + string(iv)}
	}

	fields := [...]struct {
		name string
		src  string
	}{
		{"open", raw.Open},
		{"high", raw.High},
		{"low", raw.Low},
		{"close", raw.Close},
		{"volume", raw.Volume},
	}
	var vals [len(fields)]decimal.Decimal
	for i, f := range fields {
		d, err := parseDecimal(f.src)
		if err != nil {
			return Record{}, &MalformedRecordError{OpenTimeMs: ts, Field: f.name, Reason: err.Error()}
		}
		vals[i] = d
	}
	open, high, low, cls, vol := vals[0], vals[1], vals[2], vals[3], vals[4]

	switch {
	case low.GreaterThan(high):
		return Record{}, &MalformedRecordError{OpenTimeMs: ts, Field: "low", Reason: "low > high"}
	case open.LessThan(low) || open.GreaterThan(high):
		return Record{}, &MalformedRecordError{OpenTimeMs: ts, Field: "open", Reason: "outside [low, high]"}
	case cls.LessThan(low) || cls.GreaterThan(high):
		return Record{}, &MalformedRecordError{OpenTimeMs: ts, Field: "close", Reason: "outside [low, high]"}
	}

	return Record{
		OpenTime: time.UnixMilli(ts).UTC(),
		Open:     open,
		High:     high,
		Low:      low,
		Close:    cls,
		Volume:   vol,
		Aux: Aux{
			CloseTime:                raw.CloseTime,
			QuoteAssetVolume:         raw.QuoteAssetVolume,
			NumberOfTrades:           raw.NumberOfTrades,
			TakerBuyBaseAssetVolume:  raw.TakerBuyBaseAssetVolume,
			TakerBuyQuoteAssetVolume: raw.TakerBuyQuoteAssetVolume,
			Ignore:                   raw.Ignore,
			Fields:                   raw.Fields,
		},
	}, nil
}

// NormalizeBatch 逐行归一化，坏行交给 reject（可为 nil）后跳过
func NormalizeBatch(iv Interval, raws []RawKline, reject func(RawKline, error)) []Record {
	out := make([]Record, 0, len(raws))
	for _, raw := range raws {
		r, err := Normalize(iv, raw)
		if err != nil {
			if reject != nil {
				reject(raw, err)
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// parseMs 允许 "1499040000000" 以及 "1499040000000.0" 这种带零小数的写法
func parseMs(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty")
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	if !d.IsInteger() || !d.Truncate(0).BigInt().IsInt64() {
		return 0, fmt.Errorf("not an integer millisecond: %q", s)
	}
	return d.IntPart(), nil
}

// parseDecimal：decimal 本身就拒绝 NaN/Inf，这里再挡掉负数和空串
func parseDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("not a number: %q", s)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative: %s", s)
	}
	return d, nil
}

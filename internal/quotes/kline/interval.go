package kline

import (
	"sort"
	"time"
)

// Interval：K 线粒度（"1s".."1d"），对外统一用交易所的字符串写法
type Interval string

// 粒度 -> 毫秒。只收录固定时长的粒度；1w/1M 这种跨自然周/月的不在这里。
var intervalMs = map[Interval]int64{
	"1s":  1_000,
	"1m":  60_000,
	"3m":  180_000,
	"5m":  300_000,
	"15m": 900_000,
	"30m": 1_800_000,
	"1h":  3_600_000,
	"2h":  7_200_000,
	"4h":  14_400_000,
	"6h":  21_600_000,
	"8h":  28_800_000,
	"12h": 43_200_000,
	"1d":  86_400_000,
}

// UnsupportedGranularityError：粒度不在表里
type UnsupportedGranularityError struct {
	Interval string
}

func (e *UnsupportedGranularityError) Error() string {
	return "unsupported granularity: " + e.Interval
}

// ParseInterval 校验粒度字符串；未知粒度显式报错，不返回 0
func ParseInterval(s string) (Interval, error) {
	iv := Interval(s)
	if _, ok := intervalMs[iv]; !ok {
		return "", &UnsupportedGranularityError{Interval: s}
	}
	return iv, nil
}

// IntervalMs：粒度对应的毫秒数（记录的原生时间单位）
func IntervalMs(s string) (int64, error) {
	iv, err := ParseInterval(s)
	if err != nil {
		return 0, err
	}
	return iv.Ms(), nil
}

// Ms 未知粒度返回 0，调用方应先 ParseInterval
func (iv Interval) Ms() int64 { return intervalMs[iv] }

func (iv Interval) Duration() time.Duration {
	return time.Duration(iv.Ms()) * time.Millisecond
}

func (iv Interval) String() string { return string(iv) }

// Intervals 按时长升序列出所有支持的粒度
func Intervals() []Interval {
	out := make([]Interval, 0, len(intervalMs))
	for iv := range intervalMs {
		out = append(out, iv)
	}
	sort.Slice(out, func(i, j int) bool { return intervalMs[out[i]] < intervalMs[out[j]] })
	return out
}

// BucketStartMs：tsMs 所在桶的起点
//
// offsetMs 用于按时区对齐桶边界（0 = UTC）。
// 公式：floor((ts+off)/interval)*interval - off；负数时间戳也向下取整。
func BucketStartMs(tsMs, intervalMs, offsetMs int64) int64 {
	x := tsMs + offsetMs
	q := x / intervalMs
	if x%intervalMs < 0 {
		q--
	}
	return q*intervalMs - offsetMs
}

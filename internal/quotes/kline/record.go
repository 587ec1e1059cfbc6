package kline

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Record：一根归一化后的 K 线（不可变，只由 Normalize 产出）
//
// OpenTime 统一为 UTC，且按粒度对齐；价格/成交量都是有限、非负的 decimal。
type Record struct {
	OpenTime time.Time

	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal

	// Aux：导出表后六列，原样透传，不参与任何计算
	Aux Aux
}

type Aux struct {
	CloseTime                string
	QuoteAssetVolume         string
	NumberOfTrades           string
	TakerBuyBaseAssetVolume  string
	TakerBuyQuoteAssetVolume string
	Ignore                   string

	// Fields：来源行的字段数，<=6 说明辅助列不存在
	Fields int
}

func (r Record) OpenTimeMs() int64 { return r.OpenTime.UnixMilli() }

// Equal 按数值比较（1.0 == 1.00），时间按时刻比较
func (r Record) Equal(o Record) bool {
	return r.OpenTime.Equal(o.OpenTime) &&
		r.Open.Equal(o.Open) &&
		r.High.Equal(o.High) &&
		r.Low.Equal(o.Low) &&
		r.Close.Equal(o.Close) &&
		r.Volume.Equal(o.Volume) &&
		r.Aux == o.Aux
}

// Raw 还原成原始行：Normalize(iv, r.Raw()) 与 r 相等
func (r Record) Raw() RawKline {
	return RawKline{
		OpenTime: strconv.FormatInt(r.OpenTimeMs(), 10),
		Open:     r.Open.String(),
		High:     r.High.String(),
		Low:      r.Low.String(),
		Close:    r.Close.String(),
		Volume:   r.Volume.String(),

		CloseTime:                r.Aux.CloseTime,
		QuoteAssetVolume:         r.Aux.QuoteAssetVolume,
		NumberOfTrades:           r.Aux.NumberOfTrades,
		TakerBuyBaseAssetVolume:  r.Aux.TakerBuyBaseAssetVolume,
		TakerBuyQuoteAssetVolume: r.Aux.TakerBuyQuoteAssetVolume,
		Ignore:                   r.Aux.Ignore,
		Fields:                   r.Aux.Fields,
	}
}

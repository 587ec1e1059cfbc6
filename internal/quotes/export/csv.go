package export

import (
	"encoding/csv"
	"io"
	"strconv"

	"gopherex.com/mdfeed/internal/quotes/kline"
)

// Header：导出表的 12 列；timestamp 为 open_time 的毫秒数
var Header = []string{
	"timestamp", "open", "high", "low", "close", "volume",
	"close_time", "quote_asset_volume", "number_of_trades",
	"taker_buy_base_asset_volume", "taker_buy_quote_asset_volume", "ignore",
}

// Row 前 6 列总是有值；辅助列原样透传，来源没有就留空
func Row(r kline.Record) []string {
	return []string{
		strconv.FormatInt(r.OpenTimeMs(), 10),
		r.Open.String(),
		r.High.String(),
		r.Low.String(),
		r.Close.String(),
		r.Volume.String(),
		r.Aux.CloseTime,
		r.Aux.QuoteAssetVolume,
		r.Aux.NumberOfTrades,
		r.Aux.TakerBuyBaseAssetVolume,
		r.Aux.TakerBuyQuoteAssetVolume,
		r.Aux.Ignore,
	}
}

// Writer：第一次写入时输出表头
type Writer struct {
	w           *csv.Writer
	wroteHeader bool
	n           int
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: csv.NewWriter(w)}
}

func (w *Writer) Write(r kline.Record) error {
	if err := w.header(); err != nil {
		return err
	}
	if err := w.w.Write(Row(r)); err != nil {
		return err
	}
	w.n++
	return nil
}

func (w *Writer) WriteAll(recs []kline.Record) error {
	for _, r := range recs {
		if err := w.Write(r); err != nil {
			return err
		}
	}
	return nil
}

// Flush 没有数据时也会写出表头
func (w *Writer) Flush() error {
	if err := w.header(); err != nil {
		return err
	}
	w.w.Flush()
	return w.w.Error()
}

// Count 已写入的数据行数（不含表头）
func (w *Writer) Count() int { return w.n }

func (w *Writer) header() error {
	if w.wroteHeader {
		return nil
	}
	w.wroteHeader = true
	return w.w.Write(Header)
}

package coinbase

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/segmentio/encoding/json"

	"gopherex.com/mdfeed/internal/quotes/datasource/model"
)

// 行格式：[time(秒), low, high, open, close, volume]，按时间倒序
const candleFields = 6

var errShortCandle = errors.New("coinbase: candle row has fewer than 6 fields")

// ParseCandles 把 Coinbase 的 candles 响应转成原始 K 线（毫秒、OHLCV 顺序、时间升序）
func ParseCandles(b []byte) ([]model.RawKline, error) {
	var rows [][]json.Number
	if err := json.Unmarshal(b, &rows); err != nil {
		return nil, err
	}
	out := make([]model.RawKline, 0, len(rows))
	for i, r := range rows {
		if len(r) < candleFields {
			return nil, fmt.Errorf("%w: row %d", errShortCandle, i)
		}
		sec, err := strconv.ParseInt(r[0].String(), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("coinbase: row %d time: %w", i, err)
		}
		out = append(out, model.RawKline{
			OpenTime: strconv.FormatInt(sec*1000, 10),
			Open:     r[3].String(),
			High:     r[2].String(),
			Low:      r[1].String(),
			Close:    r[4].String(),
			Volume:   r[5].String(),
			Fields:   candleFields,
		})
	}
	// 接口返回倒序
	sort.SliceStable(out, func(i, j int) bool {
		a, _ := strconv.ParseInt(out[i].OpenTime, 10, 64)
		b, _ := strconv.ParseInt(out[j].OpenTime, 10, 64)
		return a < b
	})
	return out, nil
}

package coinbase

import (
	stdjson "encoding/json"
	"fmt"
	"strings"
	"testing"
)

var candles300 = []byte(makeCandlesPayload(MaxCandlesPerRequest))

// 生成 n 根倒序 candles（init 阶段生成，不计入 benchmark 时间）
func makeCandlesPayload(n int) string {
	var b strings.Builder
	b.Grow(n * 64)
	b.WriteByte('[')
	for i := n - 1; i >= 0; i-- {
		if i != n-1 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, `[%d,1260.%02d,1270.5,1261.1,1265.%d,%d.25]`, 1_700_000_000+i*60, i%100, i%9, i)
	}
	b.WriteByte(']')
	return b.String()
}

// 对照组：标准库解码同样的结构
func BenchmarkCandles_StdUnmarshal(b *testing.B) {
	b.ReportAllocs()
	b.SetBytes(int64(len(candles300)))
	for i := 0; i < b.N; i++ {
		var rows [][]stdjson.Number
		if err := stdjson.Unmarshal(candles300, &rows); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCandles_Parse(b *testing.B) {
	b.ReportAllocs()
	b.SetBytes(int64(len(candles300)))
	for i := 0; i < b.N; i++ {
		rows, err := ParseCandles(candles300)
		if err != nil {
			b.Fatal(err)
		}
		if len(rows) != MaxCandlesPerRequest {
			b.Fatal("short")
		}
	}
}

func TestMakeCandlesPayload(t *testing.T) {
	rows, err := ParseCandles([]byte(makeCandlesPayload(3)))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 || rows[0].OpenTime != "1700000000000" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

package history

import (
	"fmt"
	"math"
)

// Window：半开区间 [StartMs, EndMs)，毫秒
type Window struct {
	StartMs int64
	EndMs   int64
}

func (w Window) String() string { return fmt.Sprintf("[%d, %d)", w.StartMs, w.EndMs) }

// Span 区间长度（毫秒）
func (w Window) Span() int64 { return w.EndMs - w.StartMs }

// Buckets：以 step 为粒度，窗口最多覆盖多少根 K 线（向上取整）
func (w Window) Buckets(stepMs int64) int64 {
	if stepMs <= 0 || w.EndMs <= w.StartMs {
		return 0
	}
	return (w.Span() + stepMs - 1) / stepMs
}

// Plan 把 [startMs, endMs) 切成首尾相接的窗口，每个窗口最多 stepMs*maxPerRequest
//
// 贪心推进，最后一个窗口截断到 endMs。
func Plan(startMs, endMs, stepMs int64, maxPerRequest int) ([]Window, error) {
	if startMs >= endMs {
		return nil, &InvalidRangeError{StartMs: startMs, EndMs: endMs}
	}
	if stepMs <= 0 {
		return nil, ErrInvalidStep
	}
	if maxPerRequest < 1 {
		return nil, ErrInvalidPageSize
	}

	// step*max 溢出时整个区间一个窗口就够了
	span := int64(math.MaxInt64)
	if stepMs <= math.MaxInt64/int64(maxPerRequest) {
		span = stepMs * int64(maxPerRequest)
	}

	// 用无符号差值，[MinInt64, MaxInt64) 这种极端区间也不会溢出
	total := uint64(endMs) - uint64(startMs)
	out := make([]Window, 0, min((total-1)/uint64(span)+1, 1<<12))
	for cur := startMs; cur < endMs; {
		next := endMs
		if uint64(endMs)-uint64(cur) > uint64(span) {
			next = cur + span
		}
		out = append(out, Window{StartMs: cur, EndMs: next})
		cur = next
	}
	return out, nil
}

package history

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidStep     = errors.New("history: step must be > 0")
	ErrInvalidPageSize = errors.New("history: max records per request must be >= 1")
)

// InvalidRangeError：规划区间不满足 start < end
type InvalidRangeError struct {
	StartMs int64
	EndMs   int64
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("history: invalid range [%d, %d)", e.StartMs, e.EndMs)
}

// SourceFetchError：某个窗口拉取失败，整次 backfill 作废
type SourceFetchError struct {
	Window Window
	Err    error
}

func (e *SourceFetchError) Error() string {
	return fmt.Sprintf("history: fetch window %s: %v", e.Window, e.Err)
}

func (e *SourceFetchError) Unwrap() error { return e.Err }

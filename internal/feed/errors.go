package feed

import "errors"

var (
	ErrNoSymbol  = errors.New("feed: symbol is required")
	ErrNoHistory = errors.New("feed: backfill_start set but no history source")
	ErrNoLive    = errors.New("feed: enable_live set but no live source")
)

// LiveStreamError：实时推送通道报告的终止错误
type LiveStreamError struct {
	Err error
}

func (e *LiveStreamError) Error() string {
	if e.Err == nil {
		return "feed: live stream failed"
	}
	return "feed: live stream failed: " + e.Err.Error()
}

func (e *LiveStreamError) Unwrap() error { return e.Err }

package feed

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"gopherex.com/mdfeed/internal/quotes/datasource/model"
	"gopherex.com/mdfeed/internal/quotes/history"
	"gopherex.com/mdfeed/internal/quotes/kline"
	"gopherex.com/mdfeed/internal/quotes/mdsource"
)

const minute = int64(60_000)

func rawAt(ts int64) kline.RawKline {
	return kline.RawKline{
		OpenTime: strconv.FormatInt(ts, 10),
		Open:     "10", High: "12", Low: "9", Close: "11", Volume: "100",
		Fields: 6,
	}
}

// fakeHistory 窗口内每个 bucket 一行
type fakeHistory struct {
	mu       sync.Mutex
	windows  []history.Window
	symbols  []string
	err      error
	pageSize int
	block    bool
	mutate   func(rows []kline.RawKline) []kline.RawKline
}

func (h *fakeHistory) FetchPage(ctx context.Context, symbol string, iv kline.Interval, w history.Window) ([]kline.RawKline, error) {
	h.mu.Lock()
	h.windows = append(h.windows, w)
	h.symbols = append(h.symbols, symbol)
	h.mu.Unlock()

	if h.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if h.err != nil {
		return nil, h.err
	}
	var rows []kline.RawKline
	step := iv.Ms()
	for ts := kline.BucketStartMs(w.StartMs+step-1, step, 0); ts < w.EndMs; ts += step {
		rows = append(rows, rawAt(ts))
	}
	if h.mutate != nil {
		rows = h.mutate(rows)
	}
	return rows, nil
}

func (h *fakeHistory) MaxPageSize() int { return h.pageSize }

func (h *fakeHistory) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.windows)
}

type fakeSub struct {
	unsubscribed atomic.Bool
}

func (s *fakeSub) Unsubscribe() error {
	s.unsubscribed.Store(true)
	return nil
}

type fakeLive struct {
	mu      sync.Mutex
	onEvent func(model.KlineEvent)
	sub     *fakeSub
	err     error
	symbol  string
}

func (l *fakeLive) Subscribe(_ context.Context, symbol string, _ kline.Interval, onEvent func(model.KlineEvent)) (mdsource.Subscription, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onEvent = onEvent
	l.symbol = symbol
	l.sub = &fakeSub{}
	return l.sub, nil
}

func (l *fakeLive) emit(ev model.KlineEvent) {
	l.mu.Lock()
	fn := l.onEvent
	l.mu.Unlock()
	fn(ev)
}

func (l *fakeLive) closed(ts int64) {
	l.emit(model.KlineEvent{Kind: model.EventKline, Kline: rawAt(ts), IsClosed: true})
}

func (l *fakeLive) open(ts int64) {
	l.emit(model.KlineEvent{Kind: model.EventKline, Kline: rawAt(ts), IsClosed: false})
}

func (l *fakeLive) subscription() *fakeSub {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sub
}

type fakeResolver struct {
	canonical string
	err       error
	intervals map[kline.Interval]bool
}

func (r *fakeResolver) ResolveSymbol(_ context.Context, symbol string) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	if r.canonical != "" {
		return r.canonical, nil
	}
	return symbol, nil
}

func (r *fakeResolver) SupportsInterval(iv kline.Interval) bool {
	if r.intervals == nil {
		return true
	}
	return r.intervals[iv]
}

var errUpstream = errors.New("upstream 502")

// fixedClock 返回可推进的时钟
func fixedClock(ms int64) (func() time.Time, *atomic.Int64) {
	v := &atomic.Int64{}
	v.Store(ms)
	return func() time.Time { return time.UnixMilli(v.Load()) }, v
}

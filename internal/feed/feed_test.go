package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopherex.com/mdfeed/internal/quotes/datasource/model"
	"gopherex.com/mdfeed/internal/quotes/history"
	"gopherex.com/mdfeed/internal/quotes/kline"
)

func baseConfig() Config {
	c := DefaultConfig()
	c.Symbol = "BTCUSDT"
	c.Interval = "1m"
	return c
}

// drain 拉到第一个非 Record 为止
func drain(t *testing.T, f *Feed) ([]int64, Status) {
	t.Helper()
	var got []int64
	for i := 0; i < 10_000; i++ {
		r, st := f.Pull()
		if st != StatusRecord {
			return got, st
		}
		got = append(got, r.OpenTimeMs())
	}
	t.Fatal("feed never stopped producing records")
	return nil, 0
}

func notes(f *Feed) []NotificationKind {
	var out []NotificationKind
	for {
		select {
		case n, ok := <-f.Notifications():
			if !ok {
				return out
			}
			out = append(out, n.Kind)
		default:
			return out
		}
	}
}

func TestFeed_NoBackfillNoLive_Finished(t *testing.T) {
	f, err := Open(context.Background(), baseConfig(), Sources{})
	require.NoError(t, err)
	defer f.Stop()

	_, st := f.Pull()
	assert.Equal(t, StatusFinished, st)
	assert.Equal(t, PhaseDone, f.Phase())
	assert.Equal(t, []NotificationKind{NotifyDone}, notes(f))
}

func TestFeed_BackfillDropTrailing(t *testing.T) {
	tests := []struct {
		name string
		drop bool
		want []int64
	}{
		{"丢最后一根", true, []int64{0, minute, 2 * minute, 3 * minute}},
		{"不丢", false, []int64{0, minute, 2 * minute, 3 * minute, 4 * minute}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &fakeHistory{}
			clock, _ := fixedClock(5 * minute)
			cfg := baseConfig()
			cfg.BackfillStart = "1970-01-01"
			cfg.DropTrailingBucket = tt.drop

			f, err := Open(context.Background(), cfg, Sources{History: h}, WithClock(clock))
			require.NoError(t, err)
			defer f.Stop()
			assert.Equal(t, PhaseBackfilling, f.Phase())

			got, st := drain(t, f)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, StatusFinished, st)
			assert.Equal(t, PhaseDone, f.Phase())

			// DONE 之后永远 Finished
			for i := 0; i < 3; i++ {
				_, st := f.Pull()
				assert.Equal(t, StatusFinished, st)
			}
			assert.Equal(t, []NotificationKind{NotifyDelayed, NotifyDone}, notes(f))
			assert.NoError(t, f.Err())
		})
	}
}

func TestFeed_DropTrailingOnEmptyResult(t *testing.T) {
	h := &fakeHistory{mutate: func([]kline.RawKline) []kline.RawKline { return nil }}
	clock, _ := fixedClock(5 * minute)
	cfg := baseConfig()
	cfg.BackfillStart = "1970-01-01T00:00:00Z"

	f, err := Open(context.Background(), cfg, Sources{History: h}, WithClock(clock))
	require.NoError(t, err)
	defer f.Stop()

	assert.Equal(t, PhaseDone, f.Phase(), "空结果直接结束回补")
	_, st := f.Pull()
	assert.Equal(t, StatusFinished, st)
}

func TestFeed_PageSizeClampedToSource(t *testing.T) {
	h := &fakeHistory{pageSize: 2}
	clock, _ := fixedClock(5 * minute)
	cfg := baseConfig()
	cfg.BackfillStart = "1970-01-01"
	cfg.MaxRecordsPerRequest = 1000

	f, err := Open(context.Background(), cfg, Sources{History: h}, WithClock(clock))
	require.NoError(t, err)
	defer f.Stop()

	assert.Equal(t, []history.Window{
		{StartMs: 0, EndMs: 2 * minute},
		{StartMs: 2 * minute, EndMs: 4 * minute},
		{StartMs: 4 * minute, EndMs: 5 * minute},
	}, h.windows)
}

func TestFeed_FutureStartIsEmpty(t *testing.T) {
	h := &fakeHistory{}
	clock, _ := fixedClock(5 * minute)
	cfg := baseConfig()
	cfg.BackfillStart = "2100-01-01"

	f, err := Open(context.Background(), cfg, Sources{History: h}, WithClock(clock))
	require.NoError(t, err)
	defer f.Stop()

	assert.Zero(t, h.calls())
	_, st := f.Pull()
	assert.Equal(t, StatusFinished, st)
}

func TestFeed_FutureStartWithLiveGoesLive(t *testing.T) {
	live := &fakeLive{}
	clock, _ := fixedClock(5 * minute)
	cfg := baseConfig()
	cfg.BackfillStart = "2100-01-01"
	cfg.EnableLive = true

	f, err := Open(context.Background(), cfg, Sources{History: &fakeHistory{}, Live: live}, WithClock(clock))
	require.NoError(t, err)
	defer f.Stop()

	assert.Equal(t, PhaseLive, f.Phase())
	_, st := f.Pull()
	assert.Equal(t, StatusPending, st)
}

func TestFeed_LiveOnly(t *testing.T) {
	live := &fakeLive{}
	cfg := baseConfig()
	cfg.EnableLive = true

	f, err := Open(context.Background(), cfg, Sources{Live: live})
	require.NoError(t, err)
	defer f.Stop()

	assert.Equal(t, PhaseLive, f.Phase())
	assert.True(t, f.IsLive())
	assert.False(t, f.HasLiveData())
	_, st := f.Pull()
	assert.Equal(t, StatusPending, st)

	live.open(minute) // 未收盘：丢弃
	_, st = f.Pull()
	assert.Equal(t, StatusPending, st)

	live.closed(minute)
	assert.True(t, f.HasLiveData())
	r, st := f.Pull()
	require.Equal(t, StatusRecord, st)
	assert.Equal(t, minute, r.OpenTimeMs())
	assert.Equal(t, "11", r.Close.String())

	live.closed(minute)     // 重复
	live.closed(0)          // 更旧
	live.closed(2 * minute) // 新
	got, st := drain(t, f)
	assert.Equal(t, []int64{2 * minute}, got)
	assert.Equal(t, StatusPending, st)

	assert.Equal(t, []NotificationKind{NotifyLive}, notes(f))
}

func TestFeed_BackfillThenLive(t *testing.T) {
	h := &fakeHistory{}
	live := &fakeLive{}
	clock, _ := fixedClock(5 * minute)
	cfg := baseConfig()
	cfg.BackfillStart = "1970-01-01"
	cfg.EnableLive = true

	f, err := Open(context.Background(), cfg, Sources{History: h, Live: live}, WithClock(clock))
	require.NoError(t, err)
	defer f.Stop()
	require.NotNil(t, live.subscription(), "回补完成后立刻订阅")
	assert.Equal(t, PhaseBackfilling, f.Phase())

	// 回补丢掉的 4m 那根由实时补上；3m 重复
	live.open(4 * minute)
	live.closed(3 * minute)
	live.closed(4 * minute)

	got, st := drain(t, f)
	assert.Equal(t, []int64{0, minute, 2 * minute, 3 * minute, 4 * minute}, got)
	assert.Equal(t, StatusPending, st)
	assert.Equal(t, PhaseLive, f.Phase())

	live.closed(5 * minute)
	got, _ = drain(t, f)
	assert.Equal(t, []int64{5 * minute}, got)

	assert.Equal(t, []NotificationKind{NotifyDelayed, NotifyLive}, notes(f))
}

func TestFeed_CatchUp(t *testing.T) {
	h := &fakeHistory{}
	live := &fakeLive{}
	clock, now := fixedClock(5 * minute)
	cfg := baseConfig()
	cfg.BackfillStart = "1970-01-01"
	cfg.EnableLive = true
	cfg.CatchUp = true

	// 第一次拉取结束时时钟已经走到 7m
	h.mutate = func(rows []kline.RawKline) []kline.RawKline {
		now.Store(7 * minute)
		return rows
	}

	f, err := Open(context.Background(), cfg, Sources{History: h, Live: live}, WithClock(clock))
	require.NoError(t, err)
	defer f.Stop()

	got, _ := drain(t, f)
	assert.Equal(t, []int64{0, minute, 2 * minute, 3 * minute, 4 * minute, 5 * minute}, got)
	require.Len(t, h.windows, 2)
	assert.Equal(t, history.Window{StartMs: 4 * minute, EndMs: 7 * minute}, h.windows[1])
}

func TestFeed_FetchErrorIsFatal(t *testing.T) {
	h := &fakeHistory{err: errUpstream}
	live := &fakeLive{}
	clock, _ := fixedClock(5 * minute)
	cfg := baseConfig()
	cfg.BackfillStart = "1970-01-01"
	cfg.EnableLive = true

	f, err := Open(context.Background(), cfg, Sources{History: h, Live: live}, WithClock(clock))
	assert.Nil(t, f)
	var sfe *history.SourceFetchError
	require.True(t, errors.As(err, &sfe))
	assert.ErrorIs(t, err, errUpstream)
	assert.Nil(t, live.subscription(), "回补失败不订阅")
}

func TestFeed_UnsupportedGranularity(t *testing.T) {
	tests := []struct {
		name     string
		interval string
		resolver *fakeResolver
	}{
		{"未知粒度", "7m", nil},
		{"数据源不支持", "1s", &fakeResolver{intervals: map[kline.Interval]bool{"1m": true}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &fakeHistory{}
			cfg := baseConfig()
			cfg.Interval = tt.interval
			cfg.BackfillStart = "1970-01-01"
			src := Sources{History: h}
			if tt.resolver != nil {
				src.Resolver = tt.resolver
			}

			f, err := Open(context.Background(), cfg, src)
			require.NoError(t, err, "配置问题不从 Open 返回")
			defer f.Stop()

			assert.Equal(t, PhaseDone, f.Phase())
			_, st := f.Pull()
			assert.Equal(t, StatusFinished, st)
			assert.Zero(t, h.calls())

			n := <-f.Notifications()
			assert.Equal(t, NotifyUnsupportedGranularity, n.Kind)
			var ug *kline.UnsupportedGranularityError
			require.True(t, errors.As(n.Err, &ug))
			assert.Equal(t, tt.interval, ug.Interval)
			assert.Empty(t, notes(f), "只通知一次")
		})
	}
}

func TestFeed_UnknownSymbol(t *testing.T) {
	h := &fakeHistory{}
	cfg := baseConfig()
	cfg.BackfillStart = "1970-01-01"
	res := &fakeResolver{err: &model.UnknownSymbolError{Symbol: "BTCUSDT"}}

	f, err := Open(context.Background(), cfg, Sources{History: h, Resolver: res})
	require.NoError(t, err)
	defer f.Stop()

	assert.Equal(t, PhaseDone, f.Phase())
	n := <-f.Notifications()
	assert.Equal(t, NotifyUnknownSymbol, n.Kind)
	var use *model.UnknownSymbolError
	assert.True(t, errors.As(f.Err(), &use))
	assert.Zero(t, h.calls())
}

func TestFeed_SourceRejectsDuringBackfill(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind NotificationKind
	}{
		{"粒度", &kline.UnsupportedGranularityError{Interval: "1m"}, NotifyUnsupportedGranularity},
		{"交易对", fmt.Errorf("binance: http 400: %w", &model.UnknownSymbolError{Symbol: "BTCUSDT"}), NotifyUnknownSymbol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &fakeHistory{err: tt.err}
			live := &fakeLive{}
			clock, _ := fixedClock(5 * minute)
			cfg := baseConfig()
			cfg.BackfillStart = "1970-01-01"
			cfg.EnableLive = true

			// 没有 Resolver：只能在拉取时发现
			f, err := Open(context.Background(), cfg, Sources{History: h, Live: live}, WithClock(clock))
			require.NoError(t, err, "配置问题不从 Open 返回")
			require.NotNil(t, f)
			defer f.Stop()

			assert.Equal(t, PhaseDone, f.Phase())
			_, st := f.Pull()
			assert.Equal(t, StatusFinished, st)
			assert.Nil(t, live.subscription())
			assert.ErrorIs(t, f.Err(), tt.err)

			assert.Equal(t, []NotificationKind{NotifyDelayed, tt.kind}, notes(f))
		})
	}
}

func TestFeed_NoLiveNotificationAfterFailure(t *testing.T) {
	live := &fakeLive{}
	cfg := baseConfig()
	cfg.EnableLive = true

	f, err := Open(context.Background(), cfg, Sources{Live: live})
	require.NoError(t, err)
	defer f.Stop()
	require.Equal(t, []NotificationKind{NotifyLive}, notes(f))

	f.fail(errUpstream)
	f.mu.Lock()
	f.enterLiveLocked()
	f.mu.Unlock()

	assert.Equal(t, PhaseDone, f.Phase())
	assert.Equal(t, []NotificationKind{NotifyDisconnected}, notes(f))
}

func TestFeed_ResolverTransportError(t *testing.T) {
	cfg := baseConfig()
	f, err := Open(context.Background(), cfg, Sources{Resolver: &fakeResolver{err: errUpstream}})
	assert.Nil(t, f)
	assert.ErrorIs(t, err, errUpstream)
}

func TestFeed_ResolvedSymbolIsUsed(t *testing.T) {
	h := &fakeHistory{}
	live := &fakeLive{}
	clock, _ := fixedClock(2 * minute)
	cfg := baseConfig()
	cfg.Symbol = "btcusdt"
	cfg.BackfillStart = "1970-01-01"
	cfg.EnableLive = true

	f, err := Open(context.Background(), cfg, Sources{History: h, Live: live, Resolver: &fakeResolver{canonical: "BTCUSDT"}}, WithClock(clock))
	require.NoError(t, err)
	defer f.Stop()

	assert.Equal(t, "BTCUSDT", f.Symbol())
	assert.Equal(t, []string{"BTCUSDT"}, h.symbols)
	assert.Equal(t, "BTCUSDT", live.symbol)
}

func TestFeed_LiveErrorEndsFeed(t *testing.T) {
	live := &fakeLive{}
	cfg := baseConfig()
	cfg.EnableLive = true

	f, err := Open(context.Background(), cfg, Sources{Live: live})
	require.NoError(t, err)
	defer f.Stop()

	live.closed(minute)
	live.emit(model.KlineEvent{Kind: model.EventError, Err: errUpstream})
	live.emit(model.KlineEvent{Kind: model.EventError, Err: errUpstream}) // 第二次忽略

	assert.Equal(t, PhaseDone, f.Phase())
	_, st := f.Pull()
	assert.Equal(t, StatusFinished, st)

	var lse *LiveStreamError
	require.True(t, errors.As(f.Err(), &lse))
	assert.ErrorIs(t, f.Err(), errUpstream)
	assert.Equal(t, []NotificationKind{NotifyLive, NotifyDisconnected}, notes(f))

	sub := live.subscription()
	assert.Eventually(t, sub.unsubscribed.Load, time.Second, time.Millisecond)
}

func TestFeed_StopReleasesSubscription(t *testing.T) {
	live := &fakeLive{}
	cfg := baseConfig()
	cfg.EnableLive = true

	f, err := Open(context.Background(), cfg, Sources{Live: live})
	require.NoError(t, err)

	f.Stop()
	f.Stop()
	assert.True(t, live.subscription().unsubscribed.Load())
	assert.Equal(t, PhaseDone, f.Phase())
	_, st := f.Pull()
	assert.Equal(t, StatusFinished, st)

	var kinds []NotificationKind
	for n := range f.Notifications() {
		kinds = append(kinds, n.Kind)
	}
	assert.Equal(t, []NotificationKind{NotifyLive, NotifyDone}, kinds)

	// Stop 之后的推送不会阻塞也不会入队
	live.closed(minute)
	_, st = f.Pull()
	assert.Equal(t, StatusFinished, st)
}

func TestFeed_MalformedRowsSkipped(t *testing.T) {
	h := &fakeHistory{mutate: func(rows []kline.RawKline) []kline.RawKline {
		rows[1].High = "oops"
		rows[2].Low = "100" // low > high
		return rows
	}}
	clock, _ := fixedClock(5 * minute)
	cfg := baseConfig()
	cfg.BackfillStart = "1970-01-01"
	cfg.DropTrailingBucket = false

	f, err := Open(context.Background(), cfg, Sources{History: h}, WithClock(clock))
	require.NoError(t, err)
	defer f.Stop()

	got, _ := drain(t, f)
	assert.Equal(t, []int64{0, 3 * minute, 4 * minute}, got)
}

func TestFeed_CancelMidBackfill(t *testing.T) {
	h := &fakeHistory{block: true}
	clock, _ := fixedClock(10_000 * minute)
	cfg := baseConfig()
	cfg.BackfillStart = "1970-01-01"

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		f   *Feed
		err error
	}
	done := make(chan result, 1)
	go func() {
		f, err := Open(ctx, cfg, Sources{History: h}, WithClock(clock))
		done <- result{f, err}
	}()

	require.Eventually(t, func() bool { return h.calls() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case r := <-done:
		assert.Nil(t, r.f)
		assert.ErrorIs(t, r.err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Open did not return after cancel")
	}
	assert.Equal(t, 1, h.calls(), "取消后不再发新窗口")
}

func TestFeed_ConcurrentLiveAndPull(t *testing.T) {
	live := &fakeLive{}
	cfg := baseConfig()
	cfg.EnableLive = true
	cfg.LiveBuffer = 8 // 小队列，逼出回压

	f, err := Open(context.Background(), cfg, Sources{Live: live})
	require.NoError(t, err)
	defer f.Stop()

	const n = 500
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(1); i <= n; i++ {
			live.closed(i * minute)
			if i%7 == 0 {
				live.closed(i * minute) // 夹杂重复
			}
		}
	}()

	var got []int64
	deadline := time.After(5 * time.Second)
	for len(got) < n {
		r, st := f.Pull()
		switch st {
		case StatusRecord:
			got = append(got, r.OpenTimeMs())
		case StatusPending:
			select {
			case <-deadline:
				t.Fatalf("timed out with %d records", len(got))
			default:
				time.Sleep(time.Microsecond)
			}
		default:
			t.Fatalf("unexpected status %s", st)
		}
	}
	wg.Wait()

	for i := 1; i < len(got); i++ {
		require.Less(t, got[i-1], got[i])
	}
	assert.Equal(t, int64(n)*minute, got[len(got)-1])
}

func TestOpen_InvalidConfig(t *testing.T) {
	_, err := Open(context.Background(), Config{Interval: "1m"}, Sources{})
	assert.ErrorIs(t, err, ErrNoSymbol)

	cfg := baseConfig()
	cfg.BackfillStart = "yesterday"
	_, err = Open(context.Background(), cfg, Sources{History: &fakeHistory{}})
	assert.Error(t, err)

	cfg = baseConfig()
	cfg.BackfillStart = "2024-01-01"
	_, err = Open(context.Background(), cfg, Sources{})
	assert.ErrorIs(t, err, ErrNoHistory)

	cfg = baseConfig()
	cfg.EnableLive = true
	_, err = Open(context.Background(), cfg, Sources{})
	assert.ErrorIs(t, err, ErrNoLive)
}

func TestOpen_SubscribeError(t *testing.T) {
	cfg := baseConfig()
	cfg.EnableLive = true
	_, err := Open(context.Background(), cfg, Sources{Live: &fakeLive{err: errUpstream}})
	assert.ErrorIs(t, err, errUpstream)
}

func TestFeed_ID(t *testing.T) {
	f, err := Open(context.Background(), baseConfig(), Sources{}, WithFeedID("feed-1"))
	require.NoError(t, err)
	defer f.Stop()
	assert.Equal(t, "feed-1", f.ID())

	g, err := Open(context.Background(), baseConfig(), Sources{})
	require.NoError(t, err)
	defer g.Stop()
	assert.Len(t, g.ID(), 36)
}

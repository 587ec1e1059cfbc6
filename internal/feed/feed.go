package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gopherex.com/mdfeed/internal/quotes/datasource/model"
	"gopherex.com/mdfeed/internal/quotes/history"
	"gopherex.com/mdfeed/internal/quotes/kline"
	"gopherex.com/mdfeed/internal/quotes/mdsource"
	"gopherex.com/mdfeed/pkg/logger"
	"gopherex.com/mdfeed/pkg/metrics"
	"gopherex.com/mdfeed/pkg/safe"
)

// SymbolResolver：可选，打开 feed 前校验交易对和粒度
type SymbolResolver interface {
	ResolveSymbol(ctx context.Context, symbol string) (string, error)
	SupportsInterval(iv kline.Interval) bool
}

// Sources：feed 依赖的外部协作方；不需要的可以为 nil
type Sources struct {
	History  history.PageSource
	Live     mdsource.Subscriber
	Resolver SymbolResolver
}

type pageSizer interface {
	MaxPageSize() int
}

type Option func(*Feed)

// WithClock 替换 "now"（回补区间的终点）
func WithClock(now func() time.Time) Option {
	return func(f *Feed) { f.now = now }
}

// WithFetcherOptions 追加到内部 history.Fetcher 上（限流、进度、tracer 等）
func WithFetcherOptions(opts ...history.Option) Option {
	return func(f *Feed) { f.fetchOpts = append(f.fetchOpts, opts...) }
}

func WithFeedID(id string) Option {
	return func(f *Feed) { f.id = id }
}

const notificationBuffer = 16

// Feed：历史回补 + 实时推送合并成一条有序、无重复的 K 线序列
//
// Pull 是非阻塞轮询；推送回调只写 inbox，buffer 和 phase 只在持锁时改。
type Feed struct {
	cfg    Config
	symbol string
	iv     kline.Interval
	src    Sources
	now    func() time.Time
	id     string

	fetchOpts []history.Option
	fetcher   *history.Fetcher

	ctx    context.Context
	cancel context.CancelFunc

	inbox chan kline.Record

	mu          sync.Mutex
	phase       Phase
	buf         *Buffer
	sub         mdsource.Subscription
	err         error
	stopped     bool
	notes       chan Notification
	notesClosed bool
}

// Open 创建 feed 并同步跑完初始阶段（包括整段历史回补）
//
// 回补失败返回 *history.SourceFetchError，feed 已经被拆除。
// 粒度/交易对不被支持属于配置问题：返回一个已经 DONE 的 feed，原因在 Notifications 里。
// 不论是 Resolver 预检发现的，还是回补时数据源报的，处理方式一样。
func Open(ctx context.Context, cfg Config, src Sources, opts ...Option) (*Feed, error) {
	cfg = cfg.withDefaults()
	if cfg.Symbol == "" {
		return nil, ErrNoSymbol
	}
	start, hasStart, err := cfg.StartTime()
	if err != nil {
		return nil, err
	}
	if hasStart && src.History == nil {
		return nil, ErrNoHistory
	}
	if cfg.EnableLive && src.Live == nil {
		return nil, ErrNoLive
	}

	f := &Feed{
		cfg:    cfg,
		symbol: cfg.Symbol,
		iv:     kline.Interval(cfg.Interval),
		src:    src,
		now:    time.Now,
		buf:    NewBuffer(256),
		inbox:  make(chan kline.Record, cfg.LiveBuffer),
		notes:  make(chan Notification, notificationBuffer),
	}
	for _, o := range opts {
		o(f)
	}
	if f.id == "" {
		f.id = uuid.NewString()
	}
	f.ctx, f.cancel = context.WithCancel(logger.WithFeedID(ctx, f.id))

	logger.Info(f.ctx, "feed opening",
		zap.String("symbol", cfg.Symbol),
		zap.String("interval", cfg.Interval),
		zap.Bool("backfill", hasStart),
		zap.Bool("live", cfg.EnableLive),
	)

	done, err := f.checkConfig()
	if err != nil {
		// 校验阶段遇到的是传输错误，不是配置问题
		f.Stop()
		return nil, err
	}
	if done {
		return f, nil
	}

	if !hasStart {
		if !cfg.EnableLive {
			f.finish()
			return f, nil
		}
		if err := f.subscribe(); err != nil {
			f.Stop()
			return nil, err
		}
		f.mu.Lock()
		f.enterLiveLocked()
		f.mu.Unlock()
		return f, nil
	}

	if err := f.backfill(start); err != nil {
		// 数据源在拉取时才报粒度/交易对不支持：和预检一样按配置问题结束
		if kind, ok := configErrorKind(err); ok {
			f.configFailure(kind, err)
			f.release()
			return f, nil
		}
		f.Stop()
		return nil, err
	}
	return f, nil
}

// configErrorKind 错误是否属于配置问题（粒度、交易对），而不是传输失败
func configErrorKind(err error) (NotificationKind, bool) {
	var ug *kline.UnsupportedGranularityError
	if errors.As(err, &ug) {
		return NotifyUnsupportedGranularity, true
	}
	var use *model.UnknownSymbolError
	if errors.As(err, &use) {
		return NotifyUnknownSymbol, true
	}
	return 0, false
}

// release 释放订阅和在途请求，丢掉未交付数据；通知通道保持打开，留给 Stop 关闭
func (f *Feed) release() {
	f.mu.Lock()
	f.buf.Reset()
	sub := f.sub
	f.sub = nil
	f.mu.Unlock()

	f.cancel()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
}

// checkConfig 粒度、交易对校验；done=true 表示 feed 已因配置问题结束。
// err 只用于非配置类错误（比如查询交易对时网络失败）。
func (f *Feed) checkConfig() (done bool, err error) {
	iv, err := kline.ParseInterval(f.cfg.Interval)
	if err == nil && f.src.Resolver != nil && !f.src.Resolver.SupportsInterval(iv) {
		err = &kline.UnsupportedGranularityError{Interval: f.cfg.Interval}
	}
	if err != nil {
		f.configFailure(NotifyUnsupportedGranularity, err)
		return true, nil
	}
	f.iv = iv
	if f.src.History != nil {
		f.fetcher = f.newFetcher()
	}

	if f.src.Resolver == nil {
		return false, nil
	}
	sym, err := f.src.Resolver.ResolveSymbol(f.ctx, f.cfg.Symbol)
	if err != nil {
		if kind, ok := configErrorKind(err); ok {
			f.configFailure(kind, err)
			return true, nil
		}
		return false, err
	}
	f.symbol = sym
	return false, nil
}

func (f *Feed) newFetcher() *history.Fetcher {
	n := f.cfg.MaxRecordsPerRequest
	if ps, ok := f.src.History.(pageSizer); ok && ps.MaxPageSize() > 0 && n > ps.MaxPageSize() {
		n = ps.MaxPageSize()
	}
	opts := []history.Option{
		history.WithMaxPerRequest(n),
		history.WithConcurrency(f.cfg.FetchConcurrency),
		history.WithProgress(func(p history.Progress) {
			logger.Debug(f.ctx, "backfill progress",
				zap.Int("done", p.Done), zap.Int("total", p.Total), zap.String("window", p.Window.String()))
		}),
	}
	return history.NewFetcher(f.src.History, append(opts, f.fetchOpts...)...)
}

func (f *Feed) configFailure(kind NotificationKind, err error) {
	logger.Warn(f.ctx, "feed configuration rejected", zap.String("kind", kind.String()), zap.Error(err))
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.phase == PhaseDone {
		return
	}
	f.err = err
	f.setPhaseLocked(PhaseDone)
	f.notifyLocked(Notification{Kind: kind, Err: err})
}

// backfill 拉 [start, now)，归一化后装进 buffer；start 在未来时区间为空
func (f *Feed) backfill(start time.Time) error {
	f.mu.Lock()
	f.setPhaseLocked(PhaseBackfilling)
	f.notifyLocked(Notification{Kind: NotifyDelayed})
	f.mu.Unlock()

	recs, err := f.fetchRange(start.UnixMilli(), f.now().UnixMilli())
	if err != nil {
		return err
	}
	f.load(recs, "backfill")

	if f.cfg.EnableLive {
		if err := f.subscribe(); err != nil {
			return err
		}
		if f.cfg.CatchUp {
			if err := f.catchUp(start.UnixMilli()); err != nil {
				return err
			}
		}
	}

	f.mu.Lock()
	if f.buf.Len() == 0 {
		f.endBackfillLocked()
	}
	f.mu.Unlock()
	return nil
}

// catchUp 补拉回补结束到订阅生效之间收盘的 K 线；重复的由 buffer 丢弃
func (f *Feed) catchUp(fallbackMs int64) error {
	f.mu.Lock()
	from, ok := f.buf.Last()
	f.mu.Unlock()
	if ok {
		from += f.iv.Ms()
	} else {
		from = fallbackMs
	}
	recs, err := f.fetchRange(from, f.now().UnixMilli())
	if err != nil {
		return err
	}
	f.load(recs, "backfill")
	return nil
}

func (f *Feed) fetchRange(fromMs, toMs int64) ([]kline.Record, error) {
	if fromMs >= toMs {
		logger.Info(f.ctx, "backfill range empty", zap.Int64("from_ms", fromMs), zap.Int64("to_ms", toMs))
		return nil, nil
	}
	raws, err := f.fetcher.FetchAll(f.ctx, f.symbol, f.iv, fromMs, toMs)
	if err != nil {
		return nil, err
	}
	recs := kline.NormalizeBatch(f.iv, raws, func(raw kline.RawKline, err error) {
		metrics.RecordsDroppedTotal.WithLabelValues(f.symbol, string(f.iv), "malformed").Inc()
		logger.Warn(f.ctx, "malformed record skipped", zap.String("open_time", raw.OpenTime), zap.Error(err))
	})
	if f.cfg.DropTrailingBucket && len(recs) > 0 {
		recs = recs[:len(recs)-1]
		metrics.RecordsDroppedTotal.WithLabelValues(f.symbol, string(f.iv), "trailing").Inc()
	}
	logger.Info(f.ctx, "backfill fetched", zap.Int("raw", len(raws)), zap.Int("records", len(recs)))
	return recs, nil
}

func (f *Feed) load(recs []kline.Record, source string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.phase == PhaseDone {
		return
	}
	n := 0
	for _, r := range recs {
		if f.buf.Push(r) {
			n++
			continue
		}
		metrics.RecordsDroppedTotal.WithLabelValues(f.symbol, string(f.iv), "duplicate").Inc()
	}
	metrics.RecordsTotal.WithLabelValues(f.symbol, string(f.iv), source).Add(float64(n))
}

func (f *Feed) subscribe() error {
	sub, err := f.src.Live.Subscribe(f.ctx, f.symbol, f.iv, f.onEvent)
	if err != nil {
		return err
	}
	f.mu.Lock()
	if f.stopped || f.phase == PhaseDone {
		f.mu.Unlock()
		_ = sub.Unsubscribe()
		return f.terminalErr()
	}
	f.sub = sub
	f.mu.Unlock()
	logger.Info(f.ctx, "live subscribed")
	return nil
}

func (f *Feed) terminalErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	return context.Canceled
}

// onEvent 推送回调：只收已收盘的 bucket
func (f *Feed) onEvent(ev model.KlineEvent) {
	switch ev.Kind {
	case model.EventError:
		f.fail(&LiveStreamError{Err: ev.Err})
		return
	case model.EventKline:
	default:
		return
	}
	if !ev.IsClosed {
		metrics.RecordsDroppedTotal.WithLabelValues(f.symbol, string(f.iv), "not_closed").Inc()
		return
	}
	r, err := kline.Normalize(f.iv, ev.Kline)
	if err != nil {
		metrics.RecordsDroppedTotal.WithLabelValues(f.symbol, string(f.iv), "malformed").Inc()
		logger.Warn(f.ctx, "malformed live record skipped", zap.String("open_time", ev.Kline.OpenTime), zap.Error(err))
		return
	}
	select {
	case f.inbox <- r:
	case <-f.ctx.Done():
	}
}

// fail 实时通道终止：DONE，丢弃未交付数据，通知一次
func (f *Feed) fail(err error) {
	f.mu.Lock()
	if f.phase == PhaseDone {
		f.mu.Unlock()
		return
	}
	f.err = err
	f.buf.Reset()
	f.setPhaseLocked(PhaseDone)
	f.notifyLocked(Notification{Kind: NotifyDisconnected, Err: err})
	sub := f.sub
	f.sub = nil
	f.mu.Unlock()

	logger.Error(f.ctx, "live stream failed, feed done", zap.Error(err))
	f.cancel()
	// 回调所在协程就是订阅的转发协程，不能在这里同步等它退出
	if sub != nil {
		safe.GoCtx(f.ctx, func(context.Context) { _ = sub.Unsubscribe() })
	}
}

// Pull 取一根 K 线，从不阻塞
func (f *Feed) Pull() (kline.Record, Status) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.phase {
	case PhaseBackfilling, PhaseLive:
		f.drainInboxLocked()
		if r, ok := f.buf.Pop(); ok {
			if f.phase == PhaseBackfilling && f.buf.Len() == 0 {
				f.endBackfillLocked()
			}
			return r, StatusRecord
		}
		if f.phase == PhaseBackfilling {
			f.endBackfillLocked()
		}
		if f.phase == PhaseLive {
			return kline.Record{}, StatusPending
		}
	}
	return kline.Record{}, StatusFinished
}

func (f *Feed) drainInboxLocked() {
	for {
		select {
		case r := <-f.inbox:
			if f.buf.Push(r) {
				metrics.RecordsTotal.WithLabelValues(f.symbol, string(f.iv), "live").Inc()
			} else {
				metrics.RecordsDroppedTotal.WithLabelValues(f.symbol, string(f.iv), "duplicate").Inc()
			}
		default:
			return
		}
	}
}

// endBackfillLocked 回补数据交付完：有订阅进 LIVE，否则 DONE
func (f *Feed) endBackfillLocked() {
	if f.phase != PhaseBackfilling {
		return
	}
	if f.sub != nil {
		f.enterLiveLocked()
		return
	}
	f.setPhaseLocked(PhaseDone)
	f.notifyLocked(Notification{Kind: NotifyDone})
}

func (f *Feed) enterLiveLocked() {
	// 订阅刚建立就可能被 fail 抢先结束
	if f.phase == PhaseDone {
		return
	}
	f.setPhaseLocked(PhaseLive)
	f.notifyLocked(Notification{Kind: NotifyLive})
}

func (f *Feed) finish() {
	f.mu.Lock()
	f.setPhaseLocked(PhaseDone)
	f.notifyLocked(Notification{Kind: NotifyDone})
	f.mu.Unlock()
}

func (f *Feed) setPhaseLocked(p Phase) {
	if f.phase == p || f.phase == PhaseDone {
		return
	}
	from := f.phase
	f.phase = p
	metrics.SetPhase(f.symbol, f.cfg.Interval, p.String())
	logger.Info(f.ctx, "feed phase changed", zap.Stringer("from", from), zap.Stringer("to", p))
}

func (f *Feed) notifyLocked(n Notification) {
	if f.notesClosed {
		return
	}
	select {
	case f.notes <- n:
	default:
		logger.Warn(f.ctx, "notification dropped", zap.Stringer("kind", n.Kind))
	}
}

// Stop 拆除 feed：取消在途请求、退订、进入 DONE。可重复调用。
func (f *Feed) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	if f.phase != PhaseDone {
		f.setPhaseLocked(PhaseDone)
		f.notifyLocked(Notification{Kind: NotifyDone})
	}
	sub := f.sub
	f.sub = nil
	f.notesClosed = true
	close(f.notes)
	f.mu.Unlock()

	f.cancel()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	logger.Info(f.ctx, "feed stopped")
}

func (f *Feed) Phase() Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phase
}

// IsLive 已进入实时阶段
func (f *Feed) IsLive() bool { return f.Phase() == PhaseLive }

// HasLiveData 实时阶段且有待取数据
func (f *Feed) HasLiveData() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.phase != PhaseLive {
		return false
	}
	f.drainInboxLocked()
	return f.buf.Len() > 0
}

// Notifications Stop 后关闭
func (f *Feed) Notifications() <-chan Notification { return f.notes }

// Err feed 结束的原因（正常结束为 nil）
func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *Feed) ID() string { return f.id }

func (f *Feed) Symbol() string { return f.symbol }

func (f *Feed) Interval() kline.Interval { return f.iv }

// kline-export：把一段历史 K 线拉下来写成 CSV
//
//	kline-export --symbol BTCUSDT --interval 1m --start 2024-01-01 --end 2024-01-02 --out btc.csv
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"gopherex.com/mdfeed/internal/quotes/datasource/binance"
	"gopherex.com/mdfeed/internal/quotes/datasource/coinbase"
	"gopherex.com/mdfeed/internal/quotes/export"
	"gopherex.com/mdfeed/internal/quotes/history"
	"gopherex.com/mdfeed/internal/quotes/kline"
	"gopherex.com/mdfeed/pkg/logger"
)

type options struct {
	Symbol      string
	Interval    string
	Start       string
	End         string
	Source      string
	Out         string
	DropLast    bool
	Limit       int
	Concurrency int
	BaseURL     string
}

type source interface {
	history.PageSource
	MaxPageSize() int
	SupportsInterval(iv kline.Interval) bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Init("kline-export", "warn")
	defer logger.Sync()

	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	out := io.Writer(os.Stdout)
	if opts.Out != "" && opts.Out != "-" {
		fh, err := os.Create(opts.Out)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer fh.Close()
		out = fh
	}

	n, err := run(ctx, opts, newSource(opts), out, os.Stderr)
	if err != nil {
		logger.Error(ctx, "export failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "wrote %d rows\n", n)
}

func parseFlags(args []string, errOut io.Writer) (options, error) {
	var o options
	fs := pflag.NewFlagSet("kline-export", pflag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.StringVar(&o.Symbol, "symbol", "", "trading pair, e.g. BTCUSDT or BTC-USD")
	fs.StringVar(&o.Interval, "interval", "1m", "bucket granularity")
	fs.StringVar(&o.Start, "start", "", "inclusive start (RFC3339 or YYYY-MM-DD, UTC)")
	fs.StringVar(&o.End, "end", "", "exclusive end, default today 00:00 UTC")
	fs.StringVar(&o.Source, "source", "binance", "binance | coinbase")
	fs.StringVarP(&o.Out, "out", "o", "-", "output file, - for stdout")
	fs.BoolVar(&o.DropLast, "drop-last", false, "drop the last (possibly unfinished) bucket")
	fs.IntVar(&o.Limit, "limit", 0, "max records per request, 0 uses the source maximum")
	fs.IntVar(&o.Concurrency, "concurrency", 1, "parallel page requests")
	fs.StringVar(&o.BaseURL, "base-url", "", "override REST base url")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.Symbol == "" {
		return o, errors.New("--symbol is required")
	}
	if o.Start == "" {
		return o, errors.New("--start is required")
	}
	if o.Source != "binance" && o.Source != "coinbase" {
		return o, fmt.Errorf("unknown --source %q", o.Source)
	}
	return o, nil
}

func newSource(o options) source {
	if o.Source == "coinbase" {
		return coinbase.NewClient(coinbase.Config{BaseURL: o.BaseURL})
	}
	return binance.NewClient(binance.RESTConfig{BaseURL: o.BaseURL, MaxRetries: 3})
}

func run(ctx context.Context, o options, src source, out, progress io.Writer) (int, error) {
	iv, err := kline.ParseInterval(o.Interval)
	if err != nil {
		return 0, err
	}
	if !src.SupportsInterval(iv) {
		return 0, &kline.UnsupportedGranularityError{Interval: o.Interval}
	}
	start, err := parseTime(o.Start)
	if err != nil {
		return 0, fmt.Errorf("--start: %w", err)
	}
	end := today(time.Now())
	if o.End != "" {
		if end, err = parseTime(o.End); err != nil {
			return 0, fmt.Errorf("--end: %w", err)
		}
	}

	limit := src.MaxPageSize()
	if o.Limit > 0 && o.Limit < limit {
		limit = o.Limit
	}
	var pmu sync.Mutex
	f := history.NewFetcher(src,
		history.WithMaxPerRequest(limit),
		history.WithConcurrency(o.Concurrency),
		history.WithProgress(func(p history.Progress) {
			pmu.Lock()
			defer pmu.Unlock()
			fmt.Fprintf(progress, "\r%d/%d windows", p.Done, p.Total)
			if p.Done == p.Total {
				fmt.Fprintln(progress)
			}
		}),
	)

	startMs, endMs := start.UnixMilli(), end.UnixMilli()
	if endMs <= startMs {
		return 0, &history.InvalidRangeError{StartMs: startMs, EndMs: endMs}
	}
	raws, err := f.FetchAll(ctx, o.Symbol, iv, startMs, endMs)
	if err != nil {
		return 0, err
	}
	recs := kline.NormalizeBatch(iv, raws, func(raw kline.RawKline, err error) {
		logger.Warn(ctx, "skip malformed row", zap.String("open_time", raw.OpenTime), zap.Error(err))
	})
	if o.DropLast && len(recs) > 0 {
		recs = recs[:len(recs)-1]
	}

	w := export.NewWriter(out)
	if err := w.WriteAll(recs); err != nil {
		return 0, err
	}
	if err := w.Flush(); err != nil {
		return 0, err
	}
	return w.Count(), nil
}

// today 当天 00:00 UTC
func today(now time.Time) time.Time {
	return now.UTC().Truncate(24 * time.Hour)
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q", s)
}

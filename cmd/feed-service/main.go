package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gopherex.com/mdfeed/internal/feed"
	"gopherex.com/mdfeed/internal/quotes/datasource/binance"
	"gopherex.com/mdfeed/internal/quotes/gateway"
	"gopherex.com/mdfeed/internal/quotes/kline"
	"gopherex.com/mdfeed/internal/quotes/storage/influxsink"
	"gopherex.com/mdfeed/internal/quotes/ws"
	"gopherex.com/mdfeed/pkg/config"
	"gopherex.com/mdfeed/pkg/logger"
	"gopherex.com/mdfeed/pkg/metrics"
	"gopherex.com/mdfeed/pkg/safe"
	"gopherex.com/mdfeed/pkg/trace"
)

func main() {
	// ========= 0) 全局上下文 & 优雅退出 =========
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========= 1) 配置 & 日志 =========
	cfg := &Cfg{}
	_, mu, err := config.LoadAndWatch(serviceName, cfg,
		config.WithDefaults(defaults()),
		config.OnChange(func() { logger.SetLevel(cfg.LogLevel) }),
	)
	if err != nil {
		panic(fmt.Sprintf("load config: %+v", err))
	}
	mu.RLock()
	if cfg.LogFile != "" {
		logger.InitWithFile(cfg.Name, cfg.LogLevel, cfg.LogFile)
	} else {
		logger.Init(cfg.Name, cfg.LogLevel)
	}
	// feed 参数只在启动时读取，热更新只影响日志级别
	feedCfg := cfg.Feed
	mu.RUnlock()
	defer logger.Sync()

	metrics.MustRegister()

	// ========= 2) tracing =========
	if cfg.OTel.Enabled {
		shutdownTracer, err := trace.InitTrace(ctx, cfg.Name, cfg.OTel.Addr)
		if err != nil {
			logger.Fatal(ctx, "init tracer error", zap.Error(err))
		}
		defer func() {
			// 最多给 5 秒时间 flush trace
			c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracer(c); err != nil {
				logger.Error(ctx, "shutdown tracer error", zap.Error(err))
			}
		}()
	}

	// ========= 3) 下游 =========
	broker, err := newBroker(cfg)
	if err != nil {
		logger.Fatal(ctx, "init broker error", zap.Error(err))
	}
	defer broker.Close()

	iv := kline.Interval(feedCfg.Interval)
	var pubOpts []gateway.PublisherOption
	if base, quote, ok := binance.SplitSymbol(feedCfg.Symbol); ok {
		pubOpts = append(pubOpts, gateway.WithPair(base, quote))
	}
	pub := gateway.NewRecordPublisher(broker, cfg.Broker.Kind, "binance", feedCfg.Symbol, iv, pubOpts...)
	sinks := []sinkFunc{pub.Publish}

	// ========= 4) metrics + pprof + ws =========
	mux := newMux()
	if cfg.WS.Enabled {
		hub := ws.NewHub()
		mux.HandleFunc(cfg.WS.Path, ws.NewServer(ctx, hub).ServeWS)
		safe.GoCtx(ctx, func(ctx context.Context) {
			if err := ws.Bridge(ctx, hub, broker, []string{pub.Topic()}); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error(ctx, "ws bridge stopped", zap.Error(err))
			}
		})
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}
	safe.Go(func() {
		logger.Info(ctx, "http listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http listen error", zap.Error(err))
		}
	})
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(c)
	}()

	if cfg.Influx.Enabled {
		logger.Info(ctx, "influx sink enabled", zap.String("cfg", cfg.Influx.String()))
		sink := influxsink.New(cfg.Influx, feedCfg.Symbol, iv, "binance")
		in := make(chan kline.Record, feedCfg.LiveBuffer)
		sinkDone := safe.Spawn(ctx, "influx-sink", func(ctx context.Context) {
			if err := sink.Run(ctx, in); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error(ctx, "influx sink stopped", zap.Error(err))
			}
		})
		defer func() {
			close(in)
			<-sinkDone
			sink.Close()
		}()
		sinks = append(sinks, func(ctx context.Context, r kline.Record) error {
			select {
			case in <- r:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}

	// ========= 5) feed =========
	client := binance.NewClient(cfg.Binance.REST)
	f, err := feed.Open(ctx, feedCfg, feed.Sources{
		History:  client,
		Live:     binance.NewStreamer(cfg.Binance.Stream),
		Resolver: client,
	})
	if err != nil {
		logger.Fatal(ctx, "open feed error", zap.Error(err))
	}
	defer f.Stop()

	fctx := logger.WithFeedID(ctx, f.ID())
	safe.GoCtx(fctx, func(ctx context.Context) { watchNotifications(ctx, f.Notifications()) })

	n, err := pump(fctx, f, cfg.PollInterval, sinks...)
	switch {
	case err == nil:
		logger.Info(fctx, "feed finished", zap.Int("records", n), zap.Error(f.Err()))
	case errors.Is(err, context.Canceled):
		logger.Info(fctx, "shutdown signal received", zap.Int("records", n))
	default:
		logger.Error(fctx, "feed pump error", zap.Int("records", n), zap.Error(err))
	}
}

func newMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

func newBroker(cfg *Cfg) (gateway.Broker, error) {
	switch cfg.Broker.Kind {
	case "", "mem":
		return gateway.NewMemBroker(), nil
	case "nats":
		return gateway.NewNatsBroker(cfg.Broker.NATS)
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
	}
}

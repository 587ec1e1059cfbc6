package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mdfeed"

var (
	FeedPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_phase",
			Help:      "Current feed phase (1 for the active phase, 0 otherwise).",
		},
		[]string{"symbol", "interval", "phase"}, // phase: backfilling/live/done
	)

	HistoryWindowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_windows_total",
			Help:      "Total number of history windows fetched.",
		},
		[]string{"symbol", "interval", "status"}, // status: ok/error
	)

	HistoryWindowDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "history_window_duration_seconds",
			Help:      "Latency of a single history window fetch.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"symbol", "interval"},
	)

	RecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Total number of records placed into the feed buffer.",
		},
		[]string{"symbol", "interval", "source"}, // source: backfill/live
	)

	RecordsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_dropped_total",
			Help:      "Total number of records discarded before reaching the buffer.",
		},
		[]string{"symbol", "interval", "reason"}, // reason: malformed/duplicate/not_closed/trailing/overflow
	)

	SourceRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_requests_total",
			Help:      "Total number of requests issued to the upstream market-data source.",
		},
		[]string{"endpoint", "status"},
	)

	RateLimitWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ratelimit_wait_seconds",
			Help:      "Time spent waiting on the request token bucket.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"endpoint"},
	)

	CBRejectTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuitbreaker_reject_total",
			Help:      "Total number of circuit breaker rejections.",
		},
		[]string{"endpoint", "reason"},
	)

	CBState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuitbreaker_state",
			Help:      "Circuit breaker state (0/1).",
		},
		[]string{"endpoint", "state"}, // state: closed/open/half_open
	)

	LiveReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_reconnects_total",
			Help:      "Total number of live stream reconnect attempts.",
		},
		[]string{"source"},
	)

	PublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Total number of records published downstream.",
		},
		[]string{"sink", "status"}, // sink: broker/influx
	)
)

var registerOnce sync.Once

// MustRegister 注册到默认 registry；多次调用只生效一次
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			FeedPhase,
			HistoryWindowsTotal, HistoryWindowDuration,
			RecordsTotal, RecordsDroppedTotal,
			SourceRequestsTotal, RateLimitWaitSeconds,
			CBRejectTotal, CBState,
			LiveReconnectsTotal,
			PublishTotal,
		)
	})
}

var phases = []string{"backfilling", "live", "done"}

// SetPhase 把当前阶段置 1，其余阶段置 0
func SetPhase(symbol, interval, phase string) {
	for _, p := range phases {
		v := 0.0
		if p == phase {
			v = 1
		}
		FeedPhase.WithLabelValues(symbol, interval, p).Set(v)
	}
}

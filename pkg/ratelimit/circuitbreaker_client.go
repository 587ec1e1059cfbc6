package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"gopherex.com/mdfeed/pkg/metrics"
)

type Rule struct {
	// Half-Open 状态允许通过的探测请求数（MaxRequests=0 时库会当作 1）
	MaxRequests uint32

	// Closed 状态计数窗口
	Interval time.Duration

	// Rolling window 每个 bucket 周期（>0 则启用 rolling window；<=0 用 fixed window）
	BucketPeriod time.Duration

	// Open 状态持续时间，到期进入 Half-Open
	Timeout time.Duration

	// 触发熔断条件（两种之一即可）
	TripConsecutiveFailures uint32  // 连续失败阈值
	TripFailureRate         float64 // 失败率阈值（0~1）
	TripMinRequests         uint32  // 失败率计算的最小样本数
}

// StatusCoder：带 HTTP 状态码的错误（上游 API 错误实现它）
type StatusCoder interface {
	StatusCode() int
}

type Manager struct {
	mu sync.RWMutex
	m  map[string]*gobreaker.CircuitBreaker[struct{}]

	defaultRule Rule
	rules       map[string]Rule
}

func NewManager(defaultRule Rule, perEndpoint map[string]Rule) *Manager {
	if defaultRule.MaxRequests == 0 {
		defaultRule.MaxRequests = 5
	}
	if defaultRule.Timeout <= 0 {
		defaultRule.Timeout = 3 * time.Second
	}
	if defaultRule.Interval <= 0 {
		defaultRule.Interval = 10 * time.Second
	}
	if defaultRule.TripConsecutiveFailures == 0 && defaultRule.TripFailureRate == 0 {
		defaultRule.TripConsecutiveFailures = 10
	}
	if defaultRule.TripMinRequests == 0 {
		defaultRule.TripMinRequests = 20
	}

	return &Manager{
		m:           make(map[string]*gobreaker.CircuitBreaker[struct{}], 8),
		defaultRule: defaultRule,
		rules:       perEndpoint,
	}
}

func (m *Manager) Get(endpoint string) *gobreaker.CircuitBreaker[struct{}] {
	// 快路径：读锁
	m.mu.RLock()
	cb := m.m[endpoint]
	m.mu.RUnlock()
	if cb != nil {
		return cb
	}

	// 慢路径：创建
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb = m.m[endpoint]; cb != nil {
		return cb
	}

	rule, ok := m.rules[endpoint]
	if !ok {
		rule = m.defaultRule
	}
	st := gobreaker.Settings{
		Name:         endpoint,
		MaxRequests:  rule.MaxRequests,
		Interval:     rule.Interval,
		BucketPeriod: rule.BucketPeriod,
		Timeout:      rule.Timeout,

		ReadyToTrip: func(c gobreaker.Counts) bool {
			if rule.TripConsecutiveFailures > 0 && c.ConsecutiveFailures >= rule.TripConsecutiveFailures {
				return true
			}
			if rule.TripFailureRate > 0 && c.Requests >= rule.TripMinRequests {
				failRate := float64(c.TotalFailures) / float64(c.Requests)
				return failRate >= rule.TripFailureRate
			}
			return false
		},

		IsSuccessful: isSuccessfulForBreaker,

		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CBState.WithLabelValues(name, from.String()).Set(0)
			metrics.CBState.WithLabelValues(name, to.String()).Set(1)
		},
	}

	cb = gobreaker.NewCircuitBreaker[struct{}](st)
	metrics.CBState.WithLabelValues(endpoint, gobreaker.StateClosed.String()).Set(1)
	m.m[endpoint] = cb
	return cb
}

// Do 在 endpoint 的熔断器里执行 fn；熔断拒绝返回 gobreaker.ErrOpenState / ErrTooManyRequests
func (m *Manager) Do(endpoint string, fn func() error) error {
	_, err := m.Get(endpoint).Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		metrics.CBRejectTotal.WithLabelValues(endpoint, "open").Inc()
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.CBRejectTotal.WithLabelValues(endpoint, "half_open").Inc()
	}
	return err
}

// IsRejected：错误是否来自熔断器本身（而不是上游）
func IsRejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func isSuccessfulForBreaker(err error) bool {
	if err == nil {
		return true
	}
	// 调用方自己取消不代表上游不健康
	if errors.Is(err, context.Canceled) {
		return true
	}

	var sc StatusCoder
	if !errors.As(err, &sc) {
		// 没有状态码：网络/超时/解码错误，按失败计入
		return false
	}

	code := sc.StatusCode()
	switch {
	// 上游限流 / 封禁：计入，让调用方降压
	case code == 429 || code == 418:
		return false
	// 参数错误、交易对不存在等业务错误：不代表依赖不健康
	case code >= 400 && code < 500:
		return true
	default:
		return code < 500
	}
}

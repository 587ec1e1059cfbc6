package binance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gopherex.com/mdfeed/internal/quotes/datasource/model"
	"gopherex.com/mdfeed/internal/quotes/history"
	"gopherex.com/mdfeed/internal/quotes/kline"
	"gopherex.com/mdfeed/pkg/logger"
	"gopherex.com/mdfeed/pkg/metrics"
	"gopherex.com/mdfeed/pkg/ratelimit"
)

// MaxKlinesPerRequest：现货 /api/v3/klines 单次上限
const MaxKlinesPerRequest = 1000

const (
	endpointKlines       = "klines"
	endpointExchangeInfo = "exchangeInfo"

	codeInvalidSymbol = -1121
	maxBodyBytes      = 16 << 20
)

type RESTConfig struct {
	BaseURL           string        `mapstructure:"rest_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BaseBackoff       time.Duration `mapstructure:"base_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
}

func DefaultRESTConfig() RESTConfig {
	return RESTConfig{
		BaseURL:           "https://api.binance.com",
		Timeout:           10 * time.Second,
		RequestsPerSecond: 10,
		Burst:             5,
		MaxRetries:        3,
		BaseBackoff:       500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
	}
}

// APIError：非 2xx 响应；Code/Msg 来自 {"code":-1121,"msg":"Invalid symbol."}
type APIError struct {
	Status     int
	Code       int
	Msg        string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance: http %d: code=%d msg=%s", e.Status, e.Code, e.Msg)
}

func (e *APIError) StatusCode() int { return e.Status }

// Temporary：限流、封禁、服务端错误才值得重试
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status == http.StatusTeapot || e.Status >= 500
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

func WithBreakers(m *ratelimit.Manager) ClientOption {
	return func(c *Client) { c.breakers = m }
}

// Client：Binance 现货 REST（只用公开行情接口，不需要签名）
type Client struct {
	cfg      RESTConfig
	http     *http.Client
	limits   *ratelimit.Store
	breakers *ratelimit.Manager
}

func NewClient(cfg RESTConfig, opts ...ClientOption) *Client {
	def := DefaultRESTConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		limits: ratelimit.NewStore(rate.Limit(cfg.RequestsPerSecond), cfg.Burst, 0),
	}
	for _, o := range opts {
		o(c)
	}
	if c.breakers == nil {
		c.breakers = ratelimit.NewManager(ratelimit.Rule{TripConsecutiveFailures: 5, Timeout: 30 * time.Second}, nil)
	}
	return c
}

func (c *Client) MaxPageSize() int { return MaxKlinesPerRequest }

// FetchPage 拉取 [w.StartMs, w.EndMs) 的 K 线
//
// 交易所的 endTime 是闭区间，这里传 EndMs-1，相邻窗口不会重复返回边界那根。
func (c *Client) FetchPage(ctx context.Context, symbol string, iv kline.Interval, w history.Window) ([]kline.RawKline, error) {
	limit := w.Buckets(iv.Ms())
	if limit < 1 {
		limit = 1
	}
	if limit > MaxKlinesPerRequest {
		limit = MaxKlinesPerRequest
	}
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))
	q.Set("interval", string(iv))
	q.Set("startTime", strconv.FormatInt(w.StartMs, 10))
	q.Set("endTime", strconv.FormatInt(w.EndMs-1, 10))
	q.Set("limit", strconv.FormatInt(limit, 10))

	var rows []model.RawKline
	if err := c.get(ctx, endpointKlines, "/api/v3/klines", q, &rows); err != nil {
		if isInvalidSymbol(err) {
			return nil, fmt.Errorf("%w: %w", &model.UnknownSymbolError{Symbol: symbol}, err)
		}
		return nil, err
	}
	return rows, nil
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol     string `json:"symbol"`
		Status     string `json:"status"`
		BaseAsset  string `json:"baseAsset"`
		QuoteAsset string `json:"quoteAsset"`
	} `json:"symbols"`
}

// ResolveSymbol 校验交易对并返回交易所的规范写法（大写）
func (c *Client) ResolveSymbol(ctx context.Context, symbol string) (string, error) {
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))

	var info exchangeInfo
	if err := c.get(ctx, endpointExchangeInfo, "/api/v3/exchangeInfo", q, &info); err != nil {
		if isInvalidSymbol(err) {
			return "", &model.UnknownSymbolError{Symbol: symbol}
		}
		return "", err
	}
	for _, s := range info.Symbols {
		if strings.EqualFold(s.Symbol, symbol) {
			return s.Symbol, nil
		}
	}
	return "", &model.UnknownSymbolError{Symbol: symbol}
}

// SupportsInterval 现货 kline 支持粒度表里的全部固定时长
func (c *Client) SupportsInterval(iv kline.Interval) bool {
	return iv.Ms() > 0
}

// get：限流 -> 熔断 -> 请求；可重试错误按指数退避重试
func (c *Client) get(ctx context.Context, endpoint, path string, q url.Values, out any) error {
	u := c.cfg.BaseURL + path + "?" + q.Encode()

	for attempt := 0; ; attempt++ {
		if err := c.limits.Wait(ctx, endpoint); err != nil {
			return err
		}

		err := c.breakers.Do(endpoint, func() error {
			return c.once(ctx, endpoint, u, out)
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || ratelimit.IsRejected(err) || !retryable(err) || attempt >= c.cfg.MaxRetries {
			return err
		}

		wait := c.backoff(attempt, err)
		logger.Warn(ctx, "binance request retry",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) once(ctx context.Context, endpoint, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.SourceRequestsTotal.WithLabelValues(endpoint, "error").Inc()
		return err
	}
	defer resp.Body.Close()
	metrics.SourceRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Status: resp.StatusCode, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
		var e struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(body, &e) == nil {
			apiErr.Code, apiErr.Msg = e.Code, e.Msg
		} else {
			apiErr.Msg = strings.TrimSpace(string(body))
		}
		return apiErr
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("binance: decode %s: %w", endpoint, err)
	}
	return nil
}

// backoff：Retry-After 优先，否则 base*2^attempt + jitter，封顶 MaxBackoff
func (c *Client) backoff(attempt int, err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return min(apiErr.RetryAfter, c.cfg.MaxBackoff)
	}
	d := c.cfg.BaseBackoff << min(attempt, 16)
	d += time.Duration(rand.Int63n(int64(d/2 + 1)))
	return min(d, c.cfg.MaxBackoff)
}

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	// 连接被对端重置、EOF 之类
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

func isInvalidSymbol(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == codeInvalidSymbol
}

// Retry-After 只处理秒数形式
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

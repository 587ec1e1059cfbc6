package coinbase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
	"golang.org/x/time/rate"

	"gopherex.com/mdfeed/internal/quotes/datasource/model"
	"gopherex.com/mdfeed/internal/quotes/history"
	"gopherex.com/mdfeed/internal/quotes/kline"
	"gopherex.com/mdfeed/pkg/metrics"
	"gopherex.com/mdfeed/pkg/ratelimit"
)

// MaxCandlesPerRequest：/products/{id}/candles 单次上限
const MaxCandlesPerRequest = 300

const (
	endpointCandles = "coinbase.candles"
	endpointProduct = "coinbase.product"
)

// 只支持这几种粒度（秒）
var granularity = map[kline.Interval]int64{
	"1m":  60,
	"5m":  300,
	"15m": 900,
	"1h":  3600,
	"6h":  21600,
	"1d":  86400,
}

type Config struct {
	BaseURL           string        `mapstructure:"rest_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// APIError：{"message":"NotFound"}
type APIError struct {
	Status int
	Msg    string
}

func (e *APIError) Error() string   { return fmt.Sprintf("coinbase: http %d: %s", e.Status, e.Msg) }
func (e *APIError) StatusCode() int { return e.Status }

// Client：Coinbase Exchange 公开行情 REST（历史 K 线 + 产品查询）
type Client struct {
	baseURL  string
	http     *http.Client
	limits   *ratelimit.Store
	breakers *ratelimit.Manager
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.exchange.coinbase.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 3 // 公开接口 3 req/s
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 3
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		http:     &http.Client{Timeout: cfg.Timeout},
		limits:   ratelimit.NewStore(rate.Limit(cfg.RequestsPerSecond), cfg.Burst, 0),
		breakers: ratelimit.NewManager(ratelimit.Rule{TripConsecutiveFailures: 5, Timeout: 30 * time.Second}, nil),
	}
}

func (c *Client) MaxPageSize() int { return MaxCandlesPerRequest }

func (c *Client) SupportsInterval(iv kline.Interval) bool {
	_, ok := granularity[iv]
	return ok
}

// FetchPage 拉取 [w.StartMs, w.EndMs)；start/end 在接口侧都是闭区间，按秒
func (c *Client) FetchPage(ctx context.Context, symbol string, iv kline.Interval, w history.Window) ([]kline.RawKline, error) {
	g, ok := granularity[iv]
	if !ok {
		return nil, &kline.UnsupportedGranularityError{Interval: string(iv)}
	}
	q := url.Values{}
	q.Set("granularity", strconv.FormatInt(g, 10))
	q.Set("start", time.UnixMilli(w.StartMs).UTC().Format(time.RFC3339))
	q.Set("end", time.UnixMilli(w.EndMs-1000).UTC().Format(time.RFC3339))

	body, err := c.get(ctx, endpointCandles, "/products/"+url.PathEscape(productID(symbol))+"/candles", q)
	if err != nil {
		return nil, c.symbolErr(symbol, err)
	}
	rows, err := ParseCandles(body)
	if err != nil {
		return nil, err
	}
	// 只留窗口内的（接口偶尔会多给边界那根）
	out := rows[:0]
	for _, r := range rows {
		ts, _ := strconv.ParseInt(r.OpenTime, 10, 64)
		if ts >= w.StartMs && ts < w.EndMs {
			out = append(out, r)
		}
	}
	return out, nil
}

// ResolveSymbol BTC-USD / btc-usd -> BTC-USD
func (c *Client) ResolveSymbol(ctx context.Context, symbol string) (string, error) {
	body, err := c.get(ctx, endpointProduct, "/products/"+url.PathEscape(productID(symbol)), nil)
	if err != nil {
		return "", c.symbolErr(symbol, err)
	}
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return "", err
	}
	if p.ID == "" {
		return "", &model.UnknownSymbolError{Symbol: symbol}
	}
	return p.ID, nil
}

func (c *Client) symbolErr(symbol string, err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return fmt.Errorf("%w: %w", &model.UnknownSymbolError{Symbol: symbol}, err)
	}
	return err
}

func (c *Client) get(ctx context.Context, endpoint, path string, q url.Values) ([]byte, error) {
	if err := c.limits.Wait(ctx, endpoint); err != nil {
		return nil, err
	}
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var body []byte
	err := c.breakers.Do(endpoint, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		// Coinbase 要求带 User-Agent
		req.Header.Set("User-Agent", "mdfeed")

		resp, err := c.http.Do(req)
		if err != nil {
			metrics.SourceRequestsTotal.WithLabelValues(endpoint, "error").Inc()
			return err
		}
		defer resp.Body.Close()
		metrics.SourceRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

		b, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode/100 != 2 {
			var e struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(b, &e)
			return &APIError{Status: resp.StatusCode, Msg: e.Message}
		}
		body = b
		return nil
	})
	return body, err
}

// productID 统一成大写的 BASE-QUOTE
func productID(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

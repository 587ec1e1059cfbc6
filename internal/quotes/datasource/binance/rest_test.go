package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopherex.com/mdfeed/internal/quotes/datasource/model"
	"gopherex.com/mdfeed/internal/quotes/history"
	"gopherex.com/mdfeed/internal/quotes/kline"
	"gopherex.com/mdfeed/pkg/ratelimit"
)

func testClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(RESTConfig{
		BaseURL:           srv.URL,
		RequestsPerSecond: 1000,
		Burst:             100,
		MaxRetries:        2,
		BaseBackoff:       time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
	})
	return c, srv
}

func TestClient_FetchPage_Query(t *testing.T) {
	var got http.Header
	var query map[string]string
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		got = r.Header
		query = map[string]string{}
		for k := range r.URL.Query() {
			query[k] = r.URL.Query().Get(k)
		}
		_, _ = w.Write([]byte(`[
			[0,"1.0","2.0","0.5","1.5","10",59999,"15",3,"5","7.5","0"],
			[60000,"1.5","1.6","1.4","1.5","2",119999,"3",1,"1","1.5","0"]
		]`))
	})

	rows, err := c.FetchPage(context.Background(), "btcusdt", "1m", history.Window{StartMs: 0, EndMs: 180_000})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "BTCUSDT", query["symbol"])
	assert.Equal(t, "1m", query["interval"])
	assert.Equal(t, "0", query["startTime"])
	assert.Equal(t, "179999", query["endTime"], "endTime 是闭区间，要减 1")
	assert.Equal(t, "3", query["limit"])
	assert.Equal(t, "application/json", got.Get("Accept"))

	assert.Equal(t, "0", rows[0].OpenTime)
	assert.Equal(t, "59999", rows[0].CloseTime)
	assert.Equal(t, "3", rows[0].NumberOfTrades)
	assert.Equal(t, 12, rows[0].Fields)

	r, err := kline.Normalize("1m", rows[1])
	require.NoError(t, err)
	assert.Equal(t, int64(60000), r.OpenTimeMs())
}

func TestClient_FetchPage_LimitClamped(t *testing.T) {
	var limit string
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		limit = r.URL.Query().Get("limit")
		_, _ = w.Write([]byte(`[]`))
	})
	_, err := c.FetchPage(context.Background(), "BTCUSDT", "1s", history.Window{StartMs: 0, EndMs: 5_000_000})
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(MaxKlinesPerRequest), limit)
	assert.Equal(t, MaxKlinesPerRequest, c.MaxPageSize())
}

func TestClient_RetriesTemporary(t *testing.T) {
	var n atomic.Int32
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch n.Add(1) {
		case 1:
			w.WriteHeader(http.StatusInternalServerError)
		case 2:
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"code":-1003,"msg":"Too many requests"}`))
		default:
			_, _ = w.Write([]byte(`[]`))
		}
	})

	rows, err := c.FetchPage(context.Background(), "BTCUSDT", "1m", history.Window{StartMs: 0, EndMs: 60_000})
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, int32(3), n.Load())
}

func TestClient_GivesUpAfterMaxRetries(t *testing.T) {
	var n atomic.Int32
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		n.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.FetchPage(context.Background(), "BTCUSDT", "1m", history.Window{StartMs: 0, EndMs: 60_000})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode())
	assert.Equal(t, int32(3), n.Load(), "1 次 + 2 次重试")
}

func TestClient_BadRequestNotRetried(t *testing.T) {
	var n atomic.Int32
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		n.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	})

	_, err := c.FetchPage(context.Background(), "NOPE", "1m", history.Window{StartMs: 0, EndMs: 60_000})
	var use *model.UnknownSymbolError
	require.True(t, errors.As(err, &use))
	assert.Equal(t, "NOPE", use.Symbol)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, -1121, apiErr.Code)
	assert.Equal(t, int32(1), n.Load())
}

func TestClient_BreakerOpens(t *testing.T) {
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(RESTConfig{BaseURL: srv.URL, RequestsPerSecond: 1000, Burst: 100, MaxRetries: 0},
		WithBreakers(ratelimit.NewManager(ratelimit.Rule{TripConsecutiveFailures: 2, Timeout: time.Minute}, nil)))

	for i := 0; i < 2; i++ {
		_, err := c.FetchPage(context.Background(), "BTCUSDT", "1m", history.Window{StartMs: 0, EndMs: 60_000})
		require.Error(t, err)
	}
	_, err := c.FetchPage(context.Background(), "BTCUSDT", "1m", history.Window{StartMs: 0, EndMs: 60_000})
	assert.True(t, ratelimit.IsRejected(err))
	assert.Equal(t, int32(2), n.Load())
}

func TestClient_ContextCancel(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.FetchPage(ctx, "BTCUSDT", "1m", history.Window{StartMs: 0, EndMs: 60_000})
	assert.Error(t, err)
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
}

func TestClient_ResolveSymbol(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/exchangeInfo", r.URL.Path)
		if r.URL.Query().Get("symbol") == "BTCUSDT" {
			_, _ = w.Write([]byte(`{"timezone":"UTC","symbols":[{"symbol":"BTCUSDT","status":"TRADING","baseAsset":"BTC","quoteAsset":"USDT"}]}`))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	})

	sym, err := c.ResolveSymbol(context.Background(), "btcusdt")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", sym)

	_, err = c.ResolveSymbol(context.Background(), "XXX")
	var use *model.UnknownSymbolError
	require.True(t, errors.As(err, &use))
	assert.Equal(t, "XXX", use.Symbol)

	assert.True(t, c.SupportsInterval("1m"))
	assert.False(t, c.SupportsInterval("7m"))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("Wed, 21 Oct 2015 07:28:00 GMT"))
}

package influxsink

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopherex.com/mdfeed/internal/quotes/kline"
	"gopherex.com/mdfeed/pkg/metrics"
)

type writeServer struct {
	mu     sync.Mutex
	bodies []string
}

func (w *writeServer) handler(rw http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/v2/write" {
		rw.WriteHeader(http.StatusNotFound)
		return
	}
	b, _ := io.ReadAll(r.Body)
	w.mu.Lock()
	w.bodies = append(w.bodies, string(b))
	w.mu.Unlock()
	rw.WriteHeader(http.StatusNoContent)
}

func (w *writeServer) all() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.Join(w.bodies, "\n")
}

func TestSink_Run(t *testing.T) {
	metrics.MustRegister()
	ws := &writeServer{}
	srv := httptest.NewServer(http.HandlerFunc(ws.handler))
	defer srv.Close()

	s := New(Config{URL: srv.URL, Token: "t", Org: "o", Bucket: "b", BatchSize: 10, FlushInterval: 50 * time.Millisecond},
		"BTCUSDT", "1m", "binance")

	r, err := kline.Normalize("1m", kline.RawKline{
		OpenTime: "1502942400000", Open: "1.5", High: "2", Low: "1", Close: "1.75", Volume: "3",
		CloseTime: "1502942459999", QuoteAssetVolume: "5", NumberOfTrades: "9",
		TakerBuyBaseAssetVolume: "1", TakerBuyQuoteAssetVolume: "2", Ignore: "0", Fields: 12,
	})
	require.NoError(t, err)

	in := make(chan kline.Record, 1)
	in <- r
	close(in)
	require.NoError(t, s.Run(context.Background(), in))
	s.Close()

	assert.Eventually(t, func() bool {
		body := ws.all()
		return strings.Contains(body, "kline,interval=1m,source=binance,symbol=BTCUSDT") &&
			strings.Contains(body, "n=9i") &&
			strings.Contains(body, "o=1.5")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSink_PointWithoutTrades(t *testing.T) {
	s := &Sink{tags: map[string]string{"symbol": "X"}}
	r, err := kline.Normalize("1m", kline.RawKline{OpenTime: "60000", Open: "1", High: "1", Low: "1", Close: "1", Volume: "0", Fields: 6})
	require.NoError(t, err)

	p := s.Point(r)
	assert.Equal(t, "kline", p.Name())
	for _, f := range p.FieldList() {
		assert.NotEqual(t, "n", f.Key)
	}
	assert.Equal(t, int64(60000), p.Time().UnixMilli())
}

// 建好立刻关：错误通道必须在 New 返回前拿到，-race 下不能报
func TestSink_CloseRightAfterNew(t *testing.T) {
	ws := &writeServer{}
	srv := httptest.NewServer(http.HandlerFunc(ws.handler))
	defer srv.Close()

	for i := 0; i < 20; i++ {
		s := New(Config{URL: srv.URL, Token: "t", Org: "o", Bucket: "b"}, "BTCUSDT", "1m", "binance")
		s.Close()
	}
	assert.Empty(t, ws.all())
}

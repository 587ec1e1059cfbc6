package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConf struct {
	Feed struct {
		Symbol     string `mapstructure:"symbol"`
		Interval   string `mapstructure:"interval"`
		LiveBuffer int    `mapstructure:"live_buffer"`
	} `mapstructure:"feed"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

func writeYAML(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name+".yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadAndWatch_DefaultsAndFile(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "feed-test", "feed:\n  symbol: BTCUSDT\n  interval: 1m\n")

	var c testConf
	v, mu, err := LoadAndWatch("feed-test", &c,
		WithPaths(dir),
		WithDefaults(map[string]any{"feed.live_buffer": 1024, "log.level": "info"}),
	)
	require.NoError(t, err)
	require.NotNil(t, v)
	require.NotNil(t, mu)

	assert.Equal(t, "BTCUSDT", c.Feed.Symbol)
	assert.Equal(t, "1m", c.Feed.Interval)
	assert.Equal(t, 1024, c.Feed.LiveBuffer)
	assert.Equal(t, "info", c.Log.Level)
}

func TestLoadAndWatch_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "feed-env", "feed:\n  symbol: BTCUSDT\n")
	t.Setenv("FEED_ENV_FEED_SYMBOL", "ETHUSDT")

	var c testConf
	_, _, err := LoadAndWatch("feed-env", &c, WithPaths(dir))
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", c.Feed.Symbol)
}

func TestLoadAndWatch_Missing(t *testing.T) {
	var c testConf
	_, _, err := LoadAndWatch("does-not-exist", &c, WithPaths(t.TempDir()))
	assert.Error(t, err)
}

func TestLoadAndWatch_Reload(t *testing.T) {
	dir := t.TempDir()
	p := writeYAML(t, dir, "feed-reload", "log:\n  level: info\n")

	changed := make(chan struct{}, 1)
	var c testConf
	_, mu, err := LoadAndWatch("feed-reload", &c, WithPaths(dir), OnChange(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(p, []byte("log:\n  level: debug\n"), 0o644))

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Skip("fsnotify event not delivered on this filesystem")
	}
	mu.RLock()
	defer mu.RUnlock()
	assert.Equal(t, "debug", c.Log.Level)
}

func TestEnvPrefix(t *testing.T) {
	assert.Equal(t, "FEED_SERVICE", envPrefix("feed-service"))
	assert.Equal(t, "KLINE", envPrefix("kline"))
}

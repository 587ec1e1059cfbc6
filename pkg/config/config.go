package config

import (
	"context"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopherex.com/mdfeed/pkg/logger"
)

type options struct {
	paths    []string
	defaults map[string]any
	onChange func()
}

type Option func(*options)

// WithPaths 覆盖默认的查找目录（./config, .）
func WithPaths(paths ...string) Option {
	return func(o *options) { o.paths = paths }
}

// WithDefaults 预置默认值，key 用 viper 的点号路径，例如 "feed.live_buffer"
func WithDefaults(d map[string]any) Option {
	return func(o *options) { o.defaults = d }
}

// OnChange 每次热更新成功后回调（在 viper 的 watcher 协程里执行）
func OnChange(fn func()) Option {
	return func(o *options) { o.onChange = fn }
}

// LoadAndWatch 读取 config/{service}.yaml 到 out 并监听变更
//
// 返回的 locker 在热更新写 out 时被持有；并发读 out 的调用方应先 RLock。
func LoadAndWatch(service string, out interface{}, opts ...Option) (*viper.Viper, *sync.RWMutex, error) {
	o := options{paths: []string{"./config", "."}}
	for _, opt := range opts {
		opt(&o)
	}

	v := viper.New()
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	for _, p := range o.paths {
		v.AddConfigPath(p)
	}
	for k, val := range o.defaults {
		v.SetDefault(k, val)
	}

	// 环境变量覆盖，例如：
	//   FEED_SERVICE_FEED_SYMBOL 覆盖 feed.symbol
	//   FEED_SERVICE_BINANCE_REST_URL 覆盖 binance.rest_url
	v.SetEnvPrefix(envPrefix(service))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, nil, err
	}
	if err := v.Unmarshal(out); err != nil {
		return nil, nil, err
	}

	ctx := context.Background()
	logger.Info(ctx, "config loaded", zap.String("service", service), zap.String("file", v.ConfigFileUsed()))

	mu := &sync.RWMutex{}
	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info(ctx, "config file changed", zap.String("service", service), zap.String("file", e.Name))

		mu.Lock()
		err := v.Unmarshal(out)
		mu.Unlock()
		if err != nil {
			logger.Error(ctx, "reload config error", zap.String("service", service), zap.Error(err))
			return
		}
		logger.Info(ctx, "config reloaded OK", zap.String("service", service))
		if o.onChange != nil {
			o.onChange()
		}
	})
	v.WatchConfig()

	return v, mu, nil
}

// feed-service -> FEED_SERVICE
func envPrefix(service string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(service))
}

package config

import (
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	pkgconfig "gopherex.com/booksync/pkg/config"
	"gopherex.com/booksync/pkg/logger"
)

const ServiceName = "booksync"

// 总配置
type Config struct {
	Name        string        `mapstructure:"name" yaml:"name"`
	ProductID   string        `mapstructure:"product_id" yaml:"product_id"`
	APIURL      string        `mapstructure:"api_url" yaml:"api_url"`
	WSURL       string        `mapstructure:"ws_url" yaml:"ws_url"`
	Auth        AuthConfig    `mapstructure:"auth" yaml:"auth"`
	Resync      ResyncConfig  `mapstructure:"resync" yaml:"resync"`
	Snapshot    SnapshotCfg   `mapstructure:"snapshot" yaml:"snapshot"`
	Notify      NotifyConfig  `mapstructure:"notify" yaml:"notify"`
	HTTP        HTTPConfig    `mapstructure:"http" yaml:"http"`
	MetricsAddr string        `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	Log         LogConfig     `mapstructure:"log" yaml:"log"`
	Trace       TraceConfig   `mapstructure:"trace" yaml:"trace"`
	Feed        FeedConfig    `mapstructure:"feed" yaml:"feed"`
	Shutdown    time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// 有 key 就走带签名的快照接口
type AuthConfig struct {
	Key        string `mapstructure:"key" yaml:"key"`
	Secret     string `mapstructure:"secret" yaml:"secret"`
	Passphrase string `mapstructure:"passphrase" yaml:"passphrase"`
}

func (a AuthConfig) Enabled() bool { return a.Key != "" }

type ResyncConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff" yaml:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
}

type SnapshotCfg struct {
	Rate    float64       `mapstructure:"rate" yaml:"rate"`
	Burst   int           `mapstructure:"burst" yaml:"burst"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type NotifyConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // memory | nats | redis
	URL    string `mapstructure:"url" yaml:"url"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file"`
}

type TraceConfig struct {
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"` // "" 关闭, "stdout" 打印, 其它当 OTLP gRPC 地址
}

type FeedConfig struct {
	Channel  string        `mapstructure:"channel" yaml:"channel"`
	PongWait time.Duration `mapstructure:"pong_wait" yaml:"pong_wait"`
}

func Defaults() map[string]any {
	return map[string]any{
		"name":                 ServiceName,
		"product_id":           "BTC-USD",
		"api_url":              "https://api.exchange.coinbase.com",
		"ws_url":               "wss://ws-feed.exchange.coinbase.com",
		"auth.key":             "",
		"auth.secret":          "",
		"auth.passphrase":      "",
		"resync.max_attempts":  5,
		"resync.base_backoff":  500 * time.Millisecond,
		"resync.max_backoff":   10 * time.Second,
		"snapshot.rate":        1.0,
		"snapshot.burst":       2,
		"snapshot.timeout":     15 * time.Second,
		"notify.driver":        "memory",
		"notify.url":           "",
		"http.addr":            ":8080",
		"metrics_addr":         ":9100",
		"log.level":            "info",
		"log.file":             "",
		"trace.endpoint":       "",
		"feed.channel":         "full",
		"feed.pong_wait":       60 * time.Second,
		"shutdown_timeout":     5 * time.Second,
	}
}

// Load 读取 config/booksync.yaml + BOOKSYNC_* 环境变量。
// 返回的 Config 加载后只读；文件变更只热改 log.level，其余字段要重启才生效
func Load(paths ...string) (*Config, error) {
	var cfg Config
	if _, err := pkgconfig.LoadAndWatch(ServiceName, &cfg, pkgconfig.Options{
		Paths:    paths,
		Defaults: Defaults(),
		OnChange: func(v *viper.Viper) { reload(v, cfg.Log.Level) },
	}); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// reload 解到新的 Config 上，只把日志级别应用出去
func reload(v *viper.Viper, loaded string) {
	var fresh Config
	if err := v.Unmarshal(&fresh); err != nil {
		logger.Log.Warn("reload config failed", zap.Error(err))
		return
	}
	if err := logger.SetLevel(fresh.Log.Level); err != nil {
		logger.Log.Warn("ignore invalid log.level", zap.String("level", fresh.Log.Level), zap.Error(err))
		return
	}
	logger.Log.Info("log level reloaded", zap.String("loaded", loaded), zap.String("level", fresh.Log.Level))
}

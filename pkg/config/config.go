package config

import (
	"errors"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopherex.com/booksync/pkg/logger"
)

// Options 控制配置加载
type Options struct {
	// 额外的搜索目录，默认 ./config 和 .
	Paths []string
	// 代码里的默认值，key 用点号路径，例如 "resync.max_attempts"
	Defaults map[string]any
	// 没有配置文件时是否报错；false 时只用默认值 + 环境变量
	RequireFile bool
	// 文件变更后的回调。out 不会被改写，需要热更新的字段由调用方自己从 v 里解出来
	OnChange func(v *viper.Viper)
}

// LoadAndWatch 约定读取 config/{service}.yaml，环境变量覆盖：
//
//	BOOKSYNC_PRODUCT_ID   覆盖 product_id
//	BOOKSYNC_AUTH_KEY     覆盖 auth.key
func LoadAndWatch(service string, out interface{}, opt Options) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	paths := opt.Paths
	if len(paths) == 0 {
		paths = []string{"./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	for k, val := range opt.Defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(strings.ToUpper(service))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || opt.RequireFile {
			return nil, err
		}
		fileLoaded = false
	}

	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}

	if !fileLoaded {
		logger.Log.Info("config file not found, using defaults and env", zap.String("service", service))
		return v, nil
	}
	logger.Log.Info("config loaded", zap.String("service", service), zap.String("file", v.ConfigFileUsed()))

	// 没有 OnChange 就不监听；out 在别的 goroutine 上被读，这里绝不回写
	if opt.OnChange == nil {
		return v, nil
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Log.Info("config file changed", zap.String("file", e.Name))
		opt.OnChange(v)
	})
	v.WatchConfig()

	return v, nil
}

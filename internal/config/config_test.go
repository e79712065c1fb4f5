package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"gopherex.com/booksync/pkg/logger"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "BTC-USD", cfg.ProductID)
	assert.Equal(t, "https://api.exchange.coinbase.com", cfg.APIURL)
	assert.Equal(t, "wss://ws-feed.exchange.coinbase.com", cfg.WSURL)
	assert.False(t, cfg.Auth.Enabled())
	assert.Equal(t, 5, cfg.Resync.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Resync.BaseBackoff)
	assert.Equal(t, "memory", cfg.Notify.Driver)
	assert.Equal(t, "full", cfg.Feed.Channel)
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`
product_id: ETH-USD
auth:
  key: k1
  secret: c2VjcmV0
  passphrase: pp
resync:
  max_attempts: 9
  base_backoff: 1s
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ServiceName+".yaml"), yaml, 0o644))
	t.Setenv("BOOKSYNC_NOTIFY_DRIVER", "nats")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "ETH-USD", cfg.ProductID)
	assert.True(t, cfg.Auth.Enabled())
	assert.Equal(t, "pp", cfg.Auth.Passphrase)
	assert.Equal(t, 9, cfg.Resync.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Resync.BaseBackoff)
	assert.Equal(t, "nats", cfg.Notify.Driver)
	// 没写的字段走默认值
	assert.Equal(t, 10*time.Second, cfg.Resync.MaxBackoff)
}

// 文件变更只热改日志级别，已加载的 Config 不能被后台 goroutine 改写
func TestLoad_ReloadOnlyTouchesLogLevel(t *testing.T) {
	prev := logger.Level()
	t.Cleanup(func() { _ = logger.SetLevel(prev.String()) })

	dir := t.TempDir()
	file := filepath.Join(dir, ServiceName+".yaml")
	require.NoError(t, os.WriteFile(file, []byte("product_id: ETH-USD\nshutdown_timeout: 2s\nlog:\n  level: info\n"), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				_ = cfg.ProductID
				_ = cfg.Shutdown
			}
		}
	}()

	require.NoError(t, os.WriteFile(file, []byte("product_id: SOL-USD\nshutdown_timeout: 9s\nlog:\n  level: debug\n"), 0o644))
	assert.Eventually(t, func() bool { return logger.Level() == zapcore.DebugLevel }, 3*time.Second, 20*time.Millisecond)

	close(stop)
	<-done
	assert.Equal(t, "ETH-USD", cfg.ProductID)
	assert.Equal(t, 2*time.Second, cfg.Shutdown)
}

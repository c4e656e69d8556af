package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
telegram:
  token: "123:abc"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, RunModeLongpoll, cfg.Telegram.RunMode)
	assert.Equal(t, "menu.yaml", cfg.Menu.Path)
	assert.Equal(t, 50, cfg.Session.HistoryLimit)
	assert.Equal(t, 3, cfg.Session.SaveRetries)
	assert.Equal(t, LockerMemory, cfg.Session.Locker)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, 32, cfg.Pipeline.QueueSize)
	assert.Equal(t, 120, cfg.Pipeline.TimeoutSeconds)
	assert.Equal(t, "ffmpeg", cfg.Pipeline.Binary)
	assert.Equal(t, ".wav", cfg.Pipeline.OutputExt)
}

func TestLoadRequiresToken(t *testing.T) {
	path := writeConfig(t, `
telegram:
  run_mode: longpoll
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "token")
}

func TestNormalizeWebhookRequiresURL(t *testing.T) {
	cfg := &Config{}
	cfg.Telegram.Token = "123:abc"
	cfg.Telegram.RunMode = RunModeWebhook
	assert.ErrorContains(t, Normalize(cfg), "webhook.url")
}

func TestNormalizeRejectsUnknownLocker(t *testing.T) {
	cfg := &Config{}
	cfg.Telegram.Token = "123:abc"
	cfg.Session.Locker = "zookeeper"
	assert.ErrorContains(t, Normalize(cfg), "locker")
}

func TestNormalizeRedisLockerRequiresAddr(t *testing.T) {
	cfg := &Config{}
	cfg.Telegram.Token = "123:abc"
	cfg.Session.Locker = LockerRedis
	assert.ErrorContains(t, Normalize(cfg), "redis_addr")
}

func TestNormalizeDotsOutputExt(t *testing.T) {
	cfg := &Config{}
	cfg.Telegram.Token = "123:abc"
	cfg.Pipeline.OutputExt = "mp3"
	require.NoError(t, Normalize(cfg))
	assert.Equal(t, ".mp3", cfg.Pipeline.OutputExt)
}

func TestNormalizeAcceptsPollingAlias(t *testing.T) {
	cfg := &Config{}
	cfg.Telegram.Token = "123:abc"
	cfg.Telegram.RunMode = "polling"
	require.NoError(t, Normalize(cfg))
	assert.Equal(t, RunModeLongpoll, cfg.Telegram.RunMode)
}

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// TelegramConfig holds Telegram bot related settings.
type TelegramConfig struct {
	Token   string `yaml:"token" envconfig:"BOT_TOKEN"`
	RunMode string `yaml:"run_mode" envconfig:"TELEGRAM_RUN_MODE"`
	// LongPollTimeoutSeconds defines long polling timeout; 0 -> default
	LongPollTimeoutSeconds int `yaml:"longpoll_timeout_seconds" envconfig:"TELEGRAM_LONGPOLL_TIMEOUT_SECONDS"`
}

// WebhookConfig specifies webhook settings.
type WebhookConfig struct {
	URL    string `yaml:"url" envconfig:"WEBHOOK_URL"`
	Listen string `yaml:"listen" envconfig:"WEBHOOK_LISTEN"`
	Port   int    `yaml:"port" envconfig:"WEBHOOK_PORT"`
}

// LoggingConfig defines logging related configuration.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	KeysOrder string `yaml:"keys_order"`
	Dir       string `yaml:"dir"`
	BotFile   string `yaml:"bot_file"`
	// Profile indicates environment profile such as "debug" or "prod".
	Profile string `yaml:"profile"`
}

// RateLimitConfig holds settings for per-user inbound rate limiting.
type RateLimitConfig struct {
	IntervalMS int `yaml:"interval_ms" envconfig:"RATE_LIMIT_INTERVAL_MS"`
}

// MenuConfig points at the menu definition file loaded into the registry at startup.
type MenuConfig struct {
	Path string `yaml:"path" envconfig:"MENU_PATH"`
}

const (
	// LockerMemory selects the in-process keyed mutex.
	LockerMemory = "memory"
	// LockerRedis selects the Redis lease locker for multi-instance deployments.
	LockerRedis = "redis"
)

// SessionConfig tunes the conversation state machine.
type SessionConfig struct {
	// HistoryLimit bounds back-navigation history; oldest entries are dropped first.
	HistoryLimit int `yaml:"history_limit" envconfig:"SESSION_HISTORY_LIMIT"`
	// SaveRetries bounds reload-and-reapply attempts on optimistic version conflicts.
	SaveRetries int    `yaml:"save_retries" envconfig:"SESSION_SAVE_RETRIES"`
	Locker      string `yaml:"locker" envconfig:"SESSION_LOCKER"`
	RedisAddr   string `yaml:"redis_addr" envconfig:"SESSION_REDIS_ADDR"`
	// LockTTLMS bounds a single Redis lock lease; ignored by the memory locker.
	LockTTLMS int `yaml:"lock_ttl_ms" envconfig:"SESSION_LOCK_TTL_MS"`
}

// PipelineConfig tunes the media transcoding pipeline.
type PipelineConfig struct {
	Workers        int      `yaml:"workers" envconfig:"PIPELINE_WORKERS"`
	QueueSize      int      `yaml:"queue_size" envconfig:"PIPELINE_QUEUE_SIZE"`
	TimeoutSeconds int      `yaml:"timeout_seconds" envconfig:"PIPELINE_TIMEOUT_SECONDS"`
	MaxRetries     int      `yaml:"max_retries" envconfig:"PIPELINE_MAX_RETRIES"`
	BackoffMS      int      `yaml:"backoff_ms" envconfig:"PIPELINE_BACKOFF_MS"`
	Binary         string   `yaml:"binary" envconfig:"PIPELINE_BINARY"`
	WorkDir        string   `yaml:"work_dir" envconfig:"PIPELINE_WORK_DIR"`
	OutputExt      string   `yaml:"output_ext" envconfig:"PIPELINE_OUTPUT_EXT"`
	FormatArgs     []string `yaml:"format_args"`
}

const (
	// RunModeWebhook selects webhook mode for Telegram updates.
	RunModeWebhook = "webhook"
	// RunModeLongpoll selects long-polling mode for Telegram updates.
	RunModeLongpoll = "longpoll"
)

// Config aggregates the configuration consumed by the core and the bot.
// Database settings live in core/database and are aggregated by the entry point.
type Config struct {
	Telegram  TelegramConfig  `yaml:"telegram"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Logging   LoggingConfig   `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Menu      MenuConfig      `yaml:"menu"`
	Session   SessionConfig   `yaml:"session"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
}

// Load reads configuration from a YAML file and environment variables.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}

	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize validates required configuration fields and fills in defaults.
func Normalize(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}

	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram token is required")
	}

	rm := strings.ToLower(strings.TrimSpace(cfg.Telegram.RunMode))
	if rm == "" {
		rm = RunModeLongpoll
	}
	if rm == "polling" { // accept alias
		rm = RunModeLongpoll
	}
	switch rm {
	case RunModeWebhook:
		if strings.TrimSpace(cfg.Webhook.URL) == "" {
			return fmt.Errorf("webhook.url is required when telegram.run_mode is 'webhook'")
		}
		if strings.TrimSpace(cfg.Webhook.Listen) == "" {
			return fmt.Errorf("webhook.listen is required when telegram.run_mode is 'webhook'")
		}
		if cfg.Webhook.Port <= 0 {
			return fmt.Errorf("webhook.port must be > 0 when telegram.run_mode is 'webhook'")
		}
	case RunModeLongpoll:
		if cfg.Telegram.LongPollTimeoutSeconds < 0 {
			return fmt.Errorf("telegram.longpoll_timeout_seconds must be >= 0")
		}
	default:
		return fmt.Errorf("invalid telegram.run_mode %q; allowed: webhook, longpoll", cfg.Telegram.RunMode)
	}
	cfg.Telegram.RunMode = rm

	if strings.TrimSpace(cfg.Menu.Path) == "" {
		cfg.Menu.Path = "menu.yaml"
	}

	if cfg.Session.HistoryLimit <= 0 {
		cfg.Session.HistoryLimit = 50
	}
	if cfg.Session.SaveRetries <= 0 {
		cfg.Session.SaveRetries = 3
	}
	locker := strings.ToLower(strings.TrimSpace(cfg.Session.Locker))
	if locker == "" {
		locker = LockerMemory
	}
	switch locker {
	case LockerMemory:
	case LockerRedis:
		if strings.TrimSpace(cfg.Session.RedisAddr) == "" {
			return fmt.Errorf("session.redis_addr is required when session.locker is 'redis'")
		}
	default:
		return fmt.Errorf("invalid session.locker %q; allowed: memory, redis", cfg.Session.Locker)
	}
	cfg.Session.Locker = locker
	if cfg.Session.LockTTLMS <= 0 {
		cfg.Session.LockTTLMS = 30_000
	}

	if cfg.Pipeline.Workers <= 0 {
		cfg.Pipeline.Workers = 4
	}
	if cfg.Pipeline.QueueSize <= 0 {
		cfg.Pipeline.QueueSize = 32
	}
	if cfg.Pipeline.TimeoutSeconds <= 0 {
		cfg.Pipeline.TimeoutSeconds = 120
	}
	if cfg.Pipeline.MaxRetries < 0 {
		cfg.Pipeline.MaxRetries = 2
	}
	if cfg.Pipeline.BackoffMS <= 0 {
		cfg.Pipeline.BackoffMS = 500
	}
	if strings.TrimSpace(cfg.Pipeline.Binary) == "" {
		cfg.Pipeline.Binary = "ffmpeg"
	}
	if strings.TrimSpace(cfg.Pipeline.WorkDir) == "" {
		cfg.Pipeline.WorkDir = os.TempDir()
	}
	if strings.TrimSpace(cfg.Pipeline.OutputExt) == "" {
		cfg.Pipeline.OutputExt = ".wav"
	}
	if !strings.HasPrefix(cfg.Pipeline.OutputExt, ".") {
		cfg.Pipeline.OutputExt = "." + cfg.Pipeline.OutputExt
	}

	return nil
}

// Command menubot runs the Telegram menu bot: a YAML-defined menu graph,
// a per-user conversation state machine, and an ffmpeg-backed media pipeline.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/kelseyhightower/envconfig"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/m3rciful/menubot/core/bootstrap"
	"github.com/m3rciful/menubot/core/buildinfo"
	coreconfig "github.com/m3rciful/menubot/core/config"
	coredatabase "github.com/m3rciful/menubot/core/database"
	"github.com/m3rciful/menubot/core/logger"
	"github.com/m3rciful/menubot/internal/bot"
	"github.com/m3rciful/menubot/internal/lock"
	"github.com/m3rciful/menubot/internal/menu"
	"github.com/m3rciful/menubot/internal/pipeline"
	"github.com/m3rciful/menubot/internal/session"
	"github.com/m3rciful/menubot/internal/storage"
)

// appConfig aggregates the core configuration with the database section.
// An empty database host selects the in-memory store for local runs.
type appConfig struct {
	coreconfig.Config
	Database coredatabase.Config
}

// loadConfig delegates the core sections to config.Load and reads the
// database section, which lives in core/database, from the same file.
func loadConfig() (*appConfig, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}

	core, err := coreconfig.Load(path)
	if err != nil {
		return nil, err
	}
	cfg := &appConfig{Config: *core}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var extra struct {
		Database coredatabase.Config `yaml:"database"`
	}
	if err := yaml.Unmarshal(data, &extra); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Database = extra.Database
	if err := envconfig.Process("", &cfg.Database); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("menubot: %v", err)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	startedAt := time.Now()

	var store interface {
		session.Store
		pipeline.Store
	}
	if cfg.Database.Host != "" {
		res, err := bootstrap.Run(bootstrap.Options{
			Config:   &cfg.Config,
			Database: cfg.Database,
		})
		if err != nil {
			return err
		}
		defer res.DB.Close()
		store = storage.NewPostgres(res.DB)
	} else {
		if err := logger.InitLogger(&cfg.Config); err != nil {
			return err
		}
		logger.Warn(logger.Background(), "app", "storage.memory",
			slog.String("mode", "memory"),
		)
		store = storage.NewMemory()
	}
	defer func() {
		if err := logger.Shutdown(); err != nil {
			log.Printf("logger shutdown error: %v", err)
		}
	}()

	registry, err := menu.Load(cfg.Menu.Path)
	if err != nil {
		return err
	}
	logger.Info(logger.Background(), "app", "menu.loaded",
		slog.String("files", cfg.Menu.Path),
		slog.Int("nodes", registry.Len()),
	)

	var locker lock.Locker
	if cfg.Session.Locker == coreconfig.LockerRedis {
		client := redis.NewClient(&redis.Options{Addr: cfg.Session.RedisAddr})
		defer client.Close()
		locker = lock.NewRedis(client, time.Duration(cfg.Session.LockTTLMS)*time.Millisecond)
	} else {
		locker = lock.NewKeyed()
	}

	jobs := pipeline.New(pipeline.Options{
		Workers:    cfg.Pipeline.Workers,
		QueueSize:  cfg.Pipeline.QueueSize,
		Timeout:    time.Duration(cfg.Pipeline.TimeoutSeconds) * time.Second,
		MaxRetries: cfg.Pipeline.MaxRetries,
		Backoff:    time.Duration(cfg.Pipeline.BackoffMS) * time.Millisecond,
		Binary:     cfg.Pipeline.Binary,
		WorkDir:    cfg.Pipeline.WorkDir,
		OutputExt:  cfg.Pipeline.OutputExt,
		FormatArgs: cfg.Pipeline.FormatArgs,
	}, store)
	defer jobs.Close()

	machine := session.NewMachine(registry, store, jobs, locker, session.MachineConfig{
		HistoryLimit: cfg.Session.HistoryLimit,
		SaveRetries:  cfg.Session.SaveRetries,
	})

	tgbot, err := bot.New(bot.Options{
		Config:  &cfg.Config,
		Machine: machine,
	})
	if err != nil {
		return err
	}

	jobs.SetNotify(func(ctx context.Context, done pipeline.Completion) {
		reply, deliver, err := machine.CompleteJob(ctx, done.UserID, session.JobResult{
			JobID:     done.JobID,
			OutputRef: done.OutputRef,
			Err:       done.Err,
		})
		if err != nil {
			logger.Error(ctx, "app", "completion.fail",
				slog.Int64("user_id", done.UserID),
				slog.String("job_id", done.JobID),
				slog.String("err", err.Error()),
			)
			return
		}
		if !deliver {
			return
		}
		outputRef := ""
		if done.Status == pipeline.StatusDone {
			outputRef = done.OutputRef
		}
		tgbot.NotifyCompletion(ctx, done.UserID, reply, outputRef)
	})

	logger.Info(logger.Background(), "app", "ready",
		slog.String("version", buildinfo.Version),
		slog.Duration("duration", logger.RoundMS(time.Since(startedAt))),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return tgbot.Run(ctx)
}

package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ctrlbot/internal/config"
	"ctrlbot/internal/storage"
	"ctrlbot/internal/task/cleanup"
	"ctrlbot/internal/task/scheduler"
	"ctrlbot/internal/transport/telegram"
	"ctrlbot/pkg/logx"
)

// validateConfig is installed as the config manager validator, so a bad
// hot-reload is rejected before it is committed.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapCleanupConfig(cfg); err != nil {
		return err
	}
	return nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapTelegramConfig(cfg *config.Config) telegram.Config {
	return telegram.Config{
		Token:           strings.TrimSpace(cfg.Telegram.Token),
		RatePerSec:      cfg.Telegram.RatePerSec,
		NotifyRequester: cfg.Telegram.NotifyRequesterOrDefault(),
		APIURL:          strings.TrimSpace(cfg.Telegram.APIURL),
	}
}

// MapStorageConfig converts the storage section. Exported for the CLI, which
// opens the store without starting the daemon.
func MapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := sc.BusyTimeoutDuration()
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	if (driver == "" || driver == "sqlite" || driver == "sqlite3") && path == "" {
		path = "./data/ctrlbot.db"
	}
	return storage.Config{
		Driver:      driver,
		Path:        path,
		BusyTimeout: busy,
		Redis: storage.RedisConfig{
			Addr:     strings.TrimSpace(sc.Redis.Addr),
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Prefix:   strings.TrimSpace(sc.Redis.Prefix),
		},
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	loc, err := scheduler.ParseLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("scheduler.timezone: %w", err)
	}
	tm, err := cfg.Scheduler.Timings()
	if err != nil {
		return scheduler.Config{}, err
	}
	daily := strings.TrimSpace(cfg.Scheduler.DailyRearm)
	if err := scheduler.ValidateCron(daily); err != nil {
		return scheduler.Config{}, fmt.Errorf("scheduler.daily_rearm: %w", err)
	}
	return scheduler.Config{
		CoarseInterval:    tm.CoarseInterval,
		NearTimeThreshold: tm.NearTimeThreshold,
		FailureRetryDelay: tm.FailureRetryDelay,
		DailyRearm:        daily,
		Location:          loc,
		ExecuteTimeout:    tm.ExecuteTimeout,
		StoreTimeout:      tm.StoreTimeout,
		MaxAttempts:       cfg.Scheduler.MaxAttempts,
		AbandonPermanent:  cfg.Scheduler.AbandonPermanent,
	}, nil
}

func mapCleanupConfig(cfg *config.Config) (cleanup.Config, error) {
	retention, err := cfg.Cleanup.RetentionDuration()
	if err != nil {
		return cleanup.Config{}, err
	}
	loc, err := scheduler.ParseLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return cleanup.Config{}, fmt.Errorf("scheduler.timezone: %w", err)
	}
	schedule := strings.TrimSpace(cfg.Cleanup.Schedule)
	if schedule == "-" {
		return cleanup.Config{}, fmt.Errorf("cleanup.schedule: use cleanup.enabled=false to disable")
	}
	if err := scheduler.ValidateCron(schedule); err != nil {
		return cleanup.Config{}, fmt.Errorf("cleanup.schedule: %w", err)
	}
	return cleanup.Config{
		Enabled:   cfg.Cleanup.Enabled,
		Schedule:  schedule,
		Retention: retention,
		Location:  loc,
	}, nil
}

// PIDFilePath returns where the daemon records its process id.
func PIDFilePath(cfg *config.Config) string {
	if p := strings.TrimSpace(cfg.PIDFile); p != "" {
		return p
	}
	return "./data/ctrlbot.pid"
}

// LoadConfig reads and validates a config file without starting anything.
func LoadConfig(path string) (*config.Config, error) {
	m := config.NewConfigManager(path)
	m.SetValidator(validateConfig)
	return m.Load()
}

// Location returns the configured scheduling zone.
func Location(cfg *config.Config) (*time.Location, error) {
	return scheduler.ParseLocation(cfg.Scheduler.Timezone)
}

package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NotifyRequesterOrDefault reports whether requesters get a DM after their post
// is sent. Defaults to true.
func (c TelegramConfig) NotifyRequesterOrDefault() bool {
	return c.NotifyRequester == nil || *c.NotifyRequester
}

// GroupLogChat parses group_log. ok is false when it is unset.
func (c TelegramConfig) GroupLogChat() (chatID int64, ok bool, err error) {
	s := strings.TrimSpace(c.GroupLog)
	if s == "" {
		return 0, false, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("telegram.group_log: invalid chat id %q", c.GroupLog)
	}
	return id, true, nil
}

// SchedulerTimings holds the parsed scheduler durations; zero means "use the default".
type SchedulerTimings struct {
	CoarseInterval    time.Duration
	NearTimeThreshold time.Duration
	FailureRetryDelay time.Duration
	ExecuteTimeout    time.Duration
	StoreTimeout      time.Duration
}

func (c SchedulerConfig) Timings() (SchedulerTimings, error) {
	p := durations{prefix: "scheduler"}
	t := SchedulerTimings{
		CoarseInterval:    p.positive("coarse_interval", c.CoarseInterval),
		NearTimeThreshold: p.positive("near_time_threshold", c.NearTimeThreshold),
		FailureRetryDelay: p.positive("failure_retry_delay", c.FailureRetryDelay),
		ExecuteTimeout:    p.field("execute_timeout", c.ExecuteTimeout),
		StoreTimeout:      p.positive("store_timeout", c.StoreTimeout),
	}
	if p.err != nil {
		return SchedulerTimings{}, p.err
	}
	if t.CoarseInterval > 0 && t.NearTimeThreshold > t.CoarseInterval {
		return SchedulerTimings{}, fmt.Errorf("scheduler: near_time_threshold (%s) exceeds coarse_interval (%s)", t.NearTimeThreshold, t.CoarseInterval)
	}
	return t, nil
}

func (c StorageConfig) BusyTimeoutDuration() (time.Duration, error) {
	p := durations{prefix: "storage"}
	d := p.field("busy_timeout", c.BusyTimeout)
	return d, p.err
}

func (c CleanupConfig) RetentionDuration() (time.Duration, error) {
	p := durations{prefix: "cleanup"}
	d := p.positive("retention", c.Retention)
	return d, p.err
}

// Validate checks everything that can be checked without other packages.
// Cron expressions and time zones are checked by the app validator.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if c.Telegram.RatePerSec < 0 {
		errs = append(errs, errors.New("telegram.rate_per_sec must be >= 0"))
	}
	for _, id := range c.Telegram.OwnerUserIDs {
		if id <= 0 {
			errs = append(errs, fmt.Errorf("telegram.owner_user_ids: invalid user id %d", id))
			break
		}
	}
	if _, _, err := c.Telegram.GroupLogChat(); err != nil {
		errs = append(errs, err)
	}
	if c.Logging.Telegram.RatePerSec < 0 {
		errs = append(errs, errors.New("logging.telegram.rate_per_sec must be >= 0"))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path is required when logging.file.enabled"))
	}
	if _, err := c.Scheduler.Timings(); err != nil {
		errs = append(errs, err)
	}
	if c.Scheduler.MaxAttempts < 0 {
		errs = append(errs, errors.New("scheduler.max_attempts must be >= 0"))
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "memory":
	case "redis":
		if strings.TrimSpace(c.Storage.Redis.Addr) == "" {
			errs = append(errs, errors.New("storage.redis.addr is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if _, err := c.Storage.BusyTimeoutDuration(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Cleanup.RetentionDuration(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

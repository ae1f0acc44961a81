package config

import (
	"slices"
	"strings"

	"ctrlbot/pkg/logx"
)

// Change summarizes the difference between two configs.
//
// Attrs never carry secrets (bot token, redis password); only whether they are set.
type Change struct {
	Sections []string
	Attrs    []logx.Field
	// NeedsRestart lists sections that cannot be applied live.
	NeedsRestart []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

func (c Change) Has(section string) bool { return slices.Contains(c.Sections, section) }

// SummarizeConfigChange compares oldCfg and newCfg section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	o, n := oldCfg, newCfg

	if strings.TrimSpace(o.PIDFile) != strings.TrimSpace(n.PIDFile) {
		ch.NeedsRestart = append(ch.NeedsRestart, "pid_file")
	}

	if strings.TrimSpace(o.Telegram.Token) != strings.TrimSpace(n.Telegram.Token) ||
		strings.TrimSpace(o.Telegram.APIURL) != strings.TrimSpace(n.Telegram.APIURL) ||
		o.Telegram.RatePerSec != n.Telegram.RatePerSec {
		ch.NeedsRestart = append(ch.NeedsRestart, "telegram")
	}
	if !slices.Equal(o.Telegram.OwnerUserIDs, n.Telegram.OwnerUserIDs) ||
		strings.TrimSpace(o.Telegram.GroupLog) != strings.TrimSpace(n.Telegram.GroupLog) ||
		o.Telegram.NotifyRequesterOrDefault() != n.Telegram.NotifyRequesterOrDefault() ||
		slices.Contains(ch.NeedsRestart, "telegram") {
		ch.Sections = append(ch.Sections, "telegram")
		ch.Attrs = append(ch.Attrs,
			logx.Int("telegram.owner_count", len(n.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(n.Telegram.GroupLog) != ""),
			logx.Bool("telegram.notify_requester", n.Telegram.NotifyRequesterOrDefault()),
			logx.Bool("telegram.token_set", strings.TrimSpace(n.Telegram.Token) != ""),
		)
	}

	if o.Logging != n.Logging {
		ch.Sections = append(ch.Sections, "logging")
		ch.Attrs = append(ch.Attrs,
			logx.String("logging.level", n.Logging.Level),
			logx.Bool("logging.console", n.Logging.Console),
			logx.Bool("logging.file_enabled", n.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", n.Logging.Telegram.Enabled),
		)
	}

	if o.Scheduler != n.Scheduler {
		ch.Sections = append(ch.Sections, "scheduler")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("scheduler.enabled", n.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(n.Scheduler.Timezone)),
			logx.String("scheduler.coarse_interval", strings.TrimSpace(n.Scheduler.CoarseInterval)),
			logx.String("scheduler.near_time_threshold", strings.TrimSpace(n.Scheduler.NearTimeThreshold)),
			logx.String("scheduler.failure_retry_delay", strings.TrimSpace(n.Scheduler.FailureRetryDelay)),
			logx.String("scheduler.daily_rearm", strings.TrimSpace(n.Scheduler.DailyRearm)),
			logx.Int("scheduler.max_attempts", n.Scheduler.MaxAttempts),
			logx.Bool("scheduler.abandon_permanent", n.Scheduler.AbandonPermanent),
		)
		if o.Scheduler.Enabled != n.Scheduler.Enabled {
			ch.NeedsRestart = append(ch.NeedsRestart, "scheduler.enabled")
		}
	}

	if o.Storage != n.Storage {
		ch.Sections = append(ch.Sections, "storage")
		ch.NeedsRestart = append(ch.NeedsRestart, "storage")
		ch.Attrs = append(ch.Attrs,
			logx.String("storage.driver", strings.TrimSpace(n.Storage.Driver)),
			logx.String("storage.path", strings.TrimSpace(n.Storage.Path)),
			logx.String("storage.redis_addr", strings.TrimSpace(n.Storage.Redis.Addr)),
			logx.Bool("storage.redis_password_set", n.Storage.Redis.Password != ""),
		)
	}

	if o.Cleanup != n.Cleanup {
		ch.Sections = append(ch.Sections, "cleanup")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("cleanup.enabled", n.Cleanup.Enabled),
			logx.String("cleanup.schedule", strings.TrimSpace(n.Cleanup.Schedule)),
			logx.String("cleanup.retention", strings.TrimSpace(n.Cleanup.Retention)),
		)
	}
	return ch
}

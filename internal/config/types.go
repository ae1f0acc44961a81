package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1h").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
	Cleanup   CleanupConfig   `json:"cleanup"`
	// PIDFile is written by the daemon so the task commands can wake it.
	PIDFile string `json:"pid_file,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat receiving log alerts ("-100...").
	GroupLog        string `json:"group_log"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	NotifyRequester *bool  `json:"notify_requester,omitempty"`
	APIURL          string `json:"api_url,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the adaptive task scheduler.
//
// Defaults (when fields are omitted/zero):
//   - timezone: "+05:30"
//   - coarse_interval: "1h"
//   - near_time_threshold: "15m"
//   - failure_retry_delay: "5m"
//   - daily_rearm: "0 0 * * *" ("-" disables)
//   - execute_timeout: "0s" (no limit). A post that outlives the timeout is
//     recorded as a failure; if it still succeeds later the task is marked
//     completed, but a retry that started in between can send it twice.
//   - store_timeout: "10s"
//   - max_attempts: 0 (retry forever)
//   - abandon_permanent: false (errors such as "chat not found" are retried)
type SchedulerConfig struct {
	Enabled           bool   `json:"enabled"`
	Timezone          string `json:"timezone,omitempty"`
	CoarseInterval    string `json:"coarse_interval,omitempty"`
	NearTimeThreshold string `json:"near_time_threshold,omitempty"`
	FailureRetryDelay string `json:"failure_retry_delay,omitempty"`
	DailyRearm        string `json:"daily_rearm,omitempty"`
	ExecuteTimeout    string `json:"execute_timeout,omitempty"`
	StoreTimeout      string `json:"store_timeout,omitempty"`
	MaxAttempts       int    `json:"max_attempts,omitempty"`
	AbandonPermanent  bool   `json:"abandon_permanent,omitempty"`
}

// StorageConfig selects the task store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/ctrlbot.db" }
type StorageConfig struct {
	Driver      string      `json:"driver"`
	Path        string      `json:"path,omitempty"`
	BusyTimeout string      `json:"busy_timeout,omitempty"` // sqlite
	Redis       RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

type CleanupConfig struct {
	Enabled   bool   `json:"enabled"`
	Schedule  string `json:"schedule,omitempty"`
	Retention string `json:"retention,omitempty"`
}

package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"ctrlbot/internal/eventbus"
	"ctrlbot/internal/task"
	"ctrlbot/pkg/logx"
)

const (
	DefaultCoarseInterval    = time.Hour
	DefaultNearTimeThreshold = 15 * time.Minute
	DefaultFailureRetryDelay = 5 * time.Minute
	DefaultDailyRearm        = "0 0 * * *"
	DefaultStoreTimeout      = 10 * time.Second
)

// Event types published on the bus.
const (
	EventModeChanged   = "scheduler.mode"
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
	EventTaskAbandoned = "task.abandoned"
)

// Config controls the timing policy. Zero fields take the defaults above.
type Config struct {
	CoarseInterval    time.Duration
	NearTimeThreshold time.Duration
	FailureRetryDelay time.Duration
	// DailyRearm is a cron spec evaluated in Location. "-" disables the daily rearm.
	DailyRearm string
	Location   *time.Location
	// ExecuteTimeout bounds one Execute call; 0 means no limit.
	ExecuteTimeout time.Duration
	StoreTimeout   time.Duration
	// MaxAttempts moves a task to Failed after that many failed executions;
	// 0 retries forever.
	MaxAttempts int
	// AbandonPermanent moves a task to Failed on its first error marked
	// task.NoRetry. Off, such errors are retried like any other.
	AbandonPermanent bool
}

func (c Config) withDefaults() Config {
	if c.CoarseInterval <= 0 {
		c.CoarseInterval = DefaultCoarseInterval
	}
	if c.NearTimeThreshold <= 0 {
		c.NearTimeThreshold = DefaultNearTimeThreshold
	}
	if c.FailureRetryDelay <= 0 {
		c.FailureRetryDelay = DefaultFailureRetryDelay
	}
	if c.DailyRearm == "" {
		c.DailyRearm = DefaultDailyRearm
	}
	if c.Location == nil {
		c.Location = DefaultLocation
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
	if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}
	return c
}

type Mode int

const (
	Idle Mode = iota
	HourlyWatch
	NearTimeWatch
)

func (m Mode) String() string {
	switch m {
	case Idle:
		return "idle"
	case HourlyWatch:
		return "hourly_watch"
	case NearTimeWatch:
		return "near_time_watch"
	default:
		return "unknown"
	}
}

// ModeChange is the Data of an EventModeChanged event.
type ModeChange struct {
	From, To Mode
	WakeAt   time.Time
	NextDue  time.Time
}

// TaskEvent is the Data of task.* events.
type TaskEvent struct {
	TaskID   task.ID
	Kind     task.Kind
	DueAt    time.Time
	Attempts int
	Err      string
	Payload  task.Payload
	SweepID  string
}

// Snapshot is a point-in-time view for diagnostics and tests.
type Snapshot struct {
	Running     bool
	Mode        Mode
	Armed       bool
	WakeAt      time.Time
	NextDue     time.Time
	DailyNext   time.Time
	Location    string
	Sweeps      uint64
	Executed    uint64
	Completed   uint64
	Failures    uint64
	Abandoned   uint64
	StoreErrors uint64
	LastSweepAt time.Time
}

type counters struct {
	sweeps, executed, completed, failures, abandoned, storeErrors uint64
}

type Service struct {
	// mu guards everything below except stepMu.
	mu sync.Mutex
	// stepMu serializes whole decision+sweep steps.
	stepMu sync.Mutex

	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	store task.Store
	exec  task.Executor
	clock Clock

	parser cron.Parser
	daily  *cron.Cron

	running bool
	gen     uint64
	timer   Timer
	wakeAt  time.Time
	nextDue time.Time
	mode    Mode

	stats       counters
	lastSweepAt time.Time
}

type Option func(*Service)

// WithClock replaces the wall clock (tests).
func WithClock(c Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

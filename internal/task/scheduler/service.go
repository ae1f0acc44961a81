package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"ctrlbot/internal/eventbus"
	"ctrlbot/internal/task"
	"ctrlbot/pkg/logx"
)

func New(cfg Config, store task.Store, exec task.Executor, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		store:  store,
		exec:   exec,
		clock:  wallClock{},
		parser: CronParser(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start arms the daily rearm and runs the first scheduling decision in the
// caller's goroutine. Calling Start on a running scheduler is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.gen++
	if err := s.startDailyLocked(); err != nil {
		s.running = false
		s.mu.Unlock()
		return err
	}
	cfg := s.cfg
	s.mu.Unlock()

	s.log.Info("scheduler started",
		logx.String("tz", cfg.Location.String()),
		logx.Duration("coarse_interval", cfg.CoarseInterval),
		logx.Duration("near_time_threshold", cfg.NearTimeThreshold),
		logx.Duration("failure_retry_delay", cfg.FailureRetryDelay),
		logx.Int("max_attempts", cfg.MaxAttempts),
		logx.Bool("abandon_permanent", cfg.AbandonPermanent),
	)
	s.step(ctx, "start")
	return nil
}

// Stop cancels both timers and waits for an in-flight sweep to finish (or ctx
// to expire). No execution is triggered after Stop returns.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.gen++
	s.cancelTimerLocked()
	daily := s.daily
	s.daily = nil
	s.mu.Unlock()

	if daily != nil {
		select {
		case <-daily.Stop().Done():
		case <-ctx.Done():
		}
	}

	done := make(chan struct{})
	go func() {
		s.stepMu.Lock()
		close(done)
		s.stepMu.Unlock()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop: in-flight sweep still running", logx.Err(ctx.Err()))
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// NotifyTaskAdded re-evaluates timing immediately. Call it after inserting a
// task through some other path than Add. It must not be called from inside
// an Executor.
func (s *Service) NotifyTaskAdded() {
	s.step(context.Background(), "task_added")
}

// Add stores a new task and re-evaluates timing.
func (s *Service) Add(ctx context.Context, kind task.Kind, dueAt time.Time, payload task.Payload) (task.ID, error) {
	if err := payload.Validate(kind); err != nil {
		return 0, err
	}
	sctx, cancel := s.storeCtx(ctx)
	id, err := s.store.Schedule(sctx, kind, dueAt, payload)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("schedule %s: %w", kind, err)
	}
	s.log.Info("task scheduled", logx.Int64("task_id", int64(id)), logx.String("kind", string(kind)), logx.Time("due_at", dueAt))
	s.NotifyTaskAdded()
	return id, nil
}

// Rearm runs a scheduling decision even when Idle. It is what the daily cron
// entry invokes.
func (s *Service) Rearm() {
	s.logToday()
	s.step(context.Background(), "daily_rearm")
}

// Apply swaps the timing configuration. A running scheduler restarts the daily
// entry when its spec or zone changed and re-decides with the new intervals.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	if err := ValidateCron(cfg.DailyRearm); err != nil {
		return err
	}
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	running := s.running
	if running && (old.DailyRearm != cfg.DailyRearm || old.Location.String() != cfg.Location.String()) {
		if s.daily != nil {
			s.daily.Stop()
			s.daily = nil
		}
		if err := s.startDailyLocked(); err != nil {
			s.log.Warn("daily rearm disabled", logx.Err(err))
		}
	}
	s.mu.Unlock()

	if running {
		s.step(context.Background(), "config_applied")
	}
	return nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Running:     s.running,
		Mode:        s.mode,
		Armed:       s.timer != nil,
		WakeAt:      s.wakeAt,
		NextDue:     s.nextDue,
		Location:    s.cfg.Location.String(),
		Sweeps:      s.stats.sweeps,
		Executed:    s.stats.executed,
		Completed:   s.stats.completed,
		Failures:    s.stats.failures,
		Abandoned:   s.stats.abandoned,
		StoreErrors: s.stats.storeErrors,
		LastSweepAt: s.lastSweepAt,
	}
	if s.daily != nil {
		if entries := s.daily.Entries(); len(entries) > 0 {
			snap.DailyNext = entries[0].Next
		}
	}
	return snap
}

// startDailyLocked registers the daily rearm cron entry. Call with s.mu held.
func (s *Service) startDailyLocked() error {
	spec := strings.TrimSpace(s.cfg.DailyRearm)
	if spec == "-" {
		return nil
	}
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(s.cfg.Location))
	if _, err := c.AddFunc(spec, s.Rearm); err != nil {
		return fmt.Errorf("daily rearm %q: %w", spec, err)
	}
	c.Start()
	s.daily = c
	return nil
}

func (s *Service) logToday() {
	counter, ok := s.store.(interface {
		CountPending(ctx context.Context, from, to time.Time) (int, error)
	})
	if !ok {
		return
	}
	s.mu.Lock()
	loc := s.cfg.Location
	s.mu.Unlock()
	now := s.clock.Now().In(loc)
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	ctx, cancel := s.storeCtx(context.Background())
	defer cancel()
	n, err := counter.CountPending(ctx, from, from.AddDate(0, 0, 1))
	if err != nil {
		s.log.Warn("daily check: count pending failed", logx.Err(err))
		return
	}
	s.log.Info("daily check", logx.String("date", from.Format("2006-01-02")), logx.Int("pending_today", n))
}

func (s *Service) storeCtx(parent context.Context) (context.Context, context.CancelFunc) {
	s.mu.Lock()
	d := s.cfg.StoreTimeout
	s.mu.Unlock()
	return context.WithTimeout(parent, d)
}

// Package cleanup purges finished tasks on a cron schedule.
package cleanup

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"ctrlbot/internal/task/scheduler"
	"ctrlbot/pkg/logx"
)

const (
	DefaultSchedule  = "30 0 * * *"
	DefaultRetention = 7 * 24 * time.Hour
)

type Config struct {
	Enabled   bool
	Schedule  string
	Retention time.Duration
	Location  *time.Location
}

// Purger deletes completed and failed tasks finished before a cutoff.
type Purger interface {
	PurgeFinished(ctx context.Context, before time.Time) (int64, error)
}

type Service struct {
	mu    sync.Mutex
	cfg   Config
	store Purger
	log   logx.Logger
	now   func() time.Time
	c     *cron.Cron
}

func New(cfg Config, store Purger, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: withDefaults(cfg), store: store, log: log, now: time.Now}
}

func withDefaults(cfg Config) Config {
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Location == nil {
		cfg.Location = scheduler.DefaultLocation
	}
	return cfg
}

// RunOnce purges tasks finished more than Retention ago.
func (s *Service) RunOnce(ctx context.Context) (int64, error) {
	s.mu.Lock()
	retention := s.cfg.Retention
	s.mu.Unlock()

	cutoff := s.now().Add(-retention)
	n, err := s.store.PurgeFinished(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge finished tasks: %w", err)
	}
	s.log.Info("finished tasks purged", logx.Int64("deleted", n), logx.Time("cutoff", cutoff))
	return n, nil
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	return s.startLocked(ctx)
}

func (s *Service) startLocked(ctx context.Context) error {
	c := cron.New(cron.WithParser(scheduler.CronParser()), cron.WithLocation(s.cfg.Location))
	_, err := c.AddFunc(s.cfg.Schedule, func() {
		rctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if _, err := s.RunOnce(rctx); err != nil {
			s.log.Warn("cleanup failed", logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("cleanup schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.c = c
	s.log.Info("cleanup scheduled", logx.String("schedule", s.cfg.Schedule), logx.Duration("retention", s.cfg.Retention))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Apply swaps the config, restarting the cron entry when needed.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	cfg = withDefaults(cfg)
	if err := scheduler.ValidateCron(cfg.Schedule); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if s.c != nil {
		s.c.Stop()
		s.c = nil
	}
	if !cfg.Enabled {
		return nil
	}
	return s.startLocked(ctx)
}

// Next reports the next scheduled run (zero when not running).
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	if es := s.c.Entries(); len(es) > 0 {
		return es[0].Next
	}
	return time.Time{}
}

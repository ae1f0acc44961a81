package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"ctrlbot/internal/eventbus"
	"ctrlbot/internal/task"
	"ctrlbot/pkg/logx"
)

// step runs one decision pass under stepMu. Sweeps never overlap and no
// main timer is armed while a sweep is in progress.
func (s *Service) step(ctx context.Context, reason string) {
	s.stepMu.Lock()
	defer s.stepMu.Unlock()
	if !s.isRunning() {
		return
	}
	s.decide(ctx, reason)
}

func (s *Service) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// decide asks the store for the next due time and arms the main timer.
// Overdue tasks are swept inline; a task that already failed in this pass is
// left for the next pass.
func (s *Service) decide(ctx context.Context, reason string) {
	attempted := map[task.ID]struct{}{}
	for {
		if !s.isRunning() {
			return
		}
		cfg := s.config()
		now := s.clock.Now()

		next, ok, err := s.nextDueTime(ctx, time.Time{})
		if err != nil {
			s.storeFailed("next due time", err, cfg)
			return
		}
		if !ok {
			s.goIdle(reason)
			return
		}

		if !next.After(now) {
			n, err := s.sweep(ctx, now, attempted)
			if err != nil {
				s.storeFailed("due tasks", err, cfg)
				return
			}
			if n > 0 {
				continue
			}
			// Only tasks that already failed in this pass are overdue.
			wait := cfg.FailureRetryDelay
			fut, ok, err := s.nextDueTime(ctx, now)
			if err != nil {
				s.log.Warn("next future due time failed", logx.Err(err))
			} else if ok {
				wait = min(wait, fut.Sub(now))
			}
			s.arm(NearTimeWatch, wait, next, reason)
			return
		}

		until := next.Sub(now)
		if until <= cfg.NearTimeThreshold {
			s.arm(NearTimeWatch, min(until, cfg.NearTimeThreshold), next, reason)
		} else {
			s.arm(HourlyWatch, cfg.CoarseInterval, next, reason)
		}
		return
	}
}

func (s *Service) nextDueTime(ctx context.Context, after time.Time) (time.Time, bool, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.store.NextDueTime(sctx, after)
}

func (s *Service) storeFailed(op string, err error, cfg Config) {
	s.mu.Lock()
	s.stats.storeErrors++
	mode := s.mode
	s.mu.Unlock()
	s.log.Error("task store query failed; retrying later", logx.String("op", op), logx.Err(err), logx.Duration("retry_in", cfg.FailureRetryDelay))
	s.arm(mode, cfg.FailureRetryDelay, time.Time{}, "store_error")
}

func (s *Service) goIdle(reason string) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.cancelTimerLocked()
	prev := s.mode
	s.mode = Idle
	s.nextDue = time.Time{}
	s.mu.Unlock()

	s.log.Debug("no pending tasks; idle", logx.String("reason", reason))
	if prev != Idle {
		s.publishMode(prev, Idle, time.Time{}, time.Time{})
	}
}

// arm replaces the main timer. Callbacks of replaced timers are ignored via gen.
func (s *Service) arm(mode Mode, d time.Duration, nextDue time.Time, reason string) {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	s.cancelTimerLocked()
	prev := s.mode
	s.mode = mode
	s.nextDue = nextDue
	s.wakeAt = s.clock.Now().Add(d)
	wakeAt := s.wakeAt
	s.timer = s.clock.AfterFunc(d, func() { s.onTimer(gen) })
	s.mu.Unlock()

	s.log.Debug("timer armed",
		logx.String("mode", mode.String()),
		logx.Duration("in", d),
		logx.Time("next_due", nextDue),
		logx.String("reason", reason),
	)
	if prev != mode {
		s.publishMode(prev, mode, wakeAt, nextDue)
	}
}

func (s *Service) cancelTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.wakeAt = time.Time{}
}

func (s *Service) onTimer(gen uint64) {
	s.mu.Lock()
	if !s.running || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.wakeAt = time.Time{}
	s.mu.Unlock()
	s.step(context.Background(), "timer")
}

// sweep executes the pending tasks due at asOf that have not been attempted in
// this pass. It returns how many were attempted.
func (s *Service) sweep(ctx context.Context, asOf time.Time, attempted map[task.ID]struct{}) (int, error) {
	sctx, cancel := s.storeCtx(ctx)
	due, err := s.store.DueTasks(sctx, asOf)
	cancel()
	if err != nil {
		return 0, err
	}

	sweepID := uuid.NewString()
	log := s.log.With(logx.String("sweep", sweepID))
	s.mu.Lock()
	s.stats.sweeps++
	s.lastSweepAt = asOf
	s.mu.Unlock()

	n := 0
	for _, t := range due {
		if _, seen := attempted[t.ID]; seen {
			continue
		}
		if !s.isRunning() {
			log.Info("sweep interrupted by stop", logx.Int("attempted", n))
			break
		}
		attempted[t.ID] = struct{}{}
		n++
		s.runTask(ctx, log, sweepID, t)
	}
	if n > 0 {
		log.Info("sweep finished", logx.Int("due", len(due)), logx.Int("attempted", n))
	}
	return n, nil
}

func (s *Service) runTask(ctx context.Context, log logx.Logger, sweepID string, t task.Task) {
	cfg := s.config()
	tlog := log.With(logx.Int64("task_id", int64(t.ID)), logx.String("kind", string(t.Kind)))

	start := time.Now()
	err := s.execute(ctx, cfg, t)
	s.mu.Lock()
	s.stats.executed++
	s.mu.Unlock()

	ev := TaskEvent{TaskID: t.ID, Kind: t.Kind, DueAt: t.DueAt, Attempts: t.Attempts, Payload: t.Payload, SweepID: sweepID}
	if err == nil {
		sctx, cancel := s.storeCtx(ctx)
		merr := s.store.MarkCompleted(sctx, t.ID)
		cancel()
		if merr != nil {
			// The side effect happened; the next sweep will retry the write.
			tlog.Error("mark completed failed", logx.Err(merr))
			return
		}
		s.mu.Lock()
		s.stats.completed++
		s.mu.Unlock()
		tlog.Info("task completed", logx.Duration("took", time.Since(start)))
		s.publish(EventTaskCompleted, ev)
		return
	}

	s.mu.Lock()
	s.stats.failures++
	s.mu.Unlock()
	ev.Err = err.Error()

	sctx, cancel := s.storeCtx(ctx)
	attempts, rerr := s.store.RecordFailure(sctx, t.ID, err.Error())
	cancel()
	if rerr != nil {
		tlog.Error("record failure failed", logx.Err(rerr))
		attempts = t.Attempts + 1
	}
	ev.Attempts = attempts
	tlog.Warn("task execution failed; left pending", logx.Err(err), logx.Int("attempts", attempts))
	s.publish(EventTaskFailed, ev)

	permanent := cfg.AbandonPermanent && task.IsNoRetry(err)
	if permanent || (cfg.MaxAttempts > 0 && attempts >= cfg.MaxAttempts) {
		sctx, cancel := s.storeCtx(ctx)
		ferr := s.store.MarkFailed(sctx, t.ID, err.Error())
		cancel()
		if ferr != nil {
			tlog.Error("mark failed failed", logx.Err(ferr))
			return
		}
		s.mu.Lock()
		s.stats.abandoned++
		s.mu.Unlock()
		tlog.Error("task abandoned", logx.Int("attempts", attempts), logx.Int("max_attempts", cfg.MaxAttempts), logx.Bool("permanent", permanent))
		s.publish(EventTaskAbandoned, ev)
	}
}

// execute calls the executor with the configured timeout and turns panics
// into execution errors.
func (s *Service) execute(ctx context.Context, cfg Config, t task.Task) (err error) {
	if cfg.ExecuteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ExecuteTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("executor panicked", logx.Int64("task_id", int64(t.ID)), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = &task.ExecutionError{TaskID: t.ID, Kind: t.Kind, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if cfg.ExecuteTimeout <= 0 {
		return s.exec.Execute(ctx, t)
	}
	// Executors that ignore ctx still time out from the scheduler's view.
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &task.ExecutionError{TaskID: t.ID, Kind: t.Kind, Err: fmt.Errorf("panic: %v", r)}
			}
		}()
		done <- s.exec.Execute(ctx, t)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		go s.settleLate(t, done)
		return &task.ExecutionError{TaskID: t.ID, Kind: t.Kind, Err: fmt.Errorf("execution timed out after %s: %w", cfg.ExecuteTimeout, ctx.Err())}
	}
}

// settleLate waits for an execution the scheduler stopped waiting on. A late
// success is recorded so the next sweep does not repeat the side effect.
func (s *Service) settleLate(t task.Task, done <-chan error) {
	if err := <-done; err != nil {
		return
	}
	tlog := s.log.With(logx.Int64("task_id", int64(t.ID)), logx.String("kind", string(t.Kind)))
	ctx, cancel := s.storeCtx(context.Background())
	defer cancel()
	if err := s.store.MarkCompleted(ctx, t.ID); err != nil {
		tlog.Error("mark completed after timeout failed", logx.Err(err))
		return
	}
	s.mu.Lock()
	s.stats.completed++
	s.mu.Unlock()
	tlog.Warn("task completed after execute timeout")
	s.publish(EventTaskCompleted, TaskEvent{TaskID: t.ID, Kind: t.Kind, DueAt: t.DueAt, Attempts: t.Attempts + 1, Payload: t.Payload})
}

func (s *Service) publish(typ string, ev TaskEvent) {
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: ev})
}

func (s *Service) publishMode(from, to Mode, wakeAt, nextDue time.Time) {
	s.log.Info("mode changed", logx.String("from", from.String()), logx.String("to", to.String()))
	s.bus.Publish(eventbus.Event{Type: EventModeChanged, Time: s.clock.Now(), Data: ModeChange{From: from, To: to, WakeAt: wakeAt, NextDue: nextDue}})
}

package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"ctrlbot/internal/config"
	"ctrlbot/internal/eventbus"
	"ctrlbot/internal/runtime/supervisor"
	"ctrlbot/internal/storage"
	"ctrlbot/internal/task/cleanup"
	"ctrlbot/internal/task/scheduler"
	"ctrlbot/internal/transport/telegram"
	"ctrlbot/pkg/logx"
)

// App wires config, logging, storage, the Telegram executor, the scheduler and
// retention cleanup into one daemon.
type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	tg      *telegram.Executor
	sched   *scheduler.Service
	cleanup *cleanup.Service

	mu           sync.Mutex
	owners       []int64
	schedEnabled bool
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(validateConfig)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO")
	tg, err := telegram.New(mapTelegramConfig(cfg), bootLog.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	// Bootstrap with Telegram logging off, set the target, then enable it;
	// Apply warns when Telegram logging is on without a target.
	logCfg := mapLoggingConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, tg)
	if chatID, ok, _ := cfg.Telegram.GroupLogChat(); ok {
		logSvc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	sc, err := MapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	cleanCfg, err := mapCleanupConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	bus := eventbus.New()
	sched := scheduler.New(schedCfg, store, tg, log.With(logx.String("comp", "scheduler")), bus)
	clean := cleanup.New(cleanCfg, store, log.With(logx.String("comp", "cleanup")))

	return &App{
		cfgPath:      cfgPath,
		cfgm:         cfgm,
		log:          log,
		logs:         logSvc,
		bus:          bus,
		store:        store,
		tg:           tg,
		sched:        sched,
		cleanup:      clean,
		owners:       append([]int64(nil), cfg.Telegram.OwnerUserIDs...),
		schedEnabled: cfg.Scheduler.Enabled,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// PIDFile is the pid file path from the config the app started with.
func (a *App) PIDFile() string {
	return PIDFilePath(a.cfgm.Get())
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.mu.Lock()
	schedEnabled := a.schedEnabled
	a.mu.Unlock()
	if schedEnabled {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			return err
		}
	} else {
		a.log.Warn("scheduler disabled via config; tasks will not be executed")
	}
	if err := a.cleanup.Start(a.sup.Context()); err != nil {
		return err
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.consume", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.handleEvent(c, e)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.GoRestart("config.watch", 500*time.Millisecond, 10*time.Second, func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	// SIGHUP re-runs the scheduling decision, e.g. after `ctrlbot post` wrote
	// a task from another process.
	a.sup.Go0("signal.hup", func(c context.Context) {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-c.Done():
				return
			case <-hup:
				a.log.Info("SIGHUP received; re-evaluating schedule")
				if a.schedulerEnabled() {
					a.sched.NotifyTaskAdded()
				}
			}
		}
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started", logx.String("config", a.cfgPath), logx.Bool("scheduler", schedEnabled))
	return nil
}

func (a *App) schedulerEnabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.schedEnabled
}

func (a *App) ownerIDs() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int64(nil), a.owners...)
}

// handleEvent logs scheduler events and alerts owners about abandoned tasks.
func (a *App) handleEvent(ctx context.Context, e eventbus.Event) {
	switch e.Type {
	case scheduler.EventTaskAbandoned:
		te, ok := e.Data.(scheduler.TaskEvent)
		if !ok {
			return
		}
		a.alertOwners(ctx, fmt.Sprintf("⚠️ Task #%d (%s) due %s was abandoned after %d attempts.\nLast error: %s",
			te.TaskID, te.Kind, te.DueAt.Format(time.RFC3339), te.Attempts, te.Err))
	case scheduler.EventModeChanged:
		if mc, ok := e.Data.(scheduler.ModeChange); ok {
			a.log.Debug("scheduler mode", logx.String("from", mc.From.String()), logx.String("to", mc.To.String()), logx.Time("wake_at", mc.WakeAt))
		}
	default:
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}

func (a *App) alertOwners(ctx context.Context, text string) {
	for _, id := range a.ownerIDs() {
		sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := a.tg.SendText(sctx, id, 0, text)
		cancel()
		if err != nil {
			a.log.Warn("owner alert failed", logx.Int64("user_id", id), logx.Err(err))
		}
	}
}

// applyConfig applies a hot-reloaded config. Sections that cannot change
// live (storage, bot token) only log a warning.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	change := config.SummarizeConfigChange(prev, next)
	if change.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Attrs...)
	a.log.Debug("config change summary", fields...)
	if len(change.NeedsRestart) > 0 {
		a.log.Warn("config change requires restart to take effect", logx.String("sections", strings.Join(change.NeedsRestart, ",")))
	}

	if change.Has("telegram") || change.Has("logging") {
		// Update the target first so Apply doesn't warn when Telegram logging is enabled.
		if chatID, ok, _ := next.Telegram.GroupLogChat(); ok {
			a.logs.SetTelegramTarget(chatID, next.Logging.Telegram.ThreadID)
		} else {
			a.logs.SetTelegramTarget(0, 0)
		}
		a.logs.Apply(mapLoggingConfig(next))
	}
	if change.Has("telegram") {
		a.mu.Lock()
		a.owners = append([]int64(nil), next.Telegram.OwnerUserIDs...)
		a.mu.Unlock()
	}

	if change.Has("scheduler") {
		if sc, err := mapSchedulerConfig(next); err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else if err := a.sched.Apply(sc); err != nil {
			a.log.Warn("scheduler config rejected", logx.Err(err))
		}
		a.mu.Lock()
		prevEnabled := a.schedEnabled
		a.schedEnabled = next.Scheduler.Enabled
		a.mu.Unlock()
		switch {
		case prevEnabled && !next.Scheduler.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		case !prevEnabled && next.Scheduler.Enabled:
			a.log.Info("scheduler enabled via config")
			if err := a.sched.Start(ctx); err != nil {
				a.log.Warn("scheduler start failed", logx.Err(err))
			}
		}
	}

	// The cleanup zone follows scheduler.timezone.
	if change.Has("cleanup") || change.Has("scheduler") {
		if cc, err := mapCleanupConfig(next); err != nil {
			a.log.Warn("invalid cleanup config; keeping previous", logx.Err(err))
		} else if err := a.cleanup.Apply(ctx, cc); err != nil {
			a.log.Warn("cleanup config rejected", logx.Err(err))
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// step bounds each shutdown phase so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("cleanup", 2*time.Second, func(c context.Context) error { a.cleanup.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 2*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

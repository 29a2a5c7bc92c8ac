// Package app wires the scheduler process: config, logging, the outcome
// journal, the event bus, the scheduler itself and its producers.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"qyu/internal/config"
	"qyu/internal/eventbus"
	"qyu/internal/feeder"
	"qyu/internal/notify"
	"qyu/internal/observability/admin"
	"qyu/internal/runtime/supervisor"
	"qyu/internal/storage"
	logx "qyu/pkg/logx"
	"qyu/pkg/qyu"
	"qyu/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	rec   *notify.Recorder

	// mu guards schedCfg, which the reload loop replaces.
	mu       sync.Mutex
	schedCfg config.Scheduler
	sched    *qyu.Scheduler
	feed     *feeder.Service
	admin    *admin.Service
}

// Status is a point-in-time view of the whole process.
type Status struct {
	Scheduler       qyu.Snapshot              `json:"scheduler"`
	Producers       []feeder.ProducerSnapshot `json:"producers"`
	Supervisor      supervisor.Snapshot       `json:"supervisor"`
	BusDropped      uint64                    `json:"bus_dropped"`
	JournalFailures uint64                    `json:"journal_failures"`
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	schedCfg, err := cfg.Scheduler.Resolve()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.Logging.Logx())
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var (
		store storage.Store
		rec   *notify.Recorder
	)
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		store = st
		rec = notify.NewRecorder(st, log)
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	sinks := []qyu.Notifier{notify.NewBus(bus)}
	if rec != nil {
		sinks = append(sinks, rec)
	}
	sched, err := qyu.New(schedCfg.Queue,
		qyu.WithLogger(log),
		qyu.WithNotifier(notify.NewFanout(log, sinks...)))
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}

	fc, err := mapFeederConfig(cfg)
	if err != nil {
		closeOnError(sched, store)
		return nil, err
	}
	ac, err := mapAdminConfig(cfg)
	if err != nil {
		closeOnError(sched, store)
		return nil, err
	}

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		rec:      rec,
		schedCfg: schedCfg,
		sched:    sched,
		feed:     feeder.New(fc, sched, log),
	}
	a.admin = admin.New(ac, admin.Probes{Healthy: a.healthy, Status: func() any { return a.Status() }}, log)
	return a, nil
}

func closeOnError(sched *qyu.Scheduler, store storage.Store) {
	_ = sched.Close(context.Background())
	if store != nil {
		_ = store.Close()
	}
}

// Scheduler exposes the running scheduler so callers can push their own jobs.
func (a *App) Scheduler() *qyu.Scheduler { return a.sched }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
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
	a.mu.Lock()
	sc := a.schedCfg
	a.mu.Unlock()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })

	if err := a.feed.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("feeder: %w", err)
	}
	if err := a.admin.Start(a.sup.Context()); err != nil {
		return err
	}
	if sc.AutoStart {
		if _, err := a.sched.Start(); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}

	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	}
	if every, ok := systemd.WatchdogInterval(); ok {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			systemd.RunWatchdog(c, every, a.healthy)
		})
	}

	a.log.Info("app started",
		logx.String("config", a.cfgPath),
		logx.Int("max_concurrency", sc.Queue.MaxConcurrency),
		logx.Int("priority_levels", sc.Queue.PriorityLevels),
		logx.Bool("auto_start", sc.AutoStart))
	return nil
}

// healthy reports whether the scheduler loop is still serving calls.
func (a *App) healthy() bool {
	return !a.sched.Snapshot().Closed
}

// logEvents keeps scheduler events visible in the log: job outcomes at
// debug, stats windows and drains at info.
func (a *App) logEvents(c context.Context) {
	events, unsub := a.bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			n, _ := e.Data.(qyu.Notification)
			switch qyu.EventKind(e.Type) {
			case qyu.EventStats:
				a.log.Info("throughput",
					logx.Int("processed", n.Processed),
					logx.Duration("interval", n.Interval))
			case qyu.EventDrain:
				a.log.Info("queue drained")
			default:
				a.log.Debug("event",
					logx.String("type", e.Type),
					logx.String("job_id", n.JobID),
					logx.Duration("took", n.Duration),
					logx.Bool("stale", n.Stale))
			}
		}
	}
}

func (a *App) Status() Status {
	st := Status{
		Scheduler:  a.sched.Snapshot(),
		Producers:  a.feed.Snapshot(),
		BusDropped: a.bus.Dropped(),
	}
	if a.sup != nil {
		st.Supervisor = a.sup.Snapshot()
	}
	if a.rec != nil {
		st.JournalFailures = a.rec.Failures()
	}
	return st
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	// Cancel background loops first so no reload lands mid-shutdown.
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				max = min(max, time.Until(dl))
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		err := fn(stepCtx)
		took := time.Since(start)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			return
		}
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("feeder", 2*time.Second, func(c context.Context) error { a.feed.Stop(c); return nil })
	step("admin", 2*time.Second, a.admin.Stop)
	a.mu.Lock()
	shutdownTimeout := a.schedCfg.ShutdownTimeout
	a.mu.Unlock()

	step("scheduler.pause", shutdownTimeout, func(c context.Context) error {
		done, err := a.sched.Pause()
		if errors.Is(err, qyu.ErrDebounced) || errors.Is(err, qyu.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		return done.Wait(c)
	})
	status := a.Status()
	step("scheduler.close", 2*time.Second, a.sched.Close)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped",
		logx.Uint64("succeeded", status.Scheduler.Succeeded),
		logx.Uint64("failed", status.Scheduler.Failed),
		logx.Int("dropped_queued", status.Scheduler.Queued+status.Scheduler.Buffered),
		logx.Uint64("bus_dropped", status.BusDropped))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// applyConfig pushes a validated config into the running components.
// Sections that can only change at startup are reported and skipped.
func (a *App) applyConfig(newCfg *config.Config, sections []string) {
	a.logs.Apply(newCfg.Logging.Logx())

	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	sc, err := newCfg.Scheduler.Resolve()
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		if sc.Queue.PriorityLevels != a.schedCfg.Queue.PriorityLevels {
			a.log.Warn("scheduler.priority_levels changed; restart required for changes to take effect",
				logx.Int("current", a.schedCfg.Queue.PriorityLevels),
				logx.Int("configured", sc.Queue.PriorityLevels))
			sc.Queue.PriorityLevels = a.schedCfg.Queue.PriorityLevels
		}
		if err := a.sched.SetMaxConcurrency(sc.Queue.MaxConcurrency); err != nil {
			a.log.Warn("max_concurrency not applied", logx.Err(err))
		}
		if err := a.sched.SetStatsInterval(sc.Queue.StatsInterval); err != nil {
			a.log.Warn("stats_interval not applied", logx.Err(err))
		}
		a.schedCfg = sc
	}

	fc, err := mapFeederConfig(newCfg)
	if err == nil {
		err = a.feed.Apply(fc)
	}
	if err != nil {
		a.log.Warn("invalid feeder config; keeping previous", logx.Err(err))
	}

	ac, err := mapAdminConfig(newCfg)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err = a.admin.Reconfigure(ctx, ac)
		cancel()
	}
	if err != nil {
		a.log.Warn("admin config not applied", logx.Err(err))
	}
}

func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
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

			sections, attrs, producers := config.SummarizeChange(lastApplied, newCfg)
			if len(producers) > 0 {
				a.log.Debug("producer changes detected", logx.Any("producers", producers))
			}
			lastApplied = newCfg
			a.applyConfig(newCfg, sections)

			if len(sections) > 0 {
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
				_, _ = systemd.Status("config reloaded: " + strings.Join(sections, ","))
			} else {
				a.log.Info("config reloaded (no changes)")
			}
		}
	}
}

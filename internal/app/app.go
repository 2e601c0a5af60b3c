// Package app wires the daemon together: config, logging, storage, the
// scheduler, the runner and the web surface.
package app

import (
	"context"
	"fmt"
	"time"

	"reportd/internal/config"
	"reportd/internal/eventbus"
	"reportd/internal/hub"
	"reportd/internal/runner"
	rtsup "reportd/internal/runtime/supervisor"
	"reportd/internal/sched"
	"reportd/internal/storage"
	"reportd/internal/web"
	logx "reportd/pkg/logx"
)

// StopReason names why the daemon is shutting down; it only affects logging.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store *storage.Store

	hub    *hub.Hub
	runner *runner.Service
	sched  *sched.Service
	web    *web.Service

	// lastStorage detects hot-reload edits that need a restart.
	lastStorage config.StorageConfig
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// The hub doubles as the live log sink, so it exists before logging.
	h := hub.New(cfg.Logging.Stream.RatePerSec, logx.Nop())
	logSvc, log := logx.New(mapLogConfig(cfg), h)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: mustDuration(cfg.Storage.BusyTimeout),
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	runSvc := runner.New(mapRunnerConfig(cfg), h, log.With(logx.String("comp", "runner")), bus)

	schedSvc := sched.New(sched.Config{
		Enabled:      cfg.Scheduler.Enabled,
		PollInterval: mustDuration(cfg.Scheduler.PollInterval),
	}, store, sched.Hooks{
		CanStart: runSvc.CanStart,
		OnJobDue: runSvc.OnScheduleDue,
	}, log.With(logx.String("comp", "scheduler")), bus)
	runSvc.SetCompleter(schedSvc)

	webSvc := web.New(mapWebConfig(cfg), store, schedSvc, runSvc, h,
		log.With(logx.String("comp", "web")))

	return &App{
		cfgPath:     cfgPath,
		lastStorage: cfg.Storage,
		cfgm:        cfgm,
		log:         log,
		logs:        logSvc,
		bus:         bus,
		store:       store,
		hub:         h,
		runner:      runSvc,
		sched:       schedSvc,
		web:         webSvc,
	}, nil
}

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// Reloads are transactional: a rejected config never replaces the running one.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	if cfg := a.cfgm.Get(); cfg != nil {
		a.seedSettings(a.sup.Context(), cfg.Settings)
	}

	if snap := a.sched.Snapshot(); snap.Enabled {
		a.sched.Start()
	}
	a.web.Start(a.sup.Context())

	// Debug visibility into component events.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the newest config matters.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, newCfg)
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// applyConfig fans a validated hot-reload out to the components that can
// change live. Storage changes need a restart.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(mapLogConfig(cfg))
	a.runner.Apply(mapRunnerConfig(cfg))
	a.sched.Apply(sched.Config{
		Enabled:      cfg.Scheduler.Enabled,
		PollInterval: mustDuration(cfg.Scheduler.PollInterval),
	})
	a.web.Reconfigure(ctx, mapWebConfig(cfg))

	if a.lastStorage != cfg.Storage {
		a.log.Warn("storage config changed; restart required for changes to take effect")
		a.lastStorage = cfg.Storage
	}
	a.log.Info("config reloaded")
}

// seedSettings fills settings from the config file without overwriting values
// the user has already edited in the UI.
func (a *App) seedSettings(ctx context.Context, seeds map[string]string) {
	for key, value := range seeds {
		_, present, err := a.store.GetSetting(ctx, key)
		if err != nil {
			a.log.Warn("settings seed check failed", logx.String("key", key), logx.Any("err", err))
			continue
		}
		if present {
			continue
		}
		if err := a.store.SetSetting(ctx, key, value); err != nil {
			a.log.Warn("settings seed failed", logx.String("key", key), logx.Any("err", err))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// Bounded shutdown steps so no single component can stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

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
				a.log.Warn("stop step error", logx.String("name", name), logx.Any("err", err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("runner", 1*time.Second, func(context.Context) error { a.runner.Stop(); return nil })
	step("web", 3*time.Second, func(c context.Context) error { a.web.Stop(c); return nil })
	step("hub", 1*time.Second, func(context.Context) error { a.hub.Close(); return nil })
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// ---- config mapping ----

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Stream: logx.StreamConfig{
			Enabled:    cfg.Logging.Stream.Enabled,
			MinLevel:   cfg.Logging.Stream.MinLevel,
			RatePerSec: cfg.Logging.Stream.RatePerSec,
		},
	}
}

func mapRunnerConfig(cfg *config.Config) runner.Config {
	return runner.Config{
		Command:   cfg.Runner.Command,
		Args:      cfg.Runner.Args,
		Workdir:   cfg.Runner.Workdir,
		LogDir:    cfg.Runner.LogDir,
		StopGrace: mustDuration(cfg.Runner.StopGrace),
	}
}

func mapWebConfig(cfg *config.Config) web.Config {
	return web.Config{
		Enabled:      cfg.Web.Enabled,
		Addr:         cfg.Web.Addr,
		ReadTimeout:  mustDuration(cfg.Web.ReadTimeout),
		WriteTimeout: mustDuration(cfg.Web.WriteTimeout),
		IdleTimeout:  mustDuration(cfg.Web.IdleTimeout),
		Pprof:        cfg.Web.Pprof,
	}
}

// mustDuration is only called on fields Config.Validate already checked.
func mustDuration(raw string) time.Duration {
	d, _ := config.ParseDurationField("", raw)
	return d
}

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"harvester/internal/analytics"
	"harvester/internal/browser"
	"harvester/internal/config"
	"harvester/internal/control"
	"harvester/internal/dedup"
	"harvester/internal/eventbus"
	"harvester/internal/group"
	"harvester/internal/metrics"
	"harvester/internal/notifier"
	"harvester/internal/runner"
	"harvester/internal/sandbox"
	"harvester/internal/storage"
	"harvester/internal/task/engine"
	"harvester/internal/task/scheduler"
	logx "harvester/pkg/logx"

	rtsup "harvester/internal/runtime/supervisor"
)

// Mode selects which background services Start brings up.
type Mode string

const (
	// ModeServe runs the daemon: scheduler, metrics endpoint, config watch
	// and systemd notifications on top of the execution path.
	ModeServe Mode = "serve"
	// ModeOneShot runs only what a single CLI command needs to execute work
	// and deliver its notifications.
	ModeOneShot Mode = "oneshot"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus
	mode Mode

	store    storage.Store
	pages    browser.Provider
	box      *sandbox.Runner
	registry *prometheus.Registry
	sink     metrics.Sink

	runner *runner.Runner
	groups *group.Scheduler
	engine *engine.Service
	ctl    *control.Control
	sched  *scheduler.Service
	notif  *notifier.Service

	redis     *redis.Client
	analytics *analytics.Service

	sup *rtsup.Supervisor
}

// New loads the config at path and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, path string) (*App, error) {
	cfgm := config.NewManager(path, logx.NewConsole("info"))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logConfig(cfg))
	a := &App{cfgm: cfgm, logs: logs, log: log, bus: eventbus.New()}
	if err := a.build(ctx, cfg); err != nil {
		a.closeAll()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config) error {
	st, err := storage.Open(ctx, storageConfig(cfg), a.log)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	a.store = st

	a.registry = prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.sink = metrics.NewPrometheus(a.registry, cfg.Metrics.Namespace, a.log)
	} else {
		a.sink = metrics.Noop{}
	}

	a.pages = pageProvider(cfg.Browser, a.log)
	box, err := buildSandbox(cfg.Sandbox, a.pages, a.log)
	if err != nil {
		return err
	}
	a.box = box

	a.runner = runner.New(runner.Options{
		Store:          st,
		Sandbox:        box,
		Dedup:          dedup.New(st),
		Bus:            a.bus,
		Metrics:        a.sink,
		Log:            a.log,
		DefaultTimeout: sandboxLimits(cfg.Sandbox).Timeout,
	})
	a.groups = group.New(group.Options{
		Store:       st,
		Runner:      a.runner,
		Bus:         a.bus,
		Metrics:     a.sink,
		Log:         a.log,
		MaxParallel: cfg.Group.MaxParallel,
	})
	a.engine = engine.New(engineConfig(cfg), a.log, a.bus, a.sink)
	a.ctl = control.New(control.Options{
		Queue:  a.engine,
		Store:  st,
		Jobs:   a.runner,
		Groups: a.groups,
		Log:    a.log,
	})
	a.sched = scheduler.New(schedulerConfig(cfg), st, a.ctl.TriggerGroup, a.log, a.bus)
	a.notif = notifier.New(notifierConfig(cfg), senders(cfg, a.log), a.log, a.bus, a.sink)

	if cfg.Analytics.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Analytics.Addr,
			Password: cfg.Analytics.Password,
			DB:       cfg.Analytics.DB,
		})
		a.analytics = analytics.New(analytics.Config{
			Prefix: cfg.Analytics.Prefix,
			TTL:    config.MustDuration(cfg.Analytics.TTL, 0),
		}, analytics.NewRedisCounter(a.redis), a.log)
	}
	return nil
}

func (a *App) Logger() logx.Logger            { return a.log }
func (a *App) Config() *config.Config         { return a.cfgm.Get() }
func (a *App) Store() storage.Store           { return a.store }
func (a *App) Control() *control.Control      { return a.ctl }
func (a *App) Scheduler() *scheduler.Service  { return a.sched }
func (a *App) Engine() *engine.Service        { return a.engine }
func (a *App) Bus() eventbus.Bus              { return a.bus }
func (a *App) Registry() *prometheus.Registry { return a.registry }

// Start brings up the services for mode. Serve mode also fails runs left
// unfinished by a previous process.
func (a *App) Start(ctx context.Context, mode Mode) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	cfg := a.cfgm.Get()
	a.mode = mode
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))

	if mode == ModeServe {
		if a.box.Backend() == "process" {
			a.log.Warn("sandbox backend 'process' shares the host filesystem and network with routines; use sandbox.backend: docker in production")
		}
		n, err := a.store.AbandonRuns(ctx, "abandoned: process restarted", time.Now().UTC())
		if err != nil {
			return fmt.Errorf("abandon stale runs: %w", err)
		}
		if n > 0 {
			a.log.Warn("failed runs left over from a previous process", logx.Int64("runs", n))
		}
	}

	a.engine.Start(a.sup.Context())
	// The notifier outlives the app context so Stop can flush deliveries.
	a.notif.Start(context.WithoutCancel(a.sup.Context()))

	if a.analytics != nil {
		a.sup.Go0("analytics", func(c context.Context) { a.analytics.Run(c, a.bus) })
	}

	if mode != ModeServe {
		a.log.Debug("app started", logx.String("mode", string(mode)))
		return nil
	}

	if cfg.Metrics.Enabled {
		opts := metrics.ServerOptions{
			Addr:          cfg.Metrics.Addr,
			Token:         cfg.Metrics.Token,
			AllowInsecure: cfg.Metrics.AllowInsecure,
			Pprof:         cfg.Metrics.Pprof,
			Health:        a.health,
		}
		a.sup.Go("metrics.http", func(c context.Context) error {
			return metrics.Serve(c, opts, a.registry, a.log)
		})
	}

	if a.sched.Enabled() {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			a.log.Warn("scheduler start failed", logx.Err(err))
		}
	}

	a.startEventLog()
	a.startReloadLoop()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.startSystemd()

	a.log.Info("harvester started",
		logx.String("storage", cfg.Storage.Driver),
		logx.String("sandbox", cfg.Sandbox.Backend),
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("notifier", a.notif.Enabled()),
	)
	return nil
}

// health fails when the database is unreachable or a supervised goroutine
// has died for good.
func (a *App) health(ctx context.Context) error {
	if err := a.store.Ping(ctx); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	return a.sup.Healthy()
}

// Routines reports the supervised background goroutines.
func (a *App) Routines() []rtsup.Routine { return a.sup.Snapshot() }

func (a *App) startEventLog() {
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
}

// Stop shuts components down in dependency order. Each step is time-bounded
// so one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason string) error {
	if a.sup == nil {
		a.closeAll()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", reason))
	if a.mode == ModeServe {
		notifyStopping(a.log)
	}
	a.sup.Cancel()

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", 10*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "notifier", 5*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "resources", 2*time.Second, func(context.Context) error { return a.closeResources() })

	if n := a.bus.Dropped(); n > 0 {
		a.log.Warn("events dropped by slow subscribers", logx.Uint64("events", n))
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped, no time left", logx.String("name", name))
		return
	}
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
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}

func (a *App) closeResources() error {
	var errs []error
	if a.box != nil {
		errs = append(errs, a.box.Close())
	}
	if a.pages != nil {
		errs = append(errs, a.pages.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// closeAll releases resources of an app that never started.
func (a *App) closeAll() {
	if err := a.closeResources(); err != nil {
		a.log.Warn("close failed", logx.Err(err))
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

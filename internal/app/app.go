package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"scmbridge/internal/config"
	"scmbridge/internal/eventbus"
	"scmbridge/internal/httpapi"
	"scmbridge/internal/jobstore"
	"scmbridge/internal/manage"
	"scmbridge/internal/metrics"
	rtsup "scmbridge/internal/runtime/supervisor"
	"scmbridge/internal/storage"
	"scmbridge/internal/sysconfig"
	"scmbridge/internal/task/builtin"
	"scmbridge/internal/task/engine"
	"scmbridge/internal/task/handler"
	"scmbridge/internal/task/scheduler"
	"scmbridge/internal/upstream"
	"scmbridge/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	stores     *storage.Registry
	prober     *storage.Prober
	jobs       *jobstore.GormRegistry
	sysconf    *sysconfig.Store
	upstream   *upstream.Connector
	handlers   *handler.Registry
	chargeSync *builtin.ChargeSync

	engine  *engine.Service
	sched   *scheduler.Service
	metrics *metrics.Collector
	manage  *manage.Service
	http    *httpapi.Server
}

// New loads the config file and builds every component. Nothing runs until
// Start. A store that cannot be constructed is recorded, not fatal.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logConfig(cfg.Logging))
	bus := eventbus.New()

	storeCfgs, err := mapStoreConfigs(cfg)
	if err != nil {
		return nil, err
	}
	stores, err := storage.Open(storeCfgs, storage.Marker(cfg.DefaultStoreOrFallback()),
		log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	prober := storage.NewProber(stores, cfg.ProbeTimeout(),
		storage.WithProbeLogger(log.With(logx.String("comp", "prober"))),
		storage.WithProbeBus(bus),
	)

	registryMarker := storage.Marker(cfg.Registry.Store)
	jobs := jobstore.NewGormRegistry(stores, registryMarker)
	sysconf := sysconfig.New(stores, registryMarker)
	up := upstream.NewConnector(sysconf, cfg.Upstream.KeyPrefixOrDefault(), log.With(logx.String("comp", "upstream")))

	handlers := handler.NewRegistry(handler.DefaultNamespace)
	cs, err := builtin.Register(handlers, builtin.Deps{
		Stores:       stores,
		Prober:       prober,
		Upstream:     up,
		Target:       storage.Marker(cfg.DefaultStoreOrFallback()),
		RecentWindow: cfg.Upstream.RecentWindowOrDefault(),
		Log:          log,
	})
	if err != nil {
		_ = stores.Close()
		return nil, fmt.Errorf("register handlers: %w", err)
	}

	es := cfg.EngineSettings()
	eng := engine.New(engine.Config{
		Workers:        es.Workers,
		QueueSize:      es.QueueSize,
		DefaultTimeout: es.DefaultTimeout,
		HistorySize:    es.HistorySize,
	}, log.With(logx.String("comp", "taskengine")))

	invoker := scheduler.NewInvoker(jobs, handlers,
		scheduler.WithInvokerLogger(log),
		scheduler.WithInvokerBus(bus),
	)
	sched := scheduler.New(scheduler.ConfigFrom(cfg.Scheduler), jobs, invoker, eng, log, bus)

	coll := metrics.NewCollector(eng.Snapshot)
	mgr := manage.New(manage.Deps{
		Scheduler: sched,
		Handlers:  handlers,
		Prober:    prober,
		SysConfig: sysconf,
		Engine:    eng,
		Log:       log,
	})
	routes := httpapi.Routes{Manage: mgr, Metrics: coll.Handler(), Log: log.With(logx.String("comp", "http"))}
	srv := httpapi.NewServer(httpapi.ConfigFrom(cfg.HTTP), routes.Handler, log)

	return &App{
		cfgm:       cfgm,
		log:        log.With(logx.String("comp", "app")),
		logs:       logSvc,
		bus:        bus,
		stores:     stores,
		prober:     prober,
		jobs:       jobs,
		sysconf:    sysconf,
		upstream:   up,
		handlers:   handlers,
		chargeSync: cs,
		engine:     eng,
		sched:      sched,
		metrics:    coll,
		manage:     mgr,
		http:       srv,
	}, nil
}

// Manage exposes the management operations (used by one-shot CLI commands).
func (a *App) Manage() *manage.Service { return a.manage }

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

// Reload rereads the config file. A changed file is applied by the reload
// loop; the returned bool reports whether anything was published.
func (a *App) Reload(ctx context.Context) (bool, error) {
	return a.cfgm.Reload(ctx)
}

// Migrate creates the registry, system config and charge tables. A store that
// is down only produces a warning so the remaining stores keep serving.
func (a *App) Migrate(ctx context.Context) {
	type migration struct {
		table string
		fn    func(context.Context) error
	}
	steps := []migration{
		{"scheduled_task", a.jobs.Migrate},
		{"sys_config", a.sysconf.Migrate},
	}
	if a.chargeSync != nil {
		steps = append(steps, migration{"charge tables", a.chargeSync.Migrate})
	}
	for _, m := range steps {
		if err := m.fn(ctx); err != nil {
			a.log.Warn("migration failed", logx.String("table", m.table), logx.Err(err))
		}
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapStoreConfigs(cfg)
		return err
	})

	cfg := a.cfgm.Get()
	if cfg.AutoMigrate() {
		a.Migrate(ctx)
	}

	for _, st := range a.prober.ProbeAll(ctx) {
		if st.Available {
			a.log.Info("store available", logx.String("store", st.Name), logx.Duration("took", st.Took))
		} else {
			a.log.Warn("store unavailable", logx.String("store", st.Name), logx.String("err", st.Error))
		}
	}

	runCtx := a.sup.Context()
	a.engine.Start(runCtx)
	if cfg.Scheduler.Enabled {
		a.sched.Start(runCtx)
	}
	a.http.Start(runCtx)

	a.sup.Go("metrics.events", func(c context.Context) error {
		return a.metrics.Run(c, a.bus)
	})
	a.sup.Go("eventbus.log", func(c context.Context) error {
		events, unsub := a.bus.Subscribe(128)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
	)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return watchdogLoop(c, a.log)
	})

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)
	a.sup.Cancel()

	a.step(ctx, "http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && err != context.Canceled {
			return err
		}
		return nil
	})
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.closeStores() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// Close releases the pools without a prior Start (one-shot commands).
func (a *App) Close() error {
	err := a.closeStores()
	if cerr := a.logs.Close(); err == nil {
		err = cerr
	}
	return err
}

func (a *App) closeStores() error {
	err := a.upstream.Close()
	if cerr := a.stores.Close(); err == nil {
		err = cerr
	}
	return err
}

// step runs one shutdown step with an upper bound so a stuck component cannot
// stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: no time left", logx.String("name", name))
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
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}

func logConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    c.Alerts.Enabled,
			Path:       c.Alerts.Path,
			MinLevel:   c.Alerts.MinLevel,
			RatePerSec: c.Alerts.RatePerSec,
		},
	}
}

package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"greenbox/internal/config"
	"greenbox/internal/controller"
	"greenbox/internal/eventbus"
	"greenbox/internal/metrics"
	"greenbox/internal/notifier"
	"greenbox/internal/observability/httpserver"
	rtsup "greenbox/internal/runtime/supervisor"
	"greenbox/internal/sensor"
	"greenbox/internal/storage"
	"greenbox/internal/task/scheduler"
	logx "greenbox/pkg/logx"
	"greenbox/pkg/systemd"
)

// Option customizes NewApp.
type Option func(*options)

type options struct {
	verbose bool
	sensors []sensor.Sensor
	sender  notifier.Sender
	clock   scheduler.Clock
	sd      *systemd.Notifier
}

// WithVerbose forces debug logging regardless of logging.level.
func WithVerbose(v bool) Option { return func(o *options) { o.verbose = v } }

// WithSensors replaces the simulated sensors built from config.
func WithSensors(s ...sensor.Sensor) Option { return func(o *options) { o.sensors = s } }

// WithSender replaces the notification transport built from config.
func WithSender(s notifier.Sender) Option { return func(o *options) { o.sender = s } }

func WithClock(c scheduler.Clock) Option { return func(o *options) { o.clock = c } }

func WithSystemd(n *systemd.Notifier) Option { return func(o *options) { o.sd = n } }

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor
	opts options

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	clock scheduler.Clock

	metrics *metrics.Metrics
	sched   *scheduler.Scheduler
	ctrl    *controller.Controller
	notif   *notifier.Service
	http    *httpserver.Server
	sd      *systemd.Notifier

	mu        sync.Mutex
	retention time.Duration

	tasksMu sync.Mutex
	tasks   map[string]registeredTask
}

// NewApp loads cfgPath and builds every component. A missing config file
// is not an error: defaults are used and a warning is logged.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	missing := errors.Is(err, fs.ErrNotExist)
	switch {
	case missing:
		cfg = config.Default()
		cfgm.Commit(cfg)
	case err != nil:
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := ValidateTasks(cfg); err != nil {
		return nil, err
	}

	logSvc, base := logx.New(mapLogConfig(cfg, o.verbose))
	log := base.With(logx.String("comp", "app"))
	if missing {
		log.Warn("config file not found; using defaults", logx.String("path", cfgPath))
	}

	bus := eventbus.New()
	fail := func(err error, store storage.Store) (*App, error) {
		if store != nil {
			_ = store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return fail(err, nil)
	} else if enabled {
		st, err := storage.Open(sc, base)
		if err != nil {
			return fail(fmt.Errorf("open storage: %w", err), nil)
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}
	retention, err := mapRetention(cfg)
	if err != nil {
		return fail(err, store)
	}

	met := metrics.New()
	clock := o.clock
	if clock == nil {
		clock = scheduler.SystemClock()
	}
	sched := scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone},
		base.With(logx.String("comp", "scheduler")),
		scheduler.WithSchedulerClock(clock),
		scheduler.WithObserver(sweepObserver{next: met, bus: bus}),
	)

	sensors := o.sensors
	if sensors == nil {
		sensors, err = buildSensors(cfg, base.With(logx.String("comp", "sensor")))
		if err != nil {
			return fail(err, store)
		}
	}

	ccfg, err := mapControllerConfig(cfg)
	if err != nil {
		return fail(err, store)
	}
	deps := controller.Deps{
		Sensors:  sensors,
		Sweeper:  sched,
		Bus:      bus,
		Observer: met,
		Logger:   base,
		Now:      clock.Now,
	}
	if store != nil {
		deps.Recorder = store
	}
	ctrl, err := controller.New(ccfg, deps)
	if err != nil {
		return fail(err, store)
	}

	ncfg, err := mapNotifierConfig(cfg, store != nil)
	if err != nil {
		return fail(err, store)
	}
	sender := o.sender
	if sender == nil {
		sender, err = mapSender(cfg, base)
		if err != nil {
			return fail(fmt.Errorf("notifier: %w", err), store)
		}
	}
	var dedup notifier.DedupStore
	if store != nil {
		dedup = store
	}
	notif := notifier.New(ncfg, sender, base, bus, dedup)

	sd := o.sd
	if sd == nil {
		sd = systemd.New(base.With(logx.String("comp", "systemd")))
	}

	a := &App{
		cfgm:      cfgm,
		opts:      o,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		clock:     clock,
		metrics:   met,
		sched:     sched,
		ctrl:      ctrl,
		notif:     notif,
		sd:        sd,
		retention: retention,
		tasks:     map[string]registeredTask{},
	}
	a.http = httpserver.New(mapHTTPConfig(cfg), met.Handler(), a.health, base)

	if err := a.syncTasks(cfg.Scheduler.Tasks); err != nil {
		return fail(err, store)
	}
	return a, nil
}

func (a *App) Config() *config.Config { return a.cfgm.Get() }

func (a *App) Controller() *controller.Controller { return a.ctrl }

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

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

func (a *App) health() error {
	if !a.ctrl.Running() {
		return errors.New("controller not running")
	}
	return nil
}

// validate is the transactional hook run before a reloaded config is
// committed.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if err := ValidateTasks(cfg); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := mapControllerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg, false); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	_, err := mapRetention(cfg)
	return err
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	cfg := a.cfgm.Get()
	runCtx := a.sup.Context()

	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	a.http.Start(runCtx)

	a.sup.Go("controller", a.ctrl.Run)
	a.sup.Go("alerts.forward", func(c context.Context) error {
		return a.notif.Forward(c, a.bus)
	})
	a.sup.Go("metrics.notifier", func(c context.Context) error {
		return a.metrics.CountNotifierEvents(c, a.bus)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				// Debug-level: readings arrive every cycle.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
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

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if cfg.Systemd.Watchdog {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return a.sd.Watchdog(c, a.ctrl.Running)
		})
	}
	if cfg.Systemd.Notify {
		a.sd.Ready()
		a.sd.Status("monitoring")
	}

	a.log.Info("app started", logx.Int("tasks", a.sched.Len()))
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if next.Systemd.Notify {
		a.sd.Reloading()
		defer a.sd.Ready()
	}

	for _, s := range sections {
		switch s {
		case "storage", "sensors", "systemd":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}
	if strings.TrimSpace(prev.Scheduler.Timezone) != strings.TrimSpace(next.Scheduler.Timezone) {
		a.log.Warn("scheduler.timezone changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogConfig(next, a.opts.verbose))

	if ccfg, err := mapControllerConfig(next); err != nil {
		a.log.Warn("invalid controller config; keeping previous", logx.Err(err))
	} else {
		a.ctrl.Apply(ccfg)
	}

	if r, err := mapRetention(next); err == nil {
		a.mu.Lock()
		a.retention = r
		a.mu.Unlock()
	}
	if err := a.syncTasks(next.Scheduler.Tasks); err != nil {
		a.log.Warn("some tasks were not registered", logx.Err(err))
	}

	a.applyNotifier(ctx, prev, next)
	a.http.Reconfigure(ctx, mapHTTPConfig(next))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyNotifier(ctx context.Context, prev, next *config.Config) {
	ncfg, err := mapNotifierConfig(next, a.store != nil)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	if a.opts.sender == nil && senderChanged(prev, next) {
		sender, err := mapSender(next, a.logs.Logger())
		if err != nil {
			a.log.Warn("notifier transport not updated", logx.Err(err))
		} else {
			a.notif.SetSender(sender)
		}
	}

	wasEnabled := a.notif.Enabled()
	a.notif.Apply(ncfg)
	switch {
	case wasEnabled && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasEnabled && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}
}

func senderChanged(prev, next *config.Config) bool {
	var pt, nt string
	var pc, nc int64
	if prev.Notifier != nil {
		pt, pc = prev.Notifier.TelegramToken, prev.Notifier.ChatID
	}
	if next.Notifier != nil {
		nt, nc = next.Notifier.TelegramToken, next.Notifier.ChatID
	}
	return pt != nt || pc != nc
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.cfgm.Get().Systemd.Notify {
		a.sd.Stopping()
	}

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// step runs one shutdown step with an upper bound so one component
	// can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
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
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; a late return is logged as a leak.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("controller", 2*time.Second, func(context.Context) error { a.ctrl.Stop(); return nil })
	step("http", 1*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })

	// Supervised goroutines (controller loop, config watch/reload) must be
	// gone before storage closes under them.
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

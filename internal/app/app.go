// Package app wires the heartbeat ticker, event bus, liveness monitor,
// storage and operator endpoints into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"pulse/internal/config"
	"pulse/internal/eventbus"
	"pulse/internal/heartbeat"
	"pulse/internal/metrics"
	"pulse/internal/monitor"
	"pulse/internal/observability/diag"
	rtsup "pulse/internal/runtime/supervisor"
	"pulse/internal/storage"
	"pulse/pkg/logx"
	"pulse/pkg/systemd"
)

type Option func(*options)

type options struct {
	serverID string
	registry *prometheus.Registry
}

// WithServerID overrides every other server id source.
func WithServerID(id string) Option {
	return func(o *options) { o.serverID = strings.TrimSpace(id) }
}

// WithRegistry sets the Prometheus registry (a fresh one by default).
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	serverID string
	bus      eventbus.Bus
	store    storage.Store
	ticker   *heartbeat.Ticker
	mon      *monitor.Monitor
	diag     *diag.Service
	notify   *systemd.Notifier

	watchdogTask string
}

// Status is the /status document.
type Status struct {
	Ticker     heartbeat.Snapshot `json:"ticker"`
	Peers      []monitor.Peer     `json:"peers,omitempty"`
	Supervisor rtsup.Snapshot     `json:"supervisor"`
	Bus        string             `json:"bus"`
	Storage    string             `json:"storage,omitempty"`
}

// New loads the config at cfgPath and builds every component. Network
// buses connect here, bounded by ctx.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
		o.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateMapped(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	serverID := o.serverID
	if serverID == "" {
		if serverID, err = config.ResolveServerID(cfg); err != nil {
			_ = logSvc.Close()
			return nil, err
		}
	}

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		serverID: serverID,
		notify:   systemd.New(cfg.Systemd.NotifyEnabled(), log),
	}
	if err := a.build(ctx, cfg, o.registry); err != nil {
		a.closeResources()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, reg *prometheus.Registry) error {
	mc := metrics.NewPrometheus(reg, "pulse")

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return err
	} else if enabled {
		st, err := storage.Open(sc, a.log.With(logx.String("comp", "storage")))
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	bc, err := mapBusConfig(cfg)
	if err != nil {
		return err
	}
	bus, err := eventbus.Open(ctx, bc, a.log.With(logx.String("comp", "eventbus")))
	if err != nil {
		return fmt.Errorf("eventbus: %w", err)
	}
	a.bus = bus

	tc, err := mapTickerConfig(cfg, a.serverID)
	if err != nil {
		return err
	}
	tk, err := heartbeat.New(tc, bus, a.log.With(logx.String("comp", "heartbeat")), heartbeat.WithMetrics(mc))
	if err != nil {
		return err
	}
	a.ticker = tk

	if cfg.Monitor.Enabled {
		monCfg, err := mapMonitorConfig(cfg, a.serverID)
		if err != nil {
			return err
		}
		mopts := []monitor.Option{monitor.WithMetrics(mc)}
		if a.store != nil {
			mopts = append(mopts, monitor.WithStore(a.store))
		}
		if a.mon, err = monitor.New(monCfg, a.log, mopts...); err != nil {
			return err
		}
	}

	dc, err := mapDiagConfig(cfg)
	if err != nil {
		return err
	}
	a.diag = diag.New(dc, a.log, diag.WithGatherer(reg), diag.WithStatus(func() any { return a.Status() }))
	return nil
}

func (a *App) ServerID() string { return a.serverID }

func (a *App) Ticker() *heartbeat.Ticker { return a.ticker }

func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Monitor() *monitor.Monitor { return a.mon }

// Status reports a point-in-time view of every component.
func (a *App) Status() Status {
	st := Status{
		Ticker:     a.ticker.Snapshot(),
		Supervisor: a.sup.Snapshot(),
		Bus:        fmt.Sprintf("%T", a.bus),
	}
	if a.mon != nil {
		st.Peers = a.mon.Peers()
	}
	if a.store != nil {
		st.Storage = fmt.Sprintf("%T", a.store)
	}
	return st
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

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return heartbeat.ErrAlreadyStarted
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateMapped(cfg)
	})

	runCtx := a.sup.Context()
	if a.mon != nil {
		if err := a.mon.Start(runCtx, a.bus, a.ticker); err != nil {
			return fmt.Errorf("monitor: %w", err)
		}
	}

	if wd := a.notify.WatchdogInterval(); wd > 0 {
		id, err := a.ticker.Register(func(ctx context.Context, _ heartbeat.Call) error {
			return a.notify.Ping(ctx)
		}, wd, nil, nil)
		if err != nil {
			return fmt.Errorf("watchdog: %w", err)
		}
		a.watchdogTask = id
		a.log.Info("systemd watchdog enabled", logx.Duration("ping_every", wd))
	}

	if err := a.ticker.Start(runCtx); err != nil {
		return err
	}
	a.diag.Start(runCtx)

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
	// arm synchronously so an edit right after Start returns is seen
	watch, err := a.cfgm.Arm()
	if err != nil {
		a.log.Warn("config watch not armed; retrying in background", logx.Err(err))
		watch = a.cfgm.Watch
	}
	a.sup.Go("config.watch", watch)

	a.notify.Ready("server_id=" + a.serverID)
	a.log.Info("app started", logx.String("server_id", a.serverID))
	return nil
}

// applyConfig applies the hot sections of newCfg and warns about the rest.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if dc, err := mapDiagConfig(newCfg); err != nil {
		a.log.Warn("invalid diag config; keeping previous", logx.Err(err))
	} else {
		a.diag.Reconfigure(ctx, dc)
	}

	if pending := config.RestartRequired(sections); len(pending) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(pending, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.Stopping()

	// Cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("monitor", time.Second, func(context.Context) error {
		if a.mon == nil {
			return nil
		}
		return a.mon.Stop()
	})
	if a.watchdogTask != "" {
		a.ticker.Unregister(a.watchdogTask)
	}
	step("ticker", 3*time.Second, func(c context.Context) error {
		if err := a.ticker.Stop(c); err != nil && !errors.Is(err, heartbeat.ErrNotStarted) {
			return err
		}
		return nil
	})
	step("diag", time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	step("eventbus", 2*time.Second, func(c context.Context) error { return a.bus.Close(c) })
	step("storage", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})
	// Finally, wait for supervised goroutines (config watch/reload).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped", logx.Uint64("count", a.ticker.Count()))
	_ = a.logs.Close()
	return errors.Join(errs...)
}

func (a *App) closeResources() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if a.bus != nil {
		_ = a.bus.Close(ctx)
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

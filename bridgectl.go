// Package bridgectl wires the lock table, lifecycle controller, reconciliation
// loop and presentation API of a remote bridge client into one App.
package bridgectl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/bridgectl/internal/config"
	"github.com/loykin/bridgectl/internal/configstore"
	"github.com/loykin/bridgectl/internal/gateway"
	"github.com/loykin/bridgectl/internal/history"
	historyfactory "github.com/loykin/bridgectl/internal/history/factory"
	"github.com/loykin/bridgectl/internal/lifecycle"
	"github.com/loykin/bridgectl/internal/lock"
	"github.com/loykin/bridgectl/internal/metrics"
	"github.com/loykin/bridgectl/internal/notify"
	"github.com/loykin/bridgectl/internal/persist"
	"github.com/loykin/bridgectl/internal/reconcile"
	"github.com/loykin/bridgectl/internal/server"
	"github.com/loykin/bridgectl/internal/store"
	servertls "github.com/loykin/bridgectl/internal/tls"
	storefactory "github.com/loykin/bridgectl/internal/store/factory"
	"github.com/loykin/bridgectl/pkg/client"
)

// Re-export core types for external consumers.

type Config = config.FileConfig

type Configuration = configstore.Configuration

type Entry = lock.Entry

type Status = reconcile.Status

type Event = notify.Event

type DeleteOptions = lifecycle.DeleteOptions

// LoadConfig reads a configuration file; an empty path yields defaults.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Options override components built from the configuration. Nil fields are
// built from Config.
type Options struct {
	Logger     *slog.Logger
	Gateway    gateway.Gateway
	Configs    configstore.Store
	KV         store.KV
	Registerer prometheus.Registerer
}

// App owns every component of a running client.
type App struct {
	cfg      *Config
	logger   *slog.Logger
	kv       store.KV
	table    *lock.Table
	gw       gateway.Gateway
	configs  configstore.Store
	bus      *notify.Bus
	ctrl     *lifecycle.Controller
	loop     *reconcile.Loop
	recorder *history.Recorder
	cacheSub *notify.Subscription

	mu        sync.Mutex
	srv       *http.Server
	serving   bool
	closeOnce sync.Once
	closeErr  error
}

// New builds an App and restores the persisted lock table.
func New(ctx context.Context, cfg *Config, opts Options) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Logger
	if log == nil {
		log = cfg.Log.NewSlogger()
	}
	a := &App{cfg: cfg, logger: log}

	if cfg.Metrics.Enabled {
		reg := opts.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		if err := metrics.Register(reg); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	kv := opts.KV
	if kv == nil {
		var err error
		if kv, err = storefactory.NewFromDSN(cfg.Persistence.DSN); err != nil {
			return nil, fmt.Errorf("open persistence store: %w", err)
		}
	}
	if err := kv.EnsureSchema(ctx); err != nil {
		_ = kv.Close()
		return nil, fmt.Errorf("prepare persistence store: %w", err)
	}
	a.kv = kv
	layer := persist.New(kv, persist.Config{Key: cfg.Persistence.Key, TTL: cfg.Persistence.TTL, Logger: log.With("component", "persist")})
	a.table = lock.NewTable(layer, lock.Options{Logger: log.With("component", "lock")})
	a.table.Restore(layer.Load(ctx))

	a.configs = opts.Configs
	if a.configs == nil {
		if cfg.Path != "" {
			f, err := configstore.OpenFile(cfg.Path, log.With("component", "configstore"))
			if err != nil {
				_ = a.table.Close()
				_ = kv.Close()
				return nil, err
			}
			a.configs = f
		} else {
			a.configs = configstore.NewStatic()
		}
	}

	a.gw = opts.Gateway
	if a.gw == nil {
		cc := cfg.Gateway.ClientConfig()
		cc.Logger = log.With("component", "gateway")
		a.gw = client.New(cc)
	}

	a.bus = notify.NewBus(log.With("component", "notify"))
	lo := cfg.Lifecycle.Options()
	lo.Logger, lo.Publisher = log, a.bus
	a.ctrl = lifecycle.New(a.table, a.gw, a.configs, lo)
	a.loop = reconcile.New(a.table, a.gw, a.configs, reconcile.Options{
		Logger:    log,
		Publisher: a.bus,
		Interval:  cfg.Reconcile.Interval,
		Freshness: cfg.Reconcile.Freshness,
	})
	// a transition makes the cached remote view stale
	a.cacheSub = a.bus.SubscribeFunc(notify.OfType(notify.TypeStateTransition), func(notify.Event) {
		a.loop.Cache().Invalidate()
	})

	if cfg.History.Enabled && len(cfg.History.Sinks) > 0 {
		sinks, err := historyfactory.OpenAll(cfg.History.Sinks)
		if err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
		a.recorder = history.NewRecorder(a.bus, sinks, history.RecorderOptions{Logger: log, Retries: cfg.History.Retries})
	}
	return a, nil
}

func (a *App) Config() *Config                   { return a.cfg }
func (a *App) Logger() *slog.Logger              { return a.logger }
func (a *App) Table() *lock.Table                { return a.table }
func (a *App) Controller() *lifecycle.Controller { return a.ctrl }
func (a *App) Loop() *reconcile.Loop             { return a.loop }
func (a *App) Bus() *notify.Bus                  { return a.bus }
func (a *App) Configs() configstore.Store        { return a.configs }

func (a *App) Start(ctx context.Context, configID string) error { return a.ctrl.Start(ctx, configID) }
func (a *App) Stop(ctx context.Context, configID string) error  { return a.ctrl.Stop(ctx, configID) }
func (a *App) Delete(ctx context.Context, configID string, opts DeleteOptions) error {
	return a.ctrl.Delete(ctx, configID, opts)
}
func (a *App) ForceUnlock(configID string) bool { return a.ctrl.ForceUnlock(configID) }
func (a *App) Locks() []Entry                   { return a.table.Entries() }
func (a *App) Statuses(ctx context.Context, refresh bool) ([]Status, error) {
	return a.loop.Statuses(ctx, refresh)
}
func (a *App) Reconcile(ctx context.Context) (reconcile.Result, error) { return a.loop.Tick(ctx) }

// Flush waits until the lock table has been written to the persistence store.
func (a *App) Flush(ctx context.Context) error { return a.table.Flush(ctx) }

// Router returns the presentation API for mounting in another server.
func (a *App) Router() *server.Router {
	r := server.NewRouter(a.ctrl, a.loop, a.bus, a.cfg.Server.BasePath)
	if a.cfg.Metrics.Enabled {
		r.WithMetrics(a.cfg.Metrics.Path)
	}
	return r
}

// Serve starts the background parts of a long-running client: the
// reconciliation loop, configuration file watching and the HTTP API when a
// listen address is configured. It returns immediately.
func (a *App) Serve() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.serving {
		return errors.New("app already serving")
	}
	a.serving = true
	if a.cfg.Reconcile.Enabled {
		a.loop.Start()
	}
	if f, ok := a.configs.(*configstore.File); ok {
		f.Watch()
	}
	if a.cfg.Server.Listen != "" {
		tlsCfg, err := servertls.Setup(a.cfg.Server.TLS)
		if err != nil {
			return fmt.Errorf("api tls: %w", err)
		}
		srv, err := server.NewServer(a.cfg.Server.Listen, a.Router(), tlsCfg)
		if err != nil {
			return fmt.Errorf("api listen: %w", err)
		}
		a.srv = srv
		a.logger.Info("api listening", "addr", a.cfg.Server.Listen, "base_path", a.cfg.Server.BasePath, "tls", tlsCfg != nil)
	}
	return nil
}

// Close stops everything in reverse order of construction and flushes the
// lock table. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		var errs []error
		a.mu.Lock()
		srv := a.srv
		a.mu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown api: %w", err))
			}
		}
		if err := a.loop.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop reconcile: %w", err))
		}
		a.ctrl.Close()
		a.bus.Unsubscribe(a.cacheSub)
		if a.recorder != nil {
			if err := a.recorder.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close history: %w", err))
			}
		}
		a.bus.Close()
		if err := a.table.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close lock table: %w", err))
		}
		if err := a.kv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close persistence store: %w", err))
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

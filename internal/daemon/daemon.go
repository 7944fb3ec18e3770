// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package daemon wires the stores, the pipeline and the HTTP surface into
// one process and owns their lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/botpipe/internal/api"
	"github.com/ManuGH/botpipe/internal/bus"
	"github.com/ManuGH/botpipe/internal/cache"
	"github.com/ManuGH/botpipe/internal/config"
	"github.com/ManuGH/botpipe/internal/converse"
	"github.com/ManuGH/botpipe/internal/dialog"
	"github.com/ManuGH/botpipe/internal/engine"
	"github.com/ManuGH/botpipe/internal/event"
	"github.com/ManuGH/botpipe/internal/kvs"
	"github.com/ManuGH/botpipe/internal/log"
	"github.com/ManuGH/botpipe/internal/persistence/sqlite"
	"github.com/ManuGH/botpipe/internal/resilience"
	"github.com/ManuGH/botpipe/internal/session"
	"github.com/ManuGH/botpipe/internal/session/store"
	"github.com/ManuGH/botpipe/internal/telemetry"
)

const (
	defaultShutdownTimeout = 15 * time.Second
	cacheBreakerThreshold  = 5
	cacheBreakerReset      = 30 * time.Second
	readHeaderTimeout      = 5 * time.Second
	readTimeout            = 10 * time.Second
	idleTimeout            = 60 * time.Second
)

// Config holds daemon configuration.
type Config struct {
	Version string
	// ConfigPath is the YAML config file. Empty uses defaults and the environment.
	ConfigPath string
	// ShutdownTimeout bounds the graceful HTTP shutdown.
	ShutdownTimeout time.Duration
}

// Daemon is one running botpipe instance.
type Daemon struct {
	conf     Config
	app      config.AppConfig
	provider *config.Provider
	logger   zerolog.Logger

	store    *store.SqliteStore
	bots     *kvs.BadgerStore
	cache    cache.Cache
	redis    *cache.RedisCache
	bus      *bus.MemoryBus
	engine   *engine.Engine
	echo     *dialog.EchoEngine
	sessions *session.Manager
	janitor  *session.Janitor
	converse *converse.Service
	api      *api.Server

	telemetry *telemetry.Provider

	mu   sync.Mutex
	addr string
}

// New loads the configuration and builds every component. Close releases
// what New opened, whether or not Run was called.
func New(ctx context.Context, conf Config) (*Daemon, error) {
	if conf.ShutdownTimeout <= 0 {
		conf.ShutdownTimeout = defaultShutdownTimeout
	}

	app, err := config.NewLoader(conf.ConfigPath, conf.Version).Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return NewFromConfig(ctx, conf, app)
}

// NewFromConfig builds every component from an already loaded configuration.
func NewFromConfig(ctx context.Context, conf Config, app config.AppConfig) (*Daemon, error) {
	if conf.ShutdownTimeout <= 0 {
		conf.ShutdownTimeout = defaultShutdownTimeout
	}
	log.Configure(log.Config{Level: app.Log.Level, Service: "botpipe", Version: app.Version})

	d := &Daemon{conf: conf, app: app, logger: log.WithComponent("daemon")}
	if err := d.build(ctx); err != nil {
		if cerr := d.Close(); cerr != nil {
			d.logger.Warn().Err(cerr).Msg("cleanup after failed start")
		}
		return nil, err
	}
	return d, nil
}

// build opens the stores and wires the pipeline. Whatever it opened before
// failing is released by Close.
func (d *Daemon) build(ctx context.Context) error {
	app := d.app

	d.provider = config.NewProvider(app)
	if err := d.provider.LoadBots(); err != nil {
		return fmt.Errorf("failed to load bot configs: %w", err)
	}

	if err := d.openStores(ctx); err != nil {
		return err
	}

	if tp, terr := telemetry.NewProvider(ctx, telemetry.FromAppConfig(app)); terr != nil {
		d.logger.Warn().Err(terr).Msg("telemetry initialization failed, continuing without tracing")
	} else {
		d.telemetry = tp
	}

	d.bus = bus.NewMemoryBus()
	d.engine = engine.New(engine.Options{
		Bus:                      d.bus,
		DefaultMiddlewareTimeout: app.Middleware.DefaultTimeout,
	})

	d.sessions = session.NewManager(session.Options{
		Sessions:      d.store,
		Users:         d.store,
		Bots:          d.bots,
		Policy:        d.provider,
		Cache:         d.cache,
		CacheTTL:      app.Session.CacheTTL,
		BatchSize:     app.Session.BatchSize,
		FlushInterval: app.Session.FlushInterval,
	})
	d.engine.SetHooks(engine.Hooks{
		BeforeIncoming: d.sessions.Restore,
		AfterIncoming: func(ctx context.Context, e *event.Event) error {
			return d.sessions.Persist(ctx, e, false)
		},
	})

	d.echo = dialog.NewEchoEngine(d.engine, d.bus)
	if err := d.engine.Register(dialog.Middleware(d.echo)); err != nil {
		return fmt.Errorf("register dialog middleware: %w", err)
	}
	d.janitor = session.NewJanitor(d.sessions, d.echo, session.JanitorConfig{Interval: d.provider.JanitorInterval()})

	d.converse = converse.NewService(converse.Options{
		Engine:   d.engine,
		Bus:      d.bus,
		Users:    d.store,
		Settings: d.provider,
	})
	if err := d.converse.Install(); err != nil {
		return err
	}

	tracing := ""
	if app.Telemetry.Enabled {
		tracing = app.Telemetry.ServiceName
	}
	d.api = api.New(api.Options{
		Converse:       d.converse,
		Health:         d.healthChecks(),
		RateLimit:      app.HTTP.RateLimit,
		TracingService: tracing,
	})

	d.logger.Info().
		Str("version", app.Version).
		Str("database", app.Database.Path).
		Bool("cache", d.cache != nil).
		Strs("bots", d.provider.Bots()).
		Msg("daemon initialized")
	return nil
}

func (d *Daemon) openStores(ctx context.Context) error {
	if dir := filepath.Dir(d.app.Database.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create database dir: %w", err)
		}
	}
	st, err := store.NewSqliteStore(d.app.Database.Path)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	d.store = st

	problems, err := sqlite.VerifyIntegrity(ctx, st.DB, "quick")
	if err != nil {
		return fmt.Errorf("verify session store: %w", err)
	}
	if len(problems) > 0 {
		return fmt.Errorf("session store integrity check failed: %v", problems)
	}

	d.bots, err = kvs.OpenBadgerStore(d.app.KVS.Path)
	if err != nil {
		return err
	}

	switch {
	case d.app.Redis.Addr != "":
		rc, err := cache.NewRedisCache(ctx, cache.RedisConfig{
			Addr:     d.app.Redis.Addr,
			Password: d.app.Redis.Password,
			DB:       d.app.Redis.DB,
		}, log.WithComponent("cache"))
		if err != nil {
			return fmt.Errorf("open session cache: %w", err)
		}
		d.redis = rc
		d.cache = cache.NewGuarded(rc, resilience.NewCircuitBreaker("session_cache", cacheBreakerThreshold, cacheBreakerReset))
	case d.app.Session.CacheEnabled:
		d.cache = cache.NewMemoryCache(d.app.Session.CacheTTL)
	}
	return nil
}

func (d *Daemon) healthChecks() map[string]api.HealthCheck {
	checks := map[string]api.HealthCheck{
		"sqlite": func(ctx context.Context) error { return d.store.DB.PingContext(ctx) },
	}
	if d.redis != nil {
		checks["redis"] = d.redis.HealthCheck
	}
	return checks
}

// Handler returns the HTTP handler of the daemon.
func (d *Daemon) Handler() http.Handler {
	return d.api
}

// Addr returns the address the HTTP server listens on once Run has bound it.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}

// Run starts every background loop and the HTTP server and blocks until ctx
// is cancelled or one of them fails.
func (d *Daemon) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.app.HTTP.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.app.HTTP.ListenAddr, err)
	}
	d.mu.Lock()
	d.addr = ln.Addr().String()
	d.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)

	// The flush loop outlives the engine so writes of the last events are drained.
	flushCtx, stopFlush := context.WithCancel(context.WithoutCancel(ctx))
	g.Go(func() error {
		defer stopFlush()
		return d.engine.Run(ctx)
	})
	g.Go(func() error { return d.sessions.Run(flushCtx) })
	g.Go(func() error { return d.janitor.Run(ctx) })
	g.Go(func() error { return d.converse.Run(ctx) })
	g.Go(func() error {
		if err := d.provider.Watch(ctx); err != nil {
			d.logger.Warn().Err(err).Str(log.FieldEvent, "config.watcher_failed").Msg("bot config watcher stopped")
		}
		return nil
	})
	g.Go(func() error { return d.serve(ctx, ln) })

	return g.Wait()
}

func (d *Daemon) serve(ctx context.Context, ln net.Listener) error {
	// No write deadline: converse calls stay open while long actions run.
	srv := &http.Server{
		Handler:           d.api,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		IdleTimeout:       idleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		d.logger.Info().Str("addr", ln.Addr().String()).Msg("API server listening (HTTP)")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("API server (HTTP): %w", err)
		}
		close(errChan)
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.conf.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.logger.Error().Err(err).Msg("HTTP server shutdown error")
	}
	<-errChan
	return nil
}

// Close releases every store. It is safe to call after a failed New.
func (d *Daemon) Close() error {
	var errs []error
	if d.engine != nil {
		d.engine.Close()
	}
	if d.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), d.conf.ShutdownTimeout)
		if err := d.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: %w", err))
		}
		cancel()
	}
	if d.cache != nil {
		if err := d.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache: %w", err))
		}
	}
	if d.bots != nil {
		if err := d.bots.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kvs: %w", err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session store: %w", err))
		}
	}
	d.logger.Info().Msg("daemon stopped")
	return errors.Join(errs...)
}

// WaitForShutdown returns a context cancelled on SIGINT or SIGTERM.
func WaitForShutdown() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

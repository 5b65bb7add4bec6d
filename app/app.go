// Package app wires the framework together: configuration, logging,
// profiling, telemetry, metrics and the event-loop engine, with
// signal-driven graceful shutdown.
package app

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ramapi/ramapi/config"
	"github.com/ramapi/ramapi/core"
	"github.com/ramapi/ramapi/core/auth"
	"github.com/ramapi/ramapi/core/middleware"
	"github.com/ramapi/ramapi/core/observability"
	"github.com/ramapi/ramapi/core/router"
	ramlog "github.com/ramapi/ramapi/log"
)

// App is a fully wired server instance. Register routes on Router, then
// call Run.
type App struct {
	cfg      *config.Config
	engine   *core.Engine
	router   *router.Router
	recorder *observability.Recorder
	provider *observability.Provider
	signer   *auth.Signer
	log      zerolog.Logger

	mu      sync.Mutex
	closers []func(context.Context) error
}

// New builds an App from cfg. The router comes preloaded with recovery,
// request IDs, access logging, metrics and profiling middleware, plus
// the /metrics and /profile endpoints.
func New(cfg *config.Config) (*App, error) {
	ramlog.Configure(ramlog.Config{
		Level:   cfg.Log.Level,
		Service: cfg.Log.Service,
	})

	a := &App{
		cfg: cfg,
		log: ramlog.WithComponent("app"),
	}

	a.recorder = observability.NewRecorder(cfg.Profiling.RingSize)
	a.recorder.SetEnabled(cfg.Profiling.Enabled)

	provider, err := observability.NewProvider(context.Background(), observability.TelemetryConfig{
		Enabled:      cfg.Telemetry.Enabled,
		ServiceName:  cfg.Log.Service,
		Environment:  cfg.Telemetry.Environment,
		ExporterType: cfg.Telemetry.Exporter,
		Endpoint:     cfg.Telemetry.Endpoint,
		SamplingRate: cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return nil, err
	}
	a.provider = provider
	if cfg.Telemetry.Enabled {
		a.recorder.OnFinish(func(tr *observability.Trace) {
			provider.Export(context.Background(), tr)
		})
	}

	if cfg.Auth.Secret != "" {
		signer, err := auth.NewSigner(auth.Options{
			Secret:     []byte(cfg.Auth.Secret),
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			AccessTTL:  cfg.Auth.AccessTTL.Std(),
			RefreshTTL: cfg.Auth.RefreshTTL.Std(),
		})
		if err != nil {
			return nil, err
		}
		a.signer = signer
	}

	r := router.New()
	r.Use(
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.AccessLog(),
		middleware.BodyLimit(cfg.Server.BodyLimit),
		observability.Metrics(),
		observability.Profile(a.recorder),
	)
	r.GET("/metrics", observability.MetricsHandler())
	observability.NewHandler(a.recorder).Register(r.Group("/profile"))
	a.router = r

	a.engine = core.NewEngine(r, core.Options{
		MaxConnections: cfg.Server.MaxConnections,
		ReadBufferSize: cfg.Server.ReadBufferSize,
		IdleTimeout:    cfg.Server.IdleTimeout.Std(),
		Workers:        cfg.Server.Workers,
	})

	return a, nil
}

// Router returns the router for route registration.
func (a *App) Router() *router.Router { return a.router }

// Engine returns the underlying engine.
func (a *App) Engine() *core.Engine { return a.engine }

// Recorder returns the profiling recorder.
func (a *App) Recorder() *observability.Recorder { return a.recorder }

// Signer returns the JWT signer, or nil when auth.secret is unset.
func (a *App) Signer() *auth.Signer { return a.signer }

// OnShutdown registers fn to run during graceful shutdown, after the
// engine stops accepting. Used for SSE brokers, WebSocket hubs and
// other long-lived components.
func (a *App) OnShutdown(fn func(context.Context) error) {
	a.mu.Lock()
	a.closers = append(a.closers, fn)
	a.mu.Unlock()
}

// Run serves until SIGINT or SIGTERM, then shuts down within the
// configured grace period. It returns the engine error, if any.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx)
}

// RunContext serves until ctx is done.
func (a *App) RunContext(ctx context.Context) error {
	a.log.Info().Str("addr", a.cfg.Server.Addr).Msg("starting server")

	runErr := make(chan error, 1)
	go func() { runErr <- a.engine.Run(a.cfg.Server.Addr) }()

	select {
	case err := <-runErr:
		return err
	case <-ctx.Done():
	}

	a.log.Info().Msg("shutting down")
	if err := a.shutdown(); err != nil {
		return err
	}

	select {
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	case <-time.After(time.Second):
	}
	return nil
}

func (a *App) shutdown() error {
	grace := a.cfg.Server.ShutdownGrace.Std()
	if grace <= 0 {
		grace = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.engine.Shutdown(ctx) })
	g.Go(func() error { return a.provider.Shutdown(ctx) })

	a.mu.Lock()
	closers := append([]func(context.Context) error(nil), a.closers...)
	a.mu.Unlock()
	for _, fn := range closers {
		fn := fn
		g.Go(func() error { return fn(ctx) })
	}

	return g.Wait()
}

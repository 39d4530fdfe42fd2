// Package app wires the warden runtime: config, logging, storage, the auth
// services and the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"warden/cmd/identity"
	authapi "warden/cmd/internal/auth/api"
	"warden/cmd/internal/auth/guard"
	"warden/cmd/internal/auth/session"
	"warden/cmd/internal/metrics"
	"warden/cmd/internal/notify"
	"warden/cmd/internal/ratelimit"
	"warden/cmd/internal/sweep"
	"warden/cmd/security/password"
	"warden/cmd/security/token"
)

// App owns every long-lived dependency of the server.
type App struct {
	cfg Config
	log Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	storage   *Storage
	sessions  *session.Service
	registrar *identity.Registrar
	guard     *guard.Guard
	auth      *authapi.Handler
	sweeper   *sweep.Scheduler

	closers []func() error
}

// New builds a fully wired App. Close must be called when New succeeds.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.Log)
	}
	keys, err := LoadKeys(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.NewMetrics(a.registry)

	if err := a.wire(ctx, keys); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, keys Keys) error {
	cfg := a.cfg

	st, err := OpenStorage(ctx, cfg.Storage, a.log)
	if err != nil {
		return err
	}
	a.storage = st
	a.closers = append(a.closers, st.Close)

	hasher := password.NewHasher(cfg.Password, cfg.Auth.MaxConcurrentHashes)
	digester := token.NewDigester(keys.Refresh)
	sink := notify.NewLogSink(a.log)

	refresh, err := session.NewRefreshTokens(cfg.Session, st.Sessions, digester)
	if err != nil {
		return err
	}
	jwt, err := session.NewJWTManager(cfg.Session, keys.JWT)
	if err != nil {
		return err
	}
	a.sessions, err = session.NewService(st.Accounts, hasher, refresh, jwt,
		session.WithLogger(a.log),
		session.WithNotifier(sink),
		session.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}

	a.registrar, err = identity.NewRegistrar(st.Accounts, hasher, digester, sink, identity.RegistrarConfig{
		RequireEmailVerification: cfg.Auth.RequireEmailVerification,
		VerificationTTL:          cfg.Auth.VerificationTTL,
		VerifyURL:                cfg.Auth.VerifyURL,
	}, a.log)
	if err != nil {
		return err
	}

	a.guard, err = guard.New(jwt, st.Accounts, cfg.Guard, guard.WithLogger(a.log), guard.WithMetrics(a.metrics))
	if err != nil {
		return err
	}

	counter, closeCounter, err := ratelimit.OpenCounter(ctx, cfg.RateLimit)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, closeCounter)
	throttle, err := ratelimit.NewThrottle(cfg.RateLimit, counter, a.log, a.metrics)
	if err != nil {
		return err
	}

	a.auth, err = authapi.NewHandler(cfg.API, a.sessions, a.registrar, a.guard,
		authapi.WithLogger(a.log),
		authapi.WithThrottle(throttle),
	)
	if err != nil {
		return err
	}

	a.sweeper, err = sweep.New(cfg.Sweep, a.sessions, a.log, a.metrics)
	return err
}

// Registrar exposes account creation for the CLI.
func (a *App) Registrar() *identity.Registrar { return a.registrar }

// Sweeper exposes the expiry sweep for the CLI.
func (a *App) Sweeper() *sweep.Scheduler { return a.sweeper }

// Close releases storage and backend connections in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Run serves HTTP and runs the sweep scheduler until ctx is cancelled or the
// listener fails, then shuts both down.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           a.Router(),
		ReadHeaderTimeout: a.cfg.HTTP.ReadHeaderTimeout,
		ReadTimeout:       a.cfg.HTTP.ReadTimeout,
		WriteTimeout:      a.cfg.HTTP.WriteTimeout,
		IdleTimeout:       a.cfg.HTTP.IdleTimeout,
		MaxHeaderBytes:    a.cfg.HTTP.MaxHeaderBytes,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("server.start", "addr", a.cfg.HTTP.Addr, "storage", a.cfg.Storage.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		a.log.Info("server.stopped")
		return nil
	})

	g.Go(func() error { return a.sweeper.Run(gctx) })

	return g.Wait()
}

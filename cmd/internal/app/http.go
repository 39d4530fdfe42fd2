package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Router builds the full HTTP surface: health checks, metrics and the auth API.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler { return WithRequestLogging(next, a.log, a.metrics) })
	r.Use(WithSecurityHeaders)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.gatherer(), promhttp.HandlerOpts{}))

	a.auth.Register(r)

	return otelhttp.NewHandler(r, "warden.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.cfg.ReadinessRequireDB && a.storage.Pool == nil {
		http.Error(w, "db not configured", http.StatusServiceUnavailable)
		return
	}
	if err := a.storage.Ping(r.Context()); err != nil {
		a.log.WarnContext(r.Context(), "readyz.db.not_ready", "err", err)
		http.Error(w, "db not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

func (a *App) gatherer() prometheus.Gatherer {
	if a.registry != nil {
		return a.registry
	}
	return prometheus.DefaultGatherer
}

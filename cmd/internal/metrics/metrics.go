// Package metrics defines warden's Prometheus collectors.
//
// Every recording method is safe on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all collectors.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	LoginsTotal            *prometheus.CounterVec
	RefreshesTotal         *prometheus.CounterVec
	SessionsRevokedTotal   *prometheus.CounterVec
	PasswordRehashTotal    prometheus.Counter
	PasswordRehashFailures prometheus.Counter

	GuardDecisionsTotal *prometheus.CounterVec
	AccountCacheTotal   *prometheus.CounterVec
	RateLimitedTotal    *prometheus.CounterVec

	SweepRunsTotal    *prometheus.CounterVec
	SweepLastRevoked  prometheus.Gauge
	SweepLastRunEpoch prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_logins_total",
				Help: "Login attempts by outcome",
			},
			[]string{"outcome"},
		),
		RefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_refreshes_total",
				Help: "Refresh attempts by outcome",
			},
			[]string{"outcome"},
		),
		SessionsRevokedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_sessions_revoked_total",
				Help: "Refresh sessions revoked, by reason",
			},
			[]string{"reason"},
		),
		PasswordRehashTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_password_rehash_total",
				Help: "Password hashes upgraded on login",
			},
		),
		PasswordRehashFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_password_rehash_failures_total",
				Help: "Password hash upgrades that failed and were skipped",
			},
		),
		GuardDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_guard_decisions_total",
				Help: "Authorization guard results",
			},
			[]string{"result", "reason"},
		),
		AccountCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_account_cache_total",
				Help: "Guard account cache lookups",
			},
			[]string{"result"},
		),
		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_rate_limited_total",
				Help: "Requests rejected by the login throttle",
			},
			[]string{"scope"},
		),
		SweepRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_sweep_runs_total",
				Help: "Expired-session sweeps by status",
			},
			[]string{"status"},
		),
		SweepLastRevoked: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_sweep_last_revoked",
				Help: "Sessions revoked by the most recent sweep",
			},
		),
		SweepLastRunEpoch: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_sweep_last_run_timestamp_seconds",
				Help: "Unix time of the most recent successful sweep",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.HTTPRequestsTotal,
			m.HTTPRequestDuration,
			m.LoginsTotal,
			m.RefreshesTotal,
			m.SessionsRevokedTotal,
			m.PasswordRehashTotal,
			m.PasswordRehashFailures,
			m.GuardDecisionsTotal,
			m.AccountCacheTotal,
			m.RateLimitedTotal,
			m.SweepRunsTotal,
			m.SweepLastRevoked,
			m.SweepLastRunEpoch,
		)
	}
	return m
}

// ObserveHTTP records one finished request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Login records a login outcome.
func (m *Metrics) Login(outcome string) {
	if m == nil {
		return
	}
	m.LoginsTotal.WithLabelValues(outcome).Inc()
}

// Refresh records a refresh outcome.
func (m *Metrics) Refresh(outcome string) {
	if m == nil {
		return
	}
	m.RefreshesTotal.WithLabelValues(outcome).Inc()
}

// SessionsRevoked adds n revocations for reason.
func (m *Metrics) SessionsRevoked(reason string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsRevokedTotal.WithLabelValues(reason).Add(float64(n))
}

// Rehash records a password hash upgrade attempt.
func (m *Metrics) Rehash(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.PasswordRehashTotal.Inc()
		return
	}
	m.PasswordRehashFailures.Inc()
}

// GuardDecision records an authorization result.
func (m *Metrics) GuardDecision(result, reason string) {
	if m == nil {
		return
	}
	m.GuardDecisionsTotal.WithLabelValues(result, reason).Inc()
}

// AccountCache records a cache hit or miss.
func (m *Metrics) AccountCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.AccountCacheTotal.WithLabelValues(result).Inc()
}

// RateLimited records a throttled request.
func (m *Metrics) RateLimited(scope string) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.WithLabelValues(scope).Inc()
}

// Sweep records a sweep run.
func (m *Metrics) Sweep(revoked int64, err error, at time.Time) {
	if m == nil {
		return
	}
	if err != nil {
		m.SweepRunsTotal.WithLabelValues("error").Inc()
		return
	}
	m.SweepRunsTotal.WithLabelValues("ok").Inc()
	m.SweepLastRevoked.Set(float64(revoked))
	m.SweepLastRunEpoch.Set(float64(at.Unix()))
}

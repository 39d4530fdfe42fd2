// Package ratelimit throttles login attempts per client address and per
// account identifier using fixed-window failure counters.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"warden/cmd/internal/metrics"
)

// ErrLimited is wrapped by every LimitedError.
var ErrLimited = errors.New("ratelimit: too many attempts")

// Scopes a counter can belong to.
const (
	ScopeIP         = "ip"
	ScopeIdentifier = "identifier"
)

// LimitedError reports a throttled request and how long the caller should wait.
type LimitedError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e LimitedError) Error() string {
	return fmt.Sprintf("ratelimit: %s throttled, retry after %s", e.Scope, e.RetryAfter)
}

func (e LimitedError) Unwrap() error { return ErrLimited }

// Counter is a fixed-window counter keyed by string.
type Counter interface {
	// Incr adds one to key and returns the new count and the time left in its window.
	// The window starts on the first increment.
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	// Peek returns the current count and time left without modifying it.
	Peek(ctx context.Context, key string) (int64, time.Duration, error)
	// Reset drops key.
	Reset(ctx context.Context, key string) error
}

// Config controls the login throttle.
type Config struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Backend is "memory" or "redis".
	Backend   string `mapstructure:"backend" yaml:"backend"`
	RedisAddr string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db" yaml:"redis_db"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix"`

	IPMax            int64         `mapstructure:"ip_max" yaml:"ip_max"`
	IPWindow         time.Duration `mapstructure:"ip_window" yaml:"ip_window"`
	IdentifierMax    int64         `mapstructure:"identifier_max" yaml:"identifier_max"`
	IdentifierWindow time.Duration `mapstructure:"identifier_window" yaml:"identifier_window"`

	// MemorySize caps tracked keys for the memory backend.
	MemorySize int `mapstructure:"memory_size" yaml:"memory_size"`
}

// DefaultConfig returns the login throttle defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		Backend:          "memory",
		Prefix:           "warden:login",
		IPMax:            20,
		IPWindow:         5 * time.Minute,
		IdentifierMax:    5,
		IdentifierWindow: 15 * time.Minute,
		MemorySize:       100_000,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Backend {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.RedisAddr) == "" {
			return errors.New("ratelimit: redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("ratelimit: unknown backend %q", c.Backend)
	}
	if c.IPMax <= 0 || c.IdentifierMax <= 0 {
		return errors.New("ratelimit: ip_max and identifier_max must be positive")
	}
	if c.IPWindow <= 0 || c.IdentifierWindow <= 0 {
		return errors.New("ratelimit: windows must be positive")
	}
	return nil
}

// Throttle counts failed logins and blocks callers that exceed either limit.
// A nil *Throttle allows everything.
type Throttle struct {
	cfg     Config
	counter Counter
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewThrottle wraps counter with cfg.
func NewThrottle(cfg Config, counter Counter, log *slog.Logger, m *metrics.Metrics) (*Throttle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if counter == nil {
		return nil, errors.New("ratelimit: nil counter")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultConfig().Prefix
	}
	return &Throttle{cfg: cfg, counter: counter, log: log, metrics: m}, nil
}

func (t *Throttle) key(scope, v string) string {
	return t.cfg.Prefix + ":" + scope + ":" + v
}

// Check returns a LimitedError when ip or identifier already used up its window.
// Empty values are not tracked.
func (t *Throttle) Check(ctx context.Context, ip, identifier string) error {
	if t == nil || !t.cfg.Enabled {
		return nil
	}
	if ip != "" {
		if err := t.check(ctx, ScopeIP, ip, t.cfg.IPMax); err != nil {
			return err
		}
	}
	if identifier != "" {
		if err := t.check(ctx, ScopeIdentifier, identifier, t.cfg.IdentifierMax); err != nil {
			return err
		}
	}
	return nil
}

func (t *Throttle) check(ctx context.Context, scope, v string, max int64) error {
	n, ttl, err := t.counter.Peek(ctx, t.key(scope, v))
	if err != nil {
		return fmt.Errorf("ratelimit: peek %s: %w", scope, err)
	}
	if n < max {
		return nil
	}
	t.metrics.RateLimited(scope)
	return LimitedError{Scope: scope, RetryAfter: ttl}
}

// Fail records a failed login for ip and identifier.
func (t *Throttle) Fail(ctx context.Context, ip, identifier string) {
	if t == nil || !t.cfg.Enabled {
		return
	}
	if ip != "" {
		if _, _, err := t.counter.Incr(ctx, t.key(ScopeIP, ip), t.cfg.IPWindow); err != nil {
			t.log.WarnContext(ctx, "ratelimit.incr_failed", "scope", ScopeIP, "err", err)
		}
	}
	if identifier != "" {
		if _, _, err := t.counter.Incr(ctx, t.key(ScopeIdentifier, identifier), t.cfg.IdentifierWindow); err != nil {
			t.log.WarnContext(ctx, "ratelimit.incr_failed", "scope", ScopeIdentifier, "err", err)
		}
	}
}

// Succeed clears the identifier counter after a successful login.
func (t *Throttle) Succeed(ctx context.Context, identifier string) {
	if t == nil || !t.cfg.Enabled || identifier == "" {
		return
	}
	if err := t.counter.Reset(ctx, t.key(ScopeIdentifier, identifier)); err != nil {
		t.log.WarnContext(ctx, "ratelimit.reset_failed", "err", err)
	}
}

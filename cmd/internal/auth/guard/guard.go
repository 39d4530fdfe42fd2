// Package guard authenticates bearer access tokens and enforces role scopes
// on protected routes.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"warden/cmd/identity"
	"warden/cmd/internal/auth/session"
	"warden/cmd/internal/metrics"
)

// Verifier checks access tokens. *session.JWTManager implements it.
type Verifier interface {
	Verify(token string, now time.Time) (session.AccessClaims, error)
}

// Accounts resolves token subjects.
type Accounts interface {
	FindBySubject(ctx context.Context, id string) (identity.Account, error)
}

// Config controls the optional account cache.
type Config struct {
	// AccountCacheTTL bounds how stale an active/inactive decision may be. 0 disables the cache.
	AccountCacheTTL  time.Duration `mapstructure:"account_cache_ttl" yaml:"account_cache_ttl"`
	AccountCacheSize int           `mapstructure:"account_cache_size" yaml:"account_cache_size"`
}

// DefaultConfig leaves caching off.
func DefaultConfig() Config {
	return Config{AccountCacheTTL: 0, AccountCacheSize: 4096}
}

// Guard turns a bearer token into an identity.Principal.
type Guard struct {
	tokens   Verifier
	accounts Accounts
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	// active caches subject -> account active flag.
	active *lru.LRU[string, bool]
}

// Option configures a Guard.
type Option func(*Guard)

func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// New builds a Guard.
func New(tokens Verifier, accounts Accounts, cfg Config, opts ...Option) (*Guard, error) {
	if tokens == nil || accounts == nil {
		return nil, errors.New("guard: verifier and accounts are required")
	}
	if cfg.AccountCacheTTL < 0 {
		return nil, fmt.Errorf("guard: account_cache_ttl must not be negative")
	}
	g := &Guard{
		tokens:   tokens,
		accounts: accounts,
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	if cfg.AccountCacheTTL > 0 {
		size := cfg.AccountCacheSize
		if size <= 0 {
			size = DefaultConfig().AccountCacheSize
		}
		g.active = lru.NewLRU[string, bool](size, nil, cfg.AccountCacheTTL)
	}
	return g, nil
}

// Authenticate verifies token and checks that its scopes cover required.
// Failures are *Error values.
func (g *Guard) Authenticate(ctx context.Context, token string, required ...identity.Role) (identity.Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return identity.Principal{}, g.deny(unauthenticated(ReasonMissing))
	}

	claims, err := g.tokens.Verify(token, g.now())
	if err != nil {
		return identity.Principal{}, g.deny(unauthenticated(reasonFor(err)))
	}

	active, err := g.accountActive(ctx, claims.Subject)
	if err != nil {
		return identity.Principal{}, err
	}
	if !active {
		// Unknown and inactive accounts look like any other invalid token.
		g.log.InfoContext(ctx, "guard.deny", "user_id", claims.Subject, "reason", "account_unavailable")
		return identity.Principal{}, g.deny(unauthenticated(ReasonInvalid))
	}

	p := identity.Principal{Subject: claims.Subject, Scopes: claims.Scopes.Normalize()}
	if missing := p.Scopes.Missing(required); len(missing) > 0 {
		g.log.InfoContext(ctx, "guard.forbidden", "user_id", p.Subject, "missing", missing.String())
		return identity.Principal{}, g.deny(forbidden(missing))
	}

	g.metrics.GuardDecision("allow", "")
	return p, nil
}

func (g *Guard) accountActive(ctx context.Context, subject string) (bool, error) {
	if g.active != nil {
		if v, ok := g.active.Get(subject); ok {
			g.metrics.AccountCache(true)
			return v, nil
		}
		g.metrics.AccountCache(false)
	}

	acct, err := g.accounts.FindBySubject(ctx, subject)
	switch {
	case err == nil:
	case identity.IsNotFound(err), identity.IsInvalidInput(err):
		return false, nil
	default:
		return false, fmt.Errorf("guard: find account: %w", err)
	}

	if g.active != nil {
		g.active.Add(subject, acct.Active)
	}
	return acct.Active, nil
}

func (g *Guard) deny(e *Error) *Error {
	result := "unauthenticated"
	if e.Status == http.StatusForbidden {
		result = "forbidden"
	}
	g.metrics.GuardDecision(result, e.Reason)
	return e
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, session.ErrTokenExpired):
		return ReasonExpired
	case errors.Is(err, session.ErrWrongTokenType):
		return ReasonWrongType
	default:
		return ReasonInvalid
	}
}

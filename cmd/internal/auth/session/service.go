package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"warden/cmd/identity"
	"warden/cmd/internal/metrics"
	"warden/cmd/internal/notify"
	"warden/cmd/security/password"
)

var tracer = otel.Tracer("warden/session")

// reuseGrace is how long after a rotation a replay of the old token is treated
// as a lost race rather than reuse.
const reuseGrace = time.Second

// TokenTypeBearer is the token_type literal returned with every issued pair.
const TokenTypeBearer = "bearer"

// timingPassword is hashed once and verified against when no account matches,
// so unknown emails cost the same as wrong passwords.
const timingPassword = "warden-timing-equalizer"

// Accounts is the account lookup the session core depends on.
type Accounts interface {
	FindBySubject(ctx context.Context, id string) (identity.Account, error)
	FindByEmail(ctx context.Context, email string) (identity.Account, error)
	UpdatePasswordHash(ctx context.Context, id string, hash string, now time.Time) error
}

// Service orchestrates login, refresh rotation, revocation and cleanup.
type Service struct {
	accounts Accounts
	hasher   *password.Hasher
	refresh  *RefreshTokens
	tokens   AccessTokenManager

	log     *slog.Logger
	sink    notify.Sink
	metrics *metrics.Metrics
	now     func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithNotifier sets the notification sink (default drops everything).
func WithNotifier(n notify.Sink) Option {
	return func(s *Service) {
		if n != nil {
			s.sink = n
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires the session manager.
func NewService(accounts Accounts, hasher *password.Hasher, refresh *RefreshTokens, tokens AccessTokenManager, opts ...Option) (*Service, error) {
	if accounts == nil || hasher == nil || refresh == nil || tokens == nil {
		return nil, fmt.Errorf("%w: service needs accounts, hasher, refresh tokens and token manager", ErrConfig)
	}
	s := &Service{
		accounts: accounts,
		hasher:   hasher,
		refresh:  refresh,
		tokens:   tokens,
		log:      slog.Default(),
		sink:     notify.NoopSink{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Issued is the result of a login or refresh.
type Issued struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	SessionID    string
	AccessExp    time.Time
	RefreshExp   time.Time
	Scopes       identity.Roles
}

// LoginInput is a password login request.
type LoginInput struct {
	Email    string
	Password string
	Device   DeviceContext
}

// RefreshInput is a refresh request. Device classification is never taken from it.
type RefreshInput struct {
	RefreshToken string
	Meta         ClientMeta
}

// Login verifies credentials and issues an access token plus a refresh session.
// Every credential failure returns ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, in LoginInput) (Issued, error) {
	ctx, span := tracer.Start(ctx, "session.Login")
	defer span.End()

	dt, err := ParseDeviceType(string(in.Device.Type))
	if err != nil {
		return Issued{}, s.fail(span, err)
	}
	in.Device.Type = dt
	span.SetAttributes(attribute.String("session.device_type", string(dt)))

	acct, err := s.accounts.FindByEmail(ctx, in.Email)
	if err != nil {
		if !identity.IsNotFound(err) && !identity.IsInvalidInput(err) {
			s.metrics.Login("error")
			return Issued{}, s.fail(span, fmt.Errorf("find account: %w", err))
		}
		s.hasher.Verify(ctx, s.timingHash(), in.Password)
		s.log.InfoContext(ctx, "auth.login.fail", "reason", "unknown_account")
		s.metrics.Login("invalid_credentials")
		return Issued{}, ErrInvalidCredentials
	}

	ok := s.hasher.Verify(ctx, acct.PasswordHash, in.Password)
	if err := ctx.Err(); err != nil {
		return Issued{}, s.fail(span, err)
	}
	if !ok || !acct.Active {
		reason := "bad_password"
		if ok {
			reason = "inactive"
		}
		s.log.InfoContext(ctx, "auth.login.fail", "user_id", acct.ID, "reason", reason)
		s.metrics.Login("invalid_credentials")
		return Issued{}, ErrInvalidCredentials
	}

	now := s.now()
	s.upgradeHash(ctx, acct, in.Password, now)

	access, accessExp, err := s.tokens.Issue(acct.ID, acct.Roles, now)
	if err != nil {
		s.metrics.Login("error")
		return Issued{}, s.fail(span, err)
	}
	plain, row, err := s.refresh.Issue(ctx, now, acct.ID, in.Device)
	if err != nil {
		s.metrics.Login("error")
		return Issued{}, s.fail(span, fmt.Errorf("issue refresh session: %w", err))
	}

	s.log.InfoContext(ctx, "auth.login.ok", "user_id", acct.ID, "session_id", row.ID, "device_type", string(dt))
	s.metrics.Login("ok")
	span.SetAttributes(attribute.String("session.id", row.ID))

	return Issued{
		AccessToken:  access,
		TokenType:    TokenTypeBearer,
		RefreshToken: plain,
		SessionID:    row.ID,
		AccessExp:    accessExp,
		RefreshExp:   row.ExpiresAt,
		Scopes:       acct.Roles,
	}, nil
}

// upgradeHash re-hashes under current parameters. Failures are logged, counted and dropped.
func (s *Service) upgradeHash(ctx context.Context, acct identity.Account, pw string, now time.Time) {
	if !s.hasher.NeedsRehash(acct.PasswordHash) {
		return
	}
	hash, err := s.hasher.Hash(ctx, pw)
	if err == nil {
		err = s.accounts.UpdatePasswordHash(ctx, acct.ID, hash, now)
	}
	if err != nil {
		s.log.WarnContext(ctx, "auth.password.rehash_failed", "user_id", acct.ID, "err", err)
		s.metrics.Rehash(false)
		return
	}
	s.log.InfoContext(ctx, "auth.password.rehashed", "user_id", acct.ID)
	s.metrics.Rehash(true)
}

// Refresh rotates the presented refresh token and issues a new access token.
// Unknown, revoked and rotated tokens all return ErrInvalidRefreshToken;
// a known, unrevoked but expired token returns ErrRefreshTokenExpired.
func (s *Service) Refresh(ctx context.Context, in RefreshInput) (Issued, error) {
	ctx, span := tracer.Start(ctx, "session.Refresh")
	defer span.End()

	now := s.now()

	row, err := s.refresh.FindBySecret(ctx, in.RefreshToken)
	if err != nil {
		return Issued{}, s.refreshFailure(ctx, span, Row{}, err)
	}
	if row.Revoked {
		return Issued{}, s.refreshFailure(ctx, span, row, ErrSessionRevoked)
	}
	if !row.ExpiresAt.After(now) {
		return Issued{}, s.refreshFailure(ctx, span, row, ErrSessionExpired)
	}

	acct, err := s.accounts.FindBySubject(ctx, row.Subject)
	if err != nil && !identity.IsNotFound(err) {
		s.metrics.Refresh("error")
		return Issued{}, s.fail(span, fmt.Errorf("find account: %w", err))
	}
	if err != nil || !acct.Active {
		s.log.InfoContext(ctx, "session.refresh.fail", "session_id", row.ID, "user_id", row.Subject, "reason", "account_unavailable")
		s.metrics.Refresh("invalid")
		return Issued{}, ErrInvalidRefreshToken
	}

	access, accessExp, err := s.tokens.Issue(acct.ID, acct.Roles, now)
	if err != nil {
		s.metrics.Refresh("error")
		return Issued{}, s.fail(span, err)
	}

	// The store re-checks the row under lock; a concurrent rotation loses here.
	old, created, newPlain, err := s.refresh.Rotate(ctx, now, in.RefreshToken, in.Meta)
	if err != nil {
		return Issued{}, s.refreshFailure(ctx, span, old, err)
	}

	s.log.InfoContext(ctx, "session.refresh.ok", "user_id", acct.ID, "session_id", created.ID, "previous_session_id", old.ID)
	s.metrics.Refresh("ok")
	span.SetAttributes(attribute.String("session.id", created.ID))

	return Issued{
		AccessToken:  access,
		TokenType:    TokenTypeBearer,
		RefreshToken: newPlain,
		SessionID:    created.ID,
		AccessExp:    accessExp,
		RefreshExp:   created.ExpiresAt,
		Scopes:       acct.Roles,
	}, nil
}

// refreshFailure folds store errors into the caller-facing set and records the
// internal distinction in logs.
func (s *Service) refreshFailure(ctx context.Context, span trace.Span, row Row, err error) error {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		s.log.InfoContext(ctx, "session.refresh.fail", "reason", "not_found")
		s.metrics.Refresh("invalid")
		return ErrInvalidRefreshToken
	case errors.Is(err, ErrSessionRevoked):
		if row.Rotated() {
			if s.rotatedJustNow(row) {
				s.log.InfoContext(ctx, "session.refresh.fail", "reason", "concurrent_rotation", "session_id", row.ID, "user_id", row.Subject)
				s.metrics.Refresh("invalid")
				return ErrInvalidRefreshToken
			}
			s.reuseDetected(ctx, row)
			return ErrInvalidRefreshToken
		}
		s.log.InfoContext(ctx, "session.refresh.fail", "reason", "revoked", "session_id", row.ID, "user_id", row.Subject)
		s.metrics.Refresh("invalid")
		return ErrInvalidRefreshToken
	case errors.Is(err, ErrSessionExpired):
		s.log.InfoContext(ctx, "session.refresh.fail", "reason", "expired", "session_id", row.ID, "user_id", row.Subject)
		s.metrics.Refresh("expired")
		return ErrRefreshTokenExpired
	default:
		s.metrics.Refresh("error")
		return s.fail(span, fmt.Errorf("rotate refresh session: %w", err))
	}
}

// rotatedJustNow reports whether row was rotated within reuseGrace of now.
// Parallel refreshes of one token by the same client land here.
func (s *Service) rotatedJustNow(row Row) bool {
	if row.LastUsedAt == nil {
		return false
	}
	d := s.now().Sub(*row.LastUsedAt)
	return d > -reuseGrace && d < reuseGrace
}

// reuseDetected records a rotated token being presented again.
func (s *Service) reuseDetected(ctx context.Context, row Row) {
	successor := ""
	if row.ReplacedBy != nil {
		successor = *row.ReplacedBy
	}
	s.log.WarnContext(ctx, "session.refresh.reuse_detected",
		"reuse_detected", true,
		"session_id", row.ID,
		"successor_id", successor,
		"user_id", row.Subject,
	)
	s.metrics.Refresh("reuse_detected")

	to := row.Subject
	if acct, err := s.accounts.FindBySubject(ctx, row.Subject); err == nil {
		to = acct.Email
	}
	msg := notify.Message{
		Kind:    notify.KindRefreshReuse,
		To:      to,
		Subject: "A previously used sign-in token was presented again",
		Body:    "If this was not you, sign out of all sessions and change your password.",
		Data:    map[string]string{"user_id": row.Subject, "session_id": row.ID, "successor_id": successor},
		At:      s.now(),
	}
	if err := s.sink.Notify(ctx, msg); err != nil {
		s.log.WarnContext(ctx, "session.notify_failed", "kind", msg.Kind, "err", err)
	}
}

// Revoke revokes one refresh token (owner or admin only) or, when refreshToken
// is empty, every session of the principal. It returns the number of sessions
// that moved to revoked.
func (s *Service) Revoke(ctx context.Context, p identity.Principal, refreshToken string) (int64, error) {
	ctx, span := tracer.Start(ctx, "session.Revoke")
	defer span.End()

	now := s.now()

	if strings.TrimSpace(refreshToken) == "" {
		n, err := s.refresh.RevokeAllForSubject(ctx, now, p.Subject)
		if err != nil {
			return 0, s.fail(span, fmt.Errorf("revoke all: %w", err))
		}
		s.log.InfoContext(ctx, "session.revoke_all.ok", "user_id", p.Subject, "revoked", n)
		s.metrics.SessionsRevoked("logout_all", n)
		return n, nil
	}

	row, err := s.refresh.FindBySecret(ctx, refreshToken)
	if errors.Is(err, ErrSessionNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, s.fail(span, fmt.Errorf("find session: %w", err))
	}
	if !p.Owns(row.Subject) && !p.IsAdmin() {
		s.log.WarnContext(ctx, "session.revoke.forbidden", "user_id", p.Subject, "session_id", row.ID)
		return 0, ErrForbidden
	}
	if row.Revoked {
		return 0, nil
	}
	if err := s.refresh.Revoke(ctx, now, row); err != nil {
		return 0, s.fail(span, fmt.Errorf("revoke: %w", err))
	}
	s.log.InfoContext(ctx, "session.revoke.ok", "user_id", p.Subject, "session_id", row.ID, "owner_id", row.Subject)
	s.metrics.SessionsRevoked("logout", 1)
	return 1, nil
}

// RevokeDevice revokes every active session of the principal on one device type.
func (s *Service) RevokeDevice(ctx context.Context, p identity.Principal, dt DeviceType) (int64, error) {
	ctx, span := tracer.Start(ctx, "session.RevokeDevice")
	defer span.End()

	if dt == "" {
		return 0, fmt.Errorf("%w: device_type required", ErrValidation)
	}
	n, err := s.refresh.RevokeActiveForDevice(ctx, s.now(), p.Subject, dt)
	if err != nil {
		return 0, s.fail(span, fmt.Errorf("revoke device: %w", err))
	}
	s.log.InfoContext(ctx, "session.revoke_device.ok", "user_id", p.Subject, "device_type", string(dt), "revoked", n)
	s.metrics.SessionsRevoked("logout_device", n)
	return n, nil
}

// Cleanup runs the expiry sweep on behalf of an admin principal.
func (s *Service) Cleanup(ctx context.Context, p identity.Principal) (int64, error) {
	if !p.IsAdmin() {
		return 0, ErrForbidden
	}
	return s.CleanupSystem(ctx)
}

// CleanupSystem revokes every expired, unrevoked session. It is idempotent.
func (s *Service) CleanupSystem(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "session.Cleanup")
	defer span.End()

	now := s.now()
	n, err := s.refresh.Sweep(ctx, now)
	if err != nil {
		return 0, s.fail(span, fmt.Errorf("sweep: %w", err))
	}
	span.SetAttributes(attribute.Int64("session.revoked_marked", n))
	s.metrics.SessionsRevoked("expired", n)
	return n, nil
}

// ListSessions returns the principal's sessions; admins see every session.
func (s *Service) ListSessions(ctx context.Context, p identity.Principal) ([]SessionView, error) {
	ctx, span := tracer.Start(ctx, "session.ListSessions")
	defer span.End()

	var (
		out []SessionView
		err error
	)
	if p.IsAdmin() {
		out, err = s.refresh.ListAll(ctx)
	} else {
		out, err = s.refresh.ListForSubject(ctx, p.Subject)
	}
	if err != nil {
		return nil, s.fail(span, err)
	}
	return out, nil
}

func (s *Service) timingHash() string {
	s.dummyOnce.Do(func() {
		h, err := s.hasher.Config().Hash(timingPassword)
		if err != nil {
			s.log.Warn("auth.timing_hash_failed", "err", err)
			return
		}
		s.dummyHash = h
	})
	return s.dummyHash
}

func (s *Service) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

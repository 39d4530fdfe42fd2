package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"warden/cmd/internal/notify"
	"warden/cmd/security/password"
	"warden/cmd/security/token"
)

// DefaultVerificationTTL bounds how long a mailed verification token stays redeemable.
const DefaultVerificationTTL = 60 * time.Minute

// RegistrarConfig controls self-service registration.
type RegistrarConfig struct {
	// RequireEmailVerification creates self-registered accounts inactive until
	// the mailed token is redeemed.
	RequireEmailVerification bool
	VerificationTTL          time.Duration
	// VerifyURL is the public verification endpoint; the token is appended as ?token=.
	VerifyURL string
}

// Registrar creates accounts and redeems verification tokens.
type Registrar struct {
	store    Store
	hasher   *password.Hasher
	digester *token.Digester
	sink     notify.Sink
	cfg      RegistrarConfig
	log      *slog.Logger
	now      func() time.Time
}

// NewRegistrar wires a Registrar. A nil sink drops notifications; a nil logger uses slog.Default().
func NewRegistrar(store Store, hasher *password.Hasher, digester *token.Digester, sink notify.Sink, cfg RegistrarConfig, log *slog.Logger) (*Registrar, error) {
	if store == nil || hasher == nil || digester == nil {
		return nil, errors.New("identity: registrar requires store, hasher and digester")
	}
	if sink == nil {
		sink = notify.NoopSink{}
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.VerificationTTL <= 0 {
		cfg.VerificationTTL = DefaultVerificationTTL
	}
	return &Registrar{
		store:    store,
		hasher:   hasher,
		digester: digester,
		sink:     sink,
		cfg:      cfg,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock overrides the time source (tests).
func (r *Registrar) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// RegisterInput is a self-service registration request.
type RegisterInput struct {
	Email    string
	Password string
}

// Register creates a user-role account. Requested privileges are never honored here.
// With verification enabled the account starts inactive and a token is sent to the sink.
func (r *Registrar) Register(ctx context.Context, in RegisterInput) (Account, error) {
	const op = "identity.Register"

	hash, err := r.hashPassword(ctx, op, in.Password)
	if err != nil {
		return Account{}, err
	}

	now := r.now()
	create := CreateAccountInput{
		Email:        in.Email,
		PasswordHash: hash,
		Roles:        Roles{RoleUser},
		Active:       !r.cfg.RequireEmailVerification,
		Now:          now,
	}

	var plain string
	if r.cfg.RequireEmailVerification {
		var digest string
		plain, digest, err = newVerificationToken(r.digester)
		if err != nil {
			return Account{}, fmt.Errorf("%s: verification token: %w", op, err)
		}
		exp := now.Add(r.cfg.VerificationTTL)
		create.VerificationDigest = &digest
		create.VerificationExpiresAt = &exp
	}

	acct, err := r.store.Create(ctx, create)
	if err != nil {
		return Account{}, err
	}
	r.log.InfoContext(ctx, "identity.register.ok", "user_id", acct.ID, "active", acct.Active)

	if plain != "" {
		r.sendVerification(ctx, acct, plain)
	}
	return acct, nil
}

// CreateAccount creates an active account with explicit roles (admin path).
func (r *Registrar) CreateAccount(ctx context.Context, email, pw string, roles Roles) (Account, error) {
	const op = "identity.CreateAccount"

	hash, err := r.hashPassword(ctx, op, pw)
	if err != nil {
		return Account{}, err
	}
	acct, err := r.store.Create(ctx, CreateAccountInput{
		Email:        email,
		PasswordHash: hash,
		Roles:        roles,
		Active:       true,
		Now:          r.now(),
	})
	if err != nil {
		return Account{}, err
	}
	r.log.InfoContext(ctx, "identity.account.create.ok", "user_id", acct.ID, "roles", acct.Roles.String())
	return acct, nil
}

// EnsureAdmin creates an active admin account unless the email is already taken.
// An existing account is returned unchanged with created=false.
func (r *Registrar) EnsureAdmin(ctx context.Context, email, pw string) (acct Account, created bool, err error) {
	existing, err := r.store.FindByEmail(ctx, email)
	switch {
	case err == nil:
		return existing, false, nil
	case !IsNotFound(err):
		return Account{}, false, err
	}

	acct, err = r.CreateAccount(ctx, email, pw, Roles{RoleAdmin, RoleUser})
	if err != nil {
		// Lost a race with a concurrent creator.
		if IsConflict(err) {
			existing, ferr := r.store.FindByEmail(ctx, email)
			if ferr == nil {
				return existing, false, nil
			}
		}
		return Account{}, false, err
	}
	return acct, true, nil
}

// Verify redeems a mailed verification token and activates the account.
func (r *Registrar) Verify(ctx context.Context, plain string) (Account, error) {
	const op = "identity.Verify"

	plain = strings.TrimSpace(plain)
	if plain == "" {
		return Account{}, invalid(op, "missing token")
	}
	digest, err := r.digester.Digest(plain)
	if err != nil {
		return Account{}, fmt.Errorf("%s: %w", op, err)
	}
	acct, err := r.store.ActivateByVerification(ctx, digest, r.now())
	if err != nil {
		return Account{}, err
	}
	r.log.InfoContext(ctx, "identity.verify.ok", "user_id", acct.ID)
	return acct, nil
}

func (r *Registrar) hashPassword(ctx context.Context, op, pw string) (string, error) {
	hash, err := r.hasher.Hash(ctx, pw)
	if err == nil {
		return hash, nil
	}
	if password.IsPolicyViolation(err) {
		return "", invalid(op, err.Error())
	}
	return "", fmt.Errorf("%s: hash: %w", op, err)
}

func (r *Registrar) sendVerification(ctx context.Context, acct Account, plain string) {
	link := plain
	if r.cfg.VerifyURL != "" {
		link = r.cfg.VerifyURL + "?token=" + url.QueryEscape(plain)
	}
	msg := notify.Message{
		Kind:    notify.KindVerifyEmail,
		To:      acct.Email,
		Subject: "Verify your email",
		Body:    "Confirm your account: " + link,
		Data:    map[string]string{"token": plain, "user_id": acct.ID},
		At:      r.now(),
	}
	if err := r.sink.Notify(ctx, msg); err != nil {
		r.log.WarnContext(ctx, "identity.register.notify_failed", "user_id", acct.ID, "err", err)
	}
}

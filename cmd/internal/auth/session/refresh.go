package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"warden/cmd/security/token"
)

// maxRefreshTokenLength bounds client input before digesting.
const maxRefreshTokenLength = 4096

// issueAttempts retries a digest collision, which needs a duplicate random secret.
const issueAttempts = 2

// RefreshTokens owns refresh-secret generation and digesting on top of a Store.
// Raw secrets leave this type exactly once and are never persisted.
type RefreshTokens struct {
	store    Store
	digester *token.Digester
	ttl      time.Duration
	nBytes   int
}

// NewRefreshTokens wires the refresh token store.
func NewRefreshTokens(cfg Config, store Store, digester *token.Digester) (*RefreshTokens, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || digester == nil {
		return nil, fmt.Errorf("%w: refresh tokens need a store and a digester", ErrConfig)
	}
	return &RefreshTokens{store: store, digester: digester, ttl: cfg.RefreshTokenTTL, nBytes: cfg.RefreshTokenBytes}, nil
}

func (r *RefreshTokens) newSecret() (plain, digest string, err error) {
	plain, err = token.NewOpaqueSecret(r.nBytes)
	if err != nil {
		return "", "", err
	}
	digest, err = r.digester.Digest(plain)
	if err != nil {
		return "", "", err
	}
	return plain, digest, nil
}

func (r *RefreshTokens) digest(plain string) (string, error) {
	plain = strings.TrimSpace(plain)
	if plain == "" || len(plain) > maxRefreshTokenLength {
		return "", ErrSessionNotFound
	}
	return r.digester.Digest(plain)
}

// Issue creates a session for subject expiring after the refresh TTL.
// An active session of the same device type is revoked in the same transaction.
func (r *RefreshTokens) Issue(ctx context.Context, now time.Time, subject string, dev DeviceContext) (string, Row, error) {
	var lastErr error
	for attempt := 0; attempt < issueAttempts; attempt++ {
		plain, digest, err := r.newSecret()
		if err != nil {
			return "", Row{}, err
		}
		row, err := r.store.Create(ctx, NewRow{
			Subject:      subject,
			SecretDigest: digest,
			IssuedAt:     now,
			ExpiresAt:    now.Add(r.ttl),
			Device:       dev,
		})
		if err == nil {
			return plain, row, nil
		}
		if !isDigestConflict(err) {
			return "", Row{}, err
		}
		lastErr = err
	}
	return "", Row{}, lastErr
}

// FindBySecret digests plain and looks the session up. Missing → ErrSessionNotFound.
func (r *RefreshTokens) FindBySecret(ctx context.Context, plain string) (Row, error) {
	digest, err := r.digest(plain)
	if err != nil {
		return Row{}, err
	}
	return r.store.FindByDigest(ctx, digest)
}

// Revoke revokes row. It is idempotent.
func (r *RefreshTokens) Revoke(ctx context.Context, now time.Time, row Row) error {
	return r.store.Revoke(ctx, now, row.ID)
}

// RevokeActiveForDevice revokes the active sessions of (subject, device type).
func (r *RefreshTokens) RevokeActiveForDevice(ctx context.Context, now time.Time, subject string, dt DeviceType) (int64, error) {
	return r.store.RevokeActiveForDevice(ctx, now, subject, dt)
}

// RevokeAllForSubject revokes every active session of subject.
func (r *RefreshTokens) RevokeAllForSubject(ctx context.Context, now time.Time, subject string) (int64, error) {
	return r.store.RevokeAllForSubject(ctx, now, subject)
}

// ListForSubject returns subject's sessions without digests.
func (r *RefreshTokens) ListForSubject(ctx context.Context, subject string) ([]SessionView, error) {
	rows, err := r.store.ListForSubject(ctx, subject)
	if err != nil {
		return nil, err
	}
	return views(rows), nil
}

// ListAll returns every session without digests.
func (r *RefreshTokens) ListAll(ctx context.Context) ([]SessionView, error) {
	rows, err := r.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	return views(rows), nil
}

// Rotate replaces the session holding plain with a fresh one. Device type and id
// come from the stored row; meta is recorded as advisory metadata.
// On ErrSessionRevoked and ErrSessionExpired the stored row is returned as old.
func (r *RefreshTokens) Rotate(ctx context.Context, now time.Time, plain string, meta ClientMeta) (old Row, created Row, newPlain string, err error) {
	digest, err := r.digest(plain)
	if err != nil {
		return Row{}, Row{}, "", err
	}

	for attempt := 0; attempt < issueAttempts; attempt++ {
		var newDigest string
		newPlain, newDigest, err = r.newSecret()
		if err != nil {
			return Row{}, Row{}, "", err
		}
		old, created, err = r.store.Rotate(ctx, digest, NewRow{
			SecretDigest: newDigest,
			IssuedAt:     now,
			ExpiresAt:    now.Add(r.ttl),
			Device:       DeviceContext{ClientMeta: meta},
		})
		if err == nil {
			return old, created, newPlain, nil
		}
		if !isDigestConflict(err) {
			return old, Row{}, "", err
		}
	}
	return old, Row{}, "", err
}

// Sweep revokes every expired, unrevoked session and returns the count.
func (r *RefreshTokens) Sweep(ctx context.Context, now time.Time) (int64, error) {
	return r.store.RevokeExpired(ctx, now)
}

func views(rows []Row) []SessionView {
	out := make([]SessionView, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.View())
	}
	return out
}

func isDigestConflict(err error) bool {
	if errors.Is(err, errDigestTaken) {
		return true
	}
	constraint, ok := pgUniqueViolation(err)
	return ok && constraint == "uq_refresh_secret_digest"
}

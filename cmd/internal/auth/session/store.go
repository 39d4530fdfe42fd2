package session

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DeviceType classifies the client owning a session. The zero value means unset.
type DeviceType string

const (
	DeviceWeb    DeviceType = "web"
	DeviceMobile DeviceType = "mobile"
)

// ParseDeviceType accepts "", "web" or "mobile" (case-insensitive).
// Anything else wraps ErrValidation.
func ParseDeviceType(s string) (DeviceType, error) {
	switch d := DeviceType(strings.ToLower(strings.TrimSpace(s))); d {
	case "", DeviceWeb, DeviceMobile:
		return d, nil
	default:
		return "", fmt.Errorf("%w: device_type must be web or mobile", ErrValidation)
	}
}

// ClientMeta is advisory request metadata. It is recorded, never validated.
type ClientMeta struct {
	UserAgent string
	IP        string
}

// DeviceContext describes the client device that owns a session.
type DeviceContext struct {
	Type DeviceType
	ID   string
	ClientMeta
}

// Row is a persisted refresh session.
type Row struct {
	ID           string
	Subject      string
	SecretDigest string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	LastUsedAt   *time.Time
	Revoked      bool
	DeviceType   *DeviceType
	DeviceID     *string
	UserAgent    *string
	IP           *string
	ReplacedBy   *string
}

// Active reports whether the row is neither revoked nor expired at now.
func (r Row) Active(now time.Time) bool {
	return !r.Revoked && r.ExpiresAt.After(now)
}

// Rotated reports whether the row was replaced by a successor.
func (r Row) Rotated() bool { return r.ReplacedBy != nil && *r.ReplacedBy != "" }

// SessionView is a Row without its secret digest.
type SessionView struct {
	ID         string     `json:"id"`
	Subject    string     `json:"user_id"`
	IssuedAt   time.Time  `json:"issued_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	Revoked    bool       `json:"revoked"`
	DeviceType *string    `json:"device_type,omitempty"`
	DeviceID   *string    `json:"device_id,omitempty"`
	UserAgent  *string    `json:"user_agent,omitempty"`
	IP         *string    `json:"ip,omitempty"`
}

// View redacts the row.
func (r Row) View() SessionView {
	v := SessionView{
		ID:         r.ID,
		Subject:    r.Subject,
		IssuedAt:   r.IssuedAt,
		ExpiresAt:  r.ExpiresAt,
		LastUsedAt: r.LastUsedAt,
		Revoked:    r.Revoked,
		DeviceID:   r.DeviceID,
		UserAgent:  r.UserAgent,
		IP:         r.IP,
	}
	if r.DeviceType != nil {
		s := string(*r.DeviceType)
		v.DeviceType = &s
	}
	return v
}

// NewRow is the input for inserting a session.
type NewRow struct {
	Subject      string
	SecretDigest string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	Device       DeviceContext
}

// Store abstracts persistence for refresh sessions.
//
// Create and Rotate must be atomic: revoking the active (subject, device type)
// peers and inserting the new row happen in one transaction. Secret digests are
// unique at the storage level.
type Store interface {
	// Create inserts a session, first revoking active peers of the same
	// (subject, device type) when a device type is set.
	Create(ctx context.Context, in NewRow) (Row, error)

	// FindByDigest loads a session by secret digest, or ErrSessionNotFound.
	FindByDigest(ctx context.Context, digest string) (Row, error)

	// Revoke marks a session revoked. Revoking a revoked session is a no-op.
	Revoke(ctx context.Context, now time.Time, id string) error

	// RevokeActiveForDevice revokes every non-revoked session of (subject, device type).
	RevokeActiveForDevice(ctx context.Context, now time.Time, subject string, dt DeviceType) (int64, error)

	// RevokeAllForSubject revokes every non-revoked session of subject.
	RevokeAllForSubject(ctx context.Context, now time.Time, subject string) (int64, error)

	// ListForSubject returns the subject's sessions, newest first.
	ListForSubject(ctx context.Context, subject string) ([]Row, error)

	// ListAll returns every session, newest first.
	ListAll(ctx context.Context) ([]Row, error)

	// Rotate locks the session holding oldDigest and, if it is active at
	// next.IssuedAt, inserts next (inheriting the stored device type and id),
	// revokes active peers and marks the old row revoked with a successor link.
	// The old row is returned alongside ErrSessionRevoked and ErrSessionExpired.
	Rotate(ctx context.Context, oldDigest string, next NewRow) (old Row, created Row, err error)

	// RevokeExpired revokes every unrevoked session with expires_at < now.
	RevokeExpired(ctx context.Context, now time.Time) (int64, error)
}

// normalizeTime reads stored timestamps as UTC. Values without a zone are
// already returned as UTC wall clock by both stores.
func normalizeTime(t time.Time) time.Time { return t.UTC() }

func normalizeTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nilIfEmpty(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func deviceTypePtr(dt DeviceType) *DeviceType {
	if dt == "" {
		return nil
	}
	return &dt
}

// inherit copies the stored device classification onto next; client metadata stays.
func inherit(old Row, next NewRow) NewRow {
	next.Subject = old.Subject
	next.Device.Type = ""
	next.Device.ID = ""
	if old.DeviceType != nil {
		next.Device.Type = *old.DeviceType
	}
	if old.DeviceID != nil {
		next.Device.ID = *old.DeviceID
	}
	return next
}

// rowFrom builds the Row persisted for in.
func rowFrom(id string, in NewRow) Row {
	return Row{
		ID:           id,
		Subject:      in.Subject,
		SecretDigest: in.SecretDigest,
		IssuedAt:     in.IssuedAt.UTC(),
		ExpiresAt:    in.ExpiresAt.UTC(),
		DeviceType:   deviceTypePtr(in.Device.Type),
		DeviceID:     nilIfEmpty(in.Device.ID),
		UserAgent:    nilIfEmpty(in.Device.UserAgent),
		IP:           nilIfEmpty(in.Device.IP),
	}
}

func checkNewRow(in NewRow) error {
	if strings.TrimSpace(in.Subject) == "" || strings.TrimSpace(in.SecretDigest) == "" {
		return fmt.Errorf("session: new row requires subject and digest")
	}
	if !in.ExpiresAt.After(in.IssuedAt) {
		return fmt.Errorf("session: expires_at must be after issued_at")
	}
	if _, err := ParseDeviceType(string(in.Device.Type)); err != nil {
		return err
	}
	return nil
}

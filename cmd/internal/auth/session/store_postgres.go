package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over PostgreSQL (warden.refresh_sessions).
// The pool is owned by the caller.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// NewPostgresStore creates a Postgres-backed session store in schema
// (empty selects "warden").
func NewPostgresStore(pool *pgxpool.Pool, schema string) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("session: nil pool")
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "warden"
	}
	if !pgIdentRe.MatchString(schema) {
		return nil, errors.New("session: invalid schema identifier")
	}
	return &PostgresStore{pool: pool, schema: schema}, nil
}

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.schema, "refresh_sessions"}.Sanitize()
}

const rowColumns = `id, subject, secret_digest, issued_at, expires_at, last_used_at,
	revoked, device_type, device_id, user_agent, ip, replaced_by`

func (s *PostgresStore) begin(ctx context.Context) (pgx.Tx, error) {
	return s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, in NewRow) (Row, error) {
	if err := checkNewRow(in); err != nil {
		return Row{}, err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return Row{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if in.Device.Type != "" {
		if err := lockDeviceTx(ctx, tx, in.Subject, in.Device.Type); err != nil {
			return Row{}, err
		}
		if _, err := revokeActiveForDeviceTx(ctx, tx, s.table(), in.IssuedAt, in.Subject, in.Device.Type, ""); err != nil {
			return Row{}, err
		}
	}
	row, err := createTx(ctx, tx, s.table(), in)
	if err != nil {
		return Row{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Row{}, err
	}
	return row, nil
}

// FindByDigest implements Store.
func (s *PostgresStore) FindByDigest(ctx context.Context, digest string) (Row, error) {
	if strings.TrimSpace(digest) == "" {
		return Row{}, ErrSessionNotFound
	}
	row, err := scanRow(s.pool.QueryRow(ctx,
		`SELECT `+rowColumns+` FROM `+s.table()+` WHERE secret_digest = $1`, digest))
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, ErrSessionNotFound
	}
	return row, err
}

// Revoke implements Store. last_used_at is only stamped on the first revocation.
func (s *PostgresStore) Revoke(ctx context.Context, now time.Time, id string) error {
	ct, err := s.pool.Exec(ctx,
		`UPDATE `+s.table()+`
		    SET revoked = true,
		        last_used_at = CASE WHEN revoked THEN last_used_at ELSE $1 END
		  WHERE id = $2`,
		now, id,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// RevokeActiveForDevice implements Store.
func (s *PostgresStore) RevokeActiveForDevice(ctx context.Context, now time.Time, subject string, dt DeviceType) (int64, error) {
	if dt == "" {
		return 0, nil
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockDeviceTx(ctx, tx, subject, dt); err != nil {
		return 0, err
	}
	n, err := revokeActiveForDeviceTx(ctx, tx, s.table(), now, subject, dt, "")
	if err != nil {
		return 0, err
	}
	return n, tx.Commit(ctx)
}

// RevokeAllForSubject implements Store.
func (s *PostgresStore) RevokeAllForSubject(ctx context.Context, now time.Time, subject string) (int64, error) {
	ct, err := s.pool.Exec(ctx,
		`UPDATE `+s.table()+`
		    SET revoked = true,
		        last_used_at = $1
		  WHERE subject = $2
		    AND NOT revoked`,
		now, subject,
	)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// ListForSubject implements Store.
func (s *PostgresStore) ListForSubject(ctx context.Context, subject string) ([]Row, error) {
	return s.list(ctx,
		`SELECT `+rowColumns+` FROM `+s.table()+` WHERE subject = $1 ORDER BY issued_at DESC, id DESC`, subject)
}

// ListAll implements Store.
func (s *PostgresStore) ListAll(ctx context.Context) ([]Row, error) {
	return s.list(ctx,
		`SELECT `+rowColumns+` FROM `+s.table()+` ORDER BY issued_at DESC, id DESC`)
}

func (s *PostgresStore) list(ctx context.Context, sql string, args ...any) ([]Row, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Rotate implements Store.
func (s *PostgresStore) Rotate(ctx context.Context, oldDigest string, next NewRow) (Row, Row, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return Row{}, Row{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The device lock is taken before the row lock, in the same order as
	// Create, so a racing login and refresh queue instead of deadlocking.
	subject, dt, err := deviceOfDigestTx(ctx, tx, s.table(), oldDigest)
	if err != nil {
		return Row{}, Row{}, err
	}
	if dt != "" {
		if err := lockDeviceTx(ctx, tx, subject, dt); err != nil {
			return Row{}, Row{}, err
		}
	}

	old, err := getByDigestForUpdateTx(ctx, tx, s.table(), oldDigest)
	if err != nil {
		return Row{}, Row{}, err
	}
	now := next.IssuedAt
	if old.Revoked {
		return old, Row{}, ErrSessionRevoked
	}
	if !old.ExpiresAt.After(now) {
		return old, Row{}, ErrSessionExpired
	}

	next = inherit(old, next)
	if err := checkNewRow(next); err != nil {
		return old, Row{}, err
	}

	// The old row is retired first so it never collides with the successor on
	// the partial unique index.
	created := rowFrom("", next)
	newID, err := newSessionID(now)
	if err != nil {
		return old, Row{}, err
	}
	created.ID = newID

	if err := markRotatedTx(ctx, tx, s.table(), now, old.ID, newID); err != nil {
		return old, Row{}, err
	}
	if next.Device.Type != "" {
		if _, err := revokeActiveForDeviceTx(ctx, tx, s.table(), now, old.Subject, next.Device.Type, old.ID); err != nil {
			return old, Row{}, err
		}
	}
	if err := insertTx(ctx, tx, s.table(), created); err != nil {
		return old, Row{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return old, Row{}, err
	}

	old.Revoked = true
	old.LastUsedAt = &now
	old.ReplacedBy = &newID
	return old, created, nil
}

// RevokeExpired implements Store.
func (s *PostgresStore) RevokeExpired(ctx context.Context, now time.Time) (int64, error) {
	ct, err := s.pool.Exec(ctx,
		`UPDATE `+s.table()+`
		    SET revoked = true,
		        last_used_at = $1
		  WHERE expires_at < $1
		    AND NOT revoked`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("revoke expired: %w", err)
	}
	return ct.RowsAffected(), nil
}

package session

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"warden/cmd/identity/ids"
)

func newSessionID(now time.Time) (string, error) {
	return ids.New(now)
}

func scanRow(row pgx.Row) (Row, error) {
	var (
		out        Row
		deviceType *string
	)
	if err := row.Scan(
		&out.ID,
		&out.Subject,
		&out.SecretDigest,
		&out.IssuedAt,
		&out.ExpiresAt,
		&out.LastUsedAt,
		&out.Revoked,
		&deviceType,
		&out.DeviceID,
		&out.UserAgent,
		&out.IP,
		&out.ReplacedBy,
	); err != nil {
		return Row{}, err
	}
	if deviceType != nil {
		dt := DeviceType(*deviceType)
		out.DeviceType = &dt
	}
	out.IssuedAt = normalizeTime(out.IssuedAt)
	out.ExpiresAt = normalizeTime(out.ExpiresAt)
	out.LastUsedAt = normalizeTimePtr(out.LastUsedAt)
	return out, nil
}

func getByDigestForUpdateTx(ctx context.Context, tx pgx.Tx, table, digest string) (Row, error) {
	row, err := scanRow(tx.QueryRow(ctx,
		`SELECT `+rowColumns+` FROM `+table+`
		  WHERE secret_digest = $1
		  FOR UPDATE`,
		digest,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, ErrSessionNotFound
	}
	return row, err
}

// lockDeviceTx serialises writers on one (subject, device type) until the
// transaction ends. Row locks alone cannot: two inserts of a new active row
// see no conflicting row under READ COMMITTED.
func lockDeviceTx(ctx context.Context, tx pgx.Tx, subject string, dt DeviceType) error {
	_, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1::text || ':' || $2::text, 0))`,
		subject, string(dt),
	)
	return err
}

// deviceOfDigestTx reads the immutable owner columns of a row without locking it.
func deviceOfDigestTx(ctx context.Context, tx pgx.Tx, table, digest string) (string, DeviceType, error) {
	var (
		subject    string
		deviceType *string
	)
	err := tx.QueryRow(ctx,
		`SELECT subject, device_type FROM `+table+` WHERE secret_digest = $1`,
		digest,
	).Scan(&subject, &deviceType)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", ErrSessionNotFound
	}
	if err != nil {
		return "", "", err
	}
	if deviceType == nil {
		return subject, "", nil
	}
	return subject, DeviceType(*deviceType), nil
}

func createTx(ctx context.Context, tx pgx.Tx, table string, in NewRow) (Row, error) {
	id, err := newSessionID(in.IssuedAt)
	if err != nil {
		return Row{}, err
	}
	row := rowFrom(id, in)
	if err := insertTx(ctx, tx, table, row); err != nil {
		return Row{}, err
	}
	return row, nil
}

func insertTx(ctx context.Context, tx pgx.Tx, table string, row Row) error {
	var deviceType *string
	if row.DeviceType != nil {
		s := string(*row.DeviceType)
		deviceType = &s
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO `+table+` (
		     id, subject, secret_digest, issued_at, expires_at, last_used_at,
		     revoked, device_type, device_id, user_agent, ip, replaced_by
		   ) VALUES ($1, $2, $3, $4, $5, NULL, false, $6, $7, $8, $9, NULL)`,
		row.ID,
		row.Subject,
		row.SecretDigest,
		row.IssuedAt,
		row.ExpiresAt,
		deviceType,
		row.DeviceID,
		row.UserAgent,
		row.IP,
	)
	return err
}

// revokeActiveForDeviceTx revokes active (subject, device type) rows except exceptID.
func revokeActiveForDeviceTx(ctx context.Context, tx pgx.Tx, table string, now time.Time, subject string, dt DeviceType, exceptID string) (int64, error) {
	ct, err := tx.Exec(ctx,
		`UPDATE `+table+`
		    SET revoked = true,
		        last_used_at = $1
		  WHERE subject = $2
		    AND device_type = $3
		    AND NOT revoked
		    AND id <> $4`,
		now, subject, string(dt), exceptID,
	)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// markRotatedTx retires the old row. replaced_by is only written while still NULL.
func markRotatedTx(ctx context.Context, tx pgx.Tx, table string, now time.Time, oldID, newID string) error {
	ct, err := tx.Exec(ctx,
		`UPDATE `+table+`
		    SET revoked = true,
		        last_used_at = $1,
		        replaced_by = $2
		  WHERE id = $3
		    AND NOT revoked
		    AND replaced_by IS NULL`,
		now, newID, oldID,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrSessionRevoked
	}
	return nil
}

func pgUniqueViolation(err error) (constraint string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return "", false
	}
	return pgErr.ConstraintName, true
}

package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"warden/cmd/identity/ids"
)

// PostgresStore implements Store over PostgreSQL.
//
// The pgx pool is owned by the caller and is never closed here.
// Schema and table identifiers are quoted with pgx.Identifier.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema (default "warden").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "warden",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

const accountColumns = `id, email, email_norm, password_hash, active, roles,
	verification_digest, verification_expires_at, created_at, updated_at`

func (s *PostgresStore) accounts() string {
	return pgx.Identifier{s.schema, "accounts"}.Sanitize()
}

// FindBySubject implements Store.
func (s *PostgresStore) FindBySubject(ctx context.Context, id string) (Account, error) {
	const op = "identity.FindBySubject"
	id = strings.TrimSpace(id)
	if id == "" {
		return Account{}, invalid(op, "missing id")
	}
	return s.queryOne(ctx, op, `SELECT `+accountColumns+` FROM `+s.accounts()+` WHERE id = $1`, id)
}

// FindByEmail implements Store.
func (s *PostgresStore) FindByEmail(ctx context.Context, email string) (Account, error) {
	const op = "identity.FindByEmail"
	norm := NormalizeEmail(email)
	if norm == "" {
		return Account{}, invalid(op, "missing email")
	}
	return s.queryOne(ctx, op, `SELECT `+accountColumns+` FROM `+s.accounts()+` WHERE email_norm = $1`, norm)
}

// UpdatePasswordHash implements Store.
func (s *PostgresStore) UpdatePasswordHash(ctx context.Context, id string, hash string, now time.Time) error {
	const op = "identity.UpdatePasswordHash"
	if strings.TrimSpace(id) == "" || strings.TrimSpace(hash) == "" {
		return invalid(op, "missing id or hash")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	ct, err := s.pool.Exec(ctx,
		`UPDATE `+s.accounts()+`
		    SET password_hash = $1,
		        updated_at = $2
		  WHERE id = $3`,
		hash, now, id,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "account"}
	}
	return nil
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, in CreateAccountInput) (Account, error) {
	const op = "identity.Create"

	in, norm, err := prepareCreate(op, in)
	if err != nil {
		return Account{}, err
	}
	id, err := ids.New(in.Now)
	if err != nil {
		return Account{}, err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+s.accounts()+` (
		     id, email, email_norm, password_hash, active, roles,
		     verification_digest, verification_expires_at, created_at, updated_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		id,
		in.Email,
		norm,
		in.PasswordHash,
		in.Active,
		in.Roles.Strings(),
		in.VerificationDigest,
		in.VerificationExpiresAt,
		in.Now,
	)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return Account{}, ConflictError{Op: op, Field: field}
		}
		return Account{}, err
	}

	return Account{
		ID:                    id,
		Email:                 in.Email,
		EmailNorm:             norm,
		PasswordHash:          in.PasswordHash,
		Active:                in.Active,
		Roles:                 in.Roles,
		VerificationDigest:    in.VerificationDigest,
		VerificationExpiresAt: in.VerificationExpiresAt,
		CreatedAt:             in.Now,
		UpdatedAt:             in.Now,
	}, nil
}

// ActivateByVerification implements Store. The row is locked so a token
// cannot be redeemed twice by concurrent requests.
func (s *PostgresStore) ActivateByVerification(ctx context.Context, digest string, now time.Time) (Account, error) {
	const op = "identity.ActivateByVerification"
	digest = strings.TrimSpace(digest)
	if digest == "" {
		return Account{}, invalid(op, "missing digest")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Account{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	acct, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM `+s.accounts()+`
		  WHERE verification_digest = $1
		  FOR UPDATE`,
		digest,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, NotFoundError{Op: op, Resource: "verification"}
		}
		return Account{}, err
	}
	if acct.VerificationExpiresAt == nil || !acct.VerificationExpiresAt.After(now) {
		return Account{}, inactive(op, "verification expired")
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+s.accounts()+`
		    SET active = true,
		        verification_digest = NULL,
		        verification_expires_at = NULL,
		        updated_at = $1
		  WHERE id = $2`,
		now, acct.ID,
	); err != nil {
		return Account{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Account{}, err
	}

	acct.Active = true
	acct.VerificationDigest = nil
	acct.VerificationExpiresAt = nil
	acct.UpdatedAt = now.UTC()
	return acct, nil
}

func (s *PostgresStore) queryOne(ctx context.Context, op, sql string, arg any) (Account, error) {
	acct, err := scanAccount(s.pool.QueryRow(ctx, sql, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, NotFoundError{Op: op, Resource: "account"}
		}
		return Account{}, err
	}
	return acct, nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		a     Account
		roles []string
	)
	if err := row.Scan(
		&a.ID,
		&a.Email,
		&a.EmailNorm,
		&a.PasswordHash,
		&a.Active,
		&roles,
		&a.VerificationDigest,
		&a.VerificationExpiresAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return Account{}, err
	}
	// Unknown role strings are dropped rather than granted.
	for _, r := range roles {
		if parsed, err := ParseRole(r); err == nil {
			a.Roles = append(a.Roles, parsed)
		}
	}
	a.Roles = a.Roles.Normalize()
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	if a.VerificationExpiresAt != nil {
		t := a.VerificationExpiresAt.UTC()
		a.VerificationExpiresAt = &t
	}
	return a, nil
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23505" { // unique_violation
		return "", false
	}

	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))
	switch {
	case c == "uq_accounts_email_norm" || strings.Contains(c, "email"):
		return "email", true
	case strings.Contains(c, "verification"):
		return "verification", true
	default:
		return "unique", true
	}
}

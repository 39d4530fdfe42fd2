package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"warden/cmd/identity/ids"
)

var (
	bucketAccounts       = []byte("accounts")
	bucketAccountsEmail  = []byte("accounts_by_email")
	bucketAccountsVerify = []byte("accounts_by_verification")
)

// BoltStore implements Store over an embedded bbolt database.
// The database handle is owned by the caller.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore ensures the account buckets exist.
func NewBoltStore(db *bbolt.DB) (*BoltStore, error) {
	if db == nil {
		return nil, fmt.Errorf("identity: nil bolt db")
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketAccounts, bucketAccountsEmail, bucketAccountsVerify} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

type boltAccount struct {
	ID                    string     `json:"id"`
	Email                 string     `json:"email"`
	EmailNorm             string     `json:"email_norm"`
	PasswordHash          string     `json:"password_hash"`
	Active                bool       `json:"active"`
	Roles                 []string   `json:"roles"`
	VerificationDigest    *string    `json:"verification_digest,omitempty"`
	VerificationExpiresAt *time.Time `json:"verification_expires_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

func toBolt(a Account) boltAccount {
	return boltAccount{
		ID:                    a.ID,
		Email:                 a.Email,
		EmailNorm:             a.EmailNorm,
		PasswordHash:          a.PasswordHash,
		Active:                a.Active,
		Roles:                 a.Roles.Strings(),
		VerificationDigest:    a.VerificationDigest,
		VerificationExpiresAt: a.VerificationExpiresAt,
		CreatedAt:             a.CreatedAt,
		UpdatedAt:             a.UpdatedAt,
	}
}

func (b boltAccount) account() Account {
	a := Account{
		ID:                 b.ID,
		Email:              b.Email,
		EmailNorm:          b.EmailNorm,
		PasswordHash:       b.PasswordHash,
		Active:             b.Active,
		VerificationDigest: b.VerificationDigest,
		CreatedAt:          b.CreatedAt.UTC(),
		UpdatedAt:          b.UpdatedAt.UTC(),
	}
	for _, r := range b.Roles {
		if parsed, err := ParseRole(r); err == nil {
			a.Roles = append(a.Roles, parsed)
		}
	}
	a.Roles = a.Roles.Normalize()
	if b.VerificationExpiresAt != nil {
		t := b.VerificationExpiresAt.UTC()
		a.VerificationExpiresAt = &t
	}
	return a
}

func getAccount(tx *bbolt.Tx, id []byte) (Account, bool, error) {
	raw := tx.Bucket(bucketAccounts).Get(id)
	if raw == nil {
		return Account{}, false, nil
	}
	var rec boltAccount
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Account{}, false, fmt.Errorf("decode account: %w", err)
	}
	return rec.account(), true, nil
}

func putAccount(tx *bbolt.Tx, a Account) error {
	raw, err := json.Marshal(toBolt(a))
	if err != nil {
		return fmt.Errorf("encode account: %w", err)
	}
	return tx.Bucket(bucketAccounts).Put([]byte(a.ID), raw)
}

// FindBySubject implements Store.
func (s *BoltStore) FindBySubject(ctx context.Context, id string) (Account, error) {
	const op = "identity.FindBySubject"
	id = strings.TrimSpace(id)
	if id == "" {
		return Account{}, invalid(op, "missing id")
	}
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}

	var out Account
	err := s.db.View(func(tx *bbolt.Tx) error {
		a, ok, err := getAccount(tx, []byte(id))
		if err != nil {
			return err
		}
		if !ok {
			return NotFoundError{Op: op, Resource: "account"}
		}
		out = a
		return nil
	})
	return out, err
}

// FindByEmail implements Store.
func (s *BoltStore) FindByEmail(ctx context.Context, email string) (Account, error) {
	const op = "identity.FindByEmail"
	norm := NormalizeEmail(email)
	if norm == "" {
		return Account{}, invalid(op, "missing email")
	}
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}

	var out Account
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketAccountsEmail).Get([]byte(norm))
		if id == nil {
			return NotFoundError{Op: op, Resource: "account"}
		}
		a, ok, err := getAccount(tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return NotFoundError{Op: op, Resource: "account"}
		}
		out = a
		return nil
	})
	return out, err
}

// UpdatePasswordHash implements Store.
func (s *BoltStore) UpdatePasswordHash(ctx context.Context, id string, hash string, now time.Time) error {
	const op = "identity.UpdatePasswordHash"
	if strings.TrimSpace(id) == "" || strings.TrimSpace(hash) == "" {
		return invalid(op, "missing id or hash")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		a, ok, err := getAccount(tx, []byte(id))
		if err != nil {
			return err
		}
		if !ok {
			return NotFoundError{Op: op, Resource: "account"}
		}
		a.PasswordHash = hash
		a.UpdatedAt = now.UTC()
		return putAccount(tx, a)
	})
}

// Create implements Store.
func (s *BoltStore) Create(ctx context.Context, in CreateAccountInput) (Account, error) {
	const op = "identity.Create"

	in, norm, err := prepareCreate(op, in)
	if err != nil {
		return Account{}, err
	}
	id, err := ids.New(in.Now)
	if err != nil {
		return Account{}, err
	}

	a := Account{
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
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		byEmail := tx.Bucket(bucketAccountsEmail)
		if byEmail.Get([]byte(norm)) != nil {
			return ConflictError{Op: op, Field: "email"}
		}
		if a.VerificationDigest != nil {
			byVerify := tx.Bucket(bucketAccountsVerify)
			if byVerify.Get([]byte(*a.VerificationDigest)) != nil {
				return ConflictError{Op: op, Field: "verification"}
			}
			if err := byVerify.Put([]byte(*a.VerificationDigest), []byte(id)); err != nil {
				return err
			}
		}
		if err := byEmail.Put([]byte(norm), []byte(id)); err != nil {
			return err
		}
		return putAccount(tx, a)
	})
	if err != nil {
		return Account{}, err
	}
	return a, nil
}

// ActivateByVerification implements Store.
func (s *BoltStore) ActivateByVerification(ctx context.Context, digest string, now time.Time) (Account, error) {
	const op = "identity.ActivateByVerification"
	digest = strings.TrimSpace(digest)
	if digest == "" {
		return Account{}, invalid(op, "missing digest")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var out Account
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		byVerify := tx.Bucket(bucketAccountsVerify)
		id := byVerify.Get([]byte(digest))
		if id == nil {
			return NotFoundError{Op: op, Resource: "verification"}
		}
		a, ok, err := getAccount(tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return NotFoundError{Op: op, Resource: "verification"}
		}
		if a.VerificationExpiresAt == nil || !a.VerificationExpiresAt.After(now) {
			return inactive(op, "verification expired")
		}

		a.Active = true
		a.VerificationDigest = nil
		a.VerificationExpiresAt = nil
		a.UpdatedAt = now.UTC()
		if err := byVerify.Delete([]byte(digest)); err != nil {
			return err
		}
		if err := putAccount(tx, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	return out, nil
}

package identity

import (
	"context"
	"strings"
	"time"
)

// Account is a credential record.
type Account struct {
	ID           string
	Email        string
	EmailNorm    string
	PasswordHash string
	Active       bool
	Roles        Roles

	// Pending email verification (digest of the mailed token).
	VerificationDigest    *string
	VerificationExpiresAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateAccountInput describes a new account. PasswordHash must already be hashed.
type CreateAccountInput struct {
	Email        string
	PasswordHash string
	Roles        Roles
	Active       bool

	VerificationDigest    *string
	VerificationExpiresAt *time.Time

	Now time.Time
}

// Store is the account persistence boundary.
type Store interface {
	// FindBySubject loads an account by id. Missing rows return a NotFoundError.
	FindBySubject(ctx context.Context, id string) (Account, error)

	// FindByEmail loads an account by normalized email.
	FindByEmail(ctx context.Context, email string) (Account, error)

	// UpdatePasswordHash replaces the stored hash (rehash on login).
	UpdatePasswordHash(ctx context.Context, id string, hash string, now time.Time) error

	// Create inserts an account. A duplicate email returns ConflictError{Field: "email"}.
	Create(ctx context.Context, in CreateAccountInput) (Account, error)

	// ActivateByVerification activates the account whose pending verification
	// digest matches and has not expired, clearing the digest.
	// Unknown digests return NotFoundError; expired ones return ErrNotActive.
	ActivateByVerification(ctx context.Context, digest string, now time.Time) (Account, error)
}

// prepareCreate validates in and fills defaults. It returns the normalized email.
func prepareCreate(op string, in CreateAccountInput) (CreateAccountInput, string, error) {
	in.Email = strings.TrimSpace(in.Email)
	if !ValidEmail(in.Email) {
		return in, "", invalid(op, "invalid email")
	}
	if strings.TrimSpace(in.PasswordHash) == "" {
		return in, "", invalid(op, "password hash is required")
	}
	for _, r := range in.Roles {
		if _, err := ParseRole(string(r)); err != nil {
			return in, "", invalid(op, "unknown role")
		}
	}
	in.Roles = in.Roles.Normalize()
	if len(in.Roles) == 0 {
		in.Roles = Roles{RoleUser}
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	in.Now = in.Now.UTC()
	return in, NormalizeEmail(in.Email), nil
}

package password

import "errors"

// Policy errors are safe to show to the user who chose the password.
var (
	ErrPasswordTooShort = errors.New("password too short")
	ErrPasswordTooLong  = errors.New("password too long")
	ErrWeakPassword     = errors.New("password too easy to guess")
)

var (
	// ErrInvalidHash covers malformed, unsupported or out-of-bounds encodings.
	ErrInvalidHash = errors.New("password: invalid hash encoding")
	// ErrInvalidConfig wraps every Config.Check violation.
	ErrInvalidConfig = errors.New("password: invalid config")
	// ErrHasherBusy means no hashing slot freed up before the context ended.
	ErrHasherBusy = errors.New("password: hasher busy")
)

// IsPolicyViolation reports whether err came from policy validation rather
// than from hashing itself.
func IsPolicyViolation(err error) bool {
	return errors.Is(err, ErrPasswordTooShort) ||
		errors.Is(err, ErrPasswordTooLong) ||
		errors.Is(err, ErrWeakPassword)
}

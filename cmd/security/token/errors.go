package token

import "errors"

// Key errors. Both are configuration problems and abort startup.
var (
	// ErrKeyMissing means no key material was configured.
	ErrKeyMissing = errors.New("token: key missing")
	// ErrKeyTooShort means the key is below the required minimum length.
	ErrKeyTooShort = errors.New("token: key too short")
)

package session

import "errors"

// Caller-facing errors. Handlers map these to HTTP responses.
var (
	// ErrInvalidCredentials covers unknown account, inactive account and wrong password alike.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidRefreshToken covers unknown, revoked and rotated refresh tokens alike.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")

	// ErrRefreshTokenExpired is returned for a known, unrevoked but expired refresh token.
	ErrRefreshTokenExpired = errors.New("refresh token expired")

	// ErrForbidden is returned when the caller may not act on the target session.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound is returned when an explicitly named refresh token does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned for malformed client input (e.g. device type).
	ErrValidation = errors.New("validation error")
)

// Access token errors.
var (
	ErrSignatureInvalid = errors.New("access token signature invalid")
	ErrTokenExpired     = errors.New("access token expired")
	ErrWrongTokenType   = errors.New("token is not an access token")
)

// Store-level errors. The Service folds these into the caller-facing set.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionRevoked  = errors.New("session revoked")
	ErrSessionExpired  = errors.New("session expired")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid session config")
)

package guard

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"warden/cmd/identity"
)

var (
	// ErrUnauthenticated is the kind of every 401 guard failure.
	ErrUnauthenticated = errors.New("guard: not authenticated")
	// ErrForbidden is the kind of every 403 guard failure.
	ErrForbidden = errors.New("guard: insufficient scope")
)

// Reason tags carried in the challenge header of a 401.
const (
	ReasonMissing   = "missing"
	ReasonExpired   = "expired"
	ReasonInvalid   = "invalid"
	ReasonWrongType = "wrong-type"
)

// Error is a guard rejection. Reason is only surfaced in the challenge header;
// the response body stays generic.
type Error struct {
	Status  int
	Reason  string
	Missing identity.Roles
}

func (e *Error) Error() string {
	if e.Status == http.StatusForbidden {
		return fmt.Sprintf("guard: missing scopes %s", e.Missing)
	}
	return fmt.Sprintf("guard: unauthenticated (%s)", e.Reason)
}

func (e *Error) Unwrap() error {
	if e.Status == http.StatusForbidden {
		return ErrForbidden
	}
	return ErrUnauthenticated
}

func unauthenticated(reason string) *Error {
	return &Error{Status: http.StatusUnauthorized, Reason: reason}
}

func forbidden(missing identity.Roles) *Error {
	return &Error{Status: http.StatusForbidden, Reason: "insufficient_scope", Missing: missing}
}

var descriptions = map[string]string{
	ReasonExpired:   "The access token expired",
	ReasonInvalid:   "The access token is invalid",
	ReasonWrongType: "The token is not an access token",
}

// Challenge renders the WWW-Authenticate value for e.
func (e *Error) Challenge() string {
	if e.Status == http.StatusForbidden {
		return fmt.Sprintf(`Bearer error="insufficient_scope", scope="%s"`, strings.Join(e.Missing.Strings(), " "))
	}
	if e.Reason == ReasonMissing {
		return "Bearer"
	}
	desc, ok := descriptions[e.Reason]
	if !ok {
		desc = descriptions[ReasonInvalid]
	}
	return fmt.Sprintf(`Bearer error="invalid_token", error_description="%s", reason="%s"`, desc, e.Reason)
}

package identity

import (
	"errors"
	"fmt"
)

// Error kinds matched with errors.Is. The HTTP layer maps each to one status.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("already exists")
	ErrNotActive    = errors.New("account not active")
)

// OpError names the failing operation and its kind. Msg is safe to show to
// clients and never contains secrets.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return e.Op + ": " + e.Kind.Error()
	}
	return fmt.Sprintf("%s: %v (%s)", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// ConflictError reports which unique field ("email", "verification") collided.
type ConflictError struct {
	Op    string
	Field string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s: %s %v", e.Op, e.Field, ErrConflict)
}

func (e ConflictError) Unwrap() error { return ErrConflict }

// NotFoundError reports a missing account or verification record.
type NotFoundError struct {
	Op       string
	Resource string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s %v", e.Op, e.Resource, ErrNotFound)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

func invalid(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvalidInput, Msg: msg}
}

func inactive(op, msg string) error {
	return OpError{Op: op, Kind: ErrNotActive, Msg: msg}
}

func IsConflict(err error) bool     { return errors.Is(err, ErrConflict) }
func IsNotFound(err error) bool     { return errors.Is(err, ErrNotFound) }
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }
func IsNotActive(err error) bool    { return errors.Is(err, ErrNotActive) }

package authapi

import (
	"context"
	"net/http"

	"warden/cmd/identity"
	"warden/cmd/internal/auth/session"
)

// Sessions is the session lifecycle the handler drives.
type Sessions interface {
	Login(ctx context.Context, in session.LoginInput) (session.Issued, error)
	Refresh(ctx context.Context, in session.RefreshInput) (session.Issued, error)
	Revoke(ctx context.Context, p identity.Principal, refreshToken string) (int64, error)
	RevokeDevice(ctx context.Context, p identity.Principal, dt session.DeviceType) (int64, error)
	Cleanup(ctx context.Context, p identity.Principal) (int64, error)
	ListSessions(ctx context.Context, p identity.Principal) ([]session.SessionView, error)
}

// Registrar creates and activates accounts.
type Registrar interface {
	Register(ctx context.Context, in identity.RegisterInput) (identity.Account, error)
	CreateAccount(ctx context.Context, email, pw string, roles identity.Roles) (identity.Account, error)
	Verify(ctx context.Context, plain string) (identity.Account, error)
}

// Authenticator produces middleware that admits requests carrying a valid
// access token with every required scope.
type Authenticator interface {
	Require(required ...identity.Role) func(http.Handler) http.Handler
}

// LoginThrottle gates /token by client address and login identifier.
type LoginThrottle interface {
	Check(ctx context.Context, ip, identifier string) error
	Fail(ctx context.Context, ip, identifier string)
	Succeed(ctx context.Context, identifier string)
}

// NoopThrottle never limits.
type NoopThrottle struct{}

func (NoopThrottle) Check(context.Context, string, string) error { return nil }
func (NoopThrottle) Fail(context.Context, string, string)        {}
func (NoopThrottle) Succeed(context.Context, string)             {}

package guard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"warden/cmd/identity"
)

type ctxKey struct{}

// PrincipalFrom returns the principal stored by Require.
func PrincipalFrom(ctx context.Context) (identity.Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(identity.Principal)
	return p, ok
}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p identity.Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// BearerToken extracts the token from an Authorization header, or "".
func BearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, tok, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}

// Require rejects requests whose bearer token does not carry every required role.
func (g *Guard) Require(required ...identity.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := g.Authenticate(r.Context(), BearerToken(r), required...)
			if err != nil {
				g.writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

type errorBody struct {
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

// WriteError renders a guard failure. Anything that is not an *Error is a 500.
func WriteError(w http.ResponseWriter, err error) {
	var ge *Error
	if !errors.As(err, &ge) {
		writeJSON(w, http.StatusInternalServerError, errorBody{Detail: "internal error", Code: "server_error"})
		return
	}
	w.Header().Set("WWW-Authenticate", ge.Challenge())
	if ge.Status == http.StatusForbidden {
		writeJSON(w, http.StatusForbidden, errorBody{Detail: "not enough permissions", Code: "forbidden"})
		return
	}
	writeJSON(w, http.StatusUnauthorized, errorBody{Detail: "not authenticated", Code: "unauthenticated"})
}

func (g *Guard) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ge *Error
	if !errors.As(err, &ge) {
		g.log.ErrorContext(r.Context(), "guard.fail", "err", err)
	}
	WriteError(w, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

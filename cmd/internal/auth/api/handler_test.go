package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"warden/cmd/identity"
	"warden/cmd/internal/auth/guard"
	"warden/cmd/internal/auth/session"
	"warden/cmd/internal/metrics"
	"warden/cmd/internal/notify"
	"warden/cmd/internal/ratelimit"
	"warden/cmd/security/password"
	"warden/cmd/security/token"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

const (
	testPassword  = "correct horse battery"
	adminEmail    = "root@example.com"
	adminPassword = "admin password 123"
)

type testEnv struct {
	srv       *httptest.Server
	registrar *identity.Registrar
	rec       *notify.Recorder
}

func testKey(t *testing.T, fill string) *token.Key {
	t.Helper()
	k, err := token.NewKey([]byte(strings.Repeat(fill, 32)), token.MinKeyBytes)
	require.NoError(t, err)
	return k
}

func newTestEnv(t *testing.T, rl ratelimit.Config) *testEnv {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "warden.db"), 0o600, &bbolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.NewMetrics(prometheus.NewRegistry())

	pwCfg := password.DefaultConfig()
	pwCfg.Params.MemoryKiB = 16 * 1024
	pwCfg.Params.Iterations = 1
	pwCfg.Params.Parallelism = 1
	hasher := password.NewHasher(pwCfg, 4)

	accounts, err := identity.NewBoltStore(db)
	require.NoError(t, err)
	sessions, err := session.NewBoltStore(db)
	require.NoError(t, err)

	digester := token.NewDigester(testKey(t, "r"))
	refresh, err := session.NewRefreshTokens(session.DefaultConfig(), sessions, digester)
	require.NoError(t, err)
	jwt, err := session.NewJWTManager(session.DefaultConfig(), testKey(t, "s"))
	require.NoError(t, err)

	rec := &notify.Recorder{}
	svc, err := session.NewService(accounts, hasher, refresh, jwt,
		session.WithLogger(log), session.WithNotifier(rec), session.WithMetrics(m))
	require.NoError(t, err)

	registrar, err := identity.NewRegistrar(accounts, hasher, digester, rec, identity.RegistrarConfig{
		RequireEmailVerification: true,
		VerifyURL:                "https://auth.example.com/verify-email",
	}, log)
	require.NoError(t, err)

	g, err := guard.New(jwt, accounts, guard.DefaultConfig(), guard.WithLogger(log), guard.WithMetrics(m))
	require.NoError(t, err)

	throttle, err := ratelimit.NewThrottle(rl, ratelimit.NewMemoryCounter(1024, time.Hour), log, m)
	require.NoError(t, err)

	h, err := NewHandler(DefaultConfig(), svc, registrar, g, WithLogger(log), WithThrottle(throttle))
	require.NoError(t, err)

	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)

	_, _, err = registrar.EnsureAdmin(context.Background(), adminEmail, adminPassword)
	require.NoError(t, err)

	return &testEnv{srv: srv, registrar: registrar, rec: rec}
}

func disabledThrottle() ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	cfg.Enabled = false
	return cfg
}

func (e *testEnv) do(t *testing.T, method, path, bearer string, body any) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func requireError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	require.Equal(t, status, resp.StatusCode)
	body := decode[errorResponse](t, resp)
	assert.Equal(t, code, body.Code)
}

func (e *testEnv) login(t *testing.T, email, pw, device string) tokenResponse {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/token", "", map[string]string{
		"username": email, "password": pw, "device_type": device,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[tokenResponse](t, resp)
}

// registerVerified registers email and redeems the mailed token.
func (e *testEnv) registerVerified(t *testing.T, email string) accountResponse {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/register", "", map[string]any{"email": email, "password": testPassword})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	acct := decode[accountResponse](t, resp)
	require.False(t, acct.Active)

	msg, ok := e.rec.LastFor(notify.KindVerifyEmail, email)
	require.True(t, ok, "verification message not sent")

	resp = e.do(t, http.MethodGet, "/verify-email?token="+msg.Data["token"], "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	verified := decode[accountResponse](t, resp)
	require.True(t, verified.Active)
	return verified
}

func TestHandler_RegisterLoginRefreshRevoke(t *testing.T) {
	e := newTestEnv(t, disabledThrottle())
	acct := e.registerVerified(t, "alice@example.com")
	assert.Equal(t, []string{"user"}, acct.Scopes)

	tok := e.login(t, "alice@example.com", testPassword, "web")
	assert.Equal(t, "bearer", tok.TokenType)
	assert.Equal(t, []string{"user"}, tok.Scopes)
	assert.NotEmpty(t, tok.RefreshToken)
	assert.Positive(t, tok.ExpiresIn)

	resp := e.do(t, http.MethodGet, "/me", tok.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decode[principalResponse](t, resp)
	assert.Equal(t, acct.ID, me.ID)
	assert.Equal(t, []string{"user"}, me.Scopes)

	resp = e.do(t, http.MethodPost, "/token/refresh", "", map[string]string{"refresh_token": tok.RefreshToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rotated := decode[tokenResponse](t, resp)
	assert.NotEqual(t, tok.RefreshToken, rotated.RefreshToken)

	// The rotated-away secret is dead.
	resp = e.do(t, http.MethodPost, "/token/refresh", "", map[string]string{"refresh_token": tok.RefreshToken})
	requireError(t, resp, http.StatusUnauthorized, "invalid_refresh_token")

	resp = e.do(t, http.MethodGet, "/sessions", rotated.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	views := decode[[]session.SessionView](t, resp)
	require.Len(t, views, 2)
	for _, v := range views {
		assert.Equal(t, acct.ID, v.Subject)
	}

	resp = e.do(t, http.MethodPost, "/token/revoke", rotated.AccessToken, map[string]string{"refresh_token": rotated.RefreshToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, revokeResponse{OK: true, Revoked: 1}, decode[revokeResponse](t, resp))

	resp = e.do(t, http.MethodPost, "/token/refresh", "", map[string]string{"refresh_token": rotated.RefreshToken})
	requireError(t, resp, http.StatusUnauthorized, "invalid_refresh_token")
}

func TestHandler_LoginFailuresLookAlike(t *testing.T) {
	e := newTestEnv(t, disabledThrottle())
	e.registerVerified(t, "bob@example.com")

	wrong := e.do(t, http.MethodPost, "/token", "", map[string]string{"username": "bob@example.com", "password": "not the password"})
	unknown := e.do(t, http.MethodPost, "/token", "", map[string]string{"username": "nobody@example.com", "password": "not the password"})

	require.Equal(t, http.StatusUnauthorized, wrong.StatusCode)
	require.Equal(t, http.StatusUnauthorized, unknown.StatusCode)
	assert.Equal(t, decode[errorResponse](t, wrong), decode[errorResponse](t, unknown))
}

func TestHandler_LoginRejectsUnverifiedAccount(t *testing.T) {
	e := newTestEnv(t, disabledThrottle())
	resp := e.do(t, http.MethodPost, "/register", "", map[string]any{"email": "carol@example.com", "password": testPassword})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/token", "", map[string]string{"username": "carol@example.com", "password": testPassword})
	requireError(t, resp, http.StatusUnauthorized, "invalid_credentials")
}

func TestHandler_LoginValidation(t *testing.T) {
	e := newTestEnv(t, disabledThrottle())

	resp := e.do(t, http.MethodPost, "/token", "", map[string]string{"username": adminEmail, "password": adminPassword, "device_type": "toaster"})
	requireError(t, resp, http.StatusBadRequest, "validation_error")

	resp = e.do(t, http.MethodPost, "/token", "", map[string]string{"username": adminEmail})
	requireError(t, resp, http.StatusBadRequest, "invalid_request")

	resp = e.do(t, http.MethodPost, "/token", "", map[string]any{"username": adminEmail, "password": adminPassword, "extra": true})
	requireError(t, resp, http.StatusBadRequest, "invalid_request")

	// "email" is accepted in place of "username".
	resp = e.do(t, http.MethodPost, "/token", "", map[string]string{"email": adminEmail, "password": adminPassword})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandler_LoginThrottled(t *testing.T) {
	rl := ratelimit.DefaultConfig()
	rl.IdentifierMax = 2
	e := newTestEnv(t, rl)

	for i := 0; i < 2; i++ {
		resp := e.do(t, http.MethodPost, "/token", "", map[string]string{"username": adminEmail, "password": "wrong password"})
		requireError(t, resp, http.StatusUnauthorized, "invalid_credentials")
	}

	// Correct password is still refused while the identifier is locked.
	resp := e.do(t, http.MethodPost, "/token", "", map[string]string{"username": "ROOT@example.com", "password": adminPassword})
	requireError(t, resp, http.StatusTooManyRequests, "rate_limited")
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestHandler_RefreshErrors(t *testing.T) {
	e := newTestEnv(t, disabledThrottle())

	resp := e.do(t, http.MethodPost, "/token/refresh", "", map[string]string{})
	requireError(t, resp, http.StatusBadRequest, "invalid_request")

	resp = e.do(t, http.MethodPost, "/token/refresh", "", map[string]string{"refresh_token": "bogus"})
	requireError(t, resp, http.StatusUnauthorized, "invalid_refresh_token")
}

func TestHandler_RequiresBearer(t *testing.T) {
	e := newTestEnv(t, disabledThrottle())

	for _, path := range []string{"/me", "/sessions"} {
		resp := e.do(t, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		assert.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"), path)
	}

	resp := e.do(t, http.MethodGet, "/me", "not-a-jwt", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), `error="invalid_token"`)
}

func TestHandler_AdminRoutes(t *testing.T) {
	e := newTestEnv(t, disabledThrottle())
	e.registerVerified(t, "dave@example.com")
	user := e.login(t, "dave@example.com", testPassword, "")
	admin := e.login(t, adminEmail, adminPassword, "")

	resp := e.do(t, http.MethodGet, "/admin", user.AccessToken, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), `error="insufficient_scope"`)

	resp = e.do(t, http.MethodGet, "/admin", admin.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[okResponse](t, resp).OK)

	resp = e.do(t, http.MethodPost, "/admin/users", admin.AccessToken, map[string]any{
		"email": "ops@example.com", "password": testPassword, "scopes": []string{"admin", "user"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[accountResponse](t, resp)
	assert.True(t, created.Active)
	assert.ElementsMatch(t, []string{"admin", "user"}, created.Scopes)

	resp = e.do(t, http.MethodPost, "/admin/users", admin.AccessToken, map[string]any{
		"email": "OPS@example.com", "password": testPassword,
	})
	requireError(t, resp, http.StatusConflict, "conflict")

	resp = e.do(t, http.MethodPost, "/admin/users", admin.AccessToken, map[string]any{
		"email": "x@example.com", "password": testPassword, "scopes": []string{"root"},
	})
	requireError(t, resp, http.StatusBadRequest, "validation_error")

	resp = e.do(t, http.MethodPost, "/admin/sessions/cleanup", user.AccessToken, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/admin/sessions/cleanup", admin.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(0), decode[cleanupResponse](t, resp).RevokedMarked)

	// Admins list every session.
	resp = e.do(t, http.MethodGet, "/sessions", admin.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]session.SessionView](t, resp), 2)
}

func TestHandler_Revoke(t *testing.T) {
	e := newTestEnv(t, disabledThrottle())
	e.registerVerified(t, "erin@example.com")
	e.registerVerified(t, "frank@example.com")
	erin := e.login(t, "erin@example.com", testPassword, "web")
	frank := e.login(t, "frank@example.com", testPassword, "web")

	resp := e.do(t, http.MethodPost, "/token/revoke", frank.AccessToken, map[string]string{"refresh_token": erin.RefreshToken})
	requireError(t, resp, http.StatusForbidden, "forbidden")

	resp = e.do(t, http.MethodPost, "/token/revoke", frank.AccessToken, map[string]string{"refresh_token": "unknown"})
	requireError(t, resp, http.StatusNotFound, "not_found")

	// Admins may revoke anyone's session.
	admin := e.login(t, adminEmail, adminPassword, "")
	resp = e.do(t, http.MethodPost, "/token/revoke", admin.AccessToken, map[string]string{"refresh_token": erin.RefreshToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// No token revokes all of the caller's sessions.
	e.login(t, "frank@example.com", testPassword, "mobile")
	resp = e.do(t, http.MethodPost, "/token/revoke", frank.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(2), decode[revokeResponse](t, resp).Revoked)

	resp = e.do(t, http.MethodPost, "/token/refresh", "", map[string]string{"refresh_token": frank.RefreshToken})
	requireError(t, resp, http.StatusUnauthorized, "invalid_refresh_token")
}

func TestHandler_RevokeDevice(t *testing.T) {
	e := newTestEnv(t, disabledThrottle())
	e.registerVerified(t, "gina@example.com")
	web := e.login(t, "gina@example.com", testPassword, "web")
	mobile := e.login(t, "gina@example.com", testPassword, "mobile")

	resp := e.do(t, http.MethodPost, "/token/revoke", web.AccessToken, map[string]string{"device_type": "tablet"})
	requireError(t, resp, http.StatusBadRequest, "validation_error")

	resp = e.do(t, http.MethodPost, "/token/revoke", web.AccessToken, map[string]string{"device_type": "Mobile"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, revokeResponse{OK: true, Revoked: 1}, decode[revokeResponse](t, resp))

	resp = e.do(t, http.MethodPost, "/token/refresh", "", map[string]string{"refresh_token": mobile.RefreshToken})
	requireError(t, resp, http.StatusUnauthorized, "invalid_refresh_token")

	resp = e.do(t, http.MethodPost, "/token/refresh", "", map[string]string{"refresh_token": web.RefreshToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandler_RegisterErrors(t *testing.T) {
	e := newTestEnv(t, disabledThrottle())

	resp := e.do(t, http.MethodPost, "/register", "", map[string]any{"email": "g@example.com", "password": "short"})
	requireError(t, resp, http.StatusBadRequest, "validation_error")

	resp = e.do(t, http.MethodPost, "/register", "", map[string]any{"email": adminEmail, "password": testPassword})
	requireError(t, resp, http.StatusConflict, "conflict")

	// Requested scopes never elevate a self-registered account.
	resp = e.do(t, http.MethodPost, "/register", "", map[string]any{
		"email": "h@example.com", "password": testPassword, "scopes": []string{"admin"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, []string{"user"}, decode[accountResponse](t, resp).Scopes)

	resp = e.do(t, http.MethodGet, "/verify-email?token=not-a-real-token", "", nil)
	requireError(t, resp, http.StatusBadRequest, "invalid_token")

	resp = e.do(t, http.MethodGet, "/verify-email", "", nil)
	requireError(t, resp, http.StatusBadRequest, "invalid_request")
}

func TestNewHandler_RequiresDependencies(t *testing.T) {
	_, err := NewHandler(DefaultConfig(), nil, nil, nil)
	require.Error(t, err)
}

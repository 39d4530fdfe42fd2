package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Storage.BoltPath = filepath.Join(t.TempDir(), "warden.db")
	cfg.Keys.JWTSigningKey = strings.Repeat("j", 32)
	cfg.Keys.RefreshKey = strings.Repeat("r", 32)
	cfg.Password.Params.MemoryKiB = 8 * 1024
	cfg.Password.Params.Iterations = 1
	cfg.Password.Params.Parallelism = 1
	cfg.Auth.RequireEmailVerification = false
	cfg.Sweep.Enabled = false
	return cfg
}

func TestLoadConfig_DefaultsAndEnv(t *testing.T) {
	t.Setenv("WARDEN_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("WARDEN_SESSION_ACCESS_TTL", "5m")
	t.Setenv("WARDEN_RATELIMIT_IDENTIFIER_MAX", "9")
	t.Setenv("WARDEN_AUTH_REQUIRE_EMAIL_VERIFICATION", "false")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.HTTP.Addr)
	assert.Equal(t, 5*time.Minute, cfg.Session.AccessTokenTTL)
	assert.EqualValues(t, 9, cfg.RateLimit.IdentifierMax)
	assert.False(t, cfg.Auth.RequireEmailVerification)

	d := DefaultConfig()
	assert.Equal(t, d.Session.RefreshTokenTTL, cfg.Session.RefreshTokenTTL)
	assert.Equal(t, d.Password, cfg.Password)
	assert.Equal(t, "bolt", cfg.Storage.Driver)
	assert.Equal(t, "@every 1h", cfg.Sweep.Schedule)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":7000"
storage:
  driver: postgres
  database_url: postgres://warden:pw@db:5432/warden
ratelimit:
  backend: redis
  redis_addr: redis:6379
`), 0o600))
	t.Setenv("WARDEN_HTTP_ADDR", ":7001")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":7001", cfg.HTTP.Addr, "env wins over file")
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "redis", cfg.RateLimit.Backend)
	assert.Equal(t, DefaultConfig().RateLimit.IPWindow, cfg.RateLimit.IPWindow)
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := map[string]string{
		"WARDEN_STORAGE_DRIVER":             "sqlite",
		"WARDEN_LOG_FORMAT":                 "xml",
		"WARDEN_SWEEP_SCHEDULE":             "whenever",
		"WARDEN_RATELIMIT_BACKEND":          "memcached",
		"WARDEN_SESSION_ACCESS_TTL":         "0s",
		"WARDEN_PASSWORD_ARGON2_ITERATIONS": "0",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := LoadConfig("")
			require.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateSecurityConfig(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, ValidateSecurityConfig(cfg))

	short := cfg
	short.Keys.RefreshKey = "too-short"
	assert.ErrorContains(t, ValidateSecurityConfig(short), "keys.refresh_key is too short")

	missing := cfg
	missing.Keys.JWTSigningKey = ""
	assert.ErrorContains(t, ValidateSecurityConfig(missing), "keys.jwt_signing_key is missing")

	same := cfg
	same.Keys.RefreshKey = same.Keys.JWTSigningKey
	assert.ErrorContains(t, ValidateSecurityConfig(same), "must differ")
}

func TestConfig_Redacted(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.DatabaseURL = "postgres://warden:s3cr@t@db:5432/warden?sslmode=disable"

	r := cfg.Redacted()
	assert.Equal(t, redacted, r.Keys.JWTSigningKey)
	assert.Equal(t, redacted, r.Keys.RefreshKey)
	assert.Equal(t, "postgres://warden:[redacted]@db:5432/warden?sslmode=disable", r.Storage.DatabaseURL)
	assert.Equal(t, strings.Repeat("j", 32), cfg.Keys.JWTSigningKey, "original untouched")

	assert.Equal(t, "postgres://db/warden", redactDSN("postgres://db/warden"))
	assert.Equal(t, redacted, redactDSN("host=db password=x"))
}

func TestApp_RouterEndToEnd(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), testConfig(t), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	srv := httptest.NewServer(a.Router())
	t.Cleanup(srv.Close)

	get := func(path string) *http.Response {
		resp, err := srv.Client().Get(srv.URL + path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusOK, get("/healthz").StatusCode)
	assert.Equal(t, http.StatusOK, get("/readyz").StatusCode)

	_, _, err = a.Registrar().EnsureAdmin(context.Background(), "root@example.com", "admin password 123")
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]string{"username": "root@example.com", "password": "admin password 123"})
	resp, err := srv.Client().Post(srv.URL+"/token", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	var tok struct {
		AccessToken string   `json:"access_token"`
		Scopes      []string `json:"scopes"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tok))
	assert.ElementsMatch(t, []string{"admin", "user"}, tok.Scopes)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/admin", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	resp, err = srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	metricsResp := get("/metrics")
	require.Equal(t, http.StatusOK, metricsResp.StatusCode)
	raw, err := io.ReadAll(metricsResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `warden_http_requests_total{method="POST",route="/token",status="200"} 1`)
	assert.Contains(t, string(raw), "warden_logins_total")

	n, err := a.Sweeper().RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestApp_ReadinessRequiresDB(t *testing.T) {
	cfg := testConfig(t)
	cfg.ReadinessRequireDB = true
	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	rr := httptest.NewRecorder()
	a.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Addr = "127.0.0.1:0"
	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_RejectsBadKeys(t *testing.T) {
	cfg := testConfig(t)
	cfg.Keys.RefreshKey = ""
	_, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
}

// Package main provides a CI-friendly smoke test for a running warden server.
//
// It validates:
//   - password login issues an access/refresh pair
//   - the access token authenticates GET /me
//   - refresh rotates the pair and the old refresh token stops working
//   - GET /sessions lists the caller's session
//   - revoke ends the session so the current refresh token is rejected
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

type tokenPair struct {
	AccessToken  string   `json:"access_token"`
	TokenType    string   `json:"token_type"`
	ExpiresIn    int64    `json:"expires_in"`
	RefreshToken string   `json:"refresh_token"`
	SessionID    string   `json:"session_id"`
	Scopes       []string `json:"scopes"`
}

type apiError struct {
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

type smokeClient struct {
	base    string
	http    *http.Client
	timeout time.Duration
	verbose bool
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "warden base URL")
		user    = flag.String("user", os.Getenv("WARDEN_SMOKE_USER"), "login email")
		pass    = flag.String("password", os.Getenv("WARDEN_SMOKE_PASSWORD"), "login password")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if *user == "" || *pass == "" {
		fatalf("-user and -password (or WARDEN_SMOKE_USER / WARDEN_SMOKE_PASSWORD) are required")
	}

	c := &smokeClient{
		base:    strings.TrimRight(*baseURL, "/"),
		http:    &http.Client{},
		timeout: *timeout,
		verbose: *verbose,
	}
	root := context.Background()
	deviceID := uuid.NewString()

	first := c.mustLogin(root, *user, *pass, deviceID)
	c.logf("login ok: session=%s scopes=%v", first.SessionID, first.Scopes)

	var me struct {
		ID     string   `json:"id"`
		Scopes []string `json:"scopes"`
	}
	c.mustDo(root, http.MethodGet, "/me", first.AccessToken, nil, http.StatusOK, &me)
	if me.ID == "" {
		fatalf("/me: empty subject")
	}

	second := c.mustRefresh(root, first.RefreshToken)
	if second.RefreshToken == first.RefreshToken {
		fatalf("refresh: token was not rotated")
	}
	c.logf("refresh ok: session=%s", second.SessionID)

	code := c.mustDo(root, http.MethodPost, "/token/refresh", "", map[string]string{"refresh_token": first.RefreshToken}, http.StatusUnauthorized, nil)
	c.logf("replayed refresh rejected: code=%s", code)

	var sessions []map[string]any
	c.mustDo(root, http.MethodGet, "/sessions", second.AccessToken, nil, http.StatusOK, &sessions)
	if len(sessions) == 0 {
		fatalf("/sessions: expected at least one session")
	}

	c.mustDo(root, http.MethodPost, "/token/revoke", second.AccessToken, map[string]string{"refresh_token": second.RefreshToken}, http.StatusOK, nil)
	c.mustDo(root, http.MethodPost, "/token/refresh", "", map[string]string{"refresh_token": second.RefreshToken}, http.StatusUnauthorized, nil)

	fmt.Println("OK: auth smoke passed")
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func (c *smokeClient) mustLogin(ctx context.Context, user, pass, deviceID string) tokenPair {
	var out tokenPair
	c.mustDo(ctx, http.MethodPost, "/token", "", map[string]string{
		"username":    user,
		"password":    pass,
		"device_type": "web",
		"device_id":   deviceID,
	}, http.StatusOK, &out)
	if out.AccessToken == "" || out.RefreshToken == "" {
		fatalf("login: missing tokens")
	}
	if !strings.EqualFold(out.TokenType, "bearer") {
		fatalf("login: token_type=%q want bearer", out.TokenType)
	}
	return out
}

func (c *smokeClient) mustRefresh(ctx context.Context, refresh string) tokenPair {
	var out tokenPair
	c.mustDo(ctx, http.MethodPost, "/token/refresh", "", map[string]string{"refresh_token": refresh}, http.StatusOK, &out)
	return out
}

// mustDo performs one request, fails unless the status matches, and decodes
// the body into out on success. It returns the error code for non-2xx answers.
func (c *smokeClient) mustDo(parent context.Context, method, path, bearer string, body any, want int, out any) string {
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			fatalf("%s %s: marshal: %v", method, path, err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fatalf("%s %s: read body: %v", method, path, err)
	}
	if resp.StatusCode != want {
		fatalf("%s %s: status=%d want=%d body=%s", method, path, resp.StatusCode, want, raw)
	}
	if resp.StatusCode >= 300 {
		var e apiError
		_ = json.Unmarshal(raw, &e)
		return e.Code
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return ""
}

func (c *smokeClient) logf(format string, args ...any) {
	if c.verbose {
		fmt.Printf(format+"\n", args...)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}

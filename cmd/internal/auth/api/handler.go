package authapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"warden/cmd/identity"
	"warden/cmd/internal/auth/guard"
	"warden/cmd/internal/auth/session"

	"github.com/go-chi/chi/v5"
)

// Handler wires HTTP auth endpoints to the identity and session services.
type Handler struct {
	log *slog.Logger
	cfg Config

	sessions  Sessions
	registrar Registrar
	auth      Authenticator
	throttle  LoginThrottle

	now func() time.Time
}

// HandlerOption configures optional auth handler dependencies.
type HandlerOption func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithThrottle enables login throttling.
func WithThrottle(t LoginThrottle) HandlerOption {
	return func(h *Handler) {
		if t != nil {
			h.throttle = t
		}
	}
}

// WithClock overrides time.Now for expires_in computation.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler constructs an auth Handler.
func NewHandler(cfg Config, sessions Sessions, registrar Registrar, auth Authenticator, opts ...HandlerOption) (*Handler, error) {
	if sessions == nil {
		return nil, errors.New("authapi: nil session service")
	}
	if registrar == nil {
		return nil, errors.New("authapi: nil registrar")
	}
	if auth == nil {
		return nil, errors.New("authapi: nil authenticator")
	}

	h := &Handler{
		log:       slog.Default(),
		cfg:       cfg.withDefaults(),
		sessions:  sessions,
		registrar: registrar,
		auth:      auth,
		throttle:  NoopThrottle{},
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Register mounts the auth routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Post("/token", h.handleToken)
	r.Post("/token/refresh", h.handleRefresh)
	r.Post("/register", h.handleRegister)
	r.Get("/verify-email", h.handleVerifyEmail)

	r.Group(func(r chi.Router) {
		r.Use(h.auth.Require())
		r.Post("/token/revoke", h.handleRevoke)
		r.Get("/sessions", h.handleSessions)
		r.Get("/me", h.handleMe)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.auth.Require(identity.RoleAdmin))
		r.Get("/", h.handleAdmin)
		r.Post("/users", h.handleCreateUser)
		r.Post("/sessions/cleanup", h.handleCleanup)
	})
}

// Routes returns a router with only the auth routes mounted.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

// ---- handlers ----

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req tokenRequest
	if !h.decode(w, r, &req) {
		return
	}
	identifier := loginIdentifier(req)
	if identifier == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "username and password required")
		return
	}

	ip := ipString(clientIP(r, h.cfg.TrustProxy))
	throttleKey := identity.NormalizeEmail(identifier)
	if limited := h.checkLoginThrottle(ctx, ip, throttleKey); limited != nil {
		h.auditLoginRateLimited(ctx, r, identifier, limited.Scope, limited.RetryAfter)
		writeRateLimited(w, limited.RetryAfter)
		return
	}

	dt, err := session.ParseDeviceType(req.DeviceType)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "device_type must be web or mobile")
		return
	}

	issued, err := h.sessions.Login(ctx, session.LoginInput{
		Email:    identifier,
		Password: req.Password,
		Device: session.DeviceContext{
			Type:       dt,
			ID:         strings.TrimSpace(req.DeviceID),
			ClientMeta: clientMeta(r, h.cfg.TrustProxy),
		},
	})
	switch {
	case err == nil:
	case errors.Is(err, session.ErrInvalidCredentials):
		h.throttle.Fail(ctx, ip, throttleKey)
		h.auditLoginFailed(ctx, r, identifier, "invalid_credentials")
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "incorrect username or password")
		return
	case errors.Is(err, session.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_error", "invalid login request")
		return
	default:
		h.log.ErrorContext(ctx, "auth.login.fail", "err", err)
		writeServerError(w)
		return
	}

	h.throttle.Succeed(ctx, throttleKey)
	h.auditLoginSuccess(ctx, r, issued.SessionID)
	writeJSON(w, http.StatusOK, toTokenResponse(issued, h.now()))
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req refreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "refresh_token required")
		return
	}

	issued, err := h.sessions.Refresh(ctx, session.RefreshInput{
		RefreshToken: req.RefreshToken,
		Meta:         clientMeta(r, h.cfg.TrustProxy),
	})
	switch {
	case err == nil:
	case errors.Is(err, session.ErrRefreshTokenExpired):
		writeError(w, http.StatusUnauthorized, "refresh_token_expired", "refresh token expired")
		return
	case errors.Is(err, session.ErrInvalidRefreshToken):
		writeError(w, http.StatusUnauthorized, "invalid_refresh_token", "invalid refresh token")
		return
	default:
		h.log.ErrorContext(ctx, "auth.refresh.fail", "err", err)
		writeServerError(w)
		return
	}

	h.auditRefreshSuccess(ctx, r, issued.SessionID)
	writeJSON(w, http.StatusOK, toTokenResponse(issued, h.now()))
}

// handleRevoke revokes the named refresh token, the caller's sessions on one
// device type, or every session of the caller when the body names neither.
func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, ok := guard.PrincipalFrom(ctx)
	if !ok {
		writeServerError(w)
		return
	}

	var req revokeRequest
	if r.ContentLength != 0 {
		if !h.decode(w, r, &req) {
			return
		}
	}

	if strings.TrimSpace(req.RefreshToken) == "" && strings.TrimSpace(req.DeviceType) != "" {
		h.revokeDevice(w, r, p, req.DeviceType)
		return
	}

	n, err := h.sessions.Revoke(ctx, p, req.RefreshToken)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "refresh token not found")
		return
	case errors.Is(err, session.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "not allowed to revoke this session")
		return
	default:
		h.log.ErrorContext(ctx, "auth.revoke.fail", "err", err, "user_id", p.Subject)
		writeServerError(w)
		return
	}

	h.auditLogout(ctx, r, p.Subject, strings.TrimSpace(req.RefreshToken) == "", n)
	writeJSON(w, http.StatusOK, revokeResponse{OK: true, Revoked: n})
}

func (h *Handler) revokeDevice(w http.ResponseWriter, r *http.Request, p identity.Principal, raw string) {
	ctx := r.Context()
	dt, err := session.ParseDeviceType(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "device_type must be web or mobile")
		return
	}
	n, err := h.sessions.RevokeDevice(ctx, p, dt)
	if err != nil {
		h.log.ErrorContext(ctx, "auth.revoke.fail", "err", err, "user_id", p.Subject, "device_type", string(dt))
		writeServerError(w)
		return
	}
	h.auditLogoutDevice(ctx, r, p.Subject, dt, n)
	writeJSON(w, http.StatusOK, revokeResponse{OK: true, Revoked: n})
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, ok := guard.PrincipalFrom(ctx)
	if !ok {
		writeServerError(w)
		return
	}
	views, err := h.sessions.ListSessions(ctx, p)
	if err != nil {
		h.log.ErrorContext(ctx, "auth.sessions.list.fail", "err", err, "user_id", p.Subject)
		writeServerError(w)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	p, ok := guard.PrincipalFrom(r.Context())
	if !ok {
		writeServerError(w)
		return
	}
	writeJSON(w, http.StatusOK, toPrincipalResponse(p))
}

func (h *Handler) handleAdmin(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, okResponse{OK: true, Msg: "welcome, admin"})
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Scopes) > 0 {
		h.log.InfoContext(ctx, "auth.register.scopes_ignored", "requested", strings.Join(req.Scopes, " "))
	}

	acct, err := h.registrar.Register(ctx, identity.RegisterInput{Email: req.Email, Password: req.Password})
	if err != nil {
		h.writeIdentityError(w, r, "auth.register.fail", err)
		return
	}
	h.auditAccountCreated(ctx, r, "", acct)
	writeJSON(w, http.StatusCreated, toAccountResponse(acct))
}

func (h *Handler) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tok := strings.TrimSpace(r.URL.Query().Get("token"))
	if tok == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "token required")
		return
	}

	acct, err := h.registrar.Verify(ctx, tok)
	switch {
	case err == nil:
	case identity.IsNotFound(err), identity.IsInvalidInput(err), identity.IsNotActive(err):
		writeError(w, http.StatusBadRequest, "invalid_token", "invalid or expired verification token")
		return
	default:
		h.log.ErrorContext(ctx, "auth.verify_email.fail", "err", err)
		writeServerError(w)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(acct))
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, ok := guard.PrincipalFrom(ctx)
	if !ok {
		writeServerError(w)
		return
	}

	var req createUserRequest
	if !h.decode(w, r, &req) {
		return
	}
	roles, err := identity.ParseRoles(req.Scopes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "unknown scope")
		return
	}
	if len(roles) == 0 {
		roles = identity.Roles{identity.RoleUser}
	}

	acct, err := h.registrar.CreateAccount(ctx, req.Email, req.Password, roles)
	if err != nil {
		h.writeIdentityError(w, r, "auth.admin.create_user.fail", err)
		return
	}
	h.auditAccountCreated(ctx, r, p.Subject, acct)
	writeJSON(w, http.StatusCreated, toAccountResponse(acct))
}

func (h *Handler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, ok := guard.PrincipalFrom(ctx)
	if !ok {
		writeServerError(w)
		return
	}
	n, err := h.sessions.Cleanup(ctx, p)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "not enough permissions")
		return
	default:
		h.log.ErrorContext(ctx, "auth.cleanup.fail", "err", err)
		writeServerError(w)
		return
	}
	writeJSON(w, http.StatusOK, cleanupResponse{RevokedMarked: n})
}

func (h *Handler) writeIdentityError(w http.ResponseWriter, r *http.Request, event string, err error) {
	switch {
	case identity.IsConflict(err):
		writeError(w, http.StatusConflict, "conflict", "email already registered")
	case identity.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, "validation_error", validationDetail(err))
	default:
		h.log.ErrorContext(r.Context(), event, "err", err)
		writeServerError(w)
	}
}

// validationDetail exposes the OpError message, which never carries secrets.
func validationDetail(err error) string {
	var op identity.OpError
	if errors.As(err, &op) && op.Msg != "" {
		return op.Msg
	}
	return "invalid input"
}

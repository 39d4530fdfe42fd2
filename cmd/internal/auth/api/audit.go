package authapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"warden/cmd/identity"
	"warden/cmd/internal/auth/session"
)

// Audit events go to the structured log under the "audit" group; there is no audit table.

func (h *Handler) audit(ctx context.Context, r *http.Request, action string, attrs ...slog.Attr) {
	base := []slog.Attr{
		slog.String("action", action),
		slog.String("ip", ipString(clientIP(r, h.cfg.TrustProxy))),
		slog.String("user_agent", r.UserAgent()),
	}
	h.log.LogAttrs(ctx, slog.LevelInfo, "auth.audit", slog.Attr{
		Key:   "audit",
		Value: slog.GroupValue(append(base, attrs...)...),
	})
}

func (h *Handler) auditLoginFailed(ctx context.Context, r *http.Request, identifier, reason string) {
	h.audit(ctx, r, "auth.login.failed",
		slog.String("identifier", identity.NormalizeEmail(identifier)),
		slog.String("reason", reason),
	)
}

func (h *Handler) auditLoginSuccess(ctx context.Context, r *http.Request, sessionID string) {
	h.audit(ctx, r, "auth.login.success", slog.String("session_id", sessionID))
}

func (h *Handler) auditLoginRateLimited(ctx context.Context, r *http.Request, identifier, scope string, retryAfter time.Duration) {
	h.audit(ctx, r, "auth.login.rate_limited",
		slog.String("identifier", identity.NormalizeEmail(identifier)),
		slog.String("scope", scope),
		slog.Int64("retry_after_s", int64(retryAfter.Seconds())),
	)
}

func (h *Handler) auditRefreshSuccess(ctx context.Context, r *http.Request, sessionID string) {
	h.audit(ctx, r, "auth.refresh.success", slog.String("session_id", sessionID))
}

func (h *Handler) auditLogout(ctx context.Context, r *http.Request, userID string, all bool, revoked int64) {
	action := "auth.logout"
	if all {
		action = "auth.logout_all"
	}
	h.audit(ctx, r, action, slog.String("user_id", userID), slog.Int64("revoked", revoked))
}

func (h *Handler) auditLogoutDevice(ctx context.Context, r *http.Request, userID string, dt session.DeviceType, revoked int64) {
	h.audit(ctx, r, "auth.logout_device", slog.String("user_id", userID), slog.String("device_type", string(dt)), slog.Int64("revoked", revoked))
}

func (h *Handler) auditAccountCreated(ctx context.Context, r *http.Request, actor string, acct identity.Account) {
	h.audit(ctx, r, "auth.account.created",
		slog.String("actor_id", actor),
		slog.String("user_id", acct.ID),
		slog.String("roles", acct.Roles.String()),
	)
}

package authapi

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"warden/cmd/internal/ratelimit"
)

// checkLoginThrottle returns the LimitedError that should block the request, if any.
// Counter failures let the request through.
func (h *Handler) checkLoginThrottle(ctx context.Context, ip, identifier string) *ratelimit.LimitedError {
	err := h.throttle.Check(ctx, ip, identifier)
	if err == nil {
		return nil
	}
	var limited ratelimit.LimitedError
	if errors.As(err, &limited) {
		return &limited
	}
	h.log.WarnContext(ctx, "auth.login.throttle_unavailable", "err", err)
	return nil
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(retryAfter)))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}

// retryAfterSeconds rounds up and never returns less than one.
func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

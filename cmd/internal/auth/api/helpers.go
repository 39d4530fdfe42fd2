package authapi

import (
	"net"
	"net/http"
	"strings"
	"time"

	"warden/cmd/identity"
	"warden/cmd/internal/auth/session"
)

func toTokenResponse(issued session.Issued, now time.Time) tokenResponse {
	expiresIn := int64(issued.AccessExp.Sub(now).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}
	return tokenResponse{
		AccessToken:      issued.AccessToken,
		TokenType:        issued.TokenType,
		ExpiresIn:        expiresIn,
		RefreshToken:     issued.RefreshToken,
		RefreshExpiresAt: issued.RefreshExp,
		SessionID:        issued.SessionID,
		Scopes:           issued.Scopes.Strings(),
	}
}

func toAccountResponse(a identity.Account) accountResponse {
	return accountResponse{
		ID:     a.ID,
		Email:  a.Email,
		Scopes: a.Roles.Strings(),
		Active: a.Active,
	}
}

func toPrincipalResponse(p identity.Principal) principalResponse {
	return principalResponse{ID: p.Subject, Scopes: p.Scopes.Strings()}
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}

func clientMeta(r *http.Request, trustProxy bool) session.ClientMeta {
	return session.ClientMeta{
		UserAgent: strings.TrimSpace(r.UserAgent()),
		IP:        ipString(clientIP(r, trustProxy)),
	}
}

// loginIdentifier is the email the client logs in with; "username" wins when both are set.
func loginIdentifier(req tokenRequest) string {
	if s := strings.TrimSpace(req.Username); s != "" {
		return s
	}
	return strings.TrimSpace(req.Email)
}

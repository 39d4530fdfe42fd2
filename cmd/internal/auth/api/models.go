package authapi

import "time"

// tokenRequest accepts the account email as either "username" or "email".
type tokenRequest struct {
	Username   string `json:"username"`
	Email      string `json:"email"`
	Password   string `json:"password"`
	DeviceType string `json:"device_type"`
	DeviceID   string `json:"device_id"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type revokeRequest struct {
	RefreshToken string `json:"refresh_token"`
	DeviceType   string `json:"device_type,omitempty"`
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	// Scopes is accepted and ignored; self-registered accounts are always "user".
	Scopes []string `json:"scopes,omitempty"`
}

type createUserRequest struct {
	Email    string   `json:"email"`
	Password string   `json:"password"`
	Scopes   []string `json:"scopes"`
}

type tokenResponse struct {
	AccessToken      string    `json:"access_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	SessionID        string    `json:"session_id"`
	Scopes           []string  `json:"scopes"`
}

type accountResponse struct {
	ID     string   `json:"id"`
	Email  string   `json:"email"`
	Scopes []string `json:"scopes"`
	Active bool     `json:"active"`
}

type principalResponse struct {
	ID     string   `json:"id"`
	Scopes []string `json:"scopes"`
}

type okResponse struct {
	OK  bool   `json:"ok"`
	Msg string `json:"msg,omitempty"`
}

type revokeResponse struct {
	OK      bool  `json:"ok"`
	Revoked int64 `json:"revoked"`
}

type cleanupResponse struct {
	RevokedMarked int64 `json:"revoked_marked"`
}

package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"warden/cmd/identity"
	"warden/cmd/security/token"
)

// accessTokenType is the "type" claim of every access token.
const accessTokenType = "access"

// maxAccessTokenLength bounds input before any parsing work.
const maxAccessTokenLength = 8192

// AccessClaims is the verified content of an access token.
type AccessClaims struct {
	Subject   string
	Scopes    identity.Roles
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// AccessTokenManager issues and verifies short-lived access tokens.
type AccessTokenManager interface {
	Issue(subject string, scopes identity.Roles, now time.Time) (token string, exp time.Time, err error)
	Verify(token string, now time.Time) (AccessClaims, error)
}

type accessJWTClaims struct {
	Scopes []string `json:"scopes"`
	Type   string   `json:"type"`
	jwt.RegisteredClaims
}

// JWTManager is an AccessTokenManager over HMAC-signed JWTs.
type JWTManager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration
	method    *jwt.SigningMethodHMAC
	key       *token.Key
}

var _ AccessTokenManager = (*JWTManager)(nil)

// NewJWTManager builds a JWTManager. key must hold at least token.MinKeyBytes.
func NewJWTManager(cfg Config, key *token.Key) (*JWTManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if key == nil {
		return nil, fmt.Errorf("%w: missing signing key", ErrConfig)
	}

	var method *jwt.SigningMethodHMAC
	switch cfg.SigningAlgorithm {
	case "HS256":
		method = jwt.SigningMethodHS256
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	}

	return &JWTManager{
		issuer:    cfg.Issuer,
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
		method:    method,
		key:       key,
	}, nil
}

// Issue signs an access token for subject. JWT timestamps have second precision,
// so now is truncated and the returned expiry matches the "exp" claim exactly.
func (m *JWTManager) Issue(subject string, scopes identity.Roles, now time.Time) (string, time.Time, error) {
	if strings.TrimSpace(subject) == "" {
		return "", time.Time{}, errors.New("session: empty subject")
	}
	iat := now.UTC().Truncate(time.Second)
	exp := iat.Add(m.ttl)

	claims := accessJWTClaims{
		Scopes: scopes.Normalize().Strings(),
		Type:   accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	var signed string
	err := m.key.Use(func(key []byte) error {
		s, err := jwt.NewWithClaims(m.method, claims).SignedString(key)
		signed = s
		return err
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, algorithm, issuer, expiry and token type.
// It returns ErrSignatureInvalid, ErrTokenExpired or ErrWrongTokenType.
func (m *JWTManager) Verify(raw string, now time.Time) (AccessClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxAccessTokenLength {
		return AccessClaims{}, ErrSignatureInvalid
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{m.method.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(m.clockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)

	var claims accessJWTClaims
	var parseErr error
	err := m.key.Use(func(key []byte) error {
		_, parseErr = parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
			return key, nil
		})
		return nil
	})
	if err != nil {
		return AccessClaims{}, fmt.Errorf("verify access token: %w", err)
	}
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return AccessClaims{}, ErrTokenExpired
		}
		return AccessClaims{}, ErrSignatureInvalid
	}

	if claims.Type != accessTokenType {
		return AccessClaims{}, ErrWrongTokenType
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return AccessClaims{}, ErrSignatureInvalid
	}
	scopes, err := identity.ParseRoles(claims.Scopes)
	if err != nil {
		return AccessClaims{}, ErrSignatureInvalid
	}

	out := AccessClaims{
		Subject: claims.Subject,
		Scopes:  scopes,
		Issuer:  claims.Issuer,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time.UTC()
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	return out, nil
}

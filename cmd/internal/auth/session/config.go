package session

import (
	"fmt"
	"time"
)

// Config defines runtime configuration for the session subsystem.
// Signing and digest keys are injected separately as token.Key values.
type Config struct {
	// Issuer is the value set in the "iss" claim of access tokens.
	Issuer string `mapstructure:"issuer" yaml:"issuer"`

	// SigningAlgorithm is one of HS256, HS384, HS512.
	SigningAlgorithm string `mapstructure:"signing_algorithm" yaml:"signing_algorithm"`

	// AccessTokenTTL is the lifetime of access tokens.
	AccessTokenTTL time.Duration `mapstructure:"access_ttl" yaml:"access_ttl"`

	// RefreshTokenTTL is the absolute lifetime of a refresh session.
	RefreshTokenTTL time.Duration `mapstructure:"refresh_ttl" yaml:"refresh_ttl"`

	// ClockSkew is the leeway applied to access-token expiry checks.
	ClockSkew time.Duration `mapstructure:"clock_skew" yaml:"clock_skew"`

	// RefreshTokenBytes is the entropy of opaque refresh tokens.
	RefreshTokenBytes int `mapstructure:"refresh_token_bytes" yaml:"refresh_token_bytes"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Issuer:            "warden",
		SigningAlgorithm:  "HS256",
		AccessTokenTTL:    15 * time.Minute,
		RefreshTokenTTL:   30 * 24 * time.Hour,
		ClockSkew:         0,
		RefreshTokenBytes: 32,
	}
}

// Validate reports the first invalid field, wrapping ErrConfig.
func (c Config) Validate() error {
	switch c.SigningAlgorithm {
	case "HS256", "HS384", "HS512":
	default:
		return fmt.Errorf("%w: signing_algorithm must be HS256, HS384 or HS512", ErrConfig)
	}
	if c.AccessTokenTTL <= 0 {
		return fmt.Errorf("%w: access_ttl must be positive", ErrConfig)
	}
	if c.RefreshTokenTTL <= 0 {
		return fmt.Errorf("%w: refresh_ttl must be positive", ErrConfig)
	}
	if c.RefreshTokenTTL < c.AccessTokenTTL {
		return fmt.Errorf("%w: refresh_ttl must not be shorter than access_ttl", ErrConfig)
	}
	if c.ClockSkew < 0 || c.ClockSkew > 5*time.Minute {
		return fmt.Errorf("%w: clock_skew out of range [0..5m]", ErrConfig)
	}
	if c.RefreshTokenBytes < 32 || c.RefreshTokenBytes > 64 {
		return fmt.Errorf("%w: refresh_token_bytes out of range [32..64]", ErrConfig)
	}
	return nil
}

package app

import (
	"errors"
	"fmt"

	"warden/cmd/security/token"
)

// Keys is the sealed secret material the runtime signs and digests with.
type Keys struct {
	JWT     *token.Key
	Refresh *token.Key
}

// ValidateSecurityConfig enforces the key policy at startup: both keys present,
// at least token.MinKeyBytes long (bytes, not runes) and distinct.
func ValidateSecurityConfig(cfg Config) error {
	_, err := LoadKeys(cfg)
	return err
}

// LoadKeys validates cfg.Keys and seals them.
func LoadKeys(cfg Config) (Keys, error) {
	jwtKey, err := sealKey("keys.jwt_signing_key", cfg.Keys.JWTSigningKey)
	if err != nil {
		return Keys{}, err
	}
	refreshKey, err := sealKey("keys.refresh_key", cfg.Keys.RefreshKey)
	if err != nil {
		return Keys{}, err
	}
	same, err := jwtKey.Equal(refreshKey)
	if err != nil {
		return Keys{}, fmt.Errorf("security policy: compare keys: %w", err)
	}
	if same {
		return Keys{}, errors.New("security policy: keys.jwt_signing_key and keys.refresh_key must differ")
	}
	return Keys{JWT: jwtKey, Refresh: refreshKey}, nil
}

func sealKey(name, raw string) (*token.Key, error) {
	k, err := token.NewKey([]byte(raw), token.MinKeyBytes)
	switch {
	case errors.Is(err, token.ErrKeyMissing):
		return nil, fmt.Errorf("security policy: %s is missing", name)
	case errors.Is(err, token.ErrKeyTooShort):
		return nil, fmt.Errorf("security policy: %s is too short (min %d bytes)", name, token.MinKeyBytes)
	case err != nil:
		return nil, err
	}
	return k, nil
}

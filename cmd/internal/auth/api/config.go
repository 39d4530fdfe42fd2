package authapi

// Config controls auth API request handling.
type Config struct {
	// TrustProxy reads the client address from X-Forwarded-For / X-Real-IP.
	TrustProxy   bool  `mapstructure:"trust_proxy" yaml:"trust_proxy"`
	MaxBodyBytes int64 `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
}

// DefaultConfig returns the API defaults.
func DefaultConfig() Config {
	return Config{TrustProxy: false, MaxBodyBytes: 1 << 20}
}

// withDefaults clamps unset values.
func (c Config) withDefaults() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	return c
}

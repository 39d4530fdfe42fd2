package password

import (
	"fmt"
	"runtime"
)

// Argon2idParams controls Argon2id hashing cost.
// MemoryKiB is in KiB as required by argon2.IDKey.
type Argon2idParams struct {
	MemoryKiB   uint32 `mapstructure:"memory_kib" yaml:"memory_kib"`
	Iterations  uint32 `mapstructure:"iterations" yaml:"iterations"`
	Parallelism uint8  `mapstructure:"parallelism" yaml:"parallelism"`
	SaltLength  uint32 `mapstructure:"salt_length" yaml:"salt_length"`
	KeyLength   uint32 `mapstructure:"key_length" yaml:"key_length"`
}

// Policy controls password validation and anti-DoS boundaries.
type Policy struct {
	MinLength int `mapstructure:"min_length" yaml:"min_length"`
	MaxLength int `mapstructure:"max_length" yaml:"max_length"`
	// If true, reject a tiny set of trivially guessable passwords.
	RejectVeryWeak bool `mapstructure:"reject_very_weak" yaml:"reject_very_weak"`
}

// Config is the single configuration surface for this package.
type Config struct {
	Params Argon2idParams `mapstructure:"argon2" yaml:"argon2"`
	Policy Policy         `mapstructure:"policy" yaml:"policy"`
}

// DefaultConfig returns the baseline used for interactive logins.
func DefaultConfig() Config {
	// Clamp to [1..4] to keep resource usage predictable in containers.
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return Config{
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024, // 64 MiB
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4] above.
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinLength:      8,
			MaxLength:      256,
			RejectVeryWeak: false,
		},
	}
}

// Check validates the configured cost parameters and policy bounds.
// Every violation wraps ErrInvalidConfig.
func (c Config) Check() error {
	p := c.Params
	switch {
	case p.MemoryKiB < 8*1024 || p.MemoryKiB > 1024*1024:
		return fmt.Errorf("%w: memory_kib out of range [8192..1048576]", ErrInvalidConfig)
	case p.Iterations < 1 || p.Iterations > 20:
		return fmt.Errorf("%w: iterations out of range [1..20]", ErrInvalidConfig)
	case p.Parallelism < 1 || p.Parallelism > 64:
		return fmt.Errorf("%w: parallelism out of range [1..64]", ErrInvalidConfig)
	case p.SaltLength < 8 || p.SaltLength > 64:
		return fmt.Errorf("%w: salt_length out of range [8..64]", ErrInvalidConfig)
	case p.KeyLength < 16 || p.KeyLength > 64:
		return fmt.Errorf("%w: key_length out of range [16..64]", ErrInvalidConfig)
	}

	if c.Policy.MinLength < 1 || c.Policy.MinLength > 1024 {
		return fmt.Errorf("%w: min_length out of range [1..1024]", ErrInvalidConfig)
	}
	if c.Policy.MaxLength < 1 || c.Policy.MaxLength > 4096 {
		return fmt.Errorf("%w: max_length out of range [1..4096]", ErrInvalidConfig)
	}
	if c.Policy.MinLength > c.Policy.MaxLength {
		return fmt.Errorf(
			"%w: min_length(%d) > max_length(%d)",
			ErrInvalidConfig,
			c.Policy.MinLength,
			c.Policy.MaxLength,
		)
	}
	return nil
}

package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	authapi "warden/cmd/internal/auth/api"
	"warden/cmd/internal/auth/guard"
	"warden/cmd/internal/auth/session"
	"warden/cmd/internal/ratelimit"
	"warden/cmd/internal/sweep"
	"warden/cmd/security/password"
)

// EnvPrefix prefixes every environment override, e.g. WARDEN_HTTP_ADDR.
const EnvPrefix = "WARDEN"

// HTTPConfig controls the listener.
type HTTPConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxHeaderBytes    int           `mapstructure:"max_header_bytes" yaml:"max_header_bytes"`
}

// LogConfig selects level and output format ("json" or "pretty").
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// StorageConfig selects the persistence driver.
type StorageConfig struct {
	// Driver is "bolt" or "postgres".
	Driver      string `mapstructure:"driver" yaml:"driver"`
	BoltPath    string `mapstructure:"bolt_path" yaml:"bolt_path"`
	DatabaseURL string `mapstructure:"database_url" yaml:"database_url"`
	Schema      string `mapstructure:"schema" yaml:"schema"`
	MaxConns    int32  `mapstructure:"max_conns" yaml:"max_conns"`
	MinConns    int32  `mapstructure:"min_conns" yaml:"min_conns"`
	// AutoMigrate applies pending migrations at startup (postgres only).
	AutoMigrate bool `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

// KeysConfig holds raw secret material. Both keys must be at least 32 bytes and distinct.
type KeysConfig struct {
	JWTSigningKey string `mapstructure:"jwt_signing_key" yaml:"jwt_signing_key"`
	RefreshKey    string `mapstructure:"refresh_key" yaml:"refresh_key"`
}

// AuthConfig controls self-service registration.
type AuthConfig struct {
	RequireEmailVerification bool          `mapstructure:"require_email_verification" yaml:"require_email_verification"`
	VerificationTTL          time.Duration `mapstructure:"verification_ttl" yaml:"verification_ttl"`
	VerifyURL                string        `mapstructure:"verify_url" yaml:"verify_url"`
	// MaxConcurrentHashes bounds parallel Argon2id work; 0 selects NumCPU.
	MaxConcurrentHashes int `mapstructure:"max_concurrent_hashes" yaml:"max_concurrent_hashes"`
}

// TracingConfig controls OTLP span export.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure"`
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"`
}

// Config is the full runtime configuration.
type Config struct {
	HTTP    HTTPConfig    `mapstructure:"http" yaml:"http"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Keys    KeysConfig    `mapstructure:"keys" yaml:"keys"`
	Auth    AuthConfig    `mapstructure:"auth" yaml:"auth"`
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`

	// ReadinessRequireDB makes /readyz fail unless postgres is configured and reachable.
	ReadinessRequireDB bool `mapstructure:"readiness_require_db" yaml:"readiness_require_db"`

	Password  password.Config  `mapstructure:"password" yaml:"password"`
	Session   session.Config   `mapstructure:"session" yaml:"session"`
	API       authapi.Config   `mapstructure:"api" yaml:"api"`
	Guard     guard.Config     `mapstructure:"guard" yaml:"guard"`
	RateLimit ratelimit.Config `mapstructure:"ratelimit" yaml:"ratelimit"`
	Sweep     sweep.Config     `mapstructure:"sweep" yaml:"sweep"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:              "0.0.0.0:8080",
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		Log:     LogConfig{Level: "info", Format: "json"},
		Storage: StorageConfig{Driver: "bolt", BoltPath: "warden.db", Schema: "warden", MaxConns: 10},
		Auth: AuthConfig{
			RequireEmailVerification: true,
			VerificationTTL:          60 * time.Minute,
		},
		Tracing:   TracingConfig{ServiceName: "warden", SampleRatio: 1},
		Password:  password.DefaultConfig(),
		Session:   session.DefaultConfig(),
		API:       authapi.DefaultConfig(),
		Guard:     guard.DefaultConfig(),
		RateLimit: ratelimit.DefaultConfig(),
		Sweep:     sweep.DefaultConfig(),
	}
}

// LoadConfig reads path (optional; YAML, JSON or .env by extension), then
// applies WARDEN_* environment overrides on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, DefaultConfig())

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it during Unmarshal.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.read_header_timeout", d.HTTP.ReadHeaderTimeout)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.idle_timeout", d.HTTP.IdleTimeout)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)
	v.SetDefault("http.max_header_bytes", d.HTTP.MaxHeaderBytes)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.bolt_path", d.Storage.BoltPath)
	v.SetDefault("storage.database_url", d.Storage.DatabaseURL)
	v.SetDefault("storage.schema", d.Storage.Schema)
	v.SetDefault("storage.max_conns", d.Storage.MaxConns)
	v.SetDefault("storage.min_conns", d.Storage.MinConns)
	v.SetDefault("storage.auto_migrate", d.Storage.AutoMigrate)

	v.SetDefault("keys.jwt_signing_key", "")
	v.SetDefault("keys.refresh_key", "")

	v.SetDefault("auth.require_email_verification", d.Auth.RequireEmailVerification)
	v.SetDefault("auth.verification_ttl", d.Auth.VerificationTTL)
	v.SetDefault("auth.verify_url", d.Auth.VerifyURL)
	v.SetDefault("auth.max_concurrent_hashes", d.Auth.MaxConcurrentHashes)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_ratio", d.Tracing.SampleRatio)

	v.SetDefault("readiness_require_db", d.ReadinessRequireDB)

	p := d.Password
	v.SetDefault("password.argon2.memory_kib", p.Params.MemoryKiB)
	v.SetDefault("password.argon2.iterations", p.Params.Iterations)
	v.SetDefault("password.argon2.parallelism", p.Params.Parallelism)
	v.SetDefault("password.argon2.salt_length", p.Params.SaltLength)
	v.SetDefault("password.argon2.key_length", p.Params.KeyLength)
	v.SetDefault("password.policy.min_length", p.Policy.MinLength)
	v.SetDefault("password.policy.max_length", p.Policy.MaxLength)
	v.SetDefault("password.policy.reject_very_weak", p.Policy.RejectVeryWeak)

	s := d.Session
	v.SetDefault("session.issuer", s.Issuer)
	v.SetDefault("session.signing_algorithm", s.SigningAlgorithm)
	v.SetDefault("session.access_ttl", s.AccessTokenTTL)
	v.SetDefault("session.refresh_ttl", s.RefreshTokenTTL)
	v.SetDefault("session.clock_skew", s.ClockSkew)
	v.SetDefault("session.refresh_token_bytes", s.RefreshTokenBytes)

	v.SetDefault("api.trust_proxy", d.API.TrustProxy)
	v.SetDefault("api.max_body_bytes", d.API.MaxBodyBytes)

	v.SetDefault("guard.account_cache_ttl", d.Guard.AccountCacheTTL)
	v.SetDefault("guard.account_cache_size", d.Guard.AccountCacheSize)

	r := d.RateLimit
	v.SetDefault("ratelimit.enabled", r.Enabled)
	v.SetDefault("ratelimit.backend", r.Backend)
	v.SetDefault("ratelimit.redis_addr", r.RedisAddr)
	v.SetDefault("ratelimit.redis_db", r.RedisDB)
	v.SetDefault("ratelimit.prefix", r.Prefix)
	v.SetDefault("ratelimit.ip_max", r.IPMax)
	v.SetDefault("ratelimit.ip_window", r.IPWindow)
	v.SetDefault("ratelimit.identifier_max", r.IdentifierMax)
	v.SetDefault("ratelimit.identifier_window", r.IdentifierWindow)
	v.SetDefault("ratelimit.memory_size", r.MemorySize)

	v.SetDefault("sweep.enabled", d.Sweep.Enabled)
	v.SetDefault("sweep.schedule", d.Sweep.Schedule)
	v.SetDefault("sweep.timeout", d.Sweep.Timeout)
}

// Validate checks cross-field constraints and each component config.
// Key material is checked separately by ValidateSecurityConfig.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "bolt":
		if strings.TrimSpace(c.Storage.BoltPath) == "" {
			return errors.New("config: storage.bolt_path is required for the bolt driver")
		}
	case "postgres":
		if strings.TrimSpace(c.Storage.DatabaseURL) == "" {
			return errors.New("config: storage.database_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown storage.driver %q", c.Storage.Driver)
	}
	switch c.Log.Format {
	case "json", "pretty":
	default:
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}
	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.Endpoint) == "" {
		return errors.New("config: tracing.endpoint is required when tracing is enabled")
	}
	if err := c.Password.Check(); err != nil {
		return fmt.Errorf("config: password: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("config: session: %w", err)
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := c.Sweep.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

const redacted = "[redacted]"

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.Keys.JWTSigningKey != "" {
		c.Keys.JWTSigningKey = redacted
	}
	if c.Keys.RefreshKey != "" {
		c.Keys.RefreshKey = redacted
	}
	if c.Storage.DatabaseURL != "" {
		c.Storage.DatabaseURL = redactDSN(c.Storage.DatabaseURL)
	}
	return c
}

// redactDSN hides the password in a postgres URL; other forms are hidden entirely.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return redacted
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return dsn
	}
	userinfo, host := rest[:at], rest[at+1:]
	user, _, hasPw := strings.Cut(userinfo, ":")
	if !hasPw {
		return dsn
	}
	return scheme + "://" + user + ":" + redacted + "@" + host
}

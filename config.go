package authcore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/inkpress/authcore/oauth"
	"github.com/inkpress/authcore/rbac"
)

// Config is the complete engine configuration. Zero values are replaced by
// the defaults documented per field at Build time; validation failures are
// fatal at construction, never at request time.
type Config struct {
	JWT       JWTConfig
	Refresh   RefreshConfig
	MFA       MFAConfig
	TOTP      TOTPConfig
	Password  PasswordConfig
	Account   AccountConfig
	OAuth     OAuthConfig
	RBAC      RBACConfig
	RateLimit RateLimitConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
}

// JWTConfig controls access-token signing and validation.
type JWTConfig struct {
	AccessTTL     time.Duration // default 15m
	SigningMethod string        // "hs256" (default) or "ed25519"
	PrivateKey    []byte
	PublicKey     []byte // ed25519 only
	Issuer        string
	Leeway        time.Duration
}

// RefreshConfig controls refresh-token generations.
type RefreshConfig struct {
	TTL time.Duration // default 30 * 24h
	// RedisPrefix namespaces all authcore keys in Redis. Default "ac".
	RedisPrefix string
}

// MFAConfig controls login challenges for all methods.
type MFAConfig struct {
	ChallengeTTL    time.Duration // default 5m
	MaxAttempts     int           // default 5
	LockoutCooldown time.Duration // default 15m
	CodeDigits      int           // default 6, for SMS/email codes
	BackupCodeCount int           // default 10
}

// TOTPConfig controls RFC 6238 code generation and verification.
type TOTPConfig struct {
	Issuer    string // provisioning URI issuer label
	Digits    int    // default 6
	Period    int    // default 30 seconds
	Skew      int    // accepted adjacent steps, default 1
	Algorithm string // SHA1 (default), SHA256, SHA512
}

// PasswordConfig holds argon2id parameters and the password policy.
type PasswordConfig struct {
	Memory      uint32 // KiB, default 64*1024
	Time        uint32 // default 3
	Parallelism uint8  // default 2
	SaltLength  uint32 // default 16
	KeyLength   uint32 // default 32
	MinLength   int    // default 10 bytes
}

// AccountConfig controls registration behavior.
type AccountConfig struct {
	AllowCreation bool
	DefaultRoles  []string
	AutoLogin     bool
}

// OAuthConfig maps provider names to their endpoint and client settings.
type OAuthConfig struct {
	StateTTL  time.Duration // default 10m
	Providers map[string]oauth.ProviderConfig
}

// RBACConfig carries the process-wide role definitions. Roles are loaded
// once at Build and immutable at request time; a cyclic parent chain is a
// construction-time error.
type RBACConfig struct {
	Roles []rbac.Role
}

// RateLimitConfig bounds login and refresh attempts per identifier and IP.
type RateLimitConfig struct {
	Enabled          bool
	MaxLoginAttempts int           // default 10
	LoginCooldown    time.Duration // default 5m
	MaxRefreshPerMin int           // default 30
}

// AuditConfig controls the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int // default 256
	DropIfFull bool
}

// MetricsConfig enables the in-process counters exposed through
// [Engine.MetricsSnapshot] and the metrics/export bridges.
type MetricsConfig struct {
	Enabled bool
}

// DefaultConfig returns a Config with production-safe defaults and no keys,
// roles, or providers configured.
func DefaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			SigningMethod: "hs256",
			Leeway:        30 * time.Second,
		},
		Refresh: RefreshConfig{
			TTL:         30 * 24 * time.Hour,
			RedisPrefix: "ac",
		},
		MFA: MFAConfig{
			ChallengeTTL:    5 * time.Minute,
			MaxAttempts:     5,
			LockoutCooldown: 15 * time.Minute,
			CodeDigits:      6,
			BackupCodeCount: 10,
		},
		TOTP: TOTPConfig{
			Issuer:    "inkpress",
			Digits:    6,
			Period:    30,
			Skew:      1,
			Algorithm: "SHA1",
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
			MinLength:   10,
		},
		Account: AccountConfig{
			AllowCreation: true,
			DefaultRoles:  []string{"reader"},
		},
		OAuth: OAuthConfig{
			StateTTL: 10 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:          true,
			MaxLoginAttempts: 10,
			LoginCooldown:    5 * time.Minute,
			MaxRefreshPerMin: 30,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.JWT.AccessTTL <= 0 {
		c.JWT.AccessTTL = def.JWT.AccessTTL
	}
	if c.JWT.SigningMethod == "" {
		c.JWT.SigningMethod = def.JWT.SigningMethod
	}
	if c.Refresh.TTL <= 0 {
		c.Refresh.TTL = def.Refresh.TTL
	}
	if c.Refresh.RedisPrefix == "" {
		c.Refresh.RedisPrefix = def.Refresh.RedisPrefix
	}
	if c.MFA.ChallengeTTL <= 0 {
		c.MFA.ChallengeTTL = def.MFA.ChallengeTTL
	}
	if c.MFA.MaxAttempts <= 0 {
		c.MFA.MaxAttempts = def.MFA.MaxAttempts
	}
	if c.MFA.LockoutCooldown <= 0 {
		c.MFA.LockoutCooldown = def.MFA.LockoutCooldown
	}
	if c.MFA.CodeDigits <= 0 {
		c.MFA.CodeDigits = def.MFA.CodeDigits
	}
	if c.MFA.BackupCodeCount <= 0 {
		c.MFA.BackupCodeCount = def.MFA.BackupCodeCount
	}
	if c.TOTP.Issuer == "" {
		c.TOTP.Issuer = def.TOTP.Issuer
	}
	if c.TOTP.Digits <= 0 {
		c.TOTP.Digits = def.TOTP.Digits
	}
	if c.TOTP.Period <= 0 {
		c.TOTP.Period = def.TOTP.Period
	}
	if c.TOTP.Skew < 0 {
		c.TOTP.Skew = def.TOTP.Skew
	}
	if c.TOTP.Algorithm == "" {
		c.TOTP.Algorithm = def.TOTP.Algorithm
	}
	if c.Password.Memory == 0 {
		c.Password = def.Password
	}
	if c.Password.MinLength <= 0 {
		c.Password.MinLength = def.Password.MinLength
	}
	if c.OAuth.StateTTL <= 0 {
		c.OAuth.StateTTL = def.OAuth.StateTTL
	}
	if c.RateLimit.MaxLoginAttempts <= 0 {
		c.RateLimit.MaxLoginAttempts = def.RateLimit.MaxLoginAttempts
	}
	if c.RateLimit.LoginCooldown <= 0 {
		c.RateLimit.LoginCooldown = def.RateLimit.LoginCooldown
	}
	if c.RateLimit.MaxRefreshPerMin <= 0 {
		c.RateLimit.MaxRefreshPerMin = def.RateLimit.MaxRefreshPerMin
	}
	if c.Audit.BufferSize <= 0 {
		c.Audit.BufferSize = def.Audit.BufferSize
	}
}

func (c *Config) validate() error {
	switch c.JWT.SigningMethod {
	case "hs256":
		if len(c.JWT.PrivateKey) < 32 {
			return errors.New("hs256 requires a private key of at least 32 bytes")
		}
	case "ed25519":
		if len(c.JWT.PrivateKey) == 0 || len(c.JWT.PublicKey) == 0 {
			return errors.New("ed25519 requires private and public keys")
		}
	default:
		return fmt.Errorf("unsupported signing method %q", c.JWT.SigningMethod)
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("jwt leeway out of range")
	}
	if c.Refresh.TTL <= c.JWT.AccessTTL {
		return errors.New("refresh TTL must exceed access TTL")
	}
	if c.MFA.MaxAttempts > 100 {
		return errors.New("mfa attempt budget out of range")
	}
	switch strings.ToUpper(c.TOTP.Algorithm) {
	case "SHA1", "SHA256", "SHA512":
	default:
		return fmt.Errorf("unsupported totp algorithm %q", c.TOTP.Algorithm)
	}
	if c.TOTP.Digits < 6 || c.TOTP.Digits > 8 {
		return errors.New("totp digits out of range")
	}
	for name, p := range c.OAuth.Providers {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("oauth provider %q: %w", name, err)
		}
	}
	return nil
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = append([]byte(nil), cfg.JWT.PrivateKey...)
	out.JWT.PublicKey = append([]byte(nil), cfg.JWT.PublicKey...)
	out.Account.DefaultRoles = append([]string(nil), cfg.Account.DefaultRoles...)
	out.RBAC.Roles = append([]rbac.Role(nil), cfg.RBAC.Roles...)
	if cfg.OAuth.Providers != nil {
		out.OAuth.Providers = make(map[string]oauth.ProviderConfig, len(cfg.OAuth.Providers))
		for k, v := range cfg.OAuth.Providers {
			out.OAuth.Providers[k] = v
		}
	}
	return out
}

package authcore

import (
	"bytes"
	"errors"
	"time"
)

// Config groups the tuning parameters of every component. Zero values fall
// back to the reference defaults via [DefaultConfig]; only the two token
// secrets have no default and must be supplied.
type Config struct {
	Token        TokenConfig
	Password     PasswordConfig
	Refresh      RefreshConfig
	Session      SessionConfig
	Lockout      LockoutConfig
	TwoFactor    TwoFactorConfig
	Verification VerificationConfig
	Reset        ResetConfig
	Audit        AuditConfig
	Metrics      MetricsConfig
}

// TokenConfig holds codec secrets and lifetimes. AccessSecret and
// RefreshSecret must be at least 32 bytes and distinct.
type TokenConfig struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	PendingTTL    time.Duration
	Issuer        string
	Leeway        time.Duration
}

// PasswordConfig holds argon2id tuning parameters.
type PasswordConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// RefreshConfig tunes the refresh-token store.
type RefreshConfig struct {
	// Grace keeps revoked records readable past token expiry so a late
	// replay still reads as "revoked" rather than "missing".
	Grace time.Duration
}

// SessionConfig tunes the session store.
type SessionConfig struct {
	TTL time.Duration
}

// LockoutConfig tunes the brute-force guard.
type LockoutConfig struct {
	MaxAttempts     int
	Window          time.Duration
	LockoutDuration time.Duration
}

// TwoFactorConfig tunes the TOTP engine.
type TwoFactorConfig struct {
	Issuer            string
	RecoveryCodeCount int
	PendingTTL        time.Duration
	Skew              uint
}

// VerificationConfig tunes email-verification tokens.
type VerificationConfig struct {
	TTL time.Duration
}

// ResetConfig tunes password-reset tokens.
type ResetConfig struct {
	TTL        time.Duration
	RateLimit  int // issuances per email per window
	RateWindow time.Duration
}

// AuditConfig tunes the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig tunes the in-process counters.
type MetricsConfig struct {
	Enabled bool
}

// DefaultConfig returns the reference defaults. Token secrets are left
// empty and must be filled before Build.
func DefaultConfig() Config {
	return Config{
		Token: TokenConfig{
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
			PendingTTL: 5 * time.Minute,
			Issuer:     "authcore",
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		Refresh: RefreshConfig{
			Grace: time.Hour,
		},
		Session: SessionConfig{
			TTL: 7 * 24 * time.Hour,
		},
		Lockout: LockoutConfig{
			MaxAttempts:     5,
			Window:          time.Hour,
			LockoutDuration: 15 * time.Minute,
		},
		TwoFactor: TwoFactorConfig{
			Issuer:            "authcore",
			RecoveryCodeCount: 10,
			PendingTTL:        10 * time.Minute,
			Skew:              1,
		},
		Verification: VerificationConfig{
			TTL: 24 * time.Hour,
		},
		Reset: ResetConfig{
			TTL:        15 * time.Minute,
			RateLimit:  3,
			RateWindow: time.Hour,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Token.AccessSecret = cloneBytes(cfg.Token.AccessSecret)
	out.Token.RefreshSecret = cloneBytes(cfg.Token.RefreshSecret)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Validate checks the parts of the configuration that Build cannot default
// away.
func (c Config) Validate() error {
	if len(c.Token.AccessSecret) < 32 || len(c.Token.RefreshSecret) < 32 {
		return errors.New("token secrets must be at least 32 bytes")
	}
	if bytes.Equal(c.Token.AccessSecret, c.Token.RefreshSecret) {
		return errors.New("access and refresh secrets must differ")
	}
	if c.Token.AccessTTL <= 0 || c.Token.RefreshTTL <= 0 {
		return errors.New("token TTLs must be positive")
	}
	if c.Session.TTL <= 0 {
		return errors.New("session TTL must be positive")
	}
	if c.Lockout.MaxAttempts < 0 {
		return errors.New("lockout max attempts must not be negative")
	}
	return nil
}

package authcore

import (
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig builds a [Config] from the environment on top of
// [DefaultConfig]. Keys use the AUTHCORE_ prefix with underscores, e.g.
// AUTHCORE_TOKEN_ACCESS_SECRET or AUTHCORE_LOCKOUT_MAX_ATTEMPTS. An
// optional authcore.yaml in the working directory is merged in first; a
// missing file is not an error.
func LoadConfig() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("authcore")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("authcore")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	}

	cfg := DefaultConfig()

	v.SetDefault("token.access_ttl", cfg.Token.AccessTTL)
	v.SetDefault("token.refresh_ttl", cfg.Token.RefreshTTL)
	v.SetDefault("token.pending_ttl", cfg.Token.PendingTTL)
	v.SetDefault("token.issuer", cfg.Token.Issuer)
	v.SetDefault("token.leeway", cfg.Token.Leeway)
	v.SetDefault("session.ttl", cfg.Session.TTL)
	v.SetDefault("refresh.grace", cfg.Refresh.Grace)
	v.SetDefault("lockout.max_attempts", cfg.Lockout.MaxAttempts)
	v.SetDefault("lockout.window", cfg.Lockout.Window)
	v.SetDefault("lockout.duration", cfg.Lockout.LockoutDuration)
	v.SetDefault("twofactor.issuer", cfg.TwoFactor.Issuer)
	v.SetDefault("twofactor.recovery_codes", cfg.TwoFactor.RecoveryCodeCount)
	v.SetDefault("twofactor.pending_ttl", cfg.TwoFactor.PendingTTL)
	v.SetDefault("verification.ttl", cfg.Verification.TTL)
	v.SetDefault("reset.ttl", cfg.Reset.TTL)
	v.SetDefault("reset.rate_limit", cfg.Reset.RateLimit)
	v.SetDefault("reset.rate_window", cfg.Reset.RateWindow)
	v.SetDefault("audit.enabled", cfg.Audit.Enabled)
	v.SetDefault("audit.buffer_size", cfg.Audit.BufferSize)
	v.SetDefault("audit.drop_if_full", cfg.Audit.DropIfFull)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)

	cfg.Token.AccessSecret = []byte(v.GetString("token.access_secret"))
	cfg.Token.RefreshSecret = []byte(v.GetString("token.refresh_secret"))
	cfg.Token.AccessTTL = v.GetDuration("token.access_ttl")
	cfg.Token.RefreshTTL = v.GetDuration("token.refresh_ttl")
	cfg.Token.PendingTTL = v.GetDuration("token.pending_ttl")
	cfg.Token.Issuer = v.GetString("token.issuer")
	cfg.Token.Leeway = v.GetDuration("token.leeway")
	cfg.Session.TTL = v.GetDuration("session.ttl")
	cfg.Refresh.Grace = v.GetDuration("refresh.grace")
	cfg.Lockout.MaxAttempts = v.GetInt("lockout.max_attempts")
	cfg.Lockout.Window = v.GetDuration("lockout.window")
	cfg.Lockout.LockoutDuration = v.GetDuration("lockout.duration")
	cfg.TwoFactor.Issuer = v.GetString("twofactor.issuer")
	cfg.TwoFactor.RecoveryCodeCount = v.GetInt("twofactor.recovery_codes")
	cfg.TwoFactor.PendingTTL = v.GetDuration("twofactor.pending_ttl")
	cfg.Verification.TTL = v.GetDuration("verification.ttl")
	cfg.Reset.TTL = v.GetDuration("reset.ttl")
	cfg.Reset.RateLimit = v.GetInt("reset.rate_limit")
	cfg.Reset.RateWindow = v.GetDuration("reset.rate_window")
	cfg.Audit.Enabled = v.GetBool("audit.enabled")
	cfg.Audit.BufferSize = v.GetInt("audit.buffer_size")
	cfg.Audit.DropIfFull = v.GetBool("audit.drop_if_full")
	cfg.Metrics.Enabled = v.GetBool("metrics.enabled")

	return cfg, nil
}

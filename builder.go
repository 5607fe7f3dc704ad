package authcore

import (
	"errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vivaexcel/authcore/lockout"
	"github.com/vivaexcel/authcore/password"
	"github.com/vivaexcel/authcore/refresh"
	"github.com/vivaexcel/authcore/session"
	"github.com/vivaexcel/authcore/token"
	"github.com/vivaexcel/authcore/twofactor"
	"github.com/vivaexcel/authcore/verification"
)

// Builder wires a [Service] from explicit collaborators. There is no hidden
// registry: every dependency arrives through a With method and composition
// happens once, in Build.
type Builder struct {
	config    Config
	redis     redis.UniversalClient
	users     UserRepository
	mailer    EmailSender
	auditSink AuditSink

	built bool
}

// New starts a [Builder] preloaded with [DefaultConfig].
func New() *Builder {
	return &Builder{config: DefaultConfig()}
}

// WithConfig replaces the entire configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis supplies the Redis client shared by all stores.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithUserRepository supplies the relational user store integration.
func (b *Builder) WithUserRepository(repo UserRepository) *Builder {
	b.users = repo
	return b
}

// WithMailer supplies outbound email delivery. Optional; without it,
// verification and reset emails are silently skipped.
func (b *Builder) WithMailer(mailer EmailSender) *Builder {
	b.mailer = mailer
	return b
}

// WithAuditSink supplies the audit event consumer.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithMetricsEnabled toggles the in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// Build validates the configuration and composes the [Service]. A Builder
// is single-use.
func (b *Builder) Build() (*Service, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.users == nil {
		return nil, errors.New("user repository required")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	hasher, err := password.NewHasher(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	codec, err := token.NewCodec(token.Config{
		AccessSecret:  cfg.Token.AccessSecret,
		RefreshSecret: cfg.Token.RefreshSecret,
		AccessTTL:     cfg.Token.AccessTTL,
		RefreshTTL:    cfg.Token.RefreshTTL,
		PendingTTL:    cfg.Token.PendingTTL,
		Issuer:        cfg.Token.Issuer,
		Leeway:        cfg.Token.Leeway,
	})
	if err != nil {
		return nil, err
	}

	// Unknown-email logins verify against this throwaway digest so the two
	// rejection paths cost the same.
	dummyDigest, err := hasher.Hash(uuid.NewString())
	if err != nil {
		return nil, err
	}

	svc := &Service{
		config:      cfg,
		hasher:      hasher,
		codec:       codec,
		users:       b.users,
		mailer:      b.mailer,
		dummyDigest: dummyDigest,
	}

	svc.refreshTokens = refresh.NewStore(b.redis, cfg.Refresh.Grace)
	svc.sessions = session.NewStore(b.redis, cfg.Session.TTL)
	svc.guard = lockout.NewGuard(b.redis, lockout.Config{
		MaxAttempts:     cfg.Lockout.MaxAttempts,
		Window:          cfg.Lockout.Window,
		LockoutDuration: cfg.Lockout.LockoutDuration,
	})
	svc.twoFactor = twofactor.NewEngine(b.redis, twofactor.Config{
		Issuer:            cfg.TwoFactor.Issuer,
		RecoveryCodeCount: cfg.TwoFactor.RecoveryCodeCount,
		PendingTTL:        cfg.TwoFactor.PendingTTL,
		Skew:              cfg.TwoFactor.Skew,
	})
	svc.verifier = verification.NewEmailVerifier(b.redis, cfg.Verification.TTL)
	svc.reset = verification.NewPasswordReset(b.redis, verification.ResetConfig{
		TTL:        cfg.Reset.TTL,
		RateLimit:  cfg.Reset.RateLimit,
		RateWindow: cfg.Reset.RateWindow,
	})
	svc.audit = newAuditDispatcher(cfg.Audit, b.auditSink)
	svc.metrics = NewMetrics(cfg.Metrics)

	b.built = true

	return svc, nil
}

package lockout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	counterKeyPrefix = "alo"
	flagKeyPrefix    = "alc"
)

// ErrBackendUnavailable indicates the lockout backend is unreachable.
// Attempt recording fails closed on this error: a request whose failure
// cannot be counted must not proceed.
var ErrBackendUnavailable = errors.New("lockout backend unavailable")

// Config holds lockout tuning parameters.
type Config struct {
	MaxAttempts     int           // failures before lockout
	Window          time.Duration // rolling window for the attempt counter
	LockoutDuration time.Duration // how long a tripped lockout holds
}

// Status is the guard's answer for one identifier.
type Status struct {
	IsLocked          bool
	TotalAttempts     int
	AttemptsRemaining int
	LockedUntil       time.Time // zero unless locked
}

// Guard tracks failed attempts and lockouts in Redis.
type Guard struct {
	redis  redis.UniversalClient
	config Config
}

// NewGuard creates a lockout [Guard].
func NewGuard(redisClient redis.UniversalClient, cfg Config) *Guard {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = 15 * time.Minute
	}
	return &Guard{redis: redisClient, config: cfg}
}

// IPIdentifier namespaces a network origin so address budgets never collide
// with account budgets.
func IPIdentifier(ip string) string {
	return "ip:" + ip
}

func (g *Guard) counterKey(identifier string) string {
	return counterKeyPrefix + ":" + identifier
}

func (g *Guard) flagKey(identifier string) string {
	return flagKeyPrefix + ":" + identifier
}

// Status reports the current lockout state for one identifier. Missing keys
// read as zero attempts and do not reveal whether the identifier exists.
func (g *Guard) Status(ctx context.Context, identifier string) (Status, error) {
	pipe := g.redis.Pipeline()
	flagTTL := pipe.PTTL(ctx, g.flagKey(identifier))
	counter := pipe.Get(ctx, g.counterKey(identifier))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Status{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	// PTTL returns a negative duration for missing keys.
	if ttl := flagTTL.Val(); ttl > 0 {
		return Status{
			IsLocked:    true,
			LockedUntil: time.Now().Add(ttl),
		}, nil
	}

	attempts, err := counter.Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Status{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if attempts < 0 {
		attempts = 0
	}

	remaining := g.config.MaxAttempts - attempts
	if remaining < 0 {
		remaining = 0
	}

	return Status{
		TotalAttempts:     attempts,
		AttemptsRemaining: remaining,
	}, nil
}

// RecordFailure counts one failed attempt. The first failure in a window
// starts the window; reaching the configured threshold sets the timed
// lockout flag and resets the counter in a single transactional batch.
func (g *Guard) RecordFailure(ctx context.Context, identifier string) (Status, error) {
	counterKey := g.counterKey(identifier)

	count, err := g.redis.Incr(ctx, counterKey).Result()
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if count == 1 {
		if err := g.redis.Expire(ctx, counterKey, g.config.Window).Err(); err != nil {
			return Status{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}

	if count < int64(g.config.MaxAttempts) {
		return Status{
			TotalAttempts:     int(count),
			AttemptsRemaining: g.config.MaxAttempts - int(count),
		}, nil
	}

	_, err = g.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, g.flagKey(identifier), 1, g.config.LockoutDuration)
		pipe.Del(ctx, counterKey)
		return nil
	})
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	return Status{
		IsLocked:      true,
		TotalAttempts: int(count),
		LockedUntil:   time.Now().Add(g.config.LockoutDuration),
	}, nil
}

// Clear resets the attempt counter after a successful validation.
func (g *Guard) Clear(ctx context.Context, identifier string) error {
	if err := g.redis.Del(ctx, g.counterKey(identifier)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Unlock removes both the lockout flag and the counter so the next attempt
// is evaluated on credentials again. Administrative operation.
func (g *Guard) Unlock(ctx context.Context, identifier string) error {
	if err := g.redis.Del(ctx, g.flagKey(identifier), g.counterKey(identifier)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// StatusAny runs Status for each identifier independently and returns the
// first locked status, or the status with the fewest remaining attempts.
// A login is rejected when either the account or the origin budget is spent.
func (g *Guard) StatusAny(ctx context.Context, identifiers ...string) (Status, error) {
	var tightest Status
	tightest.AttemptsRemaining = g.config.MaxAttempts

	for _, id := range identifiers {
		if id == "" {
			continue
		}
		status, err := g.Status(ctx, id)
		if err != nil {
			return Status{}, err
		}
		if status.IsLocked {
			return status, nil
		}
		if status.AttemptsRemaining < tightest.AttemptsRemaining {
			tightest = status
		}
	}

	return tightest, nil
}

// RecordFailureAll counts a failure against every identifier independently
// and reports the resulting lockout if any budget tripped.
func (g *Guard) RecordFailureAll(ctx context.Context, identifiers ...string) (Status, error) {
	var result Status
	result.AttemptsRemaining = g.config.MaxAttempts

	for _, id := range identifiers {
		if id == "" {
			continue
		}
		status, err := g.RecordFailure(ctx, id)
		if err != nil {
			return Status{}, err
		}
		if status.IsLocked {
			result = status
		} else if !result.IsLocked && status.AttemptsRemaining < result.AttemptsRemaining {
			result = status
		}
	}

	return result, nil
}

// ClearAll resets the counters for every identifier.
func (g *Guard) ClearAll(ctx context.Context, identifiers ...string) error {
	for _, id := range identifiers {
		if id == "" {
			continue
		}
		if err := g.Clear(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

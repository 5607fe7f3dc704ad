package verification

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vivaexcel/authcore/password"
)

const (
	verifyRecordPrefix  = "aev"
	verifyPointerPrefix = "aevu"
	resetRecordPrefix   = "apr"
	resetPointerPrefix  = "apru"
	resetLimitPrefix    = "aprl"

	payloadVersion1 = 1

	tokenBytes = 32
)

var (
	// ErrTokenInvalid indicates the token is unknown, expired, already
	// consumed, or superseded by a newer issuance.
	ErrTokenInvalid = errors.New("verification token invalid")
	// ErrRateLimited indicates the per-email issuance budget is exhausted.
	ErrRateLimited = errors.New("token issuance rate limited")
	// ErrBackendUnavailable indicates the token backend is unreachable.
	ErrBackendUnavailable = errors.New("verification backend unavailable")
)

// Payload is what a token resolves back to. IssuedAt lets callers surface
// "sent N minutes ago" without a second lookup.
type Payload struct {
	UserID   string
	Email    string
	IssuedAt time.Time
}

// issuer is the shared single-active-token core. Each token is stored twice:
// {hash -> payload} for lookup and {user -> hash} for supersession, written
// in one pipeline under one TTL.
type issuer struct {
	redis         redis.UniversalClient
	recordPrefix  string
	pointerPrefix string
	ttl           time.Duration
}

func (i *issuer) recordKey(tokenHash string) string {
	return i.recordPrefix + ":" + tokenHash
}

func (i *issuer) pointerKey(userID string) string {
	return i.pointerPrefix + ":" + userID
}

// issue mints a fresh opaque token for the user, invalidating any prior one.
// The plaintext token is returned exactly once; only its hash is stored.
//
// The old-pointer read and the supersession write run under WATCH on the
// pointer key: two racing issuances for the same user cannot both supersede
// the same prior record, which would leave an orphan record with no pointer
// naming it, still redeemable by hash.
func (i *issuer) issue(ctx context.Context, userID, email string) (string, error) {
	const maxRetries = 4

	token, err := password.GenerateToken(tokenBytes)
	if err != nil {
		return "", err
	}
	hash := password.HashToken(token)

	encoded, err := encodePayload(&Payload{UserID: userID, Email: email, IssuedAt: time.Now()})
	if err != nil {
		return "", err
	}

	pointerKey := i.pointerKey(userID)

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := i.redis.Watch(ctx, func(tx *redis.Tx) error {
			oldHash, err := tx.Get(ctx, pointerKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if oldHash != "" {
					pipe.Del(ctx, i.recordKey(oldHash))
				}
				pipe.Set(ctx, i.recordKey(hash), encoded, i.ttl)
				pipe.Set(ctx, pointerKey, hash, i.ttl)
				return nil
			})
			return err
		}, pointerKey)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return token, nil
	}

	return "", fmt.Errorf("%w: issuance contention", ErrBackendUnavailable)
}

// peek resolves a token without consuming it.
func (i *issuer) peek(ctx context.Context, token string) (*Payload, error) {
	data, err := i.redis.Get(ctx, i.recordKey(password.HashToken(token))).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	payload, err := decodePayload(data)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	return payload, nil
}

// consume resolves a token and burns it. The record key is watched so two
// racing consumers cannot both succeed; the loser sees [ErrTokenInvalid].
func (i *issuer) consume(ctx context.Context, token string) (*Payload, error) {
	hash := password.HashToken(token)
	key := i.recordKey(hash)

	var payload *Payload
	err := i.redis.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrTokenInvalid
			}
			return err
		}

		payload, err = decodePayload(data)
		if err != nil {
			return ErrTokenInvalid
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
	case errors.Is(err, ErrTokenInvalid), errors.Is(err, redis.TxFailedErr):
		return nil, ErrTokenInvalid
	default:
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	// Drop the pointer only if it still names this token.
	current, err := i.redis.Get(ctx, i.pointerKey(payload.UserID)).Result()
	if err == nil && current == hash {
		_ = i.redis.Del(ctx, i.pointerKey(payload.UserID)).Err()
	}

	return payload, nil
}

// invalidate drops the user's active token, if any.
func (i *issuer) invalidate(ctx context.Context, userID string) error {
	hash, err := i.redis.Get(ctx, i.pointerKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	_, err = i.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, i.recordKey(hash))
		pipe.Del(ctx, i.pointerKey(userID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// EmailVerifier issues and redeems email-verification tokens (24 hour TTL
// by default). Redemption consumes the token.
type EmailVerifier struct {
	issuer
}

// NewEmailVerifier creates an [EmailVerifier] over Redis.
func NewEmailVerifier(redisClient redis.UniversalClient, ttl time.Duration) *EmailVerifier {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &EmailVerifier{issuer{
		redis:         redisClient,
		recordPrefix:  verifyRecordPrefix,
		pointerPrefix: verifyPointerPrefix,
		ttl:           ttl,
	}}
}

// Issue mints a verification token for the user, superseding any prior one.
func (v *EmailVerifier) Issue(ctx context.Context, userID, email string) (string, error) {
	return v.issue(ctx, userID, email)
}

// Redeem consumes the token and returns its payload, or [ErrTokenInvalid].
func (v *EmailVerifier) Redeem(ctx context.Context, token string) (*Payload, error) {
	return v.consume(ctx, token)
}

// Invalidate drops the user's active verification token, if any.
func (v *EmailVerifier) Invalidate(ctx context.Context, userID string) error {
	return v.invalidate(ctx, userID)
}

// ResetConfig tunes the password-reset issuer.
type ResetConfig struct {
	TTL        time.Duration // default 15 minutes
	RateLimit  int           // issuances per email per window, default 3
	RateWindow time.Duration // default 1 hour
}

// PasswordReset issues and redeems password-reset tokens. On top of the
// single-active-token rule it enforces a per-email issuance budget so the
// forgot-password endpoint cannot be used as a mail cannon.
type PasswordReset struct {
	issuer
	limit  int
	window time.Duration
}

// NewPasswordReset creates a [PasswordReset] issuer over Redis.
func NewPasswordReset(redisClient redis.UniversalClient, cfg ResetConfig) *PasswordReset {
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 3
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Hour
	}
	return &PasswordReset{
		issuer: issuer{
			redis:         redisClient,
			recordPrefix:  resetRecordPrefix,
			pointerPrefix: resetPointerPrefix,
			ttl:           cfg.TTL,
		},
		limit:  cfg.RateLimit,
		window: cfg.RateWindow,
	}
}

func (p *PasswordReset) limitKey(email string) string {
	return resetLimitPrefix + ":" + strings.ToLower(strings.TrimSpace(email))
}

// Issue mints a reset token for the user, superseding any prior one. The
// per-email budget is charged first; [ErrRateLimited] means no token was
// minted and no state changed beyond the counter.
func (p *PasswordReset) Issue(ctx context.Context, userID, email string) (string, error) {
	count, err := p.redis.Incr(ctx, p.limitKey(email)).Result()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if count == 1 {
		if err := p.redis.Expire(ctx, p.limitKey(email), p.window).Err(); err != nil {
			return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}
	if count > int64(p.limit) {
		return "", ErrRateLimited
	}

	return p.issue(ctx, userID, email)
}

// Redeem consumes the token and returns its payload, or [ErrTokenInvalid].
// A redeemed token can never be redeemed again.
func (p *PasswordReset) Redeem(ctx context.Context, token string) (*Payload, error) {
	return p.consume(ctx, token)
}

// Peek resolves the token without consuming it, for pre-flight form checks.
func (p *PasswordReset) Peek(ctx context.Context, token string) (*Payload, error) {
	return p.peek(ctx, token)
}

// Invalidate drops the user's active reset token, if any.
func (p *PasswordReset) Invalidate(ctx context.Context, userID string) error {
	return p.invalidate(ctx, userID)
}

func encodePayload(payload *Payload) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(payloadVersion1)

	if err := binary.Write(&buf, binary.BigEndian, payload.IssuedAt.Unix()); err != nil {
		return nil, err
	}
	for _, field := range []string{payload.UserID, payload.Email} {
		if len(field) > 65535 {
			return nil, errors.New("payload field too long")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field))); err != nil {
			return nil, err
		}
		buf.WriteString(field)
	}

	return buf.Bytes(), nil
}

func decodePayload(data []byte) (*Payload, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != payloadVersion1 {
		return nil, errors.New("invalid payload version")
	}

	var issuedAt int64
	if err := binary.Read(reader, binary.BigEndian, &issuedAt); err != nil {
		return nil, err
	}

	fields := make([]string, 2)
	for i := range fields {
		var length uint16
		if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
			return nil, err
		}
		raw := make([]byte, length)
		if _, err := io.ReadFull(reader, raw); err != nil {
			return nil, err
		}
		fields[i] = string(raw)
	}

	return &Payload{
		UserID:   fields[0],
		Email:    fields[1],
		IssuedAt: time.Unix(issuedAt, 0),
	}, nil
}

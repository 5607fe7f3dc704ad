package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vivaexcel/authcore/password"
)

const (
	sessionKeyPrefix   = "as"
	userIndexKeyPrefix = "au"
	blacklistKeyPrefix = "abl"
)

var (
	// ErrNotFound indicates the session does not exist or has expired.
	ErrNotFound = errors.New("session not found")
	// ErrBackendUnavailable indicates the session backend is unreachable.
	ErrBackendUnavailable = errors.New("session backend unavailable")
)

// Store is the Redis-backed session store.
type Store struct {
	redis redis.UniversalClient
	ttl   time.Duration
}

// NewStore creates a session [Store]. ttl is the per-session lifetime,
// re-armed on every Touch.
func NewStore(redisClient redis.UniversalClient, ttl time.Duration) *Store {
	return &Store{redis: redisClient, ttl: ttl}
}

func (s *Store) key(sessionID string) string {
	return sessionKeyPrefix + ":" + sessionID
}

func (s *Store) userKey(userID string) string {
	return userIndexKeyPrefix + ":" + userID
}

func (s *Store) blacklistKey(tokenHash string) string {
	return blacklistKeyPrefix + ":" + tokenHash
}

// Create persists a new session record and its user-index pointer in one
// transactional pipeline, returning the generated session ID.
func (s *Store) Create(ctx context.Context, userID, email, correlationID string, origin Origin) (string, error) {
	now := time.Now().Unix()
	sess := &Session{
		SessionID:      uuid.NewString(),
		UserID:         userID,
		Email:          email,
		CorrelationID:  correlationID,
		Origin:         origin,
		CreatedAt:      now,
		LastAccessedAt: now,
	}

	data, err := Encode(sess)
	if err != nil {
		return "", err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(sess.SessionID), data, s.ttl)
		pipe.SAdd(ctx, s.userKey(userID), sess.SessionID)
		pipe.Expire(ctx, s.userKey(userID), s.ttl)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	return sess.SessionID, nil
}

// Get fetches a session by ID. Missing or expired sessions return
// [ErrNotFound].
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		return nil, err
	}
	sess.SessionID = sessionID

	return sess, nil
}

// Touch updates the session's last-accessed time and re-arms its TTL along
// with the user-index TTL, so a session kept alive by activity never
// outlives its index pointer. The write is a compare-and-swap under WATCH
// so a concurrent Invalidate is never resurrected.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	const maxRetries = 4
	key := s.key(sessionID)

	for i := 0; i < maxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			sess, err := Decode(data)
			if err != nil {
				return err
			}
			sess.LastAccessedAt = time.Now().Unix()

			updated, err := Encode(sess)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, s.ttl)
				pipe.Expire(ctx, s.userKey(sess.UserID), s.ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return nil
	}

	return ErrNotFound
}

// Invalidate removes one session and its user-index pointer together.
// Invalidating a missing session is a no-op.
func (s *Store) Invalidate(ctx context.Context, sessionID string) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(sessionID))
		pipe.SRem(ctx, s.userKey(sess.UserID), sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	return nil
}

// InvalidateAllForUser removes every live session for a user and clears the
// index set. Returns the number of session records actually deleted; index
// pointers whose records already expired do not count.
func (s *Store) InvalidateAllForUser(ctx context.Context, userID string) (int, error) {
	userKey := s.userKey(userID)

	sessionIDs, err := s.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	keys := make([]string, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		keys = append(keys, s.key(id))
	}

	var deleted *redis.IntCmd
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(keys) > 0 {
			deleted = pipe.Del(ctx, keys...)
		}
		pipe.Del(ctx, userKey)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	if deleted == nil {
		return 0, nil
	}
	return int(deleted.Val()), nil
}

// ListForUser returns all live sessions for a user. Index pointers whose
// records have expired are skipped, not reported as errors.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]*Session, error) {
	sessionIDs, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*Session{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if len(sessionIDs) == 0 {
		return []*Session{}, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(sessionIDs))
	for i, id := range sessionIDs {
		cmds[i] = pipe.Get(ctx, s.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	sessions := make([]*Session, 0, len(sessionIDs))
	for i, cmd := range cmds {
		data, cmdErr := cmd.Bytes()
		if cmdErr != nil {
			if errors.Is(cmdErr, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, cmdErr)
		}

		sess, decErr := Decode(data)
		if decErr != nil {
			return nil, decErr
		}
		sess.SessionID = sessionIDs[i]
		sessions = append(sessions, sess)
	}

	return sessions, nil
}

// BlacklistToken records an access token as invalid for the remainder of its
// natural lifetime. Tokens are stored hashed; the raw token never rests.
func (s *Store) BlacklistToken(ctx context.Context, rawToken string, ttl time.Duration) error {
	if ttl <= 0 {
		// Token already past expiry; nothing to blacklist.
		return nil
	}

	key := s.blacklistKey(password.HashToken(rawToken))
	if err := s.redis.Set(ctx, key, 1, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// IsBlacklisted reports whether an access token was explicitly invalidated.
// Read on every authenticated request.
func (s *Store) IsBlacklisted(ctx context.Context, rawToken string) (bool, error) {
	n, err := s.redis.Exists(ctx, s.blacklistKey(password.HashToken(rawToken))).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return n > 0, nil
}

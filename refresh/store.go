package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	recordKeyPrefix = "art"
	familyKeyPrefix = "arf"
	userKeyPrefix   = "aru"
)

var (
	// ErrNotFound indicates the presented token has no stored record. During
	// rotation this is treated as a possible replay or forgery.
	ErrNotFound = errors.New("refresh record not found")
	// ErrReplayed indicates the presented token's record was already revoked:
	// the same refresh token was used twice. Definitive replay.
	ErrReplayed = errors.New("refresh token replay detected")
	// ErrExpired indicates the stored record is past its expiry.
	ErrExpired = errors.New("refresh record expired")
	// ErrBackendUnavailable indicates the store backend is unreachable.
	// Rotation and revocation fail closed on this error.
	ErrBackendUnavailable = errors.New("refresh backend unavailable")
)

// Store persists refresh-token records in Redis with family and user index
// sets. All multi-key writes go through transactional pipelines so a record
// and its index entries never diverge into a half-valid state.
type Store struct {
	redis redis.UniversalClient
	grace time.Duration
}

// NewStore creates a refresh-token [Store]. grace extends record retention
// past token expiry so late replays still resolve to a typed outcome.
func NewStore(redisClient redis.UniversalClient, grace time.Duration) *Store {
	if grace <= 0 {
		grace = time.Hour
	}
	return &Store{redis: redisClient, grace: grace}
}

func (s *Store) recordKey(tokenHash string) string {
	return recordKeyPrefix + ":" + tokenHash
}

func (s *Store) familyKey(familyID string) string {
	return familyKeyPrefix + ":" + familyID
}

func (s *Store) userKey(userID string) string {
	return userKeyPrefix + ":" + userID
}

// Save persists a new record and registers it in the family and user index
// sets. The record key carries TTL until expiry plus grace; the index sets
// are re-armed to at least the same horizon.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	encoded, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	ttl := time.Until(time.Unix(rec.ExpiresAt, 0)) + s.grace
	if ttl <= 0 {
		return errors.New("refresh record already expired")
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(rec.TokenHash), encoded, ttl)
		pipe.SAdd(ctx, s.familyKey(rec.FamilyID), rec.TokenHash)
		pipe.Expire(ctx, s.familyKey(rec.FamilyID), ttl)
		pipe.SAdd(ctx, s.userKey(rec.UserID), rec.FamilyID)
		pipe.Expire(ctx, s.userKey(rec.UserID), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	return nil
}

// Get fetches a record by token hash.
func (s *Store) Get(ctx context.Context, tokenHash string) (*Record, error) {
	data, err := s.redis.Get(ctx, s.recordKey(tokenHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	return decodeRecord(data)
}

// Rotate consumes the presented token record: it atomically marks the record
// revoked with reason "rotated" and returns it so the caller can issue a
// replacement under the same family.
//
// Typed outcomes, in rotation-protocol order:
//   - ErrNotFound: no record, or the record does not belong to the claimed
//     user/family (possible forgery). Caller must revoke the family.
//   - ErrReplayed: record already revoked, the token was used twice.
//     Caller must revoke the family.
//   - ErrExpired: record past expiry. Caller must revoke the family.
//
// The revocation write is a compare-and-swap under WATCH: two concurrent
// rotations of the same token cannot both succeed.
func (s *Store) Rotate(ctx context.Context, userID, familyID, tokenHash string) (*Record, error) {
	const maxRetries = 4
	key := s.recordKey(tokenHash)

	for i := 0; i < maxRetries; i++ {
		var rotated *Record

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			rec, err := decodeRecord(data)
			if err != nil {
				return err
			}

			if rec.UserID != userID || rec.FamilyID != familyID {
				return ErrNotFound
			}
			if rec.Revoked {
				return ErrReplayed
			}

			now := time.Now()
			if now.Unix() > rec.ExpiresAt {
				return ErrExpired
			}

			rec.Revoked = true
			rec.RevokedAt = now.Unix()
			rec.Reason = ReasonRotated

			updated, err := encodeRecord(rec)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, redis.KeepTTL)
				return nil
			})
			if err != nil {
				return err
			}

			rotated = rec
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				return nil, ErrNotFound
			case errors.Is(err, ErrNotFound), errors.Is(err, ErrReplayed), errors.Is(err, ErrExpired):
				return nil, err
			default:
				return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
			}
		}

		return rotated, nil
	}

	// CAS contention on a single token means concurrent use of the same
	// refresh token; the losing caller observes it as replay.
	return nil, ErrReplayed
}

// RevokeFamily revokes every still-valid record in a token family. Returns
// the number of records newly revoked. Idempotent: already-revoked records
// are left untouched.
func (s *Store) RevokeFamily(ctx context.Context, familyID string, reason RevocationReason) (int, error) {
	hashes, err := s.redis.SMembers(ctx, s.familyKey(familyID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	revoked := 0
	for _, hash := range hashes {
		ok, err := s.revokeRecord(ctx, hash, reason)
		if err != nil {
			return revoked, err
		}
		if ok {
			revoked++
		}
	}

	return revoked, nil
}

// RevokeAllForUser revokes every token family belonging to a user. Used by
// logout-all and password reset.
func (s *Store) RevokeAllForUser(ctx context.Context, userID string, reason RevocationReason) (int, error) {
	families, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	revoked := 0
	for _, familyID := range families {
		n, err := s.RevokeFamily(ctx, familyID, reason)
		if err != nil {
			return revoked, err
		}
		revoked += n
	}

	return revoked, nil
}

// IsValid reports whether the hashed token resolves to a live record:
// present, not revoked, not expired. Backend failure reports false.
func (s *Store) IsValid(ctx context.Context, tokenHash string) bool {
	rec, err := s.Get(ctx, tokenHash)
	if err != nil {
		return false
	}
	return !rec.Revoked && time.Now().Unix() <= rec.ExpiresAt
}

// CleanupExpired removes index entries whose records have expired out of the
// store. Record keys themselves expire via TTL; this sweep trims the family
// and user sets that outlive them. Idempotent and safe to run concurrently.
// O(keyspace); intended for the periodic maintenance job, never a request
// path.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	removed, err := s.sweepIndex(ctx, familyKeyPrefix+":*", func(member string) string {
		return s.recordKey(member)
	})
	if err != nil {
		return removed, err
	}

	n, err := s.sweepIndex(ctx, userKeyPrefix+":*", func(member string) string {
		return s.familyKey(member)
	})
	return removed + n, err
}

func (s *Store) sweepIndex(ctx context.Context, pattern string, target func(member string) string) (int, error) {
	var (
		cursor  uint64
		removed int
	)

	for {
		keys, next, err := s.redis.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}

		for _, key := range keys {
			members, err := s.redis.SMembers(ctx, key).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				return removed, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
			}

			for _, member := range members {
				exists, err := s.redis.Exists(ctx, target(member)).Result()
				if err != nil {
					return removed, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
				}
				if exists == 0 {
					if err := s.redis.SRem(ctx, key, member).Err(); err != nil {
						return removed, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
					}
					removed++
				}
			}
		}

		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

func (s *Store) revokeRecord(ctx context.Context, tokenHash string, reason RevocationReason) (bool, error) {
	const maxRetries = 4
	key := s.recordKey(tokenHash)

	for i := 0; i < maxRetries; i++ {
		var newlyRevoked bool

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			rec, err := decodeRecord(data)
			if err != nil {
				return err
			}
			if rec.Revoked {
				return nil
			}

			rec.Revoked = true
			rec.RevokedAt = time.Now().Unix()
			rec.Reason = reason

			updated, err := encodeRecord(rec)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, redis.KeepTTL)
				return nil
			})
			if err != nil {
				return err
			}

			newlyRevoked = true
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Record expired between index read and revocation: nothing
				// left to revoke.
				return false, nil
			}
			return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}

		return newlyRevoked, nil
	}

	return false, nil
}

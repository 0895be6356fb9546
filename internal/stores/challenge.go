// Package stores contains the Redis-backed shared mutable state of the
// engine: MFA login challenges with attempt counters, the access-token
// revocation set, and single-use OAuth states. Every operation that races
// under concurrency (attempt counting, state consumption, hash rotation)
// uses an atomic Redis primitive so two callers cannot both win.
package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrChallengeNotFound is returned for unknown or consumed challenges.
	ErrChallengeNotFound = errors.New("challenge not found")
	// ErrChallengeExpired is returned for challenges past their TTL.
	ErrChallengeExpired = errors.New("challenge expired")
	// ErrChallengeLocked is returned while the post-exhaustion cool-down is
	// active.
	ErrChallengeLocked = errors.New("challenge locked")
	// ErrChallengeBackend is returned when Redis is unreachable.
	ErrChallengeBackend = errors.New("challenge backend unavailable")
)

// Challenge is the stored MFA challenge record. CodeHash is empty for TOTP
// challenges, which verify against the user's enrolled secret instead.
type Challenge struct {
	UserID    string `json:"uid"`
	Method    string `json:"method"`
	Target    string `json:"target,omitempty"`
	DeviceID  string `json:"did,omitempty"`
	CodeHash  []byte `json:"code_hash,omitempty"`
	ExpiresAt int64  `json:"exp"`
	Attempts  uint16 `json:"attempts"`
}

// ChallengeStore persists challenges under TTL and counts failed attempts
// atomically. Exhausting the budget arms a lock key scoped to the user for
// the cool-down window, so opening a fresh challenge cannot mint a new
// attempt budget while the lock stands.
type ChallengeStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewChallengeStore creates a store namespaced by prefix.
func NewChallengeStore(redisClient redis.UniversalClient, prefix string) *ChallengeStore {
	return &ChallengeStore{redis: redisClient, prefix: prefix}
}

func (s *ChallengeStore) key(id string) string {
	return s.prefix + ":mfc:" + id
}

func (s *ChallengeStore) lockKey(userID string) string {
	return s.prefix + ":mfl:" + userID
}

// Save stores a new challenge under its TTL. A locked user cannot open a
// challenge: the lock would be pointless if a re-login minted a fresh
// attempt budget.
func (s *ChallengeStore) Save(ctx context.Context, id string, rec *Challenge, ttl time.Duration) error {
	locked, err := s.isLocked(ctx, rec.UserID)
	if err != nil {
		return err
	}
	if locked {
		return ErrChallengeLocked
	}

	encoded, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(id), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	return nil
}

// Get loads a challenge. The lock outranks everything else: any challenge
// of a locked user answers ErrChallengeLocked, expired or not.
func (s *ChallengeStore) Get(ctx context.Context, id string) (*Challenge, error) {
	data, err := s.redis.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}

	var rec Challenge
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: corrupt record", ErrChallengeBackend)
	}

	locked, err := s.isLocked(ctx, rec.UserID)
	if err != nil {
		return nil, err
	}
	if locked {
		return nil, ErrChallengeLocked
	}

	if time.Now().Unix() > rec.ExpiresAt {
		_ = s.redis.Del(ctx, s.key(id)).Err()
		return nil, ErrChallengeExpired
	}
	return &rec, nil
}

// Delete removes a challenge, reporting whether it existed. Used on
// successful verification so a challenge can never be consumed twice.
func (s *ChallengeStore) Delete(ctx context.Context, id string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	return n > 0, nil
}

// RecordFailure atomically counts one failed attempt. When the budget is
// exhausted the user's lock key is armed for the cooldown; the return value
// reports whether this call caused the lockout. The WATCH loop guarantees
// two concurrent failures cannot both observe the same attempt count.
func (s *ChallengeStore) RecordFailure(ctx context.Context, id string, maxAttempts int, cooldown time.Duration) (bool, error) {
	const maxRetries = 4
	key := s.key(id)

	for i := 0; i < maxRetries; i++ {
		var locked bool
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			var rec Challenge
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			if time.Now().Unix() > rec.ExpiresAt {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrChallengeExpired
			}

			ttl := time.Until(time.Unix(rec.ExpiresAt, 0))
			if ttl <= 0 {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrChallengeExpired
			}

			rec.Attempts++
			updated, err := json.Marshal(&rec)
			if err != nil {
				return err
			}
			if int(rec.Attempts) >= maxAttempts {
				// The record survives so a retry of the same challenge
				// reports the lock instead of a miss.
				locked = true
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, key, updated, ttl)
					pipe.Set(ctx, s.lockKey(rec.UserID), "1", cooldown)
					return nil
				})
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return false, ErrChallengeNotFound
			}
			if errors.Is(err, ErrChallengeExpired) {
				return false, err
			}
			return false, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
		}
		return locked, nil
	}

	return false, ErrChallengeNotFound
}

func (s *ChallengeStore) isLocked(ctx context.Context, userID string) (bool, error) {
	n, err := s.redis.Exists(ctx, s.lockKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrChallengeBackend, err)
	}
	return n > 0, nil
}

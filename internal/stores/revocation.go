package stores

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationStore tracks rejected access tokens. Entries live only until the
// token's own expiry, so storage stays bounded without a garbage collector.
//
// Three kinds of entries exist: per-token (by jti, for logout and targeted
// revocation), per-generation (rejecting every token of one refresh
// generation, used on reuse detection), and per-user watermarks (for
// revoke-all, rejecting every token issued before the watermark instant).
type RevocationStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRevocationStore creates a store namespaced by prefix.
func NewRevocationStore(redisClient redis.UniversalClient, prefix string) *RevocationStore {
	return &RevocationStore{redis: redisClient, prefix: prefix}
}

func (s *RevocationStore) tokenKey(jti string) string {
	return s.prefix + ":rvk:" + jti
}

func (s *RevocationStore) userKey(userID string) string {
	return s.prefix + ":rvku:" + userID
}

func (s *RevocationStore) genKey(generationID string) string {
	return s.prefix + ":rvkg:" + generationID
}

// Revoke marks one token id rejected until its natural expiry. Idempotent;
// tokens already past expiry are ignored.
func (s *RevocationStore) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := s.redis.Set(ctx, s.tokenKey(jti), "1", ttl).Err(); err != nil {
		return fmt.Errorf("revocation set: %w", err)
	}
	return nil
}

// RevokeGeneration rejects every access token minted for one refresh
// generation. The entry expires after maxAccessTTL, when no token of the
// generation can still be signature-valid.
func (s *RevocationStore) RevokeGeneration(ctx context.Context, generationID string, maxAccessTTL time.Duration) error {
	if err := s.redis.Set(ctx, s.genKey(generationID), "1", maxAccessTTL).Err(); err != nil {
		return fmt.Errorf("revocation generation: %w", err)
	}
	return nil
}

// RevokeAllForUser sets the user watermark: every access token issued at or
// before now is rejected. The entry expires after maxAccessTTL, when no such
// token can still be signature-valid.
func (s *RevocationStore) RevokeAllForUser(ctx context.Context, userID string, now time.Time, maxAccessTTL time.Duration) error {
	value := strconv.FormatInt(now.Unix(), 10)
	if err := s.redis.Set(ctx, s.userKey(userID), value, maxAccessTTL).Err(); err != nil {
		return fmt.Errorf("revocation watermark: %w", err)
	}
	return nil
}

// IsRevoked reports whether the token id, its refresh generation, or its
// user watermark rejects a token issued at issuedAt. One MGET round-trip.
func (s *RevocationStore) IsRevoked(ctx context.Context, jti, generationID, userID string, issuedAt time.Time) (bool, error) {
	vals, err := s.redis.MGet(ctx, s.tokenKey(jti), s.genKey(generationID), s.userKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("revocation check: %w", err)
	}
	if vals[0] != nil || vals[1] != nil {
		return true, nil
	}
	if raw, ok := vals[2].(string); ok {
		watermark, err := strconv.ParseInt(raw, 10, 64)
		if err == nil && issuedAt.Unix() <= watermark {
			return true, nil
		}
	}
	return false, nil
}

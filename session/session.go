// Package session stores refresh-token generations in Redis. One generation
// is one live user+device session: issuing replaces the device's previous
// generation, rotation swaps the stored refresh hash under compare-and-swap,
// and a hash mismatch on rotation is the reuse (theft) signal.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrGenerationNotFound is returned when a generation id is unknown or
	// already expired.
	ErrGenerationNotFound = errors.New("refresh generation not found")
	// ErrHashMismatch is returned when the presented refresh secret does not
	// match the stored hash: the token was already rotated or never valid.
	ErrHashMismatch = errors.New("refresh hash mismatch")
	// ErrBackend is returned when Redis is unreachable or misbehaves.
	ErrBackend = errors.New("session backend unavailable")
)

// Session is one refresh-token generation.
type Session struct {
	GenerationID string    `json:"-"`
	UserID       string    `json:"uid"`
	DeviceID     string    `json:"did"`
	CreatedAt    time.Time `json:"created_at"`
	// ExpiresAt is the absolute end of the generation; rotation never
	// extends it.
	ExpiresAt time.Time `json:"expires_at"`
}

// rotateScript compares the stored refresh hash against the presented one
// and swaps it atomically. Exactly one of two concurrent refresh calls can
// win; the loser observes a mismatch.
//
// Returns {-1} not found, {0} mismatch, {1, data} rotated.
var rotateScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'rh')
if not cur then
  return {-1}
end
if cur ~= ARGV[1] then
  return {0}
end
redis.call('HSET', KEYS[1], 'rh', ARGV[2])
return {1, redis.call('HGET', KEYS[1], 'data')}
`)

// Store persists generations plus two indexes: a per-device pointer used to
// enforce one live generation per user+device, and a per-user set used by
// revoke-all.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// New creates a Store namespaced by prefix.
func New(redisClient redis.UniversalClient, prefix string) *Store {
	return &Store{redis: redisClient, prefix: prefix}
}

func (s *Store) genKey(gid string) string  { return s.prefix + ":gen:" + gid }
func (s *Store) userKey(uid string) string { return s.prefix + ":ugen:" + uid }
func (s *Store) deviceKey(uid, did string) string {
	return s.prefix + ":dgen:" + uid + ":" + did
}

// Create stores a new generation and displaces any prior generation for the
// same user+device, returning the displaced generation id (empty when none).
func (s *Store) Create(ctx context.Context, sess *Session, refreshHash [32]byte, ttl time.Duration) (string, error) {
	data, err := json.Marshal(sess)
	if err != nil {
		return "", err
	}

	prior, err := s.redis.Get(ctx, s.deviceKey(sess.UserID, sess.DeviceID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}

	pipe := s.redis.TxPipeline()
	if prior != "" {
		pipe.Del(ctx, s.genKey(prior))
		pipe.SRem(ctx, s.userKey(sess.UserID), prior)
	}
	key := s.genKey(sess.GenerationID)
	pipe.HSet(ctx, key, "data", data, "rh", encodeHash(refreshHash))
	pipe.Expire(ctx, key, ttl)
	pipe.Set(ctx, s.deviceKey(sess.UserID, sess.DeviceID), sess.GenerationID, ttl)
	pipe.SAdd(ctx, s.userKey(sess.UserID), sess.GenerationID)
	pipe.Expire(ctx, s.userKey(sess.UserID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return prior, nil
}

// Rotate swaps the refresh hash under CAS and returns the generation.
func (s *Store) Rotate(ctx context.Context, generationID string, providedHash, nextHash [32]byte) (*Session, error) {
	result, err := rotateScript.Run(
		ctx,
		s.redis,
		[]string{s.genKey(generationID)},
		encodeHash(providedHash),
		encodeHash(nextHash),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: invalid rotate response", ErrBackend)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid rotate status", ErrBackend)
	}

	switch code {
	case -1:
		return nil, ErrGenerationNotFound
	case 0:
		return nil, ErrHashMismatch
	case 1:
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: missing session payload", ErrBackend)
		}
		return decodeSession(generationID, parts[1])
	default:
		return nil, fmt.Errorf("%w: unknown rotate status %d", ErrBackend, code)
	}
}

// Get loads a generation without touching its hash.
func (s *Store) Get(ctx context.Context, generationID string) (*Session, error) {
	data, err := s.redis.HGet(ctx, s.genKey(generationID), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrGenerationNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return decodeSessionBytes(generationID, data)
}

// Delete removes one generation and its index entries. Idempotent.
func (s *Store) Delete(ctx context.Context, generationID string) error {
	sess, err := s.Get(ctx, generationID)
	if errors.Is(err, ErrGenerationNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, s.genKey(generationID))
	pipe.SRem(ctx, s.userKey(sess.UserID), generationID)
	pipe.Del(ctx, s.deviceKey(sess.UserID, sess.DeviceID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

// DeleteAllForUser removes every live generation of a user and returns the
// deleted generation ids.
func (s *Store) DeleteAllForUser(ctx context.Context, userID string) ([]string, error) {
	gids, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	for _, gid := range gids {
		if err := s.Delete(ctx, gid); err != nil {
			return nil, err
		}
	}
	if err := s.redis.Del(ctx, s.userKey(userID)).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return gids, nil
}

func encodeHash(h [32]byte) string {
	return base64.RawStdEncoding.EncodeToString(h[:])
}

func decodeSession(generationID string, payload interface{}) (*Session, error) {
	var blob []byte
	switch v := payload.(type) {
	case string:
		blob = []byte(v)
	case []byte:
		blob = v
	default:
		return nil, fmt.Errorf("%w: invalid session payload", ErrBackend)
	}
	return decodeSessionBytes(generationID, blob)
}

func decodeSessionBytes(generationID string, blob []byte) (*Session, error) {
	var sess Session
	if err := json.Unmarshal(blob, &sess); err != nil {
		return nil, fmt.Errorf("%w: corrupt session record", ErrBackend)
	}
	sess.GenerationID = generationID
	return &sess, nil
}

package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStateNotFound is returned when a state value is unknown, expired, or
// was already consumed. Callers cannot distinguish the three on purpose: a
// replayed state must look identical to a forged one.
var ErrStateNotFound = errors.New("oauth state not found")

// OAuthState is the record behind one issued authorization URL.
type OAuthState struct {
	Provider    string `json:"provider"`
	RedirectURI string `json:"redirect_uri"`
	CreatedAt   int64  `json:"created_at"`
}

// StateStore persists anti-CSRF states with a TTL and consumes them exactly
// once via GETDEL, so concurrent callbacks with the same state have exactly
// one winner.
type StateStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStateStore creates a store namespaced by prefix.
func NewStateStore(redisClient redis.UniversalClient, prefix string) *StateStore {
	return &StateStore{redis: redisClient, prefix: prefix}
}

func (s *StateStore) key(state string) string {
	return s.prefix + ":oas:" + state
}

// Save persists a state under the configured TTL.
func (s *StateStore) Save(ctx context.Context, state string, rec *OAuthState, ttl time.Duration) error {
	encoded, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(state), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("oauth state save: %w", err)
	}
	return nil
}

// Consume atomically loads and deletes the state record.
func (s *StateStore) Consume(ctx context.Context, state string) (*OAuthState, error) {
	data, err := s.redis.GetDel(ctx, s.key(state)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("oauth state consume: %w", err)
	}
	var rec OAuthState
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("oauth state decode: %w", err)
	}
	return &rec, nil
}

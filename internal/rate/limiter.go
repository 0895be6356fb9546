// Package rate enforces login and refresh attempt budgets with Redis
// fixed-window counters. Counters are keyed per identifier and per IP so a
// distributed deployment shares one budget.
package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRateLimited is returned when an attempt budget is exhausted.
var ErrRateLimited = errors.New("rate limited")

// Config holds limiter tuning parameters.
type Config struct {
	Prefix           string
	MaxLoginAttempts int
	LoginCooldown    time.Duration
	MaxRefreshPerMin int
}

// Limiter enforces per-identifier and per-IP budgets.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a Limiter backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	if cfg.Prefix == "" {
		cfg.Prefix = "ac"
	}
	return &Limiter{redis: redisClient, config: cfg}
}

func (l *Limiter) loginKey(id string) string {
	return l.config.Prefix + ":rl:login:" + id
}

func (l *Limiter) refreshKey(gen string) string {
	return l.config.Prefix + ":rl:refresh:" + gen
}

// CheckLogin reports whether the identifier (and IP, when non-empty) is
// still within the failed-login budget.
func (l *Limiter) CheckLogin(ctx context.Context, identifier, ip string) error {
	if err := l.check(ctx, l.loginKey(identifier), l.config.MaxLoginAttempts); err != nil {
		return err
	}
	if ip != "" {
		return l.check(ctx, l.loginKey("ip:"+ip), l.config.MaxLoginAttempts)
	}
	return nil
}

// RecordLoginFailure counts one failed attempt against identifier and IP.
func (l *Limiter) RecordLoginFailure(ctx context.Context, identifier, ip string) error {
	if err := l.increment(ctx, l.loginKey(identifier), l.config.LoginCooldown); err != nil {
		return err
	}
	if ip != "" {
		return l.increment(ctx, l.loginKey("ip:"+ip), l.config.LoginCooldown)
	}
	return nil
}

// ResetLogin clears the failed-login counters after a successful login.
func (l *Limiter) ResetLogin(ctx context.Context, identifier, ip string) error {
	keys := []string{l.loginKey(identifier)}
	if ip != "" {
		keys = append(keys, l.loginKey("ip:"+ip))
	}
	if err := l.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("rate reset: %w", err)
	}
	return nil
}

// CheckRefresh counts and bounds refresh calls per generation per minute.
// Unlike login, the counter increments on every call, successful or not.
func (l *Limiter) CheckRefresh(ctx context.Context, generationID string) error {
	key := l.refreshKey(generationID)
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("rate incr: %w", err)
	}
	if count == 1 {
		if err := l.redis.Expire(ctx, key, time.Minute).Err(); err != nil {
			return fmt.Errorf("rate expire: %w", err)
		}
	}
	if count > int64(l.config.MaxRefreshPerMin) {
		return ErrRateLimited
	}
	return nil
}

func (l *Limiter) check(ctx context.Context, key string, max int) error {
	count, err := l.redis.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("rate get: %w", err)
	}
	if count >= int64(max) {
		return ErrRateLimited
	}
	return nil
}

func (l *Limiter) increment(ctx context.Context, key string, ttl time.Duration) error {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("rate incr: %w", err)
	}
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return fmt.Errorf("rate expire: %w", err)
		}
	}
	return nil
}

// Package ratelimit provides Redis-backed fixed-window rate limiting using
// INCR + EXPIRE. Counters are shared by every server instance pointed at the
// same Redis, so limits hold per client address across the fleet.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rawchat/rawchat/internal/logging"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:conn:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// Default rules.
var (
	// RuleConnect allows 50 WebSocket connections per hour per client address.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 50, Window: time.Hour}

	// RuleReport allows 10 reports per hour per reporting device.
	RuleReport = Rule{Key: "rl:report:", Limit: 10, Window: time.Hour}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client, log: logging.Component("ratelimit")}
}

// Allow checks whether identifier is within rule's limit. It increments the
// counter and sets the expiry on first access.
//
// Returns true if the request is allowed. On Redis errors it fails open
// (returns true together with the error) so that a Redis outage does not
// lock clients out.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("redis INCR failed, failing open")
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.log.Warn().Err(err).Str("key", key).Msg("redis EXPIRE failed, failing open")
			// A key without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// RetryAfter returns the time until identifier's window resets, or zero if
// no window is open.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) (time.Duration, error) {
	ttl, err := l.client.TTL(ctx, rule.Key+identifier).Result()
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

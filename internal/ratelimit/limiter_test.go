package ratelimit

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestLimiter connects to REDIS_ADDR (default localhost:6379) and skips
// the test when Redis is not reachable.
func newTestLimiter(t *testing.T) (*Limiter, *redis.Client) {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client), client
}

func testRule(t *testing.T, limit int) Rule {
	return Rule{Key: fmt.Sprintf("rl:test:%s:%d:", t.Name(), time.Now().UnixNano()), Limit: limit, Window: time.Minute}
}

func TestAllow_UpToLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := testRule(t, 3)

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "198.51.100.1", rule)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i+1)
	}
	ok, err := l.Allow(ctx, "198.51.100.1", rule)
	require.NoError(t, err)
	assert.False(t, ok)

	// Other identifiers have their own counter.
	ok, err = l.Allow(ctx, "198.51.100.2", rule)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllow_SetsExpiry(t *testing.T) {
	l, client := newTestLimiter(t)
	ctx := context.Background()
	rule := testRule(t, 5)

	_, err := l.Allow(ctx, "id", rule)
	require.NoError(t, err)

	ttl, err := client.TTL(ctx, rule.Key+"id").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, rule.Window)

	after, err := l.RetryAfter(ctx, "id", rule)
	require.NoError(t, err)
	assert.Greater(t, after, time.Duration(0))
}

func TestAllow_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	l := NewLimiter(client)

	ok, err := l.Allow(context.Background(), "id", RuleConnect)
	assert.Error(t, err)
	assert.True(t, ok)

	_, err = l.RetryAfter(context.Background(), "id", RuleConnect)
	assert.Error(t, err)

	p := NewPolicy(l)
	allowed, retryAfter := p.AllowConnect(context.Background(), "203.0.113.1")
	assert.True(t, allowed)
	assert.Zero(t, retryAfter)
}

func TestPolicy(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	p := &Policy{Limiter: l, Connect: testRule(t, 1), Report: testRule(t, 2)}

	ok, retryAfter := p.AllowConnect(ctx, "203.0.113.9")
	assert.True(t, ok)
	assert.Zero(t, retryAfter)
	ok, retryAfter = p.AllowConnect(ctx, "203.0.113.9")
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, p.Connect.Window)

	for i := 0; i < 2; i++ {
		ok, _ = p.AllowReport(ctx, "dev")
		assert.True(t, ok)
	}
	ok, retryAfter = p.AllowReport(ctx, "dev")
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))

	ok, _ = p.AllowReport(ctx, "")
	assert.True(t, ok)
}

// Package ratelimit implements fixed-window counters shared by every
// instance through Redis, with an in-memory counter for tests.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLimited is returned when an identity has used up its window.
var ErrLimited = errors.New("ratelimit: limit exceeded")

// Scopes.
const (
	ScopeMessage   = "message"
	ScopeHandshake = "handshake"
)

// Rule is a fixed-window limit.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Counter increments and reads per-window counters.
type Counter interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) (int64, error)
}

// Limiter applies per-scope rules to identities.
type Limiter struct {
	counter Counter
	rules   map[string]Rule
	now     func() time.Time
}

// New creates a Limiter. Scopes without a rule are never limited.
func New(counter Counter, rules map[string]Rule) *Limiter {
	return &Limiter{counter: counter, rules: rules, now: time.Now}
}

// Allow counts one hit for id and returns ErrLimited once the window's
// limit has been passed.
func (l *Limiter) Allow(ctx context.Context, scope, id string) error {
	n, err := l.Hit(ctx, scope, id)
	if err != nil {
		return err
	}
	if rule, ok := l.rules[scope]; ok && n > int64(rule.Limit) {
		return ErrLimited
	}
	return nil
}

// Hit counts one event for id in the current window.
func (l *Limiter) Hit(ctx context.Context, scope, id string) (int64, error) {
	rule, ok := l.rules[scope]
	if !ok || rule.Limit <= 0 {
		return 0, nil
	}
	n, err := l.counter.Incr(ctx, l.key(scope, id, rule), rule.Window*2)
	if err != nil {
		return 0, fmt.Errorf("ratelimit %s: %w", scope, err)
	}
	return n, nil
}

// Exceeded reports whether id has already reached its limit, without
// counting a hit.
func (l *Limiter) Exceeded(ctx context.Context, scope, id string) (bool, error) {
	rule, ok := l.rules[scope]
	if !ok || rule.Limit <= 0 {
		return false, nil
	}
	n, err := l.counter.Get(ctx, l.key(scope, id, rule))
	if err != nil {
		return false, fmt.Errorf("ratelimit %s: %w", scope, err)
	}
	return n >= int64(rule.Limit), nil
}

// key returns ratelimit:{scope}:{id}:{window}.
func (l *Limiter) key(scope, id string, rule Rule) string {
	window := rule.Window
	if window <= 0 {
		window = time.Minute
	}
	bucket := l.now().UnixNano() / int64(window)
	return fmt.Sprintf("ratelimit:%s:%s:%d", scope, id, bucket)
}

// RedisCounter keeps counters in Redis so every instance shares them.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter creates a Redis-backed counter.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := c.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *RedisCounter) Get(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// MemoryCounter is a process-local Counter.
type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	count   int64
	expires time.Time
}

// NewMemoryCounter creates an empty in-memory counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCounter) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	e := c.entries[key]
	if !e.expires.IsZero() && now.After(e.expires) {
		e = memoryEntry{}
	}
	e.count++
	e.expires = now.Add(ttl)
	c.entries[key] = e
	c.sweep(now)
	return e.count, nil
}

func (c *MemoryCounter) Get(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().After(e.expires) {
		return 0, nil
	}
	return e.count, nil
}

// sweep drops expired entries. Caller holds mu.
func (c *MemoryCounter) sweep(now time.Time) {
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
}

package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers which message ids have been fully processed so that
// redelivered copies are acked without doing the work again.
type Deduper interface {
	Seen(ctx context.Context, messageID string) (bool, error)
	Mark(ctx context.Context, messageID string) error
}

// RedisDeduper stores processed markers as processed:{id} keys with a TTL.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a Redis-backed deduper.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func processedKey(id string) string { return fmt.Sprintf("processed:%s", id) }

func (d *RedisDeduper) Seen(ctx context.Context, messageID string) (bool, error) {
	n, err := d.client.Exists(ctx, processedKey(messageID)).Result()
	return n > 0, err
}

func (d *RedisDeduper) Mark(ctx context.Context, messageID string) error {
	return d.client.SetNX(ctx, processedKey(messageID), 1, d.ttl).Err()
}

// MemoryDeduper is a process-local Deduper.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

// NewMemoryDeduper creates an in-memory deduper.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

func (d *MemoryDeduper) Seen(_ context.Context, messageID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	exp, ok := d.seen[messageID]
	if ok && d.now().After(exp) {
		delete(d.seen, messageID)
		return false, nil
	}
	return ok, nil
}

func (d *MemoryDeduper) Mark(_ context.Context, messageID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[messageID] = d.now().Add(d.ttl)
	return nil
}

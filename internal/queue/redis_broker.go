package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/soyeahso/tutorchat/internal/domain"
)

// claimScript restores expired in-flight messages and then claims up to
// ARGV[3] visible messages, skipping partitions another consumer holds.
//
// KEYS: ready zset, inflight zset, partition hash, score hash, busy hash
// ARGV: now ms, visibility deadline ms, limit, scan window
var claimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, r in ipairs(expired) do
  redis.call('ZREM', KEYS[2], r)
  local score = redis.call('HGET', KEYS[4], r) or ARGV[1]
  redis.call('ZADD', KEYS[1], score, r)
  local p = redis.call('HGET', KEYS[3], r)
  if p then
    if redis.call('HINCRBY', KEYS[5], p, -1) <= 0 then
      redis.call('HDEL', KEYS[5], p)
    end
  end
end

local ready = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[4]))
local limit = tonumber(ARGV[3])
local claimed = {}
local mine = {}
for _, r in ipairs(ready) do
  if #claimed >= limit then break end
  local p = redis.call('HGET', KEYS[3], r) or ''
  if mine[p] or redis.call('HEXISTS', KEYS[5], p) == 0 then
    mine[p] = true
    redis.call('ZREM', KEYS[1], r)
    redis.call('ZADD', KEYS[2], ARGV[2], r)
    redis.call('HINCRBY', KEYS[5], p, 1)
    table.insert(claimed, r)
  end
end
return claimed
`)

// ackScript removes a message everywhere and releases its partition.
//
// KEYS: ready zset, inflight zset, payload hash, partition hash, score hash, busy hash
// ARGV: receipt
var ackScript = redis.NewScript(`
local r = ARGV[1]
redis.call('ZREM', KEYS[1], r)
if redis.call('ZREM', KEYS[2], r) == 1 then
  local p = redis.call('HGET', KEYS[4], r)
  if p then
    if redis.call('HINCRBY', KEYS[6], p, -1) <= 0 then
      redis.call('HDEL', KEYS[6], p)
    end
  end
end
redis.call('HDEL', KEYS[3], r)
redis.call('HDEL', KEYS[4], r)
redis.call('HDEL', KEYS[5], r)
return 1
`)

// publishScript stores a message and makes it ready in one step. With a
// dedup id it first claims the dedup key and returns 0 when the key is
// already held, so a failed publish never leaves the key behind.
//
// KEYS: dedup key, payload hash, partition hash, score hash, ready zset
// ARGV: dedup flag, dedup window ms, receipt, payload, partition, score
var publishScript = redis.NewScript(`
if ARGV[1] == '1' then
  if not redis.call('SET', KEYS[1], 1, 'NX', 'PX', ARGV[2]) then
    return 0
  end
end
redis.call('HSET', KEYS[2], ARGV[3], ARGV[4])
redis.call('HSET', KEYS[3], ARGV[3], ARGV[5])
redis.call('HSET', KEYS[4], ARGV[3], ARGV[6])
redis.call('ZADD', KEYS[5], ARGV[6], ARGV[3])
return 1
`)

const (
	scanFactor         = 20
	defaultDedupWindow = 5 * time.Minute
)

// RedisBroker is a Broker and DeadLetterSink on Redis sorted sets.
//
// Keys under queue:{name}: ready is scored by visible-at ms, inflight by
// visibility deadline ms; payload, partition and score are hashes keyed by
// receipt; busy counts in-flight messages per partition; dlq is a list;
// dedup:{id} guards publishes.
type RedisBroker struct {
	client      *redis.Client
	name        string
	visibility  time.Duration
	dedupWindow time.Duration
	now         func() time.Time
}

// NewRedisBroker creates a broker for the named queue.
func NewRedisBroker(client *redis.Client, name string, visibility, dedupWindow time.Duration) *RedisBroker {
	if dedupWindow <= 0 {
		dedupWindow = defaultDedupWindow
	}
	return &RedisBroker{
		client:      client,
		name:        name,
		visibility:  visibility,
		dedupWindow: dedupWindow,
		now:         time.Now,
	}
}

func (b *RedisBroker) key(part string) string {
	return fmt.Sprintf("queue:%s:%s", b.name, part)
}

func (b *RedisBroker) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	receipt := ulid.Make().String()
	score := b.now().Add(env.Delay).UnixMilli()

	dedup := "0"
	if env.DedupID != "" {
		dedup = "1"
	}
	keys := []string{
		b.key("dedup:" + env.DedupID),
		b.key("payload"),
		b.key("partition"),
		b.key("score"),
		b.key("ready"),
	}
	err = publishScript.Run(ctx, b.client, keys,
		dedup, b.dedupWindow.Milliseconds(), receipt, payload, env.PartitionKey, score).Err()
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (b *RedisBroker) Receive(ctx context.Context, limit int) ([]Delivery, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := b.now()
	keys := []string{b.key("ready"), b.key("inflight"), b.key("partition"), b.key("score"), b.key("busy")}
	receipts, err := claimScript.Run(ctx, b.client, keys,
		now.UnixMilli(), now.Add(b.visibility).UnixMilli(), limit, limit*scanFactor).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	if len(receipts) == 0 {
		return nil, nil
	}

	payloads, err := b.client.HMGet(ctx, b.key("payload"), receipts...).Result()
	if err != nil {
		return nil, fmt.Errorf("receive payloads: %w", err)
	}

	out := make([]Delivery, 0, len(receipts))
	for i, receipt := range receipts {
		raw, ok := payloads[i].(string)
		if !ok {
			// Acked by another consumer after its visibility lapsed.
			_ = b.Ack(ctx, Delivery{Receipt: receipt})
			continue
		}
		var env Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return out, fmt.Errorf("decoding %s: %w", receipt, err)
		}
		out = append(out, Delivery{Envelope: env, Receipt: receipt})
	}
	return out, nil
}

func (b *RedisBroker) Ack(ctx context.Context, d Delivery) error {
	keys := []string{
		b.key("ready"), b.key("inflight"), b.key("payload"),
		b.key("partition"), b.key("score"), b.key("busy"),
	}
	if err := ackScript.Run(ctx, b.client, keys, d.Receipt).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", d.Receipt, err)
	}
	return nil
}

// Depth returns the number of ready and in-flight messages.
func (b *RedisBroker) Depth(ctx context.Context) (ready, inFlight int64, err error) {
	pipe := b.client.Pipeline()
	r := pipe.ZCard(ctx, b.key("ready"))
	f := pipe.ZCard(ctx, b.key("inflight"))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return r.Val(), f.Val(), nil
}

func (b *RedisBroker) PutDeadLetter(ctx context.Context, dl domain.DeadLetter) error {
	raw, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	return b.client.LPush(ctx, b.key("dlq"), raw).Err()
}

// ListDeadLetters returns dead letters newest first.
func (b *RedisBroker) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	raws, err := b.client.LRange(ctx, b.key("dlq"), 0, stop).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]domain.DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var dl domain.DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			return nil, fmt.Errorf("decoding dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, nil
}

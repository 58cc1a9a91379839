package queue

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/soyeahso/tutorchat/internal/domain"
)

// MemoryBroker is an in-process Broker and DeadLetterSink with the same
// visibility and partition semantics as RedisBroker.
type MemoryBroker struct {
	mu          sync.Mutex
	items       []*memoryItem
	seq         uint64
	dedup       map[string]time.Time
	dead        []domain.DeadLetter
	visibility  time.Duration
	dedupWindow time.Duration
	now         func() time.Time
}

type memoryItem struct {
	receipt   string
	seq       uint64
	env       Envelope
	visibleAt time.Time
	deadline  time.Time // zero when not in flight
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker(visibility, dedupWindow time.Duration) *MemoryBroker {
	return &MemoryBroker{
		dedup:       make(map[string]time.Time),
		visibility:  visibility,
		dedupWindow: dedupWindow,
		now:         time.Now,
	}
}

func (b *MemoryBroker) Publish(_ context.Context, env Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()

	for id, exp := range b.dedup {
		if now.After(exp) {
			delete(b.dedup, id)
		}
	}
	if env.DedupID != "" {
		if _, seen := b.dedup[env.DedupID]; seen {
			return nil
		}
		b.dedup[env.DedupID] = now.Add(b.dedupWindow)
	}

	b.seq++
	b.items = append(b.items, &memoryItem{
		receipt:   ulid.Make().String(),
		seq:       b.seq,
		env:       env,
		visibleAt: now.Add(env.Delay),
	})
	return nil
}

func (b *MemoryBroker) Receive(_ context.Context, limit int) ([]Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()

	busy := make(map[string]bool)
	for _, it := range b.items {
		if it.deadline.IsZero() {
			continue
		}
		if now.After(it.deadline) {
			it.deadline = time.Time{}
			continue
		}
		busy[it.env.PartitionKey] = true
	}

	ready := slices.Clone(b.items)
	slices.SortStableFunc(ready, func(a, c *memoryItem) int {
		if n := a.visibleAt.Compare(c.visibleAt); n != 0 {
			return n
		}
		return cmp.Compare(a.seq, c.seq)
	})

	var out []Delivery
	mine := make(map[string]bool)
	for _, it := range ready {
		if len(out) >= limit {
			break
		}
		if !it.deadline.IsZero() || it.visibleAt.After(now) {
			continue
		}
		p := it.env.PartitionKey
		if busy[p] && !mine[p] {
			continue
		}
		mine[p] = true
		busy[p] = true
		it.deadline = now.Add(b.visibility)
		out = append(out, Delivery{Envelope: it.env, Receipt: it.receipt})
	}
	return out, nil
}

func (b *MemoryBroker) Ack(_ context.Context, d Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = slices.DeleteFunc(b.items, func(it *memoryItem) bool {
		return it.receipt == d.Receipt
	})
	return nil
}

// Len returns the number of stored messages, in flight or not.
func (b *MemoryBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *MemoryBroker) PutDeadLetter(_ context.Context, dl domain.DeadLetter) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dead = append(b.dead, dl)
	return nil
}

// ListDeadLetters returns dead letters newest first.
func (b *MemoryBroker) ListDeadLetters(_ context.Context, limit int) ([]domain.DeadLetter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.DeadLetter, 0, len(b.dead))
	for i := len(b.dead) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, b.dead[i])
	}
	return out, nil
}

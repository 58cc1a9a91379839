// Package broadcast fans an event out to many connections. Every push is
// settled independently: one recipient's failure never stops the others.
package broadcast

import (
	"context"
	"errors"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/soyeahso/tutorchat/internal/domain"
	"github.com/soyeahso/tutorchat/internal/logging"
	"github.com/soyeahso/tutorchat/internal/metrics"
	"github.com/soyeahso/tutorchat/internal/protocol"
	"github.com/soyeahso/tutorchat/internal/push"
	"github.com/soyeahso/tutorchat/internal/registry"
)

const defaultFanOut = 64

// Result records what happened to each recipient of a broadcast.
type Result struct {
	Delivered []string
	Failed    []string
	Evicted   []string
}

// Recipients returns the number of connections a push was attempted to.
func (r Result) Recipients() int {
	return len(r.Delivered) + len(r.Failed) + len(r.Evicted)
}

// Broadcaster pushes events and keeps the registry honest about endpoints
// the push channel reports as gone.
type Broadcaster struct {
	reg    registry.Registry
	ch     push.Channel
	log    *logging.Logger
	fanOut int
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithFanOut bounds the number of concurrent pushes per broadcast.
func WithFanOut(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.fanOut = n
		}
	}
}

// New creates a Broadcaster.
func New(reg registry.Registry, ch push.Channel, log *logging.Logger, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		reg:    reg,
		ch:     ch,
		log:    log.Sub("broadcast"),
		fanOut: defaultFanOut,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Send pushes a single event to one connection. A gone endpoint is evicted
// and its error returned so the caller can tell it apart from success.
func (b *Broadcaster) Send(ctx context.Context, connID, event string, payload any) error {
	data, err := protocol.EncodeEvent(event, payload)
	if err != nil {
		return err
	}
	return b.deliver(ctx, connID, data)
}

// ToSession pushes an event to every member of a session except the
// listed connections.
func (b *Broadcaster) ToSession(ctx context.Context, sessionID, event string, payload any, exclude ...string) (Result, error) {
	ids, err := b.reg.ConnectionsForSession(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	ids = slices.DeleteFunc(ids, func(id string) bool {
		return slices.Contains(exclude, id)
	})
	return b.ToConnections(ctx, ids, event, payload)
}

// ToConnections pushes an event to each connection concurrently and waits
// for all of them to settle.
func (b *Broadcaster) ToConnections(ctx context.Context, ids []string, event string, payload any) (Result, error) {
	if len(ids) == 0 {
		return Result{}, nil
	}
	data, err := protocol.EncodeEvent(event, payload)
	if err != nil {
		return Result{}, err
	}

	var (
		mu  sync.Mutex
		res Result
		g   errgroup.Group
	)
	g.SetLimit(b.fanOut)
	for _, id := range ids {
		g.Go(func() error {
			err := b.deliver(ctx, id, data)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Delivered = append(res.Delivered, id)
			case errors.Is(err, push.ErrGone):
				res.Evicted = append(res.Evicted, id)
			default:
				res.Failed = append(res.Failed, id)
			}
			return nil
		})
	}
	_ = g.Wait()

	b.log.Debug().
		Str("event", event).
		Int("delivered", len(res.Delivered)).
		Int("failed", len(res.Failed)).
		Int("evicted", len(res.Evicted)).
		Msg("broadcast settled")
	return res, nil
}

// deliver performs one push and applies its side effects on the registry.
func (b *Broadcaster) deliver(ctx context.Context, connID string, data []byte) error {
	err := b.ch.Send(ctx, connID, data)
	switch {
	case err == nil:
		metrics.PushesTotal.WithLabelValues("delivered").Inc()
		return nil
	case errors.Is(err, push.ErrGone):
		metrics.PushesTotal.WithLabelValues("gone").Inc()
		b.evict(ctx, connID)
		return err
	default:
		metrics.PushesTotal.WithLabelValues("failed").Inc()
		b.log.Warn().Err(err).Str("connId", connID).Msg("push failed")
		if serr := b.reg.SetStatus(ctx, connID, domain.StatusStale); serr != nil && !errors.Is(serr, registry.ErrNotFound) {
			b.log.Warn().Err(serr).Str("connId", connID).Msg("marking connection stale failed")
		}
		return err
	}
}

func (b *Broadcaster) evict(ctx context.Context, connID string) {
	if err := b.reg.Remove(ctx, connID); err != nil {
		b.log.Warn().Err(err).Str("connId", connID).Msg("evicting gone connection failed")
		return
	}
	metrics.EvictionsTotal.Inc()
	b.log.Info().Str("connId", connID).Msg("evicted gone connection")
}

// Package processor is the per-message work done by the queue worker:
// load conversation context, generate, filter, deliver and remember.
package processor

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/soyeahso/tutorchat/internal/delivery"
	"github.com/soyeahso/tutorchat/internal/domain"
	"github.com/soyeahso/tutorchat/internal/filter"
	"github.com/soyeahso/tutorchat/internal/generation"
	"github.com/soyeahso/tutorchat/internal/hooks"
	"github.com/soyeahso/tutorchat/internal/logging"
	"github.com/soyeahso/tutorchat/internal/memory"
	"github.com/soyeahso/tutorchat/internal/metrics"
	"github.com/soyeahso/tutorchat/internal/registry"
)

const defaultHistory = 20

// Processor implements queue.Handler.
type Processor struct {
	gen      generation.Generator
	filter   *filter.Filter
	pipeline *delivery.Pipeline
	memory   memory.Store
	reg      registry.Registry
	hooks    *hooks.Manager
	history  int
	log      *logging.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithMemory sets the conversation memory used for context and for
// recording assistant turns.
func WithMemory(m memory.Store) Option {
	return func(p *Processor) { p.memory = m }
}

// WithRegistry lets the processor read the sender connection's metadata
// (subject, grade level) for the filter.
func WithRegistry(r registry.Registry) Option {
	return func(p *Processor) { p.reg = r }
}

// WithHooks emits response_delivered after each delivery.
func WithHooks(m *hooks.Manager) Option {
	return func(p *Processor) { p.hooks = m }
}

// WithHistory sets how many recent turns are passed to the generator.
func WithHistory(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.history = n
		}
	}
}

// New creates a Processor.
func New(gen generation.Generator, f *filter.Filter, pipeline *delivery.Pipeline, log *logging.Logger, opts ...Option) *Processor {
	p := &Processor{
		gen:      gen,
		filter:   f,
		pipeline: pipeline,
		history:  defaultHistory,
		log:      log.Sub("processor"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle processes one queued message. Generation and delivery lookup
// failures are returned so the worker requeues the message; push failures
// to individual recipients are not.
func (p *Processor) Handle(ctx context.Context, msg domain.QueuedMessage) error {
	log := p.log.Message(msg.MessageID, msg.SessionID)

	history := p.recent(ctx, msg)
	md := p.metadata(ctx, msg.ConnectionID)

	res, err := p.gen.Generate(ctx, generation.Request{
		SessionID: msg.SessionID,
		UserID:    msg.UserID,
		Content:   msg.Content,
		Context:   history,
		Subject:   md["subject"],
	})
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}

	processed := domain.ProcessedMessage{
		MessageID:        msg.MessageID,
		SessionID:        msg.SessionID,
		UserID:           msg.UserID,
		ConnectionID:     msg.ConnectionID,
		GeneratedContent: res.Content,
		Confidence:       res.Confidence,
		ProcessingTime:   res.ProcessingTime,
		Sources:          res.Sources,
		Metadata:         md,
	}
	filtered := p.filter.Apply(processed, filter.ContextFromMetadata(md))
	for _, reason := range filtered.FilterReasons {
		metrics.FilterReasonsTotal.WithLabelValues(reason).Inc()
	}
	if filtered.WasFiltered {
		log.Info().Strs("reasons", filtered.FilterReasons).Float64("confidence", filtered.Confidence).Msg("response filtered")
	}

	rep, err := p.pipeline.Deliver(ctx, []delivery.Item{{Processed: processed, Response: filtered}})
	if err != nil {
		return fmt.Errorf("deliver: %w", err)
	}

	if p.memory != nil {
		turn := domain.Turn{
			SessionID: msg.SessionID,
			UserID:    msg.UserID,
			MessageID: msg.MessageID,
			Role:      domain.RoleAssistant,
			Content:   filtered.Content,
			Timestamp: msg.Timestamp,
		}
		if err := p.memory.Append(ctx, turn); err != nil {
			log.Warn().Err(err).Msg("storing assistant turn failed")
		}
	}

	p.hooks.EmitAsync(ctx, hooks.EventResponseDelivered, map[string]any{
		"messageId":   msg.MessageID,
		"sessionId":   msg.SessionID,
		"userId":      msg.UserID,
		"delivered":   rep.Delivered,
		"wasFiltered": filtered.WasFiltered,
		"confidence":  filtered.Confidence,
	})

	log.Debug().
		Int("delivered", rep.Delivered).
		Int("failed", rep.Failed).
		Int("evicted", rep.Evicted).
		Dur("generation", res.ProcessingTime).
		Msg("message processed")
	return nil
}

// recent loads prior turns, dropping the message's own user turn which
// the router already appended.
func (p *Processor) recent(ctx context.Context, msg domain.QueuedMessage) []domain.Turn {
	if p.memory == nil {
		return nil
	}
	turns, err := p.memory.Recent(ctx, msg.SessionID, p.history+1)
	if err != nil {
		p.log.Warn().Err(err).Str("sessionId", msg.SessionID).Msg("loading conversation context failed")
		return nil
	}
	out := turns[:0]
	for _, t := range turns {
		if t.MessageID == msg.MessageID && t.Role == domain.RoleUser {
			continue
		}
		out = append(out, t)
	}
	if len(out) > p.history {
		out = out[len(out)-p.history:]
	}
	return out
}

func (p *Processor) metadata(ctx context.Context, connID string) map[string]string {
	if p.reg == nil || connID == "" {
		return nil
	}
	c, err := p.reg.Get(ctx, connID)
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			p.log.Debug().Err(err).Str("connId", connID).Msg("sender lookup failed")
		}
		return nil
	}
	return maps.Clone(c.Metadata)
}

// Package queue decouples message ingestion from AI processing. Messages
// are published to a Broker partitioned by session, retried with
// exponential backoff on failure and moved to a dead-letter sink once the
// retry budget is spent.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/soyeahso/tutorchat/internal/domain"
	"github.com/soyeahso/tutorchat/internal/hooks"
	"github.com/soyeahso/tutorchat/internal/logging"
	"github.com/soyeahso/tutorchat/internal/metrics"
)

// Envelope is a message plus its broker routing attributes.
type Envelope struct {
	Message      domain.QueuedMessage `json:"message"`
	PartitionKey string               `json:"partitionKey"`
	DedupID      string               `json:"dedupId"`
	Delay        time.Duration        `json:"delay,omitempty"`
}

// Delivery is an envelope handed to a consumer. It stays invisible to
// other consumers until acked or until its visibility timeout lapses.
type Delivery struct {
	Envelope
	Receipt string
}

// Broker is an at-least-once message broker with partition keys,
// publish deduplication and delayed visibility.
type Broker interface {
	// Publish stores an envelope. A DedupID already seen within the
	// broker's dedup window is accepted and dropped.
	Publish(ctx context.Context, env Envelope) error
	// Receive claims up to limit visible messages. While a partition has a
	// message in flight its other messages are only handed to the same
	// Receive call.
	Receive(ctx context.Context, limit int) ([]Delivery, error)
	// Ack removes a delivered message for good.
	Ack(ctx context.Context, d Delivery) error
}

// DeadLetterSink is terminal storage for messages that exhausted their
// retry budget. Nothing reads from it automatically.
type DeadLetterSink interface {
	PutDeadLetter(ctx context.Context, dl domain.DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error)
}

// Options holds the retry policy.
type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultOptions returns three retries backing off from 10s to at most 300s.
func DefaultOptions() Options {
	return Options{
		MaxRetries: 3,
		BaseDelay:  10 * time.Second,
		MaxDelay:   300 * time.Second,
	}
}

// Backoff returns min(MaxDelay, 2^attempt * BaseDelay).
func (o Options) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := o.BaseDelay
	for range attempt {
		d *= 2
		if d >= o.MaxDelay || d <= 0 {
			return o.MaxDelay
		}
	}
	return min(d, o.MaxDelay)
}

// Queue publishes chat messages for processing and owns the retry path.
type Queue struct {
	broker Broker
	dlq    DeadLetterSink
	opts   Options
	hooks  *hooks.Manager
	log    *logging.Logger
	now    func() time.Time
}

// New creates a Queue.
func New(broker Broker, dlq DeadLetterSink, opts Options, log *logging.Logger) *Queue {
	return &Queue{
		broker: broker,
		dlq:    dlq,
		opts:   opts,
		log:    log.Sub("queue"),
		now:    time.Now,
	}
}

// SetHooks emits message_dead_lettered for every dead-lettered message.
func (q *Queue) SetHooks(m *hooks.Manager) { q.hooks = m }

// Options returns the queue's retry policy.
func (q *Queue) Options() Options { return q.opts }

// Enqueue publishes a new message partitioned by its session and
// deduplicated by its message id.
func (q *Queue) Enqueue(ctx context.Context, msg domain.QueuedMessage) error {
	env := Envelope{
		Message:      msg,
		PartitionKey: msg.SessionID,
		DedupID:      msg.MessageID,
	}
	if err := q.broker.Publish(ctx, env); err != nil {
		return fmt.Errorf("enqueue %s: %w", msg.MessageID, err)
	}
	metrics.EnqueuedTotal.Inc()
	q.log.Debug().
		Str("messageId", msg.MessageID).
		Str("sessionId", msg.SessionID).
		Msg("message enqueued")
	return nil
}

// Requeue records a processing failure. Within the retry budget the message
// is republished with an exponential visibility delay; past it the message
// is dead-lettered.
func (q *Queue) Requeue(ctx context.Context, msg domain.QueuedMessage, reason string) error {
	next := msg.RetryCount + 1
	if next > q.opts.MaxRetries {
		return q.SendToDeadLetter(ctx, msg, reason)
	}

	retry := msg
	retry.RetryCount = next
	retry.LastError = reason
	delay := q.opts.Backoff(next)

	env := Envelope{
		Message:      retry,
		PartitionKey: msg.SessionID,
		DedupID:      fmt.Sprintf("%s:%d", msg.MessageID, next),
		Delay:        delay,
	}
	if err := q.broker.Publish(ctx, env); err != nil {
		return fmt.Errorf("requeue %s: %w", msg.MessageID, err)
	}
	metrics.RequeuedTotal.Inc()
	q.log.Warn().
		Str("messageId", msg.MessageID).
		Str("sessionId", msg.SessionID).
		Int("retryCount", next).
		Dur("delay", delay).
		Str("reason", reason).
		Msg("message requeued")
	return nil
}

// SendToDeadLetter moves a message to the dead-letter sink.
func (q *Queue) SendToDeadLetter(ctx context.Context, msg domain.QueuedMessage, reason string) error {
	msg.LastError = reason
	dl := domain.DeadLetter{
		Message:         msg,
		FailureReason:   reason,
		FailedAt:        q.now().UTC(),
		FinalRetryCount: msg.RetryCount,
	}
	if err := q.dlq.PutDeadLetter(ctx, dl); err != nil {
		return fmt.Errorf("dead-letter %s: %w", msg.MessageID, err)
	}
	metrics.DeadLetteredTotal.Inc()
	q.log.Error().
		Str("messageId", msg.MessageID).
		Str("sessionId", msg.SessionID).
		Int("finalRetryCount", msg.RetryCount).
		Str("reason", reason).
		Msg("message dead-lettered")
	q.hooks.Emit(ctx, hooks.EventMessageDeadLettered, map[string]any{
		"messageId":       msg.MessageID,
		"sessionId":       msg.SessionID,
		"userId":          msg.UserID,
		"reason":          reason,
		"finalRetryCount": msg.RetryCount,
	})
	return nil
}

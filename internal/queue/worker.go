package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/soyeahso/tutorchat/internal/domain"
	"github.com/soyeahso/tutorchat/internal/logging"
	"github.com/soyeahso/tutorchat/internal/metrics"
)

// Handler processes one message. A returned error (or a panic) sends the
// message down the retry path.
type Handler interface {
	Handle(ctx context.Context, msg domain.QueuedMessage) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg domain.QueuedMessage) error

func (f HandlerFunc) Handle(ctx context.Context, msg domain.QueuedMessage) error {
	return f(ctx, msg)
}

// WorkerConfig tunes the consumer loop.
type WorkerConfig struct {
	BatchSize    int
	Concurrency  int
	PollInterval time.Duration
}

// Worker is the consumer boundary of the queue. It receives batches,
// processes each session partition in order and never lets one message's
// failure abort the batch.
type Worker struct {
	broker  Broker
	queue   *Queue
	handler Handler
	dedup   Deduper
	cfg     WorkerConfig
	log     *logging.Logger
}

// NewWorker creates a Worker. A nil deduper disables duplicate detection.
func NewWorker(broker Broker, q *Queue, handler Handler, dedup Deduper, cfg WorkerConfig, log *logging.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Worker{
		broker:  broker,
		queue:   q,
		handler: handler,
		dedup:   dedup,
		cfg:     cfg,
		log:     log.Sub("worker"),
	}
}

// Run polls the broker until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().
		Int("batchSize", w.cfg.BatchSize).
		Int("concurrency", w.cfg.Concurrency).
		Msg("worker started")

	for {
		n, err := w.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.log.Error().Err(err).Msg("receive failed")
		}
		if ctx.Err() != nil {
			w.log.Info().Msg("worker stopped")
			return nil
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			w.log.Info().Msg("worker stopped")
			return nil
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// RunOnce receives and processes a single batch, returning its size.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	batch, err := w.broker.Receive(ctx, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	for _, part := range partition(batch) {
		g.Go(func() error {
			for _, d := range part {
				w.process(ctx, d)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(batch), nil
}

// partition groups deliveries by partition key, keeping receive order
// within each group and first-seen order across groups.
func partition(batch []Delivery) [][]Delivery {
	index := make(map[string]int)
	var parts [][]Delivery
	for _, d := range batch {
		i, ok := index[d.PartitionKey]
		if !ok {
			i = len(parts)
			index[d.PartitionKey] = i
			parts = append(parts, nil)
		}
		parts[i] = append(parts[i], d)
	}
	return parts
}

func (w *Worker) process(ctx context.Context, d Delivery) {
	msg := d.Message
	log := w.log.Message(msg.MessageID, msg.SessionID)
	start := time.Now()

	if w.dedup != nil {
		seen, err := w.dedup.Seen(ctx, msg.MessageID)
		if err != nil {
			log.Warn().Err(err).Msg("dedup check failed")
		}
		if seen {
			metrics.ProcessedTotal.WithLabelValues("duplicate").Inc()
			log.Debug().Msg("duplicate delivery skipped")
			w.ack(ctx, d, log)
			return
		}
	}

	if err := w.handle(ctx, msg); err != nil {
		metrics.ProcessedTotal.WithLabelValues("failed").Inc()
		log.Warn().Err(err).Int("retryCount", msg.RetryCount).Msg("processing failed")
		if rerr := w.queue.Requeue(ctx, msg, err.Error()); rerr != nil {
			// Leave the delivery unacked so the visibility timeout redelivers it.
			log.Error().Err(rerr).Msg("requeue failed")
			return
		}
		w.ack(ctx, d, log)
		return
	}

	if w.dedup != nil {
		if err := w.dedup.Mark(ctx, msg.MessageID); err != nil {
			log.Warn().Err(err).Msg("marking processed failed")
		}
	}
	metrics.ProcessedTotal.WithLabelValues("ok").Inc()
	metrics.ProcessingDuration.Observe(time.Since(start).Seconds())
	w.ack(ctx, d, log)
}

// handle runs the handler, converting a panic into an error.
func (w *Worker) handle(ctx context.Context, msg domain.QueuedMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().
				Str("messageId", msg.MessageID).
				Str("stack", string(debug.Stack())).
				Msgf("handler panic: %v", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler.Handle(ctx, msg)
}

func (w *Worker) ack(ctx context.Context, d Delivery, log *logging.Logger) {
	if err := w.broker.Ack(ctx, d); err != nil {
		log.Warn().Err(err).Msg("ack failed")
	}
}

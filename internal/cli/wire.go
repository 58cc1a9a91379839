package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/soyeahso/tutorchat/internal/broadcast"
	"github.com/soyeahso/tutorchat/internal/config"
	"github.com/soyeahso/tutorchat/internal/delivery"
	"github.com/soyeahso/tutorchat/internal/filter"
	"github.com/soyeahso/tutorchat/internal/generation"
	"github.com/soyeahso/tutorchat/internal/hooks"
	"github.com/soyeahso/tutorchat/internal/llm"
	"github.com/soyeahso/tutorchat/internal/logging"
	"github.com/soyeahso/tutorchat/internal/memory"
	"github.com/soyeahso/tutorchat/internal/processor"
	"github.com/soyeahso/tutorchat/internal/push"
	"github.com/soyeahso/tutorchat/internal/queue"
	"github.com/soyeahso/tutorchat/internal/ratelimit"
	"github.com/soyeahso/tutorchat/internal/registry"
	"github.com/soyeahso/tutorchat/internal/store"
)

// services holds the shared collaborators of the gateway and the worker.
type services struct {
	cfg config.Config
	log *logging.Logger

	redis    *redis.Client
	db       *store.DB
	postgres *store.PostgresDeadLetters

	registry registry.Registry
	broker   queue.Broker
	dlq      queue.DeadLetterSink
	queue    *queue.Queue
	memory   memory.Store
	limiter  *ratelimit.Limiter
	hooks    *hooks.Manager
}

// openServices connects the configured backends. The caller must Close the
// result.
func openServices(ctx context.Context, cfg config.Config, log *logging.Logger) (_ *services, err error) {
	s := &services{cfg: cfg, log: log, hooks: hooks.NewManager(log)}
	for _, event := range hooks.AllEvents {
		s.hooks.On(event, "audit", auditHook(log.Sub("audit")))
	}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	if cfg.Store.Backend == "redis" || cfg.Push.Mode == "redis" {
		if cfg.Redis.URL == "" {
			return nil, errors.New("redis.url is required for the redis backend")
		}
		s.redis, err = store.OpenRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("connected to redis")
	}

	if cfg.Store.Memory == "sqlite" || cfg.Queue.DeadLetter == "sqlite" {
		s.db, err = store.Open(ctx, paths.SQLitePath(cfg.Store), log)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
	}

	var counter ratelimit.Counter
	if s.redis != nil && cfg.Store.Backend == "redis" {
		s.registry = registry.NewRedis(s.redis, log)
		s.broker = queue.NewRedisBroker(s.redis, cfg.Queue.Name, cfg.Queue.VisibilityTimeout, cfg.Queue.DedupWindow)
		counter = ratelimit.NewRedisCounter(s.redis)
	} else {
		s.registry = registry.NewMemory()
		s.broker = queue.NewMemoryBroker(cfg.Queue.VisibilityTimeout, cfg.Queue.DedupWindow)
		counter = ratelimit.NewMemoryCounter()
	}
	s.limiter = ratelimit.New(counter, map[string]ratelimit.Rule{
		ratelimit.ScopeMessage:   {Limit: cfg.RateLimit.Messages, Window: cfg.RateLimit.Window},
		ratelimit.ScopeHandshake: {Limit: cfg.RateLimit.HandshakeFailures, Window: cfg.RateLimit.HandshakeWindow},
	})

	switch cfg.Queue.DeadLetter {
	case "sqlite":
		s.dlq = store.NewDeadLetterStore(s.db)
	case "postgres":
		if cfg.Store.PostgresURL == "" {
			return nil, errors.New("store.postgresUrl is required for the postgres dead letter sink")
		}
		s.postgres, err = store.NewPostgresDeadLetters(ctx, cfg.Store.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		s.dlq = s.postgres
	default:
		sink, ok := s.broker.(queue.DeadLetterSink)
		if !ok {
			return nil, fmt.Errorf("broker %T cannot store dead letters", s.broker)
		}
		s.dlq = sink
	}

	if s.db != nil && cfg.Store.Memory == "sqlite" {
		s.memory = store.NewTurnStore(s.db)
	} else {
		s.memory = memory.NewInMemory()
	}

	s.queue = queue.New(s.broker, s.dlq, queue.Options{
		MaxRetries: cfg.Queue.MaxRetries,
		BaseDelay:  cfg.Queue.BaseDelay,
		MaxDelay:   cfg.Queue.MaxDelay,
	}, log)
	s.queue.SetHooks(s.hooks)

	log.Info().
		Str("backend", cfg.Store.Backend).
		Str("memory", cfg.Store.Memory).
		Str("deadLetter", cfg.Queue.DeadLetter).
		Str("push", cfg.Push.Mode).
		Msg("services ready")
	return s, nil
}

// pushChannel returns the channel the broadcaster writes to. local serves
// sockets held by this process and is used unless pushes go through Redis.
func (s *services) pushChannel(local push.Channel) (push.Channel, error) {
	if s.cfg.Push.Mode == "redis" {
		return push.NewRedis(s.redis), nil
	}
	if local == nil {
		return nil, errors.New("push.mode redis is required when the worker runs without a gateway")
	}
	return local, nil
}

// newWorker builds the queue consumer that generates, filters and delivers
// responses.
func (s *services) newWorker(ch push.Channel) *queue.Worker {
	var client llm.Client
	switch s.cfg.Generation.Provider {
	case "mock":
		client = &llm.MockClient{}
	default:
		client = llm.NewOllamaClient(s.cfg.Generation.Endpoint, s.cfg.Generation.Model, s.cfg.Generation.Timeout)
	}
	gen := generation.NewLLMGenerator(client,
		generation.WithModel(s.cfg.Generation.Model),
		generation.WithTimeout(s.cfg.Generation.Timeout),
		generation.WithTemperature(s.cfg.Generation.Temperature),
	)

	bc := broadcast.New(s.registry, ch, s.log)
	proc := processor.New(gen, filter.New(), delivery.New(s.registry, bc, s.log), s.log,
		processor.WithMemory(s.memory),
		processor.WithRegistry(s.registry),
		processor.WithHistory(s.cfg.Generation.HistoryTurns),
		processor.WithHooks(s.hooks),
	)

	var dedup queue.Deduper
	if s.redis != nil && s.cfg.Store.Backend == "redis" {
		dedup = queue.NewRedisDeduper(s.redis, s.cfg.Queue.DedupWindow)
	} else {
		dedup = queue.NewMemoryDeduper(s.cfg.Queue.DedupWindow)
	}

	s.log.Info().
		Str("provider", client.Name()).
		Str("model", s.cfg.Generation.Model).
		Int("concurrency", s.cfg.Queue.Concurrency).
		Msg("worker configured")

	return queue.NewWorker(s.broker, s.queue, proc, dedup, queue.WorkerConfig{
		BatchSize:    s.cfg.Queue.BatchSize,
		Concurrency:  s.cfg.Queue.Concurrency,
		PollInterval: s.cfg.Queue.PollInterval,
	}, s.log)
}

// auditHook records lifecycle events as structured log lines.
func auditHook(log *logging.Logger) hooks.Handler {
	return func(_ context.Context, p hooks.Payload) error {
		log.Info().Fields(p.Data).Str("event", p.Event).Msg("lifecycle event")
		return nil
	}
}

// Close releases every backend that was opened.
func (s *services) Close() {
	if s.postgres != nil {
		s.postgres.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	if s.redis != nil {
		s.redis.Close()
	}
}

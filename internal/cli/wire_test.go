package cli

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/tutorchat/internal/config"
	"github.com/soyeahso/tutorchat/internal/domain"
	"github.com/soyeahso/tutorchat/internal/hooks"
	"github.com/soyeahso/tutorchat/internal/logging"
	"github.com/soyeahso/tutorchat/internal/memory"
	"github.com/soyeahso/tutorchat/internal/protocol"
	"github.com/soyeahso/tutorchat/internal/push"
	"github.com/soyeahso/tutorchat/internal/push/pushtest"
	"github.com/soyeahso/tutorchat/internal/queue"
	"github.com/soyeahso/tutorchat/internal/registry"
	"github.com/soyeahso/tutorchat/internal/store"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "tutorchat.db")
	cfg.Generation.Provider = "mock"
	return cfg
}

func TestOpenServicesMemory(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Memory = "memory"

	svc, err := openServices(context.Background(), cfg, logging.Nop())
	require.NoError(t, err)
	defer svc.Close()

	assert.IsType(t, &registry.Memory{}, svc.registry)
	assert.IsType(t, &queue.MemoryBroker{}, svc.broker)
	assert.Same(t, svc.broker, svc.dlq)
	assert.IsType(t, &memory.InMemory{}, svc.memory)
	assert.Nil(t, svc.db)
	assert.Nil(t, svc.redis)
	for _, event := range hooks.AllEvents {
		assert.Equal(t, 1, svc.hooks.Count(event), event)
	}
}

func TestOpenServicesSQLite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Queue.DeadLetter = "sqlite"

	svc, err := openServices(context.Background(), cfg, logging.Nop())
	require.NoError(t, err)
	defer svc.Close()

	require.NotNil(t, svc.db)
	assert.IsType(t, &store.TurnStore{}, svc.memory)
	assert.IsType(t, &store.DeadLetterStore{}, svc.dlq)
}

func TestOpenServicesRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Store.Backend = "redis"
	cfg.Push.Mode = "redis"
	cfg.Redis.URL = "redis://" + mr.Addr()

	svc, err := openServices(context.Background(), cfg, logging.Nop())
	require.NoError(t, err)
	defer svc.Close()

	assert.IsType(t, &registry.Redis{}, svc.registry)
	assert.IsType(t, &queue.RedisBroker{}, svc.broker)

	ch, err := svc.pushChannel(nil)
	require.NoError(t, err)
	assert.IsType(t, &push.Redis{}, ch)
}

func TestOpenServicesRequiresRedisURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Backend = "redis"

	_, err := openServices(context.Background(), cfg, logging.Nop())
	assert.ErrorContains(t, err, "redis.url")
}

func TestPushChannelLocal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Memory = "memory"
	svc, err := openServices(context.Background(), cfg, logging.Nop())
	require.NoError(t, err)
	defer svc.Close()

	_, err = svc.pushChannel(nil)
	assert.Error(t, err, "a standalone worker has no local sockets")

	rec := pushtest.NewRecorder()
	ch, err := svc.pushChannel(rec)
	require.NoError(t, err)
	assert.Same(t, rec, ch)
}

func TestWorkerAnswersQueuedMessage(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	svc, err := openServices(ctx, cfg, logging.Nop())
	require.NoError(t, err)
	defer svc.Close()

	now := time.Now()
	require.NoError(t, svc.registry.Put(ctx, domain.Connection{
		ConnectionID: "A",
		UserID:       "alice",
		SessionID:    "S1",
		ConnectedAt:  now,
		LastActivity: now,
		Status:       domain.StatusConnected,
	}))
	require.NoError(t, svc.queue.Enqueue(ctx, domain.QueuedMessage{
		MessageID:    "m1",
		SessionID:    "S1",
		UserID:       "alice",
		ConnectionID: "A",
		Content:      "what is a fraction?",
		Timestamp:    now,
	}))

	rec := pushtest.NewRecorder()
	worker := svc.newWorker(rec)
	n, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var ev protocol.MessageEvent
	require.True(t, rec.Last("A", protocol.EventMessage, &ev))
	assert.Equal(t, domain.RoleAssistant, ev.Role)
	assert.Contains(t, ev.Content, "fraction")

	turns, err := svc.memory.Recent(ctx, "S1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, domain.RoleAssistant, turns[0].Role)
}

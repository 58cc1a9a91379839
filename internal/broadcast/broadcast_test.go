package broadcast

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/tutorchat/internal/domain"
	"github.com/soyeahso/tutorchat/internal/logging"
	"github.com/soyeahso/tutorchat/internal/protocol"
	"github.com/soyeahso/tutorchat/internal/push"
	"github.com/soyeahso/tutorchat/internal/push/pushtest"
	"github.com/soyeahso/tutorchat/internal/registry"
)

func seed(t *testing.T, reg registry.Registry, session string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, reg.Put(context.Background(), domain.Connection{
			ConnectionID: id,
			UserID:       "user-" + id,
			SessionID:    session,
			ConnectedAt:  time.Now(),
			LastActivity: time.Now(),
			Status:       domain.StatusConnected,
		}))
	}
}

func TestToSessionPartialFailure(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	ch := pushtest.NewRecorder()
	ch.Fail("c2", errors.New("write: broken pipe"))
	seed(t, reg, "S1", "c1", "c2", "c3")

	b := New(reg, ch, logging.Nop())
	res, err := b.ToSession(ctx, "S1", protocol.EventMessage, map[string]string{"content": "hi"})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"c1", "c3"}, res.Delivered)
	assert.Equal(t, []string{"c2"}, res.Failed)
	assert.Empty(t, res.Evicted)
	assert.Equal(t, 3, res.Recipients())

	assert.Equal(t, []string{protocol.EventMessage}, ch.Events("c1"))
	assert.Equal(t, []string{protocol.EventMessage}, ch.Events("c3"))

	c2, err := reg.Get(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStale, c2.Status)
}

func TestToSessionEvictsGone(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	ch := pushtest.NewRecorder()
	ch.Fail("c2", push.ErrGone)
	seed(t, reg, "S1", "c1", "c2")

	b := New(reg, ch, logging.Nop())
	res, err := b.ToSession(ctx, "S1", protocol.EventTyping, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, res.Delivered)
	assert.Equal(t, []string{"c2"}, res.Evicted)

	_, err = reg.Get(ctx, "c2")
	assert.ErrorIs(t, err, registry.ErrNotFound)
	ids, _ := reg.ConnectionsForSession(ctx, "S1")
	assert.Equal(t, []string{"c1"}, ids)
}

func TestToSessionExclude(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	ch := pushtest.NewRecorder()
	seed(t, reg, "S1", "a", "b")

	b := New(reg, ch, logging.Nop(), WithFanOut(1))
	res, err := b.ToSession(ctx, "S1", protocol.EventUserJoined, nil, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, res.Delivered)
	assert.Empty(t, ch.Events("a"))
}

func TestToSessionEmpty(t *testing.T) {
	b := New(registry.NewMemory(), pushtest.NewRecorder(), logging.Nop())
	res, err := b.ToSession(context.Background(), "nobody", protocol.EventMessage, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Recipients())
}

func TestSendEvictsGone(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemory()
	ch := pushtest.NewRecorder()
	ch.Fail("c1", push.ErrGone)
	seed(t, reg, "", "c1")

	b := New(reg, ch, logging.Nop())
	err := b.Send(ctx, "c1", protocol.EventConnected, nil)
	assert.ErrorIs(t, err, push.ErrGone)

	_, err = reg.Get(ctx, "c1")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestSendTransientFailureOnUnknownConnection(t *testing.T) {
	ch := pushtest.NewRecorder()
	ch.Fail("ghost", errors.New("timeout"))

	b := New(registry.NewMemory(), ch, logging.Nop())
	err := b.Send(context.Background(), "ghost", protocol.EventError, nil)
	assert.EqualError(t, err, "timeout")
}

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/tutorchat/internal/domain"
)

// brokerFixture abstracts over both brokers so the same scenarios run on each.
type brokerFixture struct {
	broker  Broker
	dlq     DeadLetterSink
	advance func(d time.Duration)
}

func env(id, session string, delay time.Duration) Envelope {
	return Envelope{
		Message:      domain.QueuedMessage{MessageID: id, SessionID: session},
		PartitionKey: session,
		DedupID:      id,
		Delay:        delay,
	}
}

func ids(ds []Delivery) []string {
	var out []string
	for _, d := range ds {
		out = append(out, d.Message.MessageID)
	}
	return out
}

func newMemoryFixture(t *testing.T) brokerFixture {
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b := NewMemoryBroker(30*time.Second, 5*time.Minute)
	b.now = func() time.Time { return clock }
	return brokerFixture{broker: b, dlq: b, advance: func(d time.Duration) { clock = clock.Add(d) }}
}

func runBrokerSuite(t *testing.T, newFixture func(t *testing.T) brokerFixture) {
	t.Run("publish order", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		require.NoError(t, f.broker.Publish(ctx, env("m1", "A", 0)))
		f.advance(time.Millisecond)
		require.NoError(t, f.broker.Publish(ctx, env("m2", "B", 0)))
		f.advance(time.Millisecond)
		require.NoError(t, f.broker.Publish(ctx, env("m3", "A", 0)))

		got, err := f.broker.Receive(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"m1", "m2", "m3"}, ids(got))
	})

	t.Run("dedup drops repeated publish", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		require.NoError(t, f.broker.Publish(ctx, env("m1", "A", 0)))
		require.NoError(t, f.broker.Publish(ctx, env("m1", "A", 0)))

		got, err := f.broker.Receive(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"m1"}, ids(got))
	})

	t.Run("delay hides message", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		require.NoError(t, f.broker.Publish(ctx, env("m1", "A", 20*time.Second)))

		got, err := f.broker.Receive(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, got)

		f.advance(21 * time.Second)
		got, err = f.broker.Receive(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"m1"}, ids(got))
	})

	t.Run("unacked message redelivered after visibility timeout", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		require.NoError(t, f.broker.Publish(ctx, env("m1", "A", 0)))

		first, err := f.broker.Receive(ctx, 10)
		require.NoError(t, err)
		require.Len(t, first, 1)

		again, err := f.broker.Receive(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, again, "in flight")

		f.advance(31 * time.Second)
		again, err = f.broker.Receive(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"m1"}, ids(again))
	})

	t.Run("ack removes message", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		require.NoError(t, f.broker.Publish(ctx, env("m1", "A", 0)))
		got, err := f.broker.Receive(ctx, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.NoError(t, f.broker.Ack(ctx, got[0]))

		f.advance(time.Minute)
		got, err = f.broker.Receive(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("busy partition is held back", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		require.NoError(t, f.broker.Publish(ctx, env("m1", "A", 0)))
		first, err := f.broker.Receive(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, []string{"m1"}, ids(first))

		f.advance(time.Millisecond)
		require.NoError(t, f.broker.Publish(ctx, env("m2", "A", 0)))
		require.NoError(t, f.broker.Publish(ctx, env("m3", "B", 0)))

		got, err := f.broker.Receive(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"m3"}, ids(got), "partition A has m1 in flight")

		require.NoError(t, f.broker.Ack(ctx, first[0]))
		got, err = f.broker.Receive(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"m2"}, ids(got))
	})

	t.Run("receive limit", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		for _, id := range []string{"m1", "m2", "m3"} {
			require.NoError(t, f.broker.Publish(ctx, env(id, id, 0)))
			f.advance(time.Millisecond)
		}
		got, err := f.broker.Receive(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"m1", "m2"}, ids(got))
	})

	t.Run("dead letters newest first", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		for _, id := range []string{"d1", "d2", "d3"} {
			require.NoError(t, f.dlq.PutDeadLetter(ctx, domain.DeadLetter{
				Message:         domain.QueuedMessage{MessageID: id},
				FailureReason:   "boom",
				FinalRetryCount: 3,
			}))
		}
		got, err := f.dlq.ListDeadLetters(ctx, 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "d3", got[0].Message.MessageID)
		assert.Equal(t, "d2", got[1].Message.MessageID)
	})
}

func TestMemoryBroker(t *testing.T) {
	runBrokerSuite(t, newMemoryFixture)
}

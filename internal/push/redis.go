package push

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/soyeahso/tutorchat/internal/logging"
)

// ChannelName is the Redis pub/sub channel for one connection.
func ChannelName(connID string) string {
	return fmt.Sprintf("push:%s", connID)
}

// Redis publishes frames to the per-connection channel. A connection is
// subscribed by the Relay of whichever gateway instance holds its socket,
// so zero receivers means nobody holds it any more.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Redis-backed push channel.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Send(ctx context.Context, connID string, payload []byte) error {
	n, err := r.client.Publish(ctx, ChannelName(connID), payload).Result()
	if err != nil {
		return fmt.Errorf("push publish %s: %w", connID, err)
	}
	if n == 0 {
		return ErrGone
	}
	return nil
}

// Relay forwards Redis pushes to sockets held by this process. Each local
// connection is subscribed while it is attached.
type Relay struct {
	pubsub *redis.PubSub
	local  Channel
	log    *logging.Logger

	mu       sync.Mutex
	attached map[string]struct{}
}

// NewRelay opens a pub/sub connection that forwards into local.
func NewRelay(ctx context.Context, client *redis.Client, local Channel, log *logging.Logger) *Relay {
	return &Relay{
		pubsub:   client.Subscribe(ctx),
		local:    local,
		log:      log.Sub("relay"),
		attached: make(map[string]struct{}),
	}
}

// Attach subscribes to pushes for a local connection.
func (r *Relay) Attach(ctx context.Context, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.attached[connID]; ok {
		return nil
	}
	if err := r.pubsub.Subscribe(ctx, ChannelName(connID)); err != nil {
		return fmt.Errorf("relay attach %s: %w", connID, err)
	}
	r.attached[connID] = struct{}{}
	return nil
}

// Detach stops receiving pushes for a connection. After this, publishers
// see zero receivers and treat the connection as gone.
func (r *Relay) Detach(ctx context.Context, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.attached[connID]; !ok {
		return nil
	}
	delete(r.attached, connID)
	if err := r.pubsub.Unsubscribe(ctx, ChannelName(connID)); err != nil {
		return fmt.Errorf("relay detach %s: %w", connID, err)
	}
	return nil
}

// Run forwards messages until ctx is cancelled or the pub/sub is closed.
func (r *Relay) Run(ctx context.Context) error {
	ch := r.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return r.pubsub.Close()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			connID, found := connIDFromChannel(msg.Channel)
			if !found {
				continue
			}
			if err := r.local.Send(ctx, connID, []byte(msg.Payload)); err != nil {
				r.log.Debug().Err(err).Str("connId", connID).Msg("relay delivery failed")
			}
		}
	}
}

// Close releases the pub/sub connection.
func (r *Relay) Close() error {
	return r.pubsub.Close()
}

func connIDFromChannel(name string) (string, bool) {
	id, ok := strings.CutPrefix(name, "push:")
	return id, ok && id != ""
}

// Package push delivers serialized frames to individual live connections.
package push

import (
	"context"
	"errors"
)

// ErrGone reports that the target connection no longer exists. Callers
// evict the connection from the registry when they see it; any other error
// is a transient transport failure.
var ErrGone = errors.New("push: endpoint gone")

// Channel sends bytes to one live connection.
type Channel interface {
	Send(ctx context.Context, connID string, payload []byte) error
}

// Func adapts a function to the Channel interface.
type Func func(ctx context.Context, connID string, payload []byte) error

func (f Func) Send(ctx context.Context, connID string, payload []byte) error {
	return f(ctx, connID, payload)
}

// Package registry tracks live connections and their session and user
// membership. It is the only owner of connection records; everything else
// reads and mutates them through the Registry interface.
package registry

import (
	"context"
	"errors"

	"github.com/soyeahso/tutorchat/internal/domain"
)

// ErrNotFound is returned when a connection record does not exist.
var ErrNotFound = errors.New("registry: connection not found")

// Registry stores connection records and maintains the derived session and
// user indexes. Every mutation is atomic for a single connection record.
type Registry interface {
	// Put creates or overwrites a record and re-indexes its memberships.
	Put(ctx context.Context, c domain.Connection) error
	// PutIfAbsent creates the record only when the id is unused.
	PutIfAbsent(ctx context.Context, c domain.Connection) (bool, error)
	Get(ctx context.Context, connID string) (domain.Connection, error)
	// Remove deletes the record and every index entry. Absent ids are a no-op.
	Remove(ctx context.Context, connID string) error
	// Touch records activity and resets the status to connected.
	Touch(ctx context.Context, connID string) error
	SetStatus(ctx context.Context, connID string, status domain.ConnectionStatus) error
	// SetSession moves the connection to sessionID ("" clears membership)
	// and returns the session it was previously in.
	SetSession(ctx context.Context, connID, sessionID string) (string, error)
	ConnectionsForSession(ctx context.Context, sessionID string) ([]string, error)
	ConnectionsForUser(ctx context.Context, userID string) ([]string, error)
}

// PresenceOf derives a user's presence from their live connections.
func PresenceOf(ctx context.Context, r Registry, userID string) (domain.Presence, error) {
	ids, err := r.ConnectionsForUser(ctx, userID)
	if err != nil {
		return domain.PresenceOffline, err
	}
	return domain.PresenceFor(len(ids)), nil
}

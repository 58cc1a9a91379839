// Package domain holds the data types shared by the chat core: connections,
// queued and processed messages, filtered responses and conversation turns.
package domain

import "time"

// ConnectionStatus reports whether a connection is believed to be reachable.
type ConnectionStatus string

const (
	StatusConnected ConnectionStatus = "connected"
	StatusStale     ConnectionStatus = "stale"
)

// Connection is one realtime client attachment.
type Connection struct {
	ConnectionID string            `json:"connectionId"`
	UserID       string            `json:"userId"`
	SessionID    string            `json:"sessionId,omitempty"` // empty when not in a session
	ConnectedAt  time.Time         `json:"connectedAt"`
	LastActivity time.Time         `json:"lastActivity"`
	Status       ConnectionStatus  `json:"status"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// InSession reports whether the connection currently belongs to a session.
func (c Connection) InSession() bool {
	return c.SessionID != ""
}

// Presence is the derived online/offline status of a user.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
)

// PresenceFor derives presence from a user's active connection count.
func PresenceFor(connections int) Presence {
	if connections > 0 {
		return PresenceOnline
	}
	return PresenceOffline
}

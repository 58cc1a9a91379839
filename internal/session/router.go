// Package session translates client actions into registry mutations,
// session broadcasts and queued work.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/soyeahso/tutorchat/internal/broadcast"
	"github.com/soyeahso/tutorchat/internal/domain"
	"github.com/soyeahso/tutorchat/internal/logging"
	"github.com/soyeahso/tutorchat/internal/memory"
	"github.com/soyeahso/tutorchat/internal/metrics"
	"github.com/soyeahso/tutorchat/internal/protocol"
	"github.com/soyeahso/tutorchat/internal/queue"
	"github.com/soyeahso/tutorchat/internal/ratelimit"
	"github.com/soyeahso/tutorchat/internal/registry"
)

// DefaultMaxMessageBytes bounds send_message content.
const DefaultMaxMessageBytes = 4000

// Router handles client actions. It keeps no per-connection state of its
// own; every call reads and writes the registry.
type Router struct {
	reg      registry.Registry
	bc       *broadcast.Broadcaster
	queue    *queue.Queue
	memory   memory.Store
	limiter  *ratelimit.Limiter
	maxBytes int
	log      *logging.Logger
	now      func() time.Time
	newID    func() string
}

// Option configures a Router.
type Option func(*Router)

// WithMemory records user turns in conversation memory on send.
func WithMemory(m memory.Store) Option {
	return func(r *Router) { r.memory = m }
}

// WithLimiter rate limits send_message per user.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(r *Router) { r.limiter = l }
}

// WithMaxMessageBytes overrides DefaultMaxMessageBytes.
func WithMaxMessageBytes(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.maxBytes = n
		}
	}
}

// New creates a Router.
func New(reg registry.Registry, bc *broadcast.Broadcaster, q *queue.Queue, log *logging.Logger, opts ...Option) *Router {
	r := &Router{
		reg:      reg,
		bc:       bc,
		queue:    q,
		maxBytes: DefaultMaxMessageBytes,
		log:      log.Sub("session"),
		now:      time.Now,
		newID:    func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect registers a connection, confirms it to the client and joins
// sessionID when one is given. Connecting an id that is already registered
// refreshes its activity instead of failing.
func (r *Router) Connect(ctx context.Context, connID, userID, sessionID string, md map[string]string) error {
	if connID == "" || userID == "" {
		return protocolErr(CodeInvalidParams, "connectionId and userId are required")
	}
	now := r.now().UTC()
	created, err := r.reg.PutIfAbsent(ctx, domain.Connection{
		ConnectionID: connID,
		UserID:       userID,
		ConnectedAt:  now,
		LastActivity: now,
		Status:       domain.StatusConnected,
		Metadata:     md,
	})
	if err != nil {
		return fmt.Errorf("registering %s: %w", connID, err)
	}
	if !created {
		existing, err := r.reg.Get(ctx, connID)
		if err != nil {
			return fmt.Errorf("refreshing %s: %w", connID, err)
		}
		if existing.UserID != userID {
			return protocolErr(CodeInvalidParams, "connection id belongs to another user")
		}
		if err := r.reg.Touch(ctx, connID); err != nil {
			return fmt.Errorf("refreshing %s: %w", connID, err)
		}
	}

	log := r.log.Conn(connID, userID)
	if ids, err := r.reg.ConnectionsForUser(ctx, userID); err != nil {
		log.Warn().Err(err).Msg("presence lookup failed")
	} else if created && len(ids) == 1 {
		log.Info().Msg("user online")
	}

	r.push(ctx, connID, protocol.EventConnected, protocol.ConnectedEvent{
		ConnectionID: connID,
		UserID:       userID,
		SessionID:    sessionID,
	})
	log.Debug().Bool("new", created).Msg("connected")

	if sessionID != "" {
		return r.JoinSession(ctx, connID, sessionID)
	}
	return nil
}

// JoinSession moves a connection into sessionID. Joining while in another
// session leaves that one first.
func (r *Router) JoinSession(ctx context.Context, connID, sessionID string) error {
	if sessionID == "" {
		return protocolErr(CodeInvalidParams, "sessionId is required")
	}
	c, err := r.resolve(ctx, connID)
	if err != nil {
		return err
	}
	prev, err := r.reg.SetSession(ctx, connID, sessionID)
	if err != nil {
		return r.mutationErr(connID, err)
	}

	now := r.now().UTC()
	if prev != "" && prev != sessionID {
		r.broadcast(ctx, prev, protocol.EventUserLeft, r.membership(c, prev, now))
	}
	ev := r.membership(c, sessionID, now)
	if prev != sessionID {
		r.broadcast(ctx, sessionID, protocol.EventUserJoined, ev, connID)
	}
	r.push(ctx, connID, protocol.EventSessionJoined, ev)

	r.log.Debug().
		Str("connId", connID).
		Str("sessionId", sessionID).
		Str("previous", prev).
		Msg("joined session")
	return nil
}

// LeaveSession removes a connection from its session.
func (r *Router) LeaveSession(ctx context.Context, connID string) error {
	c, err := r.resolve(ctx, connID)
	if err != nil {
		return err
	}
	if !c.InSession() {
		return protocolErr(CodeNotInSession, "connection is not in a session")
	}
	prev, err := r.reg.SetSession(ctx, connID, "")
	if err != nil {
		return r.mutationErr(connID, err)
	}
	if prev == "" {
		prev = c.SessionID
	}

	ev := r.membership(c, prev, r.now().UTC())
	r.broadcast(ctx, prev, protocol.EventUserLeft, ev)
	r.push(ctx, connID, protocol.EventSessionLeft, ev)

	r.log.Debug().Str("connId", connID).Str("sessionId", prev).Msg("left session")
	return nil
}

// SendMessage enqueues content for AI processing and echoes it to the
// rest of the session straight away. It returns the new message id.
func (r *Router) SendMessage(ctx context.Context, connID, content string) (string, error) {
	c, err := r.resolve(ctx, connID)
	if err != nil {
		return "", err
	}
	if !c.InSession() {
		return "", protocolErr(CodeNotInSession, "join a session before sending messages")
	}
	if strings.TrimSpace(content) == "" {
		return "", protocolErr(CodeMessageEmpty, "message content is empty")
	}
	if len(content) > r.maxBytes {
		return "", protocolErr(CodeMessageTooLong, fmt.Sprintf("message exceeds %d bytes", r.maxBytes))
	}
	if err := r.allow(ctx, c.UserID); err != nil {
		return "", err
	}

	now := r.now().UTC()
	msg := domain.QueuedMessage{
		MessageID:    r.newID(),
		SessionID:    c.SessionID,
		UserID:       c.UserID,
		ConnectionID: connID,
		Content:      content,
		Timestamp:    now,
	}
	log := r.log.Conn(connID, "").Message(msg.MessageID, msg.SessionID)

	if r.memory != nil {
		turn := domain.Turn{
			SessionID: msg.SessionID,
			UserID:    msg.UserID,
			MessageID: msg.MessageID,
			Role:      domain.RoleUser,
			Content:   content,
			Timestamp: now,
		}
		if err := r.memory.Append(ctx, turn); err != nil {
			log.Warn().Err(err).Msg("storing user turn failed")
		}
	}

	if err := r.queue.Enqueue(ctx, msg); err != nil {
		return "", err
	}
	if err := r.reg.Touch(ctx, connID); err != nil && !errors.Is(err, registry.ErrNotFound) {
		log.Warn().Err(err).Msg("touch failed")
	}

	r.broadcast(ctx, msg.SessionID, protocol.EventMessage, protocol.MessageEvent{
		MessageID: msg.MessageID,
		SessionID: msg.SessionID,
		UserID:    msg.UserID,
		Role:      domain.RoleUser,
		Content:   content,
		Timestamp: now,
	}, connID)
	r.push(ctx, connID, protocol.EventMessageSent, protocol.MessageSentEvent{
		MessageID: msg.MessageID,
		SessionID: msg.SessionID,
		Timestamp: now,
	})

	log.Debug().Int("bytes", len(content)).Msg("message accepted")
	return msg.MessageID, nil
}

// Typing tells the rest of the session the user is typing.
func (r *Router) Typing(ctx context.Context, connID string) error {
	return r.typing(ctx, connID, protocol.EventTyping)
}

// StopTyping tells the rest of the session the user stopped typing.
func (r *Router) StopTyping(ctx context.Context, connID string) error {
	return r.typing(ctx, connID, protocol.EventStopTyping)
}

func (r *Router) typing(ctx context.Context, connID, event string) error {
	c, err := r.resolve(ctx, connID)
	if err != nil {
		return err
	}
	if !c.InSession() {
		return protocolErr(CodeNotInSession, "connection is not in a session")
	}
	if err := r.reg.Touch(ctx, connID); err != nil && !errors.Is(err, registry.ErrNotFound) {
		r.log.Warn().Err(err).Str("connId", connID).Msg("touch failed")
	}
	r.broadcast(ctx, c.SessionID, event, protocol.TypingEvent{
		SessionID:    c.SessionID,
		UserID:       c.UserID,
		ConnectionID: connID,
	}, connID)
	return nil
}

// Disconnect tears a connection down: leave its session, remove the record
// and report the user offline when it was their last connection. Each step
// is idempotent, so replaying a partially applied disconnect finishes it.
// Disconnecting an unknown id is a no-op.
func (r *Router) Disconnect(ctx context.Context, connID string) error {
	c, err := r.reg.Get(ctx, connID)
	if errors.Is(err, registry.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("disconnect %s: %w", connID, err)
	}
	log := r.log.Conn(connID, c.UserID)

	if c.InSession() {
		prev, err := r.reg.SetSession(ctx, connID, "")
		switch {
		case errors.Is(err, registry.ErrNotFound):
			prev = c.SessionID
		case err != nil:
			return fmt.Errorf("disconnect %s: %w", connID, err)
		}
		if prev != "" {
			r.broadcast(ctx, prev, protocol.EventUserLeft, r.membership(c, prev, r.now().UTC()))
		}
	}

	if err := r.reg.Remove(ctx, connID); err != nil {
		return fmt.Errorf("disconnect %s: %w", connID, err)
	}

	presence, err := registry.PresenceOf(ctx, r.reg, c.UserID)
	if err != nil {
		log.Warn().Err(err).Msg("presence lookup failed")
	} else if presence == domain.PresenceOffline {
		log.Info().Msg("user offline")
	}
	log.Debug().Msg("disconnected")
	return nil
}

// Presence returns a user's derived presence.
func (r *Router) Presence(ctx context.Context, userID string) (domain.Presence, error) {
	if userID == "" {
		return domain.PresenceOffline, protocolErr(CodeInvalidParams, "userId is required")
	}
	return registry.PresenceOf(ctx, r.reg, userID)
}

// ReportError pushes err to the connection as an error event. Failures
// are only logged.
func (r *Router) ReportError(ctx context.Context, connID string, err error) {
	if connID == "" {
		return
	}
	r.push(ctx, connID, protocol.EventError, Shape(err))
}

// resolve loads the acting connection. Unknown ids are a protocol error.
func (r *Router) resolve(ctx context.Context, connID string) (domain.Connection, error) {
	c, err := r.reg.Get(ctx, connID)
	if errors.Is(err, registry.ErrNotFound) {
		return domain.Connection{}, protocolErr(CodeUnknownConnection, "unknown connection")
	}
	if err != nil {
		return domain.Connection{}, fmt.Errorf("resolving %s: %w", connID, err)
	}
	return c, nil
}

// mutationErr maps a registry error raised after resolve succeeded.
func (r *Router) mutationErr(connID string, err error) error {
	if errors.Is(err, registry.ErrNotFound) {
		return protocolErr(CodeUnknownConnection, "unknown connection")
	}
	return fmt.Errorf("updating %s: %w", connID, err)
}

func (r *Router) allow(ctx context.Context, userID string) error {
	if r.limiter == nil {
		return nil
	}
	err := r.limiter.Allow(ctx, ratelimit.ScopeMessage, userID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ratelimit.ErrLimited):
		metrics.RateLimitHits.WithLabelValues(ratelimit.ScopeMessage).Inc()
		return protocolErr(CodeRateLimited, "too many messages, slow down")
	default:
		// Counter unavailable: let the message through.
		r.log.Warn().Err(err).Str("userId", userID).Msg("rate limiter unavailable")
		return nil
	}
}

func (r *Router) membership(c domain.Connection, sessionID string, at time.Time) protocol.MembershipEvent {
	return protocol.MembershipEvent{
		SessionID:    sessionID,
		UserID:       c.UserID,
		ConnectionID: c.ConnectionID,
		Timestamp:    at,
	}
}

// broadcast fans an event out to a session. Recipient failures are
// handled by the broadcaster; only an index read failure is logged here.
func (r *Router) broadcast(ctx context.Context, sessionID, event string, payload any, exclude ...string) {
	if _, err := r.bc.ToSession(ctx, sessionID, event, payload, exclude...); err != nil {
		r.log.Warn().Err(err).Str("sessionId", sessionID).Str("event", event).Msg("broadcast failed")
	}
}

func (r *Router) push(ctx context.Context, connID, event string, payload any) {
	if err := r.bc.Send(ctx, connID, event, payload); err != nil {
		r.log.Debug().Err(err).Str("connId", connID).Str("event", event).Msg("push failed")
	}
}

// Package hooks lets operators attach handlers to tutorchat lifecycle events
// such as dead-lettered messages and delivered responses.
package hooks

import (
	"context"
	"slices"
	"sync"

	"github.com/soyeahso/tutorchat/internal/logging"
)

// Event names.
const (
	EventGatewayStart        = "gateway_start"
	EventGatewayStop         = "gateway_stop"
	EventResponseDelivered   = "response_delivered"
	EventMessageDeadLettered = "message_dead_lettered"
)

// AllEvents lists every event the server emits.
var AllEvents = []string{
	EventGatewayStart,
	EventGatewayStop,
	EventResponseDelivered,
	EventMessageDeadLettered,
}

// Payload carries event data to hook handlers.
type Payload struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

// Handler handles one event. A returned error is logged and does not stop
// later handlers.
type Handler func(ctx context.Context, p Payload) error

type namedHandler struct {
	name    string
	handler Handler
}

// Manager holds hook registrations. The zero value is not usable; a nil
// *Manager is, and emits nothing.
type Manager struct {
	mu       sync.RWMutex
	handlers map[string][]namedHandler
	log      *logging.Logger
}

// NewManager creates a hook manager.
func NewManager(log *logging.Logger) *Manager {
	return &Manager{
		handlers: make(map[string][]namedHandler),
		log:      log.Sub("hooks"),
	}
}

// On registers a handler for event under name.
func (m *Manager) On(event, name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], namedHandler{name: name, handler: handler})
	m.log.Debug().Str("event", event).Str("handler", name).Msg("hook registered")
}

// Off removes every handler registered as name for event.
func (m *Manager) Off(event, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = slices.DeleteFunc(m.handlers[event], func(h namedHandler) bool {
		return h.name == name
	})
}

// Count returns the number of handlers registered for event.
func (m *Manager) Count(event string) int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers[event])
}

func (m *Manager) snapshot(event string) []namedHandler {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.handlers[event])
}

// Emit runs the handlers for event in registration order and returns when
// all have finished.
func (m *Manager) Emit(ctx context.Context, event string, data map[string]any) {
	p := Payload{Event: event, Data: data}
	for _, h := range m.snapshot(event) {
		m.run(ctx, h, p)
	}
}

// EmitAsync runs each handler for event on its own goroutine. Handlers are
// detached from ctx cancellation.
func (m *Manager) EmitAsync(ctx context.Context, event string, data map[string]any) {
	handlers := m.snapshot(event)
	if len(handlers) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	p := Payload{Event: event, Data: data}
	for _, h := range handlers {
		go m.run(ctx, h, p)
	}
}

func (m *Manager) run(ctx context.Context, h namedHandler, p Payload) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Str("event", p.Event).Str("handler", h.name).Msg("hook handler panicked")
		}
	}()
	if err := h.handler(ctx, p); err != nil {
		m.log.Warn().Err(err).Str("event", p.Event).Str("handler", h.name).Msg("hook handler error")
	}
}

package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/soyeahso/tutorchat/internal/logging"
	"github.com/soyeahso/tutorchat/internal/metrics"
	"github.com/soyeahso/tutorchat/internal/protocol"
	"github.com/soyeahso/tutorchat/internal/push"
)

const writeTimeout = 10 * time.Second

var (
	// ErrClientClosed is returned when writing to a closed client.
	ErrClientClosed = errors.New("client connection closed")
	// ErrMalformedFrame is returned by ReadFrame for a message that is not a
	// JSON frame. The socket is still usable.
	ErrMalformedFrame = errors.New("malformed frame")
)

// Client is an authenticated WebSocket connection held by this instance.
type Client struct {
	ConnID      string
	UserID      string
	Info        ClientInfo
	Socket      *websocket.Conn
	ConnectedAt time.Time

	mu     sync.Mutex
	closed bool
}

// NewClient wraps a socket that completed the handshake.
func NewClient(conn *websocket.Conn, userID string, info ClientInfo) *Client {
	return &Client{
		ConnID:      uuid.New().String(),
		UserID:      userID,
		Info:        info,
		Socket:      conn,
		ConnectedAt: time.Now(),
	}
}

// Write sends one already encoded frame. Thread-safe.
func (c *Client) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	c.Socket.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.Socket.WriteMessage(websocket.TextMessage, data)
}

// Send sends a frame to the client. Thread-safe.
func (c *Client) Send(frame Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	c.Socket.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.Socket.WriteJSON(frame)
}

// Respond sends a success response for the given request ID.
func (c *Client) Respond(reqID string, payload any) error {
	f, err := protocol.NewResponse(reqID, payload)
	if err != nil {
		return err
	}
	return c.Send(f)
}

// RespondError sends an error response for the given request ID.
func (c *Client) RespondError(reqID string, shape ErrorShape) error {
	return c.Send(protocol.NewErrorResponse(reqID, shape))
}

// ReadFrame reads the next frame from the WebSocket.
func (c *Client) ReadFrame() (Frame, error) {
	_, msg, err := c.Socket.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	f, err := protocol.Decode(msg)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, nil
}

// Close closes the WebSocket connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.Socket.Close()
}

// Hub holds the clients connected to this instance and is the local
// push.Channel: a push to a connection it does not hold reports gone.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	log     *logging.Logger
}

// NewHub creates an empty hub.
func NewHub(log *logging.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		log:     log.Sub("hub"),
	}
}

// Add registers a connected client.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ConnID] = c
	metrics.ConnectionsActive.Inc()
	h.log.Info().Str("connId", c.ConnID).Str("userId", c.UserID).Str("client", c.Info.ID).Msg("client connected")
}

// Remove unregisters a client by connection ID.
func (h *Hub) Remove(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[connID]; !ok {
		return
	}
	delete(h.clients, connID)
	metrics.ConnectionsActive.Dec()
	h.log.Info().Str("connId", connID).Msg("client disconnected")
}

// Get returns a client by connection ID.
func (h *Hub) Get(connID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[connID]
	return c, ok
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Send implements push.Channel.
func (h *Hub) Send(_ context.Context, connID string, payload []byte) error {
	c, ok := h.Get(connID)
	if !ok {
		return push.ErrGone
	}
	err := c.Write(payload)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrClientClosed):
		return push.ErrGone
	default:
		// The read loop notices the broken socket and disconnects it.
		c.Close()
		return fmt.Errorf("writing to %s: %w", connID, err)
	}
}

// CloseAll closes all connected clients.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
		metrics.ConnectionsActive.Dec()
	}
}

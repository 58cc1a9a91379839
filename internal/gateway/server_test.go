package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/tutorchat/internal/broadcast"
	"github.com/soyeahso/tutorchat/internal/config"
	"github.com/soyeahso/tutorchat/internal/domain"
	"github.com/soyeahso/tutorchat/internal/logging"
	"github.com/soyeahso/tutorchat/internal/protocol"
	"github.com/soyeahso/tutorchat/internal/queue"
	"github.com/soyeahso/tutorchat/internal/ratelimit"
	"github.com/soyeahso/tutorchat/internal/registry"
	"github.com/soyeahso/tutorchat/internal/session"
)

const testToken = "test-token-123"

type testEnv struct {
	srv    *Server
	ts     *httptest.Server
	reg    *registry.Memory
	broker *queue.MemoryBroker
}

func newTestEnv(t *testing.T, opts ...ServerOption) *testEnv {
	t.Helper()
	cfg := config.Defaults()
	cfg.Gateway.Auth.Mode = "token"
	cfg.Gateway.Auth.Token = testToken

	log := logging.Nop()
	reg := registry.NewMemory()
	hub := NewHub(log)
	broker := queue.NewMemoryBroker(time.Minute, time.Hour)
	q := queue.New(broker, broker, queue.DefaultOptions(), log)
	router := session.New(reg, broadcast.New(reg, hub, log), q, log)

	srv := New(cfg, router, hub, log, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: srv, ts: ts, reg: reg, broker: broker}
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })

	var challenge Frame
	require.NoError(t, conn.ReadJSON(&challenge))
	require.Equal(t, protocol.FrameTypeEvent, challenge.Type)
	require.Equal(t, protocol.EventChallenge, challenge.Event)
	return conn
}

// connect completes the handshake and returns the hello payload.
func (e *testEnv) connect(t *testing.T, params ConnectParams) (*websocket.Conn, HelloOK) {
	t.Helper()
	conn := e.dial(t)
	if params.Auth == nil {
		params.Auth = &ConnectAuth{Token: testToken}
	}
	req, err := protocol.NewRequest("connect-1", MethodConnect, params)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))

	res := readResponse(t, conn, "connect-1")
	require.NotNil(t, res.OK)
	require.True(t, *res.OK, "connect failed: %+v", res.Error)
	var hello HelloOK
	require.NoError(t, json.Unmarshal(res.Payload, &hello))
	return conn, hello
}

// readUntil reads frames until match returns true.
func readUntil(t *testing.T, conn *websocket.Conn, match func(Frame) bool) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	for {
		var f Frame
		require.NoError(t, conn.ReadJSON(&f))
		if match(f) {
			return f
		}
	}
}

func readResponse(t *testing.T, conn *websocket.Conn, id string) Frame {
	t.Helper()
	return readUntil(t, conn, func(f Frame) bool {
		return f.Type == protocol.FrameTypeResponse && f.ID == id
	})
}

func readEvent(t *testing.T, conn *websocket.Conn, event string) Frame {
	t.Helper()
	return readUntil(t, conn, func(f Frame) bool {
		return f.Type == protocol.FrameTypeEvent && f.Event == event
	})
}

func call(t *testing.T, conn *websocket.Conn, id, method string, params any) Frame {
	t.Helper()
	req, err := protocol.NewRequest(id, method, params)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))
	return readResponse(t, conn, id)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "dev", health.Version)
	assert.Equal(t, 0, health.Clients)
}

func TestNotFoundEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/nonexistent")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, ConnectParams{UserID: "alice"})

	resp, err := http.Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "tutorchat_")
}

func TestWebSocketHandshakeSuccess(t *testing.T) {
	env := newTestEnv(t)

	_, hello := env.connect(t, ConnectParams{
		UserID:    "alice",
		SessionID: "S1",
		Metadata:  map[string]string{"subject": "algebra"},
		Client:    ClientInfo{ID: "test-client", Version: "1.0.0", Platform: "linux"},
	})

	assert.Equal(t, protocol.Version, hello.Protocol)
	assert.NotEmpty(t, hello.Server.ConnID)
	assert.ElementsMatch(t, session.Actions, hello.Features.Actions)
	assert.Contains(t, hello.Features.Events, protocol.EventMessage)
	assert.Equal(t, maxPayload, hello.Policy.MaxPayload)
	assert.Equal(t, config.Defaults().Chat.MaxMessageBytes, hello.Policy.MaxMessageBytes)

	c, err := env.reg.Get(context.Background(), hello.Server.ConnID)
	require.NoError(t, err)
	assert.Equal(t, "alice", c.UserID)
	assert.Equal(t, "S1", c.SessionID)
	assert.Equal(t, "algebra", c.Metadata["subject"])
}

func TestWebSocketHandshakeWrongToken(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	req, err := protocol.NewRequest("req-1", MethodConnect, ConnectParams{
		UserID: "alice",
		Auth:   &ConnectAuth{Token: "wrong-token"},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))

	res := readResponse(t, conn, "req-1")
	require.NotNil(t, res.OK)
	assert.False(t, *res.OK)
	require.NotNil(t, res.Error)
	assert.Equal(t, "unauthorized", res.Error.Code)
	assert.Equal(t, "token_mismatch", res.Error.Message)
}

func TestWebSocketHandshakeRequiresUser(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	req, err := protocol.NewRequest("req-1", MethodConnect, ConnectParams{
		Auth: &ConnectAuth{Token: testToken},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))

	res := readResponse(t, conn, "req-1")
	require.NotNil(t, res.Error)
	assert.Equal(t, session.CodeInvalidParams, res.Error.Code)
}

func TestWebSocketHandshakeWrongMethod(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	req, err := protocol.NewRequest("req-1", session.ActionSendMessage, session.SendParams{Content: "hi"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))

	res := readResponse(t, conn, "req-1")
	require.NotNil(t, res.Error)
	assert.Equal(t, "protocol_error", res.Error.Code)
}

func TestHandshakeFailuresAreRateLimited(t *testing.T) {
	limiter := ratelimit.New(ratelimit.NewMemoryCounter(), map[string]ratelimit.Rule{
		ratelimit.ScopeHandshake: {Limit: 1, Window: time.Minute},
	})
	env := newTestEnv(t, WithLimiter(limiter))

	conn := env.dial(t)
	req, err := protocol.NewRequest("req-1", MethodConnect, ConnectParams{
		UserID: "mallory",
		Auth:   &ConnectAuth{Token: "guess"},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))
	readResponse(t, conn, "req-1")

	require.Eventually(t, func() bool {
		c, resp, err := websocket.DefaultDialer.Dial(env.wsURL(), nil)
		if err == nil {
			c.Close()
			return false
		}
		return resp != nil && resp.StatusCode == http.StatusTooManyRequests
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSendMessageOverWebSocket(t *testing.T) {
	env := newTestEnv(t)
	alice, _ := env.connect(t, ConnectParams{UserID: "alice", SessionID: "S1"})
	bob, _ := env.connect(t, ConnectParams{UserID: "bob", SessionID: "S1"})

	joined := readEvent(t, alice, protocol.EventUserJoined)
	var membership protocol.MembershipEvent
	require.NoError(t, json.Unmarshal(joined.Payload, &membership))
	assert.Equal(t, "bob", membership.UserID)

	res := call(t, alice, "send-1", session.ActionSendMessage, session.SendParams{Content: "hello"})
	require.NotNil(t, res.OK)
	require.True(t, *res.OK, "send failed: %+v", res.Error)
	var sent session.SendResult
	require.NoError(t, json.Unmarshal(res.Payload, &sent))
	assert.NotEmpty(t, sent.MessageID)

	f := readEvent(t, bob, protocol.EventMessage)
	var msg protocol.MessageEvent
	require.NoError(t, json.Unmarshal(f.Payload, &msg))
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "alice", msg.UserID)
	assert.Equal(t, domain.RoleUser, msg.Role)
	assert.Equal(t, sent.MessageID, msg.MessageID)

	assert.Equal(t, 1, env.broker.Len())
}

func TestActionErrorsOverWebSocket(t *testing.T) {
	env := newTestEnv(t)
	conn, _ := env.connect(t, ConnectParams{UserID: "alice"})

	res := call(t, conn, "r1", session.ActionSendMessage, session.SendParams{Content: "hello"})
	require.NotNil(t, res.Error)
	assert.Equal(t, session.CodeNotInSession, res.Error.Code)

	res = call(t, conn, "r2", "fly_to_moon", nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, session.CodeUnknownAction, res.Error.Code)

	res = call(t, conn, "r3", session.ActionJoinSession, session.JoinParams{SessionID: "S1"})
	require.NotNil(t, res.OK)
	assert.True(t, *res.OK)
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	env := newTestEnv(t)
	conn, _ := env.connect(t, ConnectParams{UserID: "alice"})

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	f := readEvent(t, conn, protocol.EventError)
	var shape protocol.ErrorShape
	require.NoError(t, json.Unmarshal(f.Payload, &shape))
	assert.Equal(t, session.CodeInvalidParams, shape.Code)

	res := call(t, conn, "r1", session.ActionPresence, session.PresenceParams{UserID: "alice"})
	require.NotNil(t, res.OK)
	assert.True(t, *res.OK)
}

func TestDisconnectRemovesConnection(t *testing.T) {
	env := newTestEnv(t)
	alice, aliceHello := env.connect(t, ConnectParams{UserID: "alice", SessionID: "S1"})
	bob, _ := env.connect(t, ConnectParams{UserID: "bob", SessionID: "S1"})

	alice.Close()

	left := readEvent(t, bob, protocol.EventUserLeft)
	var membership protocol.MembershipEvent
	require.NoError(t, json.Unmarshal(left.Payload, &membership))
	assert.Equal(t, "alice", membership.UserID)

	require.Eventually(t, func() bool {
		_, err := env.reg.Get(context.Background(), aliceHello.Server.ConnID)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
	_, err := env.reg.Get(context.Background(), aliceHello.Server.ConnID)
	assert.ErrorIs(t, err, registry.ErrNotFound)

	ids, err := env.reg.ConnectionsForSession(context.Background(), "S1")
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestResolveBindAddr(t *testing.T) {
	tests := []struct {
		bind string
		host string
		port int
		want string
	}{
		{"loopback", "", 8470, "127.0.0.1:8470"},
		{"lan", "", 9999, "0.0.0.0:9999"},
		{"custom", "", 3000, "0.0.0.0:3000"},
		{"custom", "10.0.0.5", 3000, "10.0.0.5:3000"},
		{"unknown", "", 5000, "127.0.0.1:5000"},
	}

	for _, tt := range tests {
		t.Run(tt.bind+tt.host, func(t *testing.T) {
			addr := resolveBindAddr(config.GatewayConfig{Bind: tt.bind, CustomBindHost: tt.host, Port: tt.port})
			assert.Equal(t, tt.want, addr)
		})
	}
}

func TestServerStart(t *testing.T) {
	cfg := config.Defaults()
	cfg.Gateway.Port = 0 // let OS pick a port
	cfg.Gateway.Auth.Token = testToken

	log := logging.Nop()
	reg := registry.NewMemory()
	hub := NewHub(log)
	broker := queue.NewMemoryBroker(time.Minute, time.Hour)
	router := session.New(reg, broadcast.New(reg, hub, log),
		queue.New(broker, broker, queue.DefaultOptions(), log), log)
	srv := New(cfg, router, hub, log)

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

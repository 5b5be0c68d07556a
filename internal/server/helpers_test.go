package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/Tyrowin/roomchat/internal/store"
	"github.com/gorilla/websocket"
)

const (
	testOrigin     = "http://localhost:8080"
	testGrace      = 100 * time.Millisecond
	receiveTimeout = 2 * time.Second
)

// testConfig returns a configuration with short timings for tests.
func testConfig() config.Config {
	cfg := config.Default()
	cfg.Server.AllowedOrigins = []string{testOrigin}
	cfg.Chat.GracePeriod = testGrace
	cfg.RateLimit.Burst = 1000
	return cfg
}

type testEnv struct {
	server *Server
	store  store.Store
	http   *httptest.Server
	wsURL  string
}

// newTestEnv starts a Server over an in-memory store behind httptest.
func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	st := store.NewMemoryStore(cfg.Chat.HistoryLimit)
	srv, err := New(context.Background(), cfg, st, logging.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ts := httptest.NewServer(srv.SetupRoutes())
	t.Cleanup(func() {
		ts.Close()
		if err := srv.Shutdown(2 * time.Second); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	})

	return &testEnv{
		server: srv,
		store:  st,
		http:   ts,
		wsURL:  "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

// wsClient is a test peer speaking the chat protocol.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (e *testEnv) dial(t *testing.T) *wsClient {
	t.Helper()

	headers := http.Header{}
	headers.Set("Origin", testOrigin)
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	conn, resp, err := dialer.Dial(e.wsURL, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}

	c := &wsClient{t: t, conn: conn}
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *wsClient) send(frameType string, payload any) {
	c.t.Helper()

	raw, err := json.Marshal(payload)
	if err != nil {
		c.t.Fatalf("Failed to marshal payload: %v", err)
	}
	c.sendRaw(mustJSON(c.t, chat.Frame{Type: frameType, Payload: raw}))
}

func (c *wsClient) sendRaw(data []byte) {
	c.t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Fatalf("Failed to send frame: %v", err)
	}
}

type inboundEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// next reads the next event, failing the test on timeout.
func (c *wsClient) next() inboundEvent {
	c.t.Helper()

	if err := c.conn.SetReadDeadline(time.Now().Add(receiveTimeout)); err != nil {
		c.t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("Failed to read event: %v", err)
	}

	var ev inboundEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.t.Fatalf("Failed to decode event %q: %v", data, err)
	}
	return ev
}

// expect reads the next event and requires it to be of eventType.
func (c *wsClient) expect(eventType string, into any) {
	c.t.Helper()

	ev := c.next()
	if ev.Type != eventType {
		c.t.Fatalf("Expected %q event, got %q: %s", eventType, ev.Type, ev.Payload)
	}
	if into != nil {
		if err := json.Unmarshal(ev.Payload, into); err != nil {
			c.t.Fatalf("Failed to decode %q payload: %v", eventType, err)
		}
	}
}

// expectNothing requires that no event arrives within d.
func (c *wsClient) expectNothing(d time.Duration) {
	c.t.Helper()

	if err := c.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		c.t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, data, err := c.conn.ReadMessage()
	if err == nil {
		c.t.Fatalf("Expected no event, got %s", data)
	}
	var netErr interface{ Timeout() bool }
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		c.t.Fatalf("Expected read timeout, got %v", err)
	}
}

// join sends a join frame and consumes the confirmation plus the roster
// and notice the joiner receives.
func (c *wsClient) join(username, roomID string) chat.JoinPayload {
	c.t.Helper()

	c.send(chat.FrameJoin, chat.JoinRequest{Username: username, RoomID: roomID})

	var joined chat.JoinPayload
	c.expect(chat.EventJoin, &joined)
	c.expect(chat.EventUsers, nil)
	c.expect(chat.EventMessage, nil)
	return joined
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	return data
}

// fakeConn is an in-process Conn. Reads block until a frame is pushed or
// the conn is closed; writes are recorded.
type fakeConn struct {
	mu       sync.Mutex
	inbound  chan []byte
	closed   chan struct{}
	once     sync.Once
	written  [][]byte
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.inbound:
		return websocket.TextMessage, data, nil
	case <-f.closed:
		return 0, nil, net.ErrClosed
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	if messageType == websocket.TextMessage {
		f.written = append(f.written, data)
	}
	return nil
}

func (f *fakeConn) Written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

func (f *fakeConn) SetReadLimit(int64)                        {}
func (f *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error          { return nil }
func (f *fakeConn) SetPongHandler(func(appData string) error) {}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// attach registers c with h without starting its pumps.
func attach(h *Hub, c *Client) {
	h.mutex.Lock()
	h.clients[c] = binding{}
	h.mutex.Unlock()
}

// drain returns the payloads queued for c.
func drain(c *Client) [][]byte {
	var out [][]byte
	for {
		select {
		case p := <-c.send:
			out = append(out, p)
		default:
			return out
		}
	}
}

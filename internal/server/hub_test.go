package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func newTestClient(h *Hub, sendBuffer int) *Client {
	cfg := testConfig()
	cfg.WebSocket.SendBuffer = sendBuffer
	return NewClient(newFakeConn(), h, nil, "127.0.0.1:0", cfg.WebSocket, cfg.RateLimit)
}

func boundClient(t *testing.T, h *Hub, userID, roomID string) *Client {
	t.Helper()
	c := newTestClient(h, 8)
	attach(h, c)
	if !h.Bind(c, chat.User{ID: userID, RoomID: roomID}) {
		t.Fatalf("Bind(%s) = false", userID)
	}
	return c
}

// TestHubBroadcastReachesOnlyRoomMembers verifies a broadcast is queued for
// every binding of the room and nobody else.
func TestHubBroadcastReachesOnlyRoomMembers(t *testing.T) {
	h := NewHub(logging.Nop())

	a := boundClient(t, h, "a", "general")
	b := boundClient(t, h, "b", "general")
	other := boundClient(t, h, "c", "tech")

	msg := chat.NewSystemMessage("general", "hello")
	if got := h.Broadcast("general", chat.NewMessageEvent(msg)); got != 2 {
		t.Fatalf("Broadcast() delivered to %d clients, want 2", got)
	}

	for name, c := range map[string]*Client{"a": a, "b": b} {
		frames := drain(c)
		if len(frames) != 1 {
			t.Fatalf("client %s received %d frames, want 1", name, len(frames))
		}
		var ev struct {
			Type    string              `json:"type"`
			Payload chat.MessagePayload `json:"payload"`
		}
		if err := json.Unmarshal(frames[0], &ev); err != nil {
			t.Fatalf("invalid frame for %s: %v", name, err)
		}
		if ev.Type != chat.EventMessage || ev.Payload.Message.ID != msg.ID {
			t.Errorf("client %s got %+v", name, ev)
		}
	}

	if frames := drain(other); len(frames) != 0 {
		t.Errorf("client in another room received %d frames", len(frames))
	}
}

// TestHubBroadcastDropsForFullBuffer verifies one stuck recipient never
// blocks delivery to the rest of the room.
func TestHubBroadcastDropsForFullBuffer(t *testing.T) {
	h := NewHub(logging.Nop())

	slow := newTestClient(h, 1)
	attach(h, slow)
	h.Bind(slow, chat.User{ID: "slow", RoomID: "general"})
	fast := boundClient(t, h, "fast", "general")

	event := chat.NewUsersEvent(nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Broadcast("general", event)
		h.Broadcast("general", event)
		h.Broadcast("general", event)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a full send buffer")
	}

	if got := len(drain(slow)); got != 1 {
		t.Errorf("slow client queued %d frames, want 1", got)
	}
	if got := len(drain(fast)); got != 3 {
		t.Errorf("fast client queued %d frames, want 3", got)
	}
}

// TestHubUnregisterStopsDelivery verifies a deregistered binding is no
// longer a broadcast target and that its identity is no longer bound.
func TestHubUnregisterStopsDelivery(t *testing.T) {
	h := NewHub(logging.Nop())

	a := boundClient(t, h, "a", "general")
	b := boundClient(t, h, "b", "general")

	if !h.IsUserBound("a") {
		t.Fatal("IsUserBound(a) = false after Bind")
	}

	bnd, ok := h.Unregister(a)
	if !ok || bnd.userID != "a" || bnd.roomID != "general" {
		t.Fatalf("Unregister() = %+v, %v", bnd, ok)
	}
	if _, ok := h.Unregister(a); ok {
		t.Error("second Unregister() reported the client as registered")
	}
	if h.IsUserBound("a") {
		t.Error("IsUserBound(a) = true after Unregister")
	}

	if got := h.Broadcast("general", chat.NewUsersEvent(nil)); got != 1 {
		t.Errorf("Broadcast() delivered to %d clients, want 1", got)
	}
	if got := len(drain(b)); got != 1 {
		t.Errorf("remaining client queued %d frames, want 1", got)
	}
	if got := h.RoomClientCount("general"); got != 1 {
		t.Errorf("RoomClientCount() = %d, want 1", got)
	}
}

// TestHubBindRequiresRegistration verifies unknown clients cannot be bound.
func TestHubBindRequiresRegistration(t *testing.T) {
	h := NewHub(logging.Nop())
	c := newTestClient(h, 1)

	if h.Bind(c, chat.User{ID: "x", RoomID: "general"}) {
		t.Error("Bind() succeeded for an unregistered client")
	}
	if h.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", h.ClientCount())
	}
}

// TestEnqueueAfterCloseIsDropped verifies a closed session accepts no frames.
func TestEnqueueAfterCloseIsDropped(t *testing.T) {
	h := NewHub(logging.Nop())
	c := newTestClient(h, 4)
	c.closeDone()

	if c.enqueue([]byte(`{}`)) {
		t.Error("enqueue() accepted a frame after close")
	}
}

// TestHubRegisterAfterShutdown verifies registration is refused once the
// hub has stopped.
func TestHubRegisterAfterShutdown(t *testing.T) {
	h := NewHub(logging.Nop())
	go h.Run()

	if err := h.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	cfg := config.Default()
	c := NewClient(newFakeConn(), h, nil, "127.0.0.1:0", cfg.WebSocket, cfg.RateLimit)
	if h.Register(c) {
		t.Error("Register() succeeded after shutdown")
	}
}

// TestDroppedFramesLogOnce verifies a stuck recipient produces one sampled
// warning rather than one per dropped frame.
func TestDroppedFramesLogOnce(t *testing.T) {
	var buf bytes.Buffer
	h := NewHub(zerolog.New(&buf))

	c := newTestClient(h, 1)
	for i := 0; i < 5; i++ {
		c.enqueue([]byte(`{}`))
	}

	if got := len(drain(c)); got != 1 {
		t.Fatalf("queued %d frames, want 1", got)
	}
	if got := c.dropped.Load(); got != 4 {
		t.Errorf("dropped = %d, want 4", got)
	}
	if got := strings.Count(buf.String(), "send buffer full"); got != 1 {
		t.Errorf("logged %d buffer-full warnings, want 1:\n%s", got, buf.String())
	}
}

func TestIsExpectedCloseError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, true},
		{net.ErrClosed, true},
		{&net.OpError{Op: "read", Net: "tcp", Err: net.ErrClosed}, true},
		{websocket.ErrCloseSent, true},
		{fmt.Errorf("write: %w", syscall.EPIPE), true},
		{syscall.ECONNRESET, true},
		{io.ErrUnexpectedEOF, false},
		{errors.New("use of closed network connection"), false},
	}

	for _, tt := range tests {
		if got := isExpectedCloseError(tt.err); got != tt.want {
			t.Errorf("isExpectedCloseError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

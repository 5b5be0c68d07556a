// Package server tracks live connections and their room bindings and fans
// events out to rooms through the Hub type.
package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/rs/zerolog"
)

// binding maps a live connection to the chat identity it joined as. A
// zero binding means the connection has not joined yet.
type binding struct {
	userID string
	roomID string
}

// Hub owns the connection bindings and is the Room Broadcaster: the only
// component that queues frames for delivery to other sessions.
type Hub struct {
	clients  map[*Client]binding
	rooms    map[string]map[*Client]struct{}
	register chan *Client
	mutex    sync.RWMutex
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	root     zerolog.Logger
	logger   zerolog.Logger
}

// NewHub creates a Hub. Run must be started before clients are registered.
func NewHub(logger zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:  make(map[*Client]binding),
		rooms:    make(map[string]map[*Client]struct{}),
		register: make(chan *Client),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		root:     logger,
		logger:   logger.With().Str("component", "hub").Logger(),
	}
}

// Run accepts registrations and starts each client's pumps until Shutdown
// is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.logger.Warn().Msg("received nil client registration; skipping")
				continue
			}

			h.mutex.Lock()
			h.clients[client] = binding{}
			clientCount := len(h.clients)
			h.mutex.Unlock()
			h.logger.Info().
				Str(logging.FieldRemoteAddr, client.addr).
				Int("clients", clientCount).
				Msg("client registered")

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()
		}
	}
}

// Register hands a new client to the hub. It reports false once the hub is
// shutting down, in which case the caller still owns the connection.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Closing reports whether Shutdown has started.
func (h *Hub) Closing() bool {
	return h.ctx.Err() != nil
}

// Bind maps a registered client to user's room so it receives that room's
// broadcasts. It reports false if the client is no longer registered.
func (h *Hub) Bind(client *Client, user chat.User) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, ok := h.clients[client]; !ok {
		return false
	}

	h.clients[client] = binding{userID: user.ID, roomID: user.RoomID}
	members, ok := h.rooms[user.RoomID]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[user.RoomID] = members
	}
	members[client] = struct{}{}
	return true
}

// Unregister removes the client and its binding. It returns the binding the
// client held and whether the client was registered.
func (h *Hub) Unregister(client *Client) (binding, bool) {
	h.mutex.Lock()
	b, ok := h.clients[client]
	if !ok {
		h.mutex.Unlock()
		return binding{}, false
	}

	delete(h.clients, client)
	if members, exists := h.rooms[b.roomID]; exists {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, b.roomID)
		}
	}
	clientCount := len(h.clients)
	h.mutex.Unlock()

	h.logger.Info().
		Str(logging.FieldRemoteAddr, client.addr).
		Int("clients", clientCount).
		Msg("client unregistered")
	return b, true
}

// IsUserBound reports whether any live connection is bound to userID.
func (h *Hub) IsUserBound(userID string) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for _, b := range h.clients {
		if b.userID == userID {
			return true
		}
	}
	return false
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// RoomClientCount returns the number of connections bound to roomID.
func (h *Hub) RoomClientCount(roomID string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.rooms[roomID])
}

// Broadcast queues event for every connection bound to roomID and returns
// how many accepted it. Recipients are snapshotted once; a closed or full
// recipient is skipped without affecting the others.
func (h *Hub) Broadcast(roomID string, event chat.Event) int {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event.Type).Msg("failed to encode broadcast")
		return 0
	}

	recipients := h.roomSnapshot(roomID)
	delivered := 0
	for _, client := range recipients {
		if client.enqueue(payload) {
			delivered++
		}
	}

	h.logger.Debug().
		Str(logging.FieldRoomID, roomID).
		Str("event", event.Type).
		Int("recipients", len(recipients)).
		Int("delivered", delivered).
		Msg("broadcast")
	return delivered
}

// Send queues event for a single client.
func (h *Hub) Send(client *Client, event chat.Event) bool {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event.Type).Msg("failed to encode event")
		return false
	}
	return client.enqueue(payload)
}

func (h *Hub) roomSnapshot(roomID string) []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	members := h.rooms[roomID]
	clients := make([]*Client, 0, len(members))
	for client := range members {
		clients = append(clients, client)
	}
	return clients
}

// shutdownClients closes every live connection; the read pumps observe the
// close and tear their sessions down.
func (h *Hub) shutdownClients() {
	h.logger.Info().Msg("shutting down all client connections")

	h.mutex.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.RUnlock()

	for _, client := range clients {
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			h.logger.Warn().Err(err).Str(logging.FieldRemoteAddr, client.addr).Msg("error closing client connection")
		}
	}

	h.logger.Info().Int("clients", len(clients)).Msg("closed client connections")
}

// Shutdown stops accepting clients, closes all connections and waits for
// their pumps to finish, or for timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info().Msg("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info().Msg("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn().Msg("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}

// Package server manages one WebSocket session: its read and write pumps,
// heartbeat, rate limiting and protocol state.
package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// sessionState is the protocol state of one connection.
type sessionState int

const (
	stateUnjoined sessionState = iota
	stateJoined
	stateClosing
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateUnjoined:
		return "unjoined"
	case stateJoined:
		return "joined"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client is the Connection Session: one per accepted WebSocket. It owns the
// connection's chat identity, heartbeat and inbound dispatch loop.
type Client struct {
	conn        Conn
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	hub         *Hub
	rooms       *RoomService
	addr        string
	cfg         config.WebSocketConfig
	rateLimiter *rateLimiter
	handlers    map[string]frameHandler
	ctx         context.Context
	cancel      context.CancelFunc

	dropped     atomic.Int64
	dropSampler zerolog.Sampler

	mu     sync.Mutex
	state  sessionState
	user   chat.User
	logger zerolog.Logger
}

// dropLogPeriod bounds the buffer-full warnings to one per period per session.
const dropLogPeriod = 10 * time.Second

// NewClient creates a session for conn. It is inert until registered with
// the hub.
func NewClient(conn Conn, hub *Hub, rooms *RoomService, addr string, cfg config.WebSocketConfig, limits config.RateLimitConfig) *Client {
	bufferSize := cfg.SendBuffer
	if bufferSize <= 0 {
		bufferSize = 256
	}

	ctx, cancel := context.WithCancel(hub.ctx)
	c := &Client{
		conn:        conn,
		send:        make(chan []byte, bufferSize),
		done:        make(chan struct{}),
		hub:         hub,
		rooms:       rooms,
		addr:        addr,
		cfg:         cfg,
		rateLimiter: newRateLimiter(limits.Burst, limits.RefillInterval),
		dropSampler: &zerolog.BurstSampler{Burst: 1, Period: dropLogPeriod},
		ctx:         ctx,
		cancel:      cancel,
		state:       stateUnjoined,
		logger:      hub.root.With().Str("component", "session").Str(logging.FieldRemoteAddr, addr).Logger(),
	}
	c.handlers = c.newDispatchTable()
	return c
}

// State returns the session's current protocol state.
func (c *Client) State() sessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// User returns the identity the session joined as, if any.
func (c *Client) User() (chat.User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user, c.state == stateJoined
}

func (c *Client) log() *zerolog.Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	logger := c.logger
	return &logger
}

// markJoined moves the session to Joined as user.
func (c *Client) markJoined(user chat.User) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = stateJoined
	c.user = user
	c.logger = c.logger.With().
		Str(logging.FieldUserID, user.ID).
		Str(logging.FieldRoomID, user.RoomID).
		Logger()
}

// beginClosing moves the session to Closing and returns the user it held,
// if it had joined.
func (c *Client) beginClosing() (chat.User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	joined := c.state == stateJoined
	c.state = stateClosing
	return c.user, joined
}

func (c *Client) setState(s sessionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// enqueue hands payload to the write pump without blocking. It drops the
// frame when the session is closed or its send buffer is full; drops are
// counted and the warning is sampled.
func (c *Client) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- payload:
		return true
	default:
		dropped := c.dropped.Add(1)
		logger := c.log().Sample(c.dropSampler)
		logger.Warn().
			Int("buffer", cap(c.send)).
			Int64("dropped", dropped).
			Msg("send buffer full; dropping frame")
		return false
	}
}

func (c *Client) closeDone() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
	})
}

// setupReadConnection arms the liveness timeout; every pong rearms it.
func (c *Client) setupReadConnection() {
	if c.cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
		c.log().Warn().Err(err).Msg("error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})
}

// handleReadError logs why the read loop is ending.
func (c *Client) handleReadError(err error) {
	logger := c.log()

	var netErr interface{ Timeout() bool }
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		logger.Warn().Int64("limit", c.cfg.MaxMessageSize).Msg("frame exceeded maximum size")
	case errors.As(err, &netErr) && netErr.Timeout():
		logger.Info().Msg("liveness timeout; closing connection")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		logger.Info().Err(err).Msg("client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		logger.Info().Err(err).Msg("client connection closed")
	default:
		logger.Warn().Err(err).Msg("websocket read error")
	}
}

// checkRateLimit reports whether the next inbound frame may be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.log().Warn().Msg("rate limit exceeded; discarding frame")
		return false
	}
	return true
}

func (c *Client) readPump() {
	defer c.teardown()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		c.handleFrame(raw)
	}
}

// teardown runs once the transport is gone: the binding is dropped
// immediately and the departure is handed to the reconciler.
func (c *Client) teardown() {
	user, joined := c.beginClosing()
	c.hub.Unregister(c)
	c.closeDone()

	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log().Warn().Err(err).Msg("error closing connection in readPump")
	}

	if joined {
		c.rooms.Disconnected(user)
	}
	c.setState(stateClosed)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log().Warn().Err(err).Msg("error closing connection in writePump")
		}
	}()

	for {
		select {
		case message := <-c.send:
			if !c.writeFrame(websocket.TextMessage, message) {
				return
			}
		case <-ticker.C:
			if !c.writeFrame(websocket.PingMessage, nil) {
				return
			}
		case <-c.done:
			c.writeFrame(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *Client) writeFrame(messageType int, data []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		c.log().Warn().Err(err).Msg("error setting write deadline")
		return false
	}

	if err := c.conn.WriteMessage(messageType, data); err != nil {
		if !isExpectedCloseError(err) {
			c.log().Warn().Err(err).Int("message_type", messageType).Msg("error writing frame")
		}
		return false
	}
	return true
}

package server

import (
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/store"
	"github.com/gorilla/websocket"
)

// Conn is the transport a Client drives. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Error texts sent to clients.
const (
	msgInvalidFormat = "Invalid message format"
	msgNotJoined     = "You must join a room first"
	msgUserNotInRoom = "User not found in room"
	msgRoomNotFound  = "Room not found"
	msgAlreadyJoined = "Already joined a room"
	msgRequestFailed = "Failed to process request"
)

// preconditionError is an action the session state does not allow. It is
// reported to the client verbatim.
type preconditionError string

func (e preconditionError) Error() string { return string(e) }

var (
	errNotJoined     = preconditionError(msgNotJoined)
	errUserNotInRoom = preconditionError(msgUserNotInRoom)
	errRoomNotFound  = preconditionError(msgRoomNotFound)
	errAlreadyJoined = preconditionError(msgAlreadyJoined)
)

// errSessionClosed is returned when a session is torn down mid-request.
var errSessionClosed = errors.New("session closed")

// clientErrorMessage maps a handler error to the text unicast to the
// client, and reports whether the failure came from the Room Store.
func clientErrorMessage(err error) (string, bool) {
	var pe preconditionError
	switch {
	case errors.Is(err, chat.ErrInvalidFrame):
		return msgInvalidFormat, false
	case errors.As(err, &pe):
		return string(pe), false
	case errors.Is(err, store.ErrRoomNotFound):
		return msgRoomNotFound, false
	case errors.Is(err, store.ErrUserNotFound):
		return msgUserNotInRoom, false
	default:
		return msgRequestFailed, true
	}
}

// isExpectedCloseError reports whether err only says the transport is
// already gone: closed locally, close frame sent, or peer hung up.
func isExpectedCloseError(err error) bool {
	return err == nil ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}

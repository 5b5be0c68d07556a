package chat

import (
	"encoding/json"
	"errors"
	"strings"
)

// Inbound frame types sent by clients.
const (
	FrameJoin    = "join"
	FrameMessage = "message"
	FrameTyping  = "typing"
	FrameImage   = "image"
)

// Outbound frame types sent by the server.
const (
	EventJoin    = "join"
	EventMessage = "message"
	EventTyping  = "typing"
	EventUsers   = "users"
	EventError   = "error"
)

// ErrInvalidFrame is returned when a frame fails to parse or validate.
var ErrInvalidFrame = errors.New("invalid frame")

// Frame is the envelope of every inbound frame.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// JoinRequest asks to join RoomID under Username. UserID is optional and
// names a previous identity whose pending departure should be resumed.
type JoinRequest struct {
	Username string `json:"username"`
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId,omitempty"`
}

// MessageRequest carries a text message.
type MessageRequest struct {
	Text string `json:"text"`
}

// TypingRequest carries the sender's typing flag.
type TypingRequest struct {
	IsTyping bool `json:"isTyping"`
}

// ImageRequest carries an image payload with an optional caption.
type ImageRequest struct {
	ImageData string `json:"imageData"`
	Text      string `json:"text,omitempty"`
}

// DecodeFrame parses the envelope of a raw inbound frame. Unknown types are
// rejected.
func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, errors.Join(ErrInvalidFrame, err)
	}
	switch f.Type {
	case FrameJoin, FrameMessage, FrameTyping, FrameImage:
		return f, nil
	default:
		return Frame{}, ErrInvalidFrame
	}
}

// DecodeJoin validates a join payload.
func DecodeJoin(payload json.RawMessage) (JoinRequest, error) {
	var req JoinRequest
	if err := decodeStrict(payload, &req); err != nil {
		return JoinRequest{}, err
	}
	req.Username = strings.TrimSpace(req.Username)
	req.RoomID = strings.TrimSpace(req.RoomID)
	req.UserID = strings.TrimSpace(req.UserID)
	if req.Username == "" || req.RoomID == "" {
		return JoinRequest{}, ErrInvalidFrame
	}
	return req, nil
}

// DecodeMessage validates a message payload. Blank text is rejected.
func DecodeMessage(payload json.RawMessage) (MessageRequest, error) {
	var req struct {
		Text *string `json:"text"`
	}
	if err := decodeStrict(payload, &req); err != nil {
		return MessageRequest{}, err
	}
	if req.Text == nil || strings.TrimSpace(*req.Text) == "" {
		return MessageRequest{}, ErrInvalidFrame
	}
	return MessageRequest{Text: *req.Text}, nil
}

// DecodeTyping validates a typing payload. The flag must be present.
func DecodeTyping(payload json.RawMessage) (TypingRequest, error) {
	var req struct {
		IsTyping *bool `json:"isTyping"`
	}
	if err := decodeStrict(payload, &req); err != nil {
		return TypingRequest{}, err
	}
	if req.IsTyping == nil {
		return TypingRequest{}, ErrInvalidFrame
	}
	return TypingRequest{IsTyping: *req.IsTyping}, nil
}

// DecodeImage validates an image payload.
func DecodeImage(payload json.RawMessage) (ImageRequest, error) {
	var req ImageRequest
	if err := decodeStrict(payload, &req); err != nil {
		return ImageRequest{}, err
	}
	if strings.TrimSpace(req.ImageData) == "" {
		return ImageRequest{}, ErrInvalidFrame
	}
	return req, nil
}

func decodeStrict(payload json.RawMessage, v any) error {
	if len(payload) == 0 || string(payload) == "null" {
		return ErrInvalidFrame
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return errors.Join(ErrInvalidFrame, err)
	}
	return nil
}

// Event is the envelope of every outbound frame.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// CurrentUser is the joiner's own identity as echoed in the join
// confirmation. The flag is never stored.
type CurrentUser struct {
	User
	IsCurrentUser bool `json:"isCurrentUser"`
}

// JoinPayload is the private confirmation sent to a joiner.
type JoinPayload struct {
	User     CurrentUser `json:"user"`
	Messages []Message   `json:"messages"`
	Room     Room        `json:"room"`
}

// MessagePayload wraps a broadcast message.
type MessagePayload struct {
	Message Message `json:"message"`
}

// TypingPayload wraps a user snapshot after a typing change.
type TypingPayload struct {
	User User `json:"user"`
}

// UsersPayload carries a room's full roster.
type UsersPayload struct {
	Users []User `json:"users"`
}

// ErrorPayload carries a human-readable error.
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewJoinEvent builds the join confirmation for user.
func NewJoinEvent(user User, history []Message, room Room) Event {
	if history == nil {
		history = []Message{}
	}
	return Event{Type: EventJoin, Payload: JoinPayload{
		User:     CurrentUser{User: user, IsCurrentUser: true},
		Messages: history,
		Room:     room,
	}}
}

// NewMessageEvent wraps msg for broadcast.
func NewMessageEvent(msg Message) Event {
	return Event{Type: EventMessage, Payload: MessagePayload{Message: msg}}
}

// NewTypingEvent wraps a typing snapshot for broadcast.
func NewTypingEvent(user User) Event {
	return Event{Type: EventTyping, Payload: TypingPayload{User: user}}
}

// NewUsersEvent wraps a roster for broadcast.
func NewUsersEvent(users []User) Event {
	if users == nil {
		users = []User{}
	}
	return Event{Type: EventUsers, Payload: UsersPayload{Users: users}}
}

// NewErrorEvent builds a unicast error.
func NewErrorEvent(message string) Event {
	return Event{Type: EventError, Payload: ErrorPayload{Message: message}}
}

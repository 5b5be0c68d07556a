// Package chat defines the room, user and message types shared by the
// store and server packages, together with the JSON frames exchanged with
// connected clients.
package chat

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SystemUserID is the reserved sender id of server-generated notices.
const SystemUserID = "system"

// SystemUsername is the display name attached to server-generated notices.
const SystemUsername = "System"

// Message kinds carried in Message.MessageType.
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
)

// Room is a named channel grouping users and message history.
type Room struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// User is a chat identity bound to exactly one room for its lifetime.
// The id is minted per join, not per person.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

// Message is an immutable entry in a room's history.
type Message struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"roomId"`
	UserID      string    `json:"userId"`
	Username    string    `json:"username"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
	MessageType string    `json:"messageType,omitempty"`
	ImageData   string    `json:"imageData,omitempty"`
}

// IsSystem reports whether the message was generated by the server.
func (m Message) IsSystem() bool {
	return m.UserID == SystemUserID
}

// NewUserID mints a fresh opaque user id.
func NewUserID() string {
	return uuid.New().String()
}

// NewTextMessage builds a text message authored by user.
func NewTextMessage(user User, text string) Message {
	return Message{
		ID:          uuid.New().String(),
		RoomID:      user.RoomID,
		UserID:      user.ID,
		Username:    user.Username,
		Text:        text,
		Timestamp:   time.Now().UTC(),
		MessageType: MessageTypeText,
	}
}

// NewImageMessage builds an image message authored by user with an
// optional caption.
func NewImageMessage(user User, imageData, caption string) Message {
	msg := NewTextMessage(user, caption)
	msg.MessageType = MessageTypeImage
	msg.ImageData = imageData
	return msg
}

// NewSystemMessage builds a server notice for roomID.
func NewSystemMessage(roomID, format string, args ...any) Message {
	return Message{
		ID:          uuid.New().String(),
		RoomID:      roomID,
		UserID:      SystemUserID,
		Username:    SystemUsername,
		Text:        fmt.Sprintf(format, args...),
		Timestamp:   time.Now().UTC(),
		MessageType: MessageTypeText,
	}
}

// JoinedNotice is the system message appended when username joins roomID.
func JoinedNotice(roomID, username string) Message {
	return NewSystemMessage(roomID, "%s has joined the chat", username)
}

// LeftNotice is the system message appended when username's departure is
// finalized.
func LeftNotice(roomID, username string) Message {
	return NewSystemMessage(roomID, "%s has left the chat", username)
}

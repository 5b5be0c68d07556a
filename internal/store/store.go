// Package store defines the persistence backend for rooms, message history
// and room membership, with in-memory, Redis and SQL implementations.
package store

import (
	"context"
	"errors"

	"github.com/Tyrowin/roomchat/internal/chat"
)

var (
	// ErrRoomNotFound is returned when a room id is unknown.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomExists is returned when creating a room whose id is taken.
	ErrRoomExists = errors.New("room already exists")
	// ErrUserNotFound is returned when a user id is not a member of any room.
	ErrUserNotFound = errors.New("user not found")
)

// Store is the Room Store. All methods are safe for concurrent use.
//
// ListMessages and ListMembers return snapshots the caller may keep.
// Messages are returned in arrival order.
type Store interface {
	ListRooms(ctx context.Context) ([]chat.Room, error)
	GetRoom(ctx context.Context, roomID string) (chat.Room, error)
	CreateRoom(ctx context.Context, room chat.Room) error

	ListMessages(ctx context.Context, roomID string) ([]chat.Message, error)
	AppendMessage(ctx context.Context, msg chat.Message) error

	ListMembers(ctx context.Context, roomID string) ([]chat.User, error)
	UpsertMember(ctx context.Context, user chat.User) error
	RemoveMember(ctx context.Context, userID, roomID string) (bool, error)
	SetTyping(ctx context.Context, userID string, isTyping bool) (chat.User, error)

	Close() error
}

// RetryableError marks a backend failure that may succeed if retried.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err was classified as transient by a backend.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsNotFound reports whether err is one of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRoomNotFound) || errors.Is(err, ErrUserNotFound)
}

// FindMember returns the member of roomID with userID.
func FindMember(ctx context.Context, s Store, roomID, userID string) (chat.User, error) {
	members, err := s.ListMembers(ctx, roomID)
	if err != nil {
		return chat.User{}, err
	}
	for _, m := range members {
		if m.ID == userID {
			return m, nil
		}
	}
	return chat.User{}, ErrUserNotFound
}

// Seed creates rooms that do not exist yet.
func Seed(ctx context.Context, s Store, rooms []chat.Room) error {
	for _, room := range rooms {
		if err := s.CreateRoom(ctx, room); err != nil && !errors.Is(err, ErrRoomExists) {
			return err
		}
	}
	return nil
}

func trimHistory(messages []chat.Message, limit int) []chat.Message {
	if limit <= 0 || len(messages) <= limit {
		return messages
	}
	return messages[len(messages)-limit:]
}

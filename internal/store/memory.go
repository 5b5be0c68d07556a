// Package store provides MemoryStore, the default process-local backend.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/Tyrowin/roomchat/internal/chat"
)

type memoryRoom struct {
	mu       sync.RWMutex
	room     chat.Room
	messages []chat.Message
	members  map[string]chat.User
	order    []string
}

// MemoryStore keeps everything in process memory. The room table and the
// user index share one lock; each room's history and roster have their own.
type MemoryStore struct {
	mu           sync.RWMutex
	rooms        map[string]*memoryRoom
	userRooms    map[string]string
	historyLimit int
}

// NewMemoryStore creates an empty in-memory store. A positive historyLimit
// caps the messages kept per room.
func NewMemoryStore(historyLimit int) *MemoryStore {
	return &MemoryStore{
		rooms:        make(map[string]*memoryRoom),
		userRooms:    make(map[string]string),
		historyLimit: historyLimit,
	}
}

func (s *MemoryStore) room(roomID string) (*memoryRoom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return r, nil
}

// ListRooms returns all rooms ordered by id.
func (s *MemoryStore) ListRooms(_ context.Context) ([]chat.Room, error) {
	s.mu.RLock()
	rooms := make([]chat.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r.room)
	}
	s.mu.RUnlock()

	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms, nil
}

// GetRoom returns the room with roomID or ErrRoomNotFound.
func (s *MemoryStore) GetRoom(_ context.Context, roomID string) (chat.Room, error) {
	r, err := s.room(roomID)
	if err != nil {
		return chat.Room{}, err
	}
	return r.room, nil
}

// CreateRoom adds room, failing with ErrRoomExists if the id is taken.
func (s *MemoryStore) CreateRoom(_ context.Context, room chat.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[room.ID]; ok {
		return ErrRoomExists
	}
	s.rooms[room.ID] = &memoryRoom{
		room:    room,
		members: make(map[string]chat.User),
	}
	return nil
}

// ListMessages returns a copy of the room history, oldest first.
func (s *MemoryStore) ListMessages(_ context.Context, roomID string) ([]chat.Message, error) {
	r, err := s.room(roomID)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]chat.Message, len(r.messages))
	copy(out, r.messages)
	return out, nil
}

// AppendMessage appends msg and drops the oldest entries past the
// history limit.
func (s *MemoryStore) AppendMessage(_ context.Context, msg chat.Message) error {
	r, err := s.room(msg.RoomID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = trimHistory(append(r.messages, msg), s.historyLimit)
	return nil
}

// ListMembers returns the roster in join order.
func (s *MemoryStore) ListMembers(_ context.Context, roomID string) ([]chat.User, error) {
	r, err := s.room(roomID)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]chat.User, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.members[id])
	}
	return out, nil
}

// UpsertMember adds user to its room or replaces the stored copy,
// keeping its original join position.
func (s *MemoryStore) UpsertMember(_ context.Context, user chat.User) error {
	r, err := s.room(user.RoomID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.userRooms[user.ID] = user.RoomID
	s.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[user.ID]; !ok {
		r.order = append(r.order, user.ID)
	}
	r.members[user.ID] = user
	return nil
}

// RemoveMember removes userID from roomID and reports whether it was
// present.
func (s *MemoryStore) RemoveMember(_ context.Context, userID, roomID string) (bool, error) {
	r, err := s.room(roomID)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	if s.userRooms[userID] == roomID {
		delete(s.userRooms, userID)
	}
	s.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[userID]; !ok {
		return false, nil
	}
	delete(r.members, userID)
	for i, id := range r.order {
		if id == userID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true, nil
}

// SetTyping sets the typing flag of a present user.
func (s *MemoryStore) SetTyping(_ context.Context, userID string, isTyping bool) (chat.User, error) {
	s.mu.RLock()
	roomID, ok := s.userRooms[userID]
	r := s.rooms[roomID]
	s.mu.RUnlock()
	if !ok || r == nil {
		return chat.User{}, ErrUserNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.members[userID]
	if !ok {
		return chat.User{}, ErrUserNotFound
	}
	user.IsTyping = isTyping
	r.members[userID] = user
	return user, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

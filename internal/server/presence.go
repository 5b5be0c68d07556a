package server

import (
	"context"
	"errors"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/store"
)

// Presence tracks which users are in a room and whether they are typing.
// Membership lives in the Room Store so every backend shares one roster.
type Presence struct {
	store store.Store
}

// NewPresence creates a Presence backed by s.
func NewPresence(s store.Store) *Presence {
	return &Presence{store: s}
}

// Enter adds user to its room with the typing flag cleared.
func (p *Presence) Enter(ctx context.Context, user chat.User) (chat.User, error) {
	user.IsTyping = false
	if err := p.store.UpsertMember(ctx, user); err != nil {
		return chat.User{}, err
	}
	return user, nil
}

// Leave removes user from its room and reports whether it was present.
func (p *Presence) Leave(ctx context.Context, user chat.User) (bool, error) {
	return p.store.RemoveMember(ctx, user.ID, user.RoomID)
}

// SetTyping updates the typing flag of userID. ok is false when the user is
// no longer present.
func (p *Presence) SetTyping(ctx context.Context, userID string, isTyping bool) (chat.User, bool, error) {
	user, err := p.store.SetTyping(ctx, userID, isTyping)
	if errors.Is(err, store.ErrUserNotFound) {
		return chat.User{}, false, nil
	}
	if err != nil {
		return chat.User{}, false, err
	}
	return user, true, nil
}

// Member returns the present user userID in roomID.
func (p *Presence) Member(ctx context.Context, roomID, userID string) (chat.User, error) {
	return store.FindMember(ctx, p.store, roomID, userID)
}

// Roster returns the users present in roomID.
func (p *Presence) Roster(ctx context.Context, roomID string) ([]chat.User, error) {
	return p.store.ListMembers(ctx, roomID)
}

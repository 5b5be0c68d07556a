// Package server coordinates joins, messages and departures of a room with
// the broadcasts they trigger.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/Tyrowin/roomchat/internal/store"
	"github.com/rs/zerolog"
)

// RoomService coordinates room state changes with their broadcasts.
// Mutations of one room are serialized by that room's lock so rosters and
// history are never interleaved between concurrent joins and leaves.
type RoomService struct {
	store      store.Store
	presence   *Presence
	hub        *Hub
	reconciler *Reconciler
	autoCreate bool
	logger     zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// RoomServiceConfig holds the RoomService collaborators.
type RoomServiceConfig struct {
	Store       store.Store
	Hub         *Hub
	GracePeriod time.Duration
	AutoCreate  bool
	Logger      zerolog.Logger
}

// NewRoomService creates a RoomService whose reconciler finalizes
// departures after cfg.GracePeriod.
func NewRoomService(cfg RoomServiceConfig) *RoomService {
	s := &RoomService{
		store:      cfg.Store,
		presence:   NewPresence(cfg.Store),
		hub:        cfg.Hub,
		autoCreate: cfg.AutoCreate,
		logger:     cfg.Logger.With().Str("component", "rooms").Logger(),
		locks:      make(map[string]*sync.Mutex),
	}
	s.reconciler = NewReconciler(cfg.GracePeriod, s.Finalize, cfg.Logger)
	return s
}

// Reconciler returns the service's Disconnect Reconciler.
func (s *RoomService) Reconciler() *Reconciler {
	return s.reconciler
}

func (s *RoomService) lock(roomID string) func() {
	s.locksMu.Lock()
	mu, ok := s.locks[roomID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[roomID] = mu
	}
	s.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// resolveRoom returns the room to join, creating it when auto-creation is
// enabled.
func (s *RoomService) resolveRoom(ctx context.Context, roomID string) (chat.Room, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, store.ErrRoomNotFound) {
		return chat.Room{}, err
	}
	if !s.autoCreate {
		return chat.Room{}, errRoomNotFound
	}

	room = chat.Room{ID: roomID, Name: roomID}
	if err := s.store.CreateRoom(ctx, room); err != nil && !errors.Is(err, store.ErrRoomExists) {
		return chat.Room{}, err
	}
	s.logger.Info().Str(logging.FieldRoomID, roomID).Msg("room created on join")
	return s.store.GetRoom(ctx, roomID)
}

// Join binds client to req.RoomID. The joiner receives its confirmation
// with the room history, then the room receives the updated roster and, for
// a new identity, the joined notice. A join naming the userId of a pending
// departure in the same room resumes that identity instead.
func (s *RoomService) Join(ctx context.Context, client *Client, req chat.JoinRequest) (chat.User, error) {
	room, err := s.resolveRoom(ctx, req.RoomID)
	if err != nil {
		return chat.User{}, err
	}

	unlock := s.lock(room.ID)
	defer unlock()

	user, resumed := s.reconciler.Cancel(req.UserID, room.ID)
	if !resumed {
		user = chat.User{
			ID:       chat.NewUserID(),
			Username: req.Username,
			RoomID:   room.ID,
		}
	}

	user, err = s.presence.Enter(ctx, user)
	if err != nil {
		s.rollbackEnter(ctx, user, resumed)
		return chat.User{}, fmt.Errorf("enter room %s: %w", room.ID, err)
	}

	history, err := s.store.ListMessages(ctx, room.ID)
	if err != nil {
		s.rollbackEnter(ctx, user, resumed)
		return chat.User{}, fmt.Errorf("list messages of %s: %w", room.ID, err)
	}

	if !s.hub.Bind(client, user) {
		s.rollbackEnter(ctx, user, resumed)
		return chat.User{}, errSessionClosed
	}
	client.markJoined(user)

	s.hub.Send(client, chat.NewJoinEvent(user, history, room))

	if err := s.broadcastRoster(ctx, room.ID); err != nil {
		return user, err
	}

	if resumed {
		s.logger.Info().
			Str(logging.FieldUserID, user.ID).
			Str(logging.FieldRoomID, room.ID).
			Msg("session resumed")
		return user, nil
	}

	return user, s.appendAndBroadcast(ctx, chat.JoinedNotice(room.ID, user.Username))
}

// rollbackEnter undoes a failed join. A resumed identity goes back to the
// reconciler with a fresh grace window.
func (s *RoomService) rollbackEnter(ctx context.Context, user chat.User, resumed bool) {
	if resumed {
		s.reconciler.Schedule(user)
		return
	}
	if _, err := s.presence.Leave(ctx, user); err != nil {
		s.logger.Error().Err(err).Str(logging.FieldUserID, user.ID).Msg("failed to roll back join")
	}
}

// PostMessage appends a text message from user and broadcasts it.
func (s *RoomService) PostMessage(ctx context.Context, user chat.User, text string) error {
	unlock := s.lock(user.RoomID)
	defer unlock()

	author, err := s.member(ctx, user)
	if err != nil {
		return err
	}
	return s.appendAndBroadcast(ctx, chat.NewTextMessage(author, text))
}

// PostImage appends an image message from user and broadcasts it.
func (s *RoomService) PostImage(ctx context.Context, user chat.User, imageData, caption string) error {
	unlock := s.lock(user.RoomID)
	defer unlock()

	author, err := s.member(ctx, user)
	if err != nil {
		return err
	}
	return s.appendAndBroadcast(ctx, chat.NewImageMessage(author, imageData, caption))
}

// SetTyping updates user's typing flag and broadcasts the new state. It is
// a no-op when the user is no longer in the room.
func (s *RoomService) SetTyping(ctx context.Context, user chat.User, isTyping bool) error {
	unlock := s.lock(user.RoomID)
	defer unlock()

	updated, ok, err := s.presence.SetTyping(ctx, user.ID, isTyping)
	if err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	if !ok {
		return nil
	}
	s.hub.Broadcast(updated.RoomID, chat.NewTypingEvent(updated))
	return nil
}

// Disconnected hands a closed session's user to the reconciler.
func (s *RoomService) Disconnected(user chat.User) {
	s.reconciler.Schedule(user)
}

// Finalize removes user from its room once the grace window expired with
// no live connection bound to it, then announces the departure.
func (s *RoomService) Finalize(ctx context.Context, user chat.User) {
	unlock := s.lock(user.RoomID)
	defer unlock()

	logger := s.logger.With().
		Str(logging.FieldUserID, user.ID).
		Str(logging.FieldRoomID, user.RoomID).
		Logger()

	if s.hub.IsUserBound(user.ID) {
		logger.Debug().Msg("user reconnected; departure skipped")
		return
	}

	removed, err := s.presence.Leave(ctx, user)
	if err != nil {
		logger.Error().Err(err).Bool("retryable", store.IsRetryable(err)).Msg("failed to remove departed user")
		return
	}
	if !removed {
		return
	}

	if err := s.appendAndBroadcast(ctx, chat.LeftNotice(user.RoomID, user.Username)); err != nil {
		logger.Error().Err(err).Bool("retryable", store.IsRetryable(err)).Msg("failed to announce departure")
	}
	if err := s.broadcastRoster(ctx, user.RoomID); err != nil {
		logger.Error().Err(err).Bool("retryable", store.IsRetryable(err)).Msg("failed to broadcast roster")
	}
	logger.Info().Str(logging.FieldUsername, user.Username).Msg("departure finalized")
}

func (s *RoomService) member(ctx context.Context, user chat.User) (chat.User, error) {
	author, err := s.presence.Member(ctx, user.RoomID, user.ID)
	if store.IsNotFound(err) {
		return chat.User{}, errUserNotInRoom
	}
	if err != nil {
		return chat.User{}, fmt.Errorf("find member: %w", err)
	}
	return author, nil
}

func (s *RoomService) appendAndBroadcast(ctx context.Context, msg chat.Message) error {
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	s.hub.Broadcast(msg.RoomID, chat.NewMessageEvent(msg))
	return nil
}

func (s *RoomService) broadcastRoster(ctx context.Context, roomID string) error {
	users, err := s.presence.Roster(ctx, roomID)
	if err != nil {
		return fmt.Errorf("list members of %s: %w", roomID, err)
	}
	s.hub.Broadcast(roomID, chat.NewUsersEvent(users))
	return nil
}

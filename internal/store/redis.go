// Package store provides RedisStore, a backend shared by every process
// pointed at the same Redis.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// Redis key layout:
// {prefix}:rooms                     HASH room_id -> room JSON
// {prefix}:room:{room_id}:messages   LIST message JSON, arrival order
// {prefix}:room:{room_id}:members    HASH user_id -> user JSON
// {prefix}:room:{room_id}:order      ZSET user_id scored by join sequence
// {prefix}:user:{user_id}            STRING room_id
// {prefix}:seq                       STRING join sequence counter

// RedisStore implements Store on top of Redis.
type RedisStore struct {
	client       *redis.Client
	prefix       string
	historyLimit int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig, historyLimit int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStoreFromClient(client, cfg.Prefix, historyLimit), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string, historyLimit int) *RedisStore {
	if prefix == "" {
		prefix = "roomchat"
	}
	return &RedisStore{client: client, prefix: prefix, historyLimit: historyLimit}
}

func (s *RedisStore) roomsKey() string {
	return s.prefix + ":rooms"
}

func (s *RedisStore) messagesKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s:messages", s.prefix, roomID)
}

func (s *RedisStore) membersKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s:members", s.prefix, roomID)
}

func (s *RedisStore) orderKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s:order", s.prefix, roomID)
}

func (s *RedisStore) userKey(userID string) string {
	return fmt.Sprintf("%s:user:%s", s.prefix, userID)
}

func (s *RedisStore) seqKey() string {
	return s.prefix + ":seq"
}

// ListRooms returns all rooms ordered by id.
func (s *RedisStore) ListRooms(ctx context.Context) ([]chat.Room, error) {
	raw, err := s.client.HGetAll(ctx, s.roomsKey()).Result()
	if err != nil {
		return nil, classify("list rooms", err)
	}

	rooms := make([]chat.Room, 0, len(raw))
	for _, v := range raw {
		var room chat.Room
		if err := json.Unmarshal([]byte(v), &room); err != nil {
			return nil, fmt.Errorf("decode room: %w", err)
		}
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms, nil
}

// GetRoom returns the room with roomID or ErrRoomNotFound.
func (s *RedisStore) GetRoom(ctx context.Context, roomID string) (chat.Room, error) {
	v, err := s.client.HGet(ctx, s.roomsKey(), roomID).Result()
	if errors.Is(err, redis.Nil) {
		return chat.Room{}, ErrRoomNotFound
	}
	if err != nil {
		return chat.Room{}, classify("get room", err)
	}

	var room chat.Room
	if err := json.Unmarshal([]byte(v), &room); err != nil {
		return chat.Room{}, fmt.Errorf("decode room: %w", err)
	}
	return room, nil
}

// CreateRoom adds room with HSETNX, failing with ErrRoomExists if the id
// is taken.
func (s *RedisStore) CreateRoom(ctx context.Context, room chat.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return err
	}

	created, err := s.client.HSetNX(ctx, s.roomsKey(), room.ID, data).Result()
	if err != nil {
		return classify("create room", err)
	}
	if !created {
		return ErrRoomExists
	}
	return nil
}

func (s *RedisStore) roomExists(ctx context.Context, roomID string) error {
	ok, err := s.client.HExists(ctx, s.roomsKey(), roomID).Result()
	if err != nil {
		return classify("check room", err)
	}
	if !ok {
		return ErrRoomNotFound
	}
	return nil
}

// ListMessages returns the room history, oldest first.
func (s *RedisStore) ListMessages(ctx context.Context, roomID string) ([]chat.Message, error) {
	if err := s.roomExists(ctx, roomID); err != nil {
		return nil, err
	}

	raw, err := s.client.LRange(ctx, s.messagesKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, classify("list messages", err)
	}

	messages := make([]chat.Message, 0, len(raw))
	for _, v := range raw {
		var msg chat.Message
		if err := json.Unmarshal([]byte(v), &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// AppendMessage pushes msg and trims the list to the history limit in
// one transaction.
func (s *RedisStore) AppendMessage(ctx context.Context, msg chat.Message) error {
	if err := s.roomExists(ctx, msg.RoomID); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	key := s.messagesKey(msg.RoomID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if s.historyLimit > 0 {
		pipe.LTrim(ctx, key, int64(-s.historyLimit), -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return classify("append message", err)
	}
	return nil
}

// ListMembers returns the roster in join order.
func (s *RedisStore) ListMembers(ctx context.Context, roomID string) ([]chat.User, error) {
	if err := s.roomExists(ctx, roomID); err != nil {
		return nil, err
	}

	pipe := s.client.TxPipeline()
	orderCmd := pipe.ZRange(ctx, s.orderKey(roomID), 0, -1)
	membersCmd := pipe.HGetAll(ctx, s.membersKey(roomID))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, classify("list members", err)
	}

	raw := membersCmd.Val()
	users := make([]chat.User, 0, len(raw))
	for _, id := range orderCmd.Val() {
		v, ok := raw[id]
		if !ok {
			continue
		}
		var user chat.User
		if err := json.Unmarshal([]byte(v), &user); err != nil {
			return nil, fmt.Errorf("decode member: %w", err)
		}
		users = append(users, user)
	}
	return users, nil
}

// UpsertMember stores user and records its join position on first entry.
func (s *RedisStore) UpsertMember(ctx context.Context, user chat.User) error {
	if err := s.roomExists(ctx, user.RoomID); err != nil {
		return err
	}

	data, err := json.Marshal(user)
	if err != nil {
		return err
	}

	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return classify("upsert member", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.membersKey(user.RoomID), user.ID, data)
	pipe.ZAddNX(ctx, s.orderKey(user.RoomID), redis.Z{Score: float64(seq), Member: user.ID})
	pipe.Set(ctx, s.userKey(user.ID), user.RoomID, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return classify("upsert member", err)
	}
	return nil
}

// RemoveMember removes userID from roomID and reports whether it was
// present.
func (s *RedisStore) RemoveMember(ctx context.Context, userID, roomID string) (bool, error) {
	if err := s.roomExists(ctx, roomID); err != nil {
		return false, err
	}

	pipe := s.client.TxPipeline()
	delCmd := pipe.HDel(ctx, s.membersKey(roomID), userID)
	pipe.ZRem(ctx, s.orderKey(roomID), userID)
	pipe.Del(ctx, s.userKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, classify("remove member", err)
	}
	return delCmd.Val() > 0, nil
}

// SetTyping reads and rewrites the member under WATCH so a concurrent
// removal is never undone.
func (s *RedisStore) SetTyping(ctx context.Context, userID string, isTyping bool) (chat.User, error) {
	roomID, err := s.client.Get(ctx, s.userKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return chat.User{}, ErrUserNotFound
	}
	if err != nil {
		return chat.User{}, classify("set typing", err)
	}

	membersKey := s.membersKey(roomID)
	var updated chat.User
	txf := func(tx *redis.Tx) error {
		v, err := tx.HGet(ctx, membersKey, userID).Result()
		if errors.Is(err, redis.Nil) {
			return ErrUserNotFound
		}
		if err != nil {
			return err
		}

		var user chat.User
		if err := json.Unmarshal([]byte(v), &user); err != nil {
			return fmt.Errorf("decode member: %w", err)
		}
		user.IsTyping = isTyping

		data, err := json.Marshal(user)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, membersKey, userID, data)
			return nil
		})
		if err == nil {
			updated = user
		}
		return err
	}

	if err := s.client.Watch(ctx, txf, membersKey); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return chat.User{}, err
		}
		return chat.User{}, classify("set typing", err)
	}
	return updated, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// classify wraps transient Redis failures as RetryableError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	switch {
	case errors.Is(err, redis.TxFailedErr),
		errors.Is(err, io.EOF),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr),
		strings.Contains(err.Error(), "connection pool timeout"):
		return &RetryableError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

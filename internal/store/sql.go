// Package store provides SQLStore, a GORM backend that keeps rooms and
// history across restarts.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type roomRecord struct {
	ID        string `gorm:"primaryKey"`
	Name      string `gorm:"not null"`
	CreatedAt time.Time
}

func (roomRecord) TableName() string { return "rooms" }

type messageRecord struct {
	Seq         uint64 `gorm:"primaryKey;autoIncrement"`
	ID          string `gorm:"uniqueIndex;not null"`
	RoomID      string `gorm:"index;not null"`
	UserID      string `gorm:"not null"`
	Username    string `gorm:"not null"`
	Text        string
	Timestamp   time.Time `gorm:"not null"`
	MessageType string
	ImageData   string
}

func (messageRecord) TableName() string { return "messages" }

type memberRecord struct {
	ID        string `gorm:"primaryKey"`
	RoomID    string `gorm:"index;not null"`
	Username  string `gorm:"not null"`
	IsTyping  bool
	CreatedAt time.Time
}

func (memberRecord) TableName() string { return "members" }

func (m memberRecord) toUser() chat.User {
	return chat.User{ID: m.ID, Username: m.Username, RoomID: m.RoomID, IsTyping: m.IsTyping}
}

func (m messageRecord) toMessage() chat.Message {
	return chat.Message{
		ID:          m.ID,
		RoomID:      m.RoomID,
		UserID:      m.UserID,
		Username:    m.Username,
		Text:        m.Text,
		Timestamp:   m.Timestamp.UTC(),
		MessageType: m.MessageType,
		ImageData:   m.ImageData,
	}
}

// SQLStore implements Store on a GORM database. Message order is the
// auto-increment sequence of the messages table.
type SQLStore struct {
	db           *gorm.DB
	historyLimit int
}

// OpenSQLite opens (or creates) a SQLite database at path.
func OpenSQLite(path string, debug bool) (*gorm.DB, error) {
	logLevel := logger.Silent
	if debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// NewSQLStore runs migrations and returns a store backed by db.
func NewSQLStore(db *gorm.DB, historyLimit int) (*SQLStore, error) {
	if err := db.AutoMigrate(&roomRecord{}, &messageRecord{}, &memberRecord{}); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &SQLStore{db: db, historyLimit: historyLimit}, nil
}

// ListRooms returns all rooms ordered by id.
func (s *SQLStore) ListRooms(ctx context.Context) ([]chat.Room, error) {
	var records []roomRecord
	if err := s.db.WithContext(ctx).Order("id").Find(&records).Error; err != nil {
		return nil, classifySQL("list rooms", err)
	}

	rooms := make([]chat.Room, 0, len(records))
	for _, r := range records {
		rooms = append(rooms, chat.Room{ID: r.ID, Name: r.Name})
	}
	return rooms, nil
}

// GetRoom returns the room with roomID or ErrRoomNotFound.
func (s *SQLStore) GetRoom(ctx context.Context, roomID string) (chat.Room, error) {
	var r roomRecord
	if err := s.db.WithContext(ctx).First(&r, "id = ?", roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return chat.Room{}, ErrRoomNotFound
		}
		return chat.Room{}, classifySQL("get room", err)
	}
	return chat.Room{ID: r.ID, Name: r.Name}, nil
}

// CreateRoom inserts room, failing with ErrRoomExists if the id is taken.
func (s *SQLStore) CreateRoom(ctx context.Context, room chat.Room) error {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&roomRecord{ID: room.ID, Name: room.Name})
	if err := result.Error; err != nil {
		return classifySQL("create room", err)
	}
	if result.RowsAffected == 0 {
		return ErrRoomExists
	}
	return nil
}

func (s *SQLStore) roomExists(ctx context.Context, roomID string) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&roomRecord{}).Where("id = ?", roomID).Count(&count).Error; err != nil {
		return classifySQL("check room", err)
	}
	if count == 0 {
		return ErrRoomNotFound
	}
	return nil
}

// ListMessages returns up to the history limit of the newest messages,
// oldest first.
func (s *SQLStore) ListMessages(ctx context.Context, roomID string) ([]chat.Message, error) {
	if err := s.roomExists(ctx, roomID); err != nil {
		return nil, err
	}

	var records []messageRecord
	q := s.db.WithContext(ctx).Where("room_id = ?", roomID).Order("seq DESC")
	if s.historyLimit > 0 {
		q = q.Limit(s.historyLimit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, classifySQL("list messages", err)
	}

	messages := make([]chat.Message, len(records))
	for i, r := range records {
		messages[len(records)-1-i] = r.toMessage()
	}
	return messages, nil
}

// AppendMessage inserts msg and trims the room to the history limit in
// the same transaction.
func (s *SQLStore) AppendMessage(ctx context.Context, msg chat.Message) error {
	if err := s.roomExists(ctx, msg.RoomID); err != nil {
		return err
	}

	record := messageRecord{
		ID:          msg.ID,
		RoomID:      msg.RoomID,
		UserID:      msg.UserID,
		Username:    msg.Username,
		Text:        msg.Text,
		Timestamp:   msg.Timestamp,
		MessageType: msg.MessageType,
		ImageData:   msg.ImageData,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		return s.trimHistory(tx, msg.RoomID)
	})
	if err != nil {
		return classifySQL("append message", err)
	}
	return nil
}

// trimHistory deletes the messages of roomID older than the newest
// historyLimit.
func (s *SQLStore) trimHistory(tx *gorm.DB, roomID string) error {
	if s.historyLimit <= 0 {
		return nil
	}

	var cutoff []uint64
	err := tx.Model(&messageRecord{}).
		Where("room_id = ?", roomID).
		Order("seq DESC").
		Offset(s.historyLimit).
		Limit(1).
		Pluck("seq", &cutoff).Error
	if err != nil || len(cutoff) == 0 {
		return err
	}
	return tx.Where("room_id = ? AND seq <= ?", roomID, cutoff[0]).Delete(&messageRecord{}).Error
}

// ListMembers returns the roster in join order.
func (s *SQLStore) ListMembers(ctx context.Context, roomID string) ([]chat.User, error) {
	if err := s.roomExists(ctx, roomID); err != nil {
		return nil, err
	}

	var records []memberRecord
	if err := s.db.WithContext(ctx).Where("room_id = ?", roomID).Order("created_at, id").Find(&records).Error; err != nil {
		return nil, classifySQL("list members", err)
	}

	users := make([]chat.User, 0, len(records))
	for _, r := range records {
		users = append(users, r.toUser())
	}
	return users, nil
}

// UpsertMember inserts user or updates the stored row in place.
func (s *SQLStore) UpsertMember(ctx context.Context, user chat.User) error {
	if err := s.roomExists(ctx, user.RoomID); err != nil {
		return err
	}

	record := memberRecord{
		ID:        user.ID,
		RoomID:    user.RoomID,
		Username:  user.Username,
		IsTyping:  user.IsTyping,
		CreatedAt: time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"room_id", "username", "is_typing"}),
	}).Create(&record).Error
	if err != nil {
		return classifySQL("upsert member", err)
	}
	return nil
}

// RemoveMember deletes userID from roomID and reports whether it was
// present.
func (s *SQLStore) RemoveMember(ctx context.Context, userID, roomID string) (bool, error) {
	if err := s.roomExists(ctx, roomID); err != nil {
		return false, err
	}

	result := s.db.WithContext(ctx).Delete(&memberRecord{}, "id = ? AND room_id = ?", userID, roomID)
	if err := result.Error; err != nil {
		return false, classifySQL("remove member", err)
	}
	return result.RowsAffected > 0, nil
}

// SetTyping sets the typing flag of a present user.
func (s *SQLStore) SetTyping(ctx context.Context, userID string, isTyping bool) (chat.User, error) {
	var updated memberRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&memberRecord{}).Where("id = ?", userID).Update("is_typing", isTyping)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrUserNotFound
		}
		return tx.First(&updated, "id = ?", userID).Error
	})
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return chat.User{}, err
		}
		return chat.User{}, classifySQL("set typing", err)
	}
	return updated.toUser(), nil
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// classifySQL marks lock contention as retryable.
func classifySQL(op string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy") ||
		errors.Is(err, context.DeadlineExceeded) {
		return &RetryableError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/Tyrowin/roomchat/internal/chat"
)

var testRooms = []chat.Room{
	{ID: "general", Name: "General Chat"},
	{ID: "tech", Name: "Tech Discussion"},
}

// runStoreContract exercises the behaviour every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("rooms", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		rooms, err := s.ListRooms(ctx)
		if err != nil {
			t.Fatalf("ListRooms() error = %v", err)
		}
		if len(rooms) != 2 || rooms[0].ID != "general" || rooms[1].ID != "tech" {
			t.Fatalf("ListRooms() = %+v, want general and tech", rooms)
		}

		room, err := s.GetRoom(ctx, "tech")
		if err != nil {
			t.Fatalf("GetRoom() error = %v", err)
		}
		if room.Name != "Tech Discussion" {
			t.Errorf("GetRoom().Name = %q, want %q", room.Name, "Tech Discussion")
		}

		if _, err := s.GetRoom(ctx, "missing"); !errors.Is(err, ErrRoomNotFound) {
			t.Errorf("GetRoom(missing) error = %v, want ErrRoomNotFound", err)
		}

		if err := s.CreateRoom(ctx, chat.Room{ID: "random", Name: "Random Thoughts"}); err != nil {
			t.Fatalf("CreateRoom() error = %v", err)
		}
		if err := s.CreateRoom(ctx, chat.Room{ID: "random", Name: "Again"}); !errors.Is(err, ErrRoomExists) {
			t.Errorf("CreateRoom(duplicate) error = %v, want ErrRoomExists", err)
		}
	})

	t.Run("messages keep arrival order", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		user := chat.User{ID: "u1", Username: "alice", RoomID: "general"}

		first := chat.NewTextMessage(user, "hi")
		second := chat.NewTextMessage(user, "hi")
		for _, m := range []chat.Message{first, second} {
			if err := s.AppendMessage(ctx, m); err != nil {
				t.Fatalf("AppendMessage() error = %v", err)
			}
		}

		got, err := s.ListMessages(ctx, "general")
		if err != nil {
			t.Fatalf("ListMessages() error = %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("len(ListMessages()) = %d, want 2", len(got))
		}
		if got[0].ID != first.ID || got[1].ID != second.ID {
			t.Errorf("ListMessages() order = [%s %s], want [%s %s]", got[0].ID, got[1].ID, first.ID, second.ID)
		}
		if got[0].ID == got[1].ID {
			t.Error("identical texts produced identical message ids")
		}

		other, err := s.ListMessages(ctx, "tech")
		if err != nil {
			t.Fatalf("ListMessages(tech) error = %v", err)
		}
		if len(other) != 0 {
			t.Errorf("ListMessages(tech) = %d messages, want 0", len(other))
		}

		if err := s.AppendMessage(ctx, chat.NewSystemMessage("missing", "x")); !errors.Is(err, ErrRoomNotFound) {
			t.Errorf("AppendMessage(missing room) error = %v, want ErrRoomNotFound", err)
		}
	})

	t.Run("concurrent appends lose nothing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const writers, perWriter = 8, 10
		var wg sync.WaitGroup
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				user := chat.User{ID: fmt.Sprintf("u%d", w), Username: "w", RoomID: "general"}
				for i := 0; i < perWriter; i++ {
					if err := s.AppendMessage(ctx, chat.NewTextMessage(user, fmt.Sprintf("%d", i))); err != nil {
						t.Errorf("AppendMessage() error = %v", err)
					}
				}
			}(w)
		}
		wg.Wait()

		got, err := s.ListMessages(ctx, "general")
		if err != nil {
			t.Fatalf("ListMessages() error = %v", err)
		}
		if len(got) != writers*perWriter {
			t.Errorf("len(ListMessages()) = %d, want %d", len(got), writers*perWriter)
		}
	})

	t.Run("members", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		alice := chat.User{ID: "a", Username: "alice", RoomID: "general"}
		bob := chat.User{ID: "b", Username: "bob", RoomID: "general"}

		for _, u := range []chat.User{alice, bob} {
			if err := s.UpsertMember(ctx, u); err != nil {
				t.Fatalf("UpsertMember() error = %v", err)
			}
		}
		alice.Username = "alice2"
		if err := s.UpsertMember(ctx, alice); err != nil {
			t.Fatalf("UpsertMember(replace) error = %v", err)
		}

		members, err := s.ListMembers(ctx, "general")
		if err != nil {
			t.Fatalf("ListMembers() error = %v", err)
		}
		if len(members) != 2 {
			t.Fatalf("len(ListMembers()) = %d, want 2", len(members))
		}
		if members[0].ID != "a" || members[0].Username != "alice2" {
			t.Errorf("members[0] = %+v, want replaced alice first", members[0])
		}

		user, err := s.SetTyping(ctx, "b", true)
		if err != nil {
			t.Fatalf("SetTyping() error = %v", err)
		}
		if !user.IsTyping || user.ID != "b" {
			t.Errorf("SetTyping() = %+v, want bob typing", user)
		}
		found, err := FindMember(ctx, s, "general", "b")
		if err != nil || !found.IsTyping {
			t.Errorf("FindMember() = %+v, %v; want typing bob", found, err)
		}

		if _, err := s.SetTyping(ctx, "nobody", true); !errors.Is(err, ErrUserNotFound) {
			t.Errorf("SetTyping(unknown) error = %v, want ErrUserNotFound", err)
		}

		removed, err := s.RemoveMember(ctx, "b", "general")
		if err != nil || !removed {
			t.Fatalf("RemoveMember() = %v, %v; want true, nil", removed, err)
		}
		removed, err = s.RemoveMember(ctx, "b", "general")
		if err != nil || removed {
			t.Errorf("RemoveMember(again) = %v, %v; want false, nil", removed, err)
		}
		if _, err := s.SetTyping(ctx, "b", false); !errors.Is(err, ErrUserNotFound) {
			t.Errorf("SetTyping(removed) error = %v, want ErrUserNotFound", err)
		}

		members, err = s.ListMembers(ctx, "general")
		if err != nil {
			t.Fatalf("ListMembers() error = %v", err)
		}
		if len(members) != 1 || members[0].ID != "a" {
			t.Errorf("ListMembers() after removal = %+v, want only alice", members)
		}
	})
}

func TestIsRetryable(t *testing.T) {
	base := errors.New("connection reset")
	wrapped := fmt.Errorf("outer: %w", &RetryableError{Op: "append message", Err: base})

	if !IsRetryable(wrapped) {
		t.Error("IsRetryable(wrapped) = false, want true")
	}
	if !errors.Is(wrapped, base) {
		t.Error("RetryableError does not unwrap to its cause")
	}
	if IsRetryable(ErrRoomNotFound) {
		t.Error("IsRetryable(ErrRoomNotFound) = true, want false")
	}
	if !IsNotFound(fmt.Errorf("x: %w", ErrUserNotFound)) {
		t.Error("IsNotFound(wrapped ErrUserNotFound) = false, want true")
	}
}

func TestSeedSkipsExistingRooms(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	if err := Seed(ctx, s, testRooms); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	if err := Seed(ctx, s, testRooms); err != nil {
		t.Fatalf("Seed(again) error = %v", err)
	}
	rooms, _ := s.ListRooms(ctx)
	if len(rooms) != len(testRooms) {
		t.Errorf("len(ListRooms()) = %d, want %d", len(rooms), len(testRooms))
	}
}

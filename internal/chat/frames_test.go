package chat

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"join", `{"type":"join","payload":{"username":"a","roomId":"general"}}`, FrameJoin, false},
		{"message", `{"type":"message","payload":{"text":"hi"}}`, FrameMessage, false},
		{"typing", `{"type":"typing","payload":{"isTyping":true}}`, FrameTyping, false},
		{"image", `{"type":"image","payload":{"imageData":"x"}}`, FrameImage, false},
		{"unknown type", `{"type":"users","payload":{}}`, "", true},
		{"missing type", `{"payload":{}}`, "", true},
		{"not json", `hello`, "", true},
		{"array", `[]`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := DecodeFrame([]byte(tt.raw))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidFrame) {
					t.Fatalf("DecodeFrame() error = %v, want ErrInvalidFrame", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeFrame() error = %v", err)
			}
			if frame.Type != tt.want {
				t.Errorf("Type = %q, want %q", frame.Type, tt.want)
			}
		})
	}
}

func TestDecodeJoin(t *testing.T) {
	req, err := DecodeJoin(json.RawMessage(`{"username":"  alice ","roomId":"general","userId":" u1 "}`))
	if err != nil {
		t.Fatalf("DecodeJoin() error = %v", err)
	}
	if req.Username != "alice" || req.RoomID != "general" || req.UserID != "u1" {
		t.Errorf("DecodeJoin() = %+v", req)
	}

	for _, raw := range []string{
		`{"username":"","roomId":"general"}`,
		`{"username":"alice"}`,
		`{"username":"alice","roomId":"   "}`,
		`{"username":5,"roomId":"general"}`,
		`null`,
		``,
	} {
		if _, err := DecodeJoin(json.RawMessage(raw)); !errors.Is(err, ErrInvalidFrame) {
			t.Errorf("DecodeJoin(%s) error = %v, want ErrInvalidFrame", raw, err)
		}
	}
}

func TestDecodePayloads(t *testing.T) {
	if req, err := DecodeMessage(json.RawMessage(`{"text":" hi "}`)); err != nil || req.Text != " hi " {
		t.Errorf("DecodeMessage() = %+v, %v", req, err)
	}
	if _, err := DecodeMessage(json.RawMessage(`{"text":""}`)); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("DecodeMessage(empty) error = %v", err)
	}

	if req, err := DecodeTyping(json.RawMessage(`{"isTyping":false}`)); err != nil || req.IsTyping {
		t.Errorf("DecodeTyping() = %+v, %v", req, err)
	}
	if _, err := DecodeTyping(json.RawMessage(`{"isTyping":"yes"}`)); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("DecodeTyping(string) error = %v", err)
	}

	if req, err := DecodeImage(json.RawMessage(`{"imageData":"data:x","text":"cap"}`)); err != nil || req.Text != "cap" {
		t.Errorf("DecodeImage() = %+v, %v", req, err)
	}
	if _, err := DecodeImage(json.RawMessage(`{"imageData":" "}`)); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("DecodeImage(blank) error = %v", err)
	}
}

func TestJoinEventMarksCurrentUser(t *testing.T) {
	user := User{ID: "u1", Username: "alice", RoomID: "general"}
	data, err := json.Marshal(NewJoinEvent(user, nil, Room{ID: "general", Name: "General Chat"}))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	got := string(data)
	for _, want := range []string{`"type":"join"`, `"isCurrentUser":true`, `"messages":[]`, `"roomId":"general"`} {
		if !strings.Contains(got, want) {
			t.Errorf("join event %s missing %s", got, want)
		}
	}
}

func TestSystemNotices(t *testing.T) {
	joined := JoinedNotice("general", "alice")
	if !joined.IsSystem() || joined.Username != SystemUsername || joined.Text != "alice has joined the chat" {
		t.Errorf("JoinedNotice() = %+v", joined)
	}

	left := LeftNotice("general", "alice")
	if left.Text != "alice has left the chat" || left.RoomID != "general" {
		t.Errorf("LeftNotice() = %+v", left)
	}
	if joined.ID == left.ID {
		t.Error("notices share an id")
	}

	img := NewImageMessage(User{ID: "u1", RoomID: "general"}, "data:x", "")
	if img.MessageType != MessageTypeImage || img.IsSystem() {
		t.Errorf("NewImageMessage() = %+v", img)
	}
}

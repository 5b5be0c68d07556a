// Package server exposes the HTTP handlers: the WebSocket upgrade, health
// checks and the JSON room API.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/Tyrowin/roomchat/internal/store"
	"github.com/gorilla/mux"
)

// handleWebSocket upgrades the request and hands the new session to the hub,
// which launches its pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	logger := logging.Ctx(r.Context())

	if s.hub.Closing() {
		logger.Info().Msg("rejecting websocket during shutdown")
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(conn, s.hub, s.rooms, r.RemoteAddr, s.cfg.WebSocket, s.cfg.RateLimit)
	if !s.hub.Register(client) {
		logger.Info().Msg("rejecting websocket during shutdown")
		_ = conn.Close()
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Chat server is running!")
}

type errorResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeStoreError maps a Room Store error to an HTTP response.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrRoomNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Message: msgRoomNotFound})
	case errors.Is(err, store.ErrRoomExists):
		writeJSON(w, http.StatusConflict, errorResponse{Message: "Room already exists"})
	default:
		logger := logging.Ctx(r.Context())
		logger.Error().Err(err).Bool("retryable", store.IsRetryable(err)).Msg("room store failure")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Message: msgRequestFailed})
	}
}

// listRooms handles GET /api/rooms
func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.store.ListRooms(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

// getRoom handles GET /api/rooms/{roomId}
func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.store.GetRoom(r.Context(), mux.Vars(r)["roomId"])
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

// listMessages handles GET /api/rooms/{roomId}/messages
func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.store.ListMessages(r.Context(), mux.Vars(r)["roomId"])
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// listUsers handles GET /api/rooms/{roomId}/users
func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListMembers(r.Context(), mux.Vars(r)["roomId"])
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// createRoom handles POST /api/rooms
func (s *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	var room chat.Room
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&room); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: msgInvalidFormat})
		return
	}

	room.ID = strings.TrimSpace(room.ID)
	room.Name = strings.TrimSpace(room.Name)
	if room.ID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: msgInvalidFormat})
		return
	}
	if room.Name == "" {
		room.Name = room.ID
	}

	if err := s.store.CreateRoom(r.Context(), room); err != nil {
		writeStoreError(w, r, err)
		return
	}

	logger := logging.Ctx(r.Context())
	logger.Info().Str(logging.FieldRoomID, room.ID).Msg("room created")
	writeJSON(w, http.StatusCreated, room)
}

// Package server assembles the hub, room service and HTTP server for one
// Room Store.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/store"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Server ties the hub, room service and HTTP surface to one Room Store.
type Server struct {
	cfg      config.Config
	store    store.Store
	hub      *Hub
	rooms    *RoomService
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// New seeds the configured rooms into st and starts the hub.
func New(ctx context.Context, cfg config.Config, st store.Store, logger zerolog.Logger) (*Server, error) {
	if err := store.Seed(ctx, st, cfg.Chat.Rooms); err != nil {
		return nil, fmt.Errorf("seed rooms: %w", err)
	}

	hub := NewHub(logger)
	rooms := NewRoomService(RoomServiceConfig{
		Store:       st,
		Hub:         hub,
		GracePeriod: cfg.Chat.GracePeriod,
		AutoCreate:  cfg.Chat.AutoCreateRooms,
		Logger:      logger,
	})
	origins := newOriginPolicy(cfg.Server.AllowedOrigins, logger)

	s := &Server{
		cfg:   cfg,
		store: st,
		hub:   hub,
		rooms: rooms,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
		logger: logger,
	}

	go hub.Run()
	return s, nil
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Rooms returns the server's room service.
func (s *Server) Rooms() *RoomService {
	return s.rooms
}

// Shutdown abandons pending departures, then closes every connection and
// waits for the session goroutines up to timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.rooms.Reconciler().Stop()
	if err := s.hub.Shutdown(timeout); err != nil {
		return fmt.Errorf("hub shutdown: %w", err)
	}
	return nil
}

// CreateServer wraps handler in an http.Server with header, body and idle
// timeouts set.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

package server

import (
	"net/http"

	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/gorilla/mux"
)

// SetupRoutes configures the router: health checks, the WebSocket endpoint
// and the read-mostly room API.
func (s *Server) SetupRoutes() http.Handler {
	router := mux.NewRouter()
	router.Use(logging.HTTPMiddleware(s.logger))

	router.HandleFunc("/", HealthHandler).Methods(http.MethodGet)
	router.HandleFunc("/health", HealthHandler).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/rooms", s.listRooms).Methods(http.MethodGet)
	api.HandleFunc("/rooms", s.createRoom).Methods(http.MethodPost)
	api.HandleFunc("/rooms/{roomId}", s.getRoom).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{roomId}/messages", s.listMessages).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{roomId}/users", s.listUsers).Methods(http.MethodGet)

	return router
}

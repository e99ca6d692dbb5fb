// Package server registers the HTTP/WS routes the composition root serves,
// grounded on the reference repo's server/routes.go (mux.Router + CORS
// middleware shape), generalized from its ad hoc /ws/{roomId} and
// /words//rooms-available handlers to the room engine's two socket
// endpoints (spec §6).
package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/scythe504/doodleroom/internal/conn"
	"github.com/scythe504/doodleroom/internal/lobby"
)

// Server holds the handlers RegisterRoutes wires up.
type Server struct {
	Conn  *conn.Handler
	Lobby *lobby.Notifier
}

func New(connHandler *conn.Handler, lobbyNotifier *lobby.Notifier) *Server {
	return &Server{Conn: connHandler, Lobby: lobbyNotifier}
}

func (s *Server) RegisterRoutes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)

	r.HandleFunc("/health", s.healthHandler)
	r.HandleFunc("/ws/rooms/{code}/", s.Conn.ServeRoom)
	r.HandleFunc("/ws/lobby/", s.Lobby.ServeLobby)

	return r
}

// corsMiddleware mirrors the reference repo's own wildcard-origin CORS
// handling, trimmed to the methods this module's routes actually use.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

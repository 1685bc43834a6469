// Package server exposes the HTTP handlers: WebSocket upgrades, the health
// check and the board statistics API.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/bboard/internal/board"
)

// boardsResponse is the body of GET /api/boards.
type boardsResponse struct {
	Connections int           `json:"connections"`
	Boards      []board.Stats `json:"boards"`
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.healthHandler)
	mux.HandleFunc("/ws", s.websocketHandler)
	mux.HandleFunc("/api/boards", s.boardsHandler)
	return mux
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "Bulletin board server is running!")
}

func (s *Server) boardsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	resp := boardsResponse{
		Connections: s.hub.Count(),
		Boards:      s.registry.Stats(),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encoding board stats", "error", err)
	}
}

func (s *Server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	t, err := newWSTransport(conn, s.cfg.MaxMessageSize)
	if err != nil {
		s.logger.Error("preparing websocket connection", "error", err)
		_ = conn.Close()
		return
	}
	s.accept(t, r.RemoteAddr)
}

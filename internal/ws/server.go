package ws

import (
	"errors"
	"log"
	"net/http"

	"parley/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Server struct {
	hub      relayHub
	upgrader *websocket.Upgrader
}

func NewServer(hub relayHub) *Server {
	return &Server{
		hub: hub,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

// HandleConnections upgrades the request and runs the connection until it
// drops. The user handle comes from the handshake query; identity proofing
// is the outer shell's problem.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	handle := r.URL.Query().Get("user")
	if handle == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}
	// Unknown handles are rejected before the upgrade; no socket is spent on
	// an identity that cannot have a session.
	if !s.hub.KnownUser(handle) {
		http.Error(w, "unknown user", http.StatusNotFound)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	connID := uuid.NewString()
	conn, err := NewConnection(s.hub, ws, handle, connID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			_ = ws.WriteJSON(models.ServerEvent{Type: models.ServerEventError, Reason: "unknown_user"})
		}
		_ = ws.Close()
		return
	}

	if err := conn.Handle(r.Context()); err != nil {
		log.Printf("connection %s (%s) closed: %v", handle, connID, err)
	}
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pion/webrtc/v4"

	"parley/internal/models"
	"parley/internal/relay"
)

// ICEProvider supplies relay servers for the /api/ice-servers endpoint.
type ICEProvider interface {
	Fetch(ctx context.Context) []webrtc.ICEServer
}

// API holds the pull-path handlers: history, deletion, roster, ICE servers.
type API struct {
	hub *relay.Hub
	ice ICEProvider
}

func New(hub *relay.Hub, ice ICEProvider) *API {
	return &API{hub: hub, ice: ice}
}

func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/users", a.UsersHandler)
		r.Post("/users", a.RegisterUserHandler)
		r.Get("/messages/{a}/{b}", a.HistoryHandler)
		r.Delete("/messages", a.DeleteMessagesHandler)
		r.Delete("/messages/clear", a.ClearChatHandler)
		r.Get("/ice-servers", a.ICEServersHandler)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.hub.Users())
}

func (a *API) RegisterUserHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := a.hub.AddUser(models.User{Handle: req.Username}); err != nil {
		log.Printf("failed to register user %q: %v", req.Username, err)
		http.Error(w, "Failed to register user", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, models.User{Handle: req.Username})
}

func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	left, right := chi.URLParam(r, "a"), chi.URLParam(r, "b")

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	messages, err := a.hub.History(left, right, page, limit)
	if err != nil {
		log.Printf("history %s|%s: %v", left, right, err)
		http.Error(w, "Failed to load messages", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	writeJSON(w, messages)
}

func (a *API) DeleteMessagesHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Requester string   `json:"requester"`
		IDs       []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Requester == "" || len(req.IDs) == 0 {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	deleted, err := a.hub.DeleteMessages(req.Requester, req.IDs)
	switch {
	case errors.Is(err, models.ErrUnauthorized):
		http.Error(w, "Can only delete own messages", http.StatusForbidden)
		return
	case err != nil:
		log.Printf("delete messages for %s: %v", req.Requester, err)
		http.Error(w, "Failed to delete messages", http.StatusInternalServerError)
		return
	}
	if deleted == nil {
		deleted = []models.DeletedMessage{}
	}
	writeJSON(w, deleted)
}

func (a *API) ClearChatHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Requester string `json:"requester"`
		Peer      string `json:"peer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Requester == "" || req.Peer == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	deleted, err := a.hub.ClearChat(req.Requester, req.Peer)
	if err != nil {
		log.Printf("clear chat %s->%s: %v", req.Requester, req.Peer, err)
		http.Error(w, "Failed to clear chat", http.StatusInternalServerError)
		return
	}
	if deleted == nil {
		deleted = []models.DeletedMessage{}
	}
	writeJSON(w, deleted)
}

// ICEServersHandler proxies the credential issuer so clients never hold
// issuer credentials themselves. The fallback STUN list is always included.
func (a *API) ICEServersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"iceServers": a.ice.Fetch(r.Context()),
	})
}

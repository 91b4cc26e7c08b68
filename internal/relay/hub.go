// Package relay is the presence-aware message relay: it routes chat messages,
// typing and presence events, and call signaling between live sessions.
package relay

import (
	"log"
	"sync"
	"time"

	"parley/internal/models"
	"parley/internal/registry"

	"github.com/c-pro/geche"
	"github.com/microcosm-cc/bluemonday"
)

// Store is everything the relay needs from persistence.
type Store interface {
	SaveMessage(msg models.Message) (string, error)
	GetMessage(id string) (models.Message, error)
	UpdateStatus(id string, status models.MessageStatus) (bool, error)
	FindMessagesBetween(a, b string) ([]models.Message, error)
	DeleteMessages(ids []string) ([]models.DeletedMessage, error)
	DeleteBetween(sender, receiver string) ([]models.DeletedMessage, error)
	GetUser(handle string) (models.User, error)
	ListUsers() ([]models.User, error)
	UpsertUser(user models.User) error
	TouchLastSeen(handle string, lastSeen int64) error
}

type Config struct {
	// CallTimeout is how long a call may sit in ringing or connecting before
	// the sweeper force-ends it.
	CallTimeout time.Duration
	// SweepInterval is how often the sweeper runs.
	SweepInterval time.Duration
}

const sessionQueueSize = 64

type Hub struct {
	cfg   Config
	store Store
	reg   *registry.Registry

	// users caches known identities and their presence so the connect
	// handshake and the roster endpoint do not hit the database.
	users *geche.Locker[string, models.User]

	policy *bluemonday.Policy

	callsMu sync.Mutex
	calls   map[string]*callSession

	now func() time.Time
}

func NewHub(cfg Config, store Store) (*Hub, error) {
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 45 * time.Second
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 15 * time.Second
	}

	h := &Hub{
		cfg:    cfg,
		store:  store,
		reg:    registry.New(),
		users:  geche.NewLocker[string, models.User](geche.NewMapCache[string, models.User]()),
		policy: bluemonday.StrictPolicy(),
		calls:  make(map[string]*callSession),
		now:    time.Now,
	}

	users, err := store.ListUsers()
	if err != nil {
		return nil, err
	}
	tx := h.users.Lock()
	for _, u := range users {
		tx.Set(u.Handle, u)
	}
	tx.Unlock()

	return h, nil
}

// KnownUser reports whether handle is a registered identity.
func (h *Hub) KnownUser(handle string) bool {
	tx := h.users.RLock()
	_, err := tx.Get(handle)
	tx.Unlock()
	if err == nil {
		return true
	}
	// Cache miss: the identity may have been created after startup.
	u, err := h.store.GetUser(handle)
	if err != nil {
		return false
	}
	tx2 := h.users.Lock()
	tx2.Set(u.Handle, u)
	tx2.Unlock()
	return true
}

// AddUser registers a new identity.
func (h *Hub) AddUser(user models.User) error {
	if err := h.store.UpsertUser(user); err != nil {
		return err
	}
	tx := h.users.Lock()
	tx.Set(user.Handle, user)
	tx.Unlock()
	return nil
}

// Connect binds handle to a new connection and returns its event queue.
// A prior session for the same handle is superseded and force-closed
// (last-connect-wins). Everyone else learns the user is online.
func (h *Hub) Connect(handle, connID string) (chan models.ServerEvent, error) {
	if !h.KnownUser(handle) {
		return nil, models.ErrNotFound
	}

	events := make(chan models.ServerEvent, sessionQueueSize)
	old := h.reg.Register(handle, connID, events)
	if old != nil {
		old.Send(models.ServerEvent{Type: models.ServerEventError, Reason: "superseded"})
		old.Close()
		log.Printf("relay: %s reconnected, superseding %s", handle, old.ConnID)
	}

	h.setPresence(handle, true, 0)
	h.broadcast(handle, models.ServerEvent{
		Type:   models.ServerEventUserStatus,
		From:   handle,
		Online: true,
	})

	log.Printf("relay: %s connected (%s)", handle, connID)
	return events, nil
}

// Disconnect tears down the session owning connID. It is a no-op if the
// session was already superseded. Open calls involving the user are ended
// and the counterpart is told to release.
func (h *Hub) Disconnect(connID string) {
	s, ok := h.reg.Unregister(connID)
	if !ok {
		return
	}
	s.Close()

	lastSeen := h.now().Unix()
	if err := h.store.TouchLastSeen(s.Handle, lastSeen); err != nil {
		log.Printf("relay: failed to persist last seen for %s: %v", s.Handle, err)
	}
	h.setPresence(s.Handle, false, lastSeen)

	h.broadcast(s.Handle, models.ServerEvent{
		Type:     models.ServerEventUserStatus,
		From:     s.Handle,
		Online:   false,
		LastSeen: lastSeen,
	})

	h.endCallsFor(s.Handle)
	log.Printf("relay: %s disconnected (%s)", s.Handle, connID)
}

// Typing relays a typing indicator to the named peer only. Dropped silently
// if the peer is offline; the indicator has no life beyond the event.
func (h *Hub) Typing(from, to string, isTyping bool) {
	peer, ok := h.reg.Resolve(to)
	if !ok {
		return
	}
	h.push(peer, models.ServerEvent{
		Type:     models.ServerEventTyping,
		From:     from,
		IsTyping: isTyping,
	})
}

// Users returns the roster with live presence merged in.
func (h *Hub) Users() []models.User {
	tx := h.users.RLock()
	snapshot := tx.Snapshot()
	tx.Unlock()

	users := make([]models.User, 0, len(snapshot))
	for _, u := range snapshot {
		_, online := h.reg.Resolve(u.Handle)
		u.Online = online
		users = append(users, u)
	}
	return users
}

func (h *Hub) setPresence(handle string, online bool, lastSeen int64) {
	tx := h.users.Lock()
	defer tx.Unlock()
	u, err := tx.Get(handle)
	if err != nil {
		return
	}
	u.Online = online
	if lastSeen > 0 {
		u.LastSeen = lastSeen
	}
	tx.Set(handle, u)
}

// push enqueues an event for one session, dropping it if the queue is full or
// the session already closed. Delivery here is best-effort; durable state
// lives in storage.
func (h *Hub) push(s *registry.Session, ev models.ServerEvent) {
	if !s.Send(ev) {
		log.Printf("relay: dropped %s event for %s", ev.Type, s.Handle)
	}
}

// broadcast sends ev to every live session except the named one.
func (h *Hub) broadcast(except string, ev models.ServerEvent) {
	for _, s := range h.reg.Snapshot() {
		if s.Handle == except {
			continue
		}
		h.push(s, ev)
	}
}

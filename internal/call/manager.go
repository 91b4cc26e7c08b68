package call

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Manager owns active call sessions and bridges inbound signaling to them.
// One session per peer handle; a second call to the same peer is rejected
// until the first ends.
type Manager struct {
	sig     Signaler
	creds   CredentialFetcher
	capture CaptureFunc

	mu       sync.RWMutex
	sessions map[string]*Session

	incomingMu sync.RWMutex
	incoming   []func(*IncomingCall)

	closeOnce sync.Once
	done      chan struct{}
}

// IncomingCall is a ringing inbound call. Exactly one of Accept or Reject
// should be invoked.
type IncomingCall struct {
	From   string
	Accept func(ctx context.Context) (*Session, error)
	Reject func()
}

func NewManager(sig Signaler, creds CredentialFetcher, capture CaptureFunc) *Manager {
	if capture == nil {
		capture = defaultCapture
	}
	return &Manager{
		sig:      sig,
		creds:    creds,
		capture:  capture,
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
}

// OnIncoming registers a callback fired for each ringing inbound call.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// Call places an outbound call to peer. The returned session is in
// AwaitingAnswer when this returns; the peer's answer arrives via Dispatch.
func (m *Manager) Call(ctx context.Context, peer string) (*Session, error) {
	sess, err := m.track(peer)
	if err != nil {
		return nil, err
	}
	if err := sess.dial(ctx, m.creds, m.capture); err != nil {
		m.untrack(peer, sess)
		return nil, err
	}
	log.Printf("call: dialing %s", peer)
	return sess, nil
}

// accept answers a ringing inbound call carrying the peer's offer.
func (m *Manager) accept(ctx context.Context, peer string, offer webrtc.SessionDescription) (*Session, error) {
	sess, err := m.track(peer)
	if err != nil {
		return nil, err
	}
	if err := sess.answer(ctx, offer, m.creds, m.capture); err != nil {
		m.untrack(peer, sess)
		return nil, err
	}
	log.Printf("call: accepted from %s", peer)
	return sess, nil
}

// track claims the per-peer session slot. The slot is released synchronously
// as part of the session's release sequence, so once Close returns the peer
// can be called again.
func (m *Manager) track(peer string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[peer]; ok {
		return nil, ErrAlreadyInCall
	}
	sess := newSession(peer, m.sig)
	sess.onRelease = func() { m.untrack(peer, sess) }
	m.sessions[peer] = sess
	return sess, nil
}

// untrack releases the slot, but only if it still holds this session.
func (m *Manager) untrack(peer string, sess *Session) {
	m.mu.Lock()
	if m.sessions[peer] == sess {
		delete(m.sessions, peer)
	}
	m.mu.Unlock()
}

// Session returns the active session with peer, if any.
func (m *Manager) Session(peer string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[peer]
	m.mu.RUnlock()
	return s, ok
}

// Hangup ends the call with peer, notifying them. No-op when there is none.
func (m *Manager) Hangup(peer string) {
	if sess, ok := m.Session(peer); ok {
		sess.Close(true)
	}
}

// Dispatch routes one inbound signaling event. Events for peers with no
// session are dropped, except ringing which fires the incoming handlers.
func (m *Manager) Dispatch(ev Event) {
	select {
	case <-m.done:
		return
	default:
	}

	switch ev.Type {
	case EventIncoming:
		var offer webrtc.SessionDescription
		if err := json.Unmarshal(ev.Payload, &offer); err != nil {
			log.Printf("call: malformed offer from %s: %v", ev.From, err)
			return
		}
		m.fireIncoming(ev.From, offer)

	case EventAnswered:
		sess, ok := m.Session(ev.From)
		if !ok {
			return
		}
		var answer webrtc.SessionDescription
		if err := json.Unmarshal(ev.Payload, &answer); err != nil {
			log.Printf("call: malformed answer from %s: %v", ev.From, err)
			return
		}
		sess.HandleAnswer(answer)

	case EventCandidate:
		sess, ok := m.Session(ev.From)
		if !ok {
			return
		}
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(ev.Payload, &candidate); err != nil {
			log.Printf("call: malformed candidate from %s: %v", ev.From, err)
			return
		}
		sess.HandleCandidate(candidate)

	case EventRejected, EventEnded:
		// Peer already acted; release without notifying them back.
		if sess, ok := m.Session(ev.From); ok {
			sess.Close(false)
		}
	}
}

func (m *Manager) fireIncoming(from string, offer webrtc.SessionDescription) {
	ic := &IncomingCall{
		From: from,
		Accept: func(ctx context.Context) (*Session, error) {
			return m.accept(ctx, from, offer)
		},
		Reject: func() {
			if err := m.sig.SendReject(from); err != nil {
				log.Printf("call: failed to reject %s: %v", from, err)
			}
		},
	}
	m.incomingMu.RLock()
	handlers := make([]func(*IncomingCall), len(m.incoming))
	copy(handlers, m.incoming)
	m.incomingMu.RUnlock()

	if len(handlers) == 0 {
		// Nobody listening means nobody will ever answer.
		ic.Reject()
		return
	}
	for _, fn := range handlers {
		fn(ic)
	}
}

// Close hangs up every active session and stops dispatching.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close(true)
	}
}

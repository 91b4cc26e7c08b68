package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"parley/internal/models"
)

// callPhase is the authoritative state of one call negotiation. Without a
// single phase record, duplicate accepts and racing end/reject events leak
// media resources on both clients.
type callPhase int

const (
	phaseRinging callPhase = iota
	phaseConnecting
	phaseActive
)

func (p callPhase) String() string {
	switch p {
	case phaseRinging:
		return "ringing"
	case phaseConnecting:
		return "connecting"
	case phaseActive:
		return "active"
	}
	return "unknown"
}

// callSession tracks one in-progress call for an unordered user pair.
// The record is created in ringing by initiate and removed on end, reject,
// timeout or disconnect. At most one record per pair exists at a time.
type callSession struct {
	caller    string
	callee    string
	phase     callPhase
	startedAt time.Time

	// Candidate flow in each direction after accept is the liveness signal
	// that promotes connecting to active.
	callerCandidate bool
	calleeCandidate bool
}

// callKey gives the map key for an unordered pair.
func callKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + "|" + ids[1]
}

// InitiateCall creates a call record in ringing and forwards the offer to the
// callee. Fails synchronously with ErrPeerOffline if the callee has no live
// session and with ErrAlreadyInCall if the pair already has a call going.
func (h *Hub) InitiateCall(caller, callee string, offer json.RawMessage) error {
	peer, online := h.reg.Resolve(callee)
	if !online {
		return fmt.Errorf("callee %q: %w", callee, models.ErrPeerOffline)
	}

	key := callKey(caller, callee)
	h.callsMu.Lock()
	if _, exists := h.calls[key]; exists {
		h.callsMu.Unlock()
		return models.ErrAlreadyInCall
	}
	h.calls[key] = &callSession{
		caller:    caller,
		callee:    callee,
		phase:     phaseRinging,
		startedAt: h.now(),
	}
	h.callsMu.Unlock()

	h.push(peer, models.ServerEvent{
		Type:    models.ServerEventCallIncoming,
		From:    caller,
		Payload: offer,
	})
	log.Printf("relay: call %s -> %s ringing", caller, callee)
	return nil
}

// AnswerCall forwards the callee's answer to the caller and moves the call to
// connecting. An answer arriving outside ringing (late, duplicate, or after
// hangup) is dropped.
func (h *Hub) AnswerCall(callee, caller string, answer json.RawMessage) {
	key := callKey(caller, callee)
	h.callsMu.Lock()
	c, ok := h.calls[key]
	if !ok || c.phase != phaseRinging || c.callee != callee {
		h.callsMu.Unlock()
		log.Printf("relay: stale answer from %s for %s", callee, caller)
		return
	}
	c.phase = phaseConnecting
	h.callsMu.Unlock()

	if peer, online := h.reg.Resolve(caller); online {
		h.push(peer, models.ServerEvent{
			Type:    models.ServerEventCallAnswered,
			From:    callee,
			Payload: answer,
		})
	}
	log.Printf("relay: call %s -> %s connecting", caller, callee)
}

// RelayCandidate forwards an ICE candidate without interpreting it. Candidates
// for calls that no longer exist arrive routinely after teardown and are
// dropped. Once candidates have flowed in both directions after accept, the
// call is considered active.
func (h *Hub) RelayCandidate(from, to string, candidate json.RawMessage) {
	key := callKey(from, to)
	h.callsMu.Lock()
	c, ok := h.calls[key]
	if !ok {
		h.callsMu.Unlock()
		return
	}
	if c.phase != phaseRinging {
		if from == c.caller {
			c.callerCandidate = true
		} else {
			c.calleeCandidate = true
		}
		if c.phase == phaseConnecting && c.callerCandidate && c.calleeCandidate {
			c.phase = phaseActive
		}
	}
	h.callsMu.Unlock()

	if peer, online := h.reg.Resolve(to); online {
		h.push(peer, models.ServerEvent{
			Type:    models.ServerEventCallCandidate,
			From:    from,
			Payload: candidate,
		})
	}
}

// RejectCall declines a ringing call and removes the record. Valid only from
// ringing; anything else is a stale event and is dropped.
func (h *Hub) RejectCall(callee, caller string) {
	key := callKey(caller, callee)
	h.callsMu.Lock()
	c, ok := h.calls[key]
	if !ok || c.phase != phaseRinging || c.callee != callee {
		h.callsMu.Unlock()
		log.Printf("relay: stale reject from %s for %s", callee, caller)
		return
	}
	delete(h.calls, key)
	h.callsMu.Unlock()

	if peer, online := h.reg.Resolve(caller); online {
		h.push(peer, models.ServerEvent{
			Type: models.ServerEventCallRejected,
			From: callee,
		})
	}
	log.Printf("relay: call %s -> %s rejected", caller, callee)
}

// EndCall hangs up from any phase and removes the record. Both parties may
// race to hang up; the second end finds no record and is a no-op.
func (h *Hub) EndCall(who, other string) {
	key := callKey(who, other)
	h.callsMu.Lock()
	_, ok := h.calls[key]
	if ok {
		delete(h.calls, key)
	}
	h.callsMu.Unlock()
	if !ok {
		return
	}

	if peer, online := h.reg.Resolve(other); online {
		h.push(peer, models.ServerEvent{
			Type: models.ServerEventCallEnded,
			From: who,
		})
	}
	log.Printf("relay: call between %s and %s ended by %s", who, other, who)
}

// endCallsFor force-ends every call the user is part of, telling the
// remaining party to run its release sequence. Called on disconnect.
func (h *Hub) endCallsFor(handle string) {
	h.callsMu.Lock()
	var counterparts []string
	for key, c := range h.calls {
		if c.caller != handle && c.callee != handle {
			continue
		}
		other := c.caller
		if other == handle {
			other = c.callee
		}
		counterparts = append(counterparts, other)
		delete(h.calls, key)
	}
	h.callsMu.Unlock()

	for _, other := range counterparts {
		if peer, online := h.reg.Resolve(other); online {
			h.push(peer, models.ServerEvent{
				Type:   models.ServerEventCallEnded,
				From:   handle,
				Reason: "disconnected",
			})
		}
	}
}

// RunSweeper periodically force-ends calls stuck in ringing or connecting
// beyond the configured timeout, notifying both sides. Active calls are left
// alone. Blocks until ctx is done.
func (h *Hub) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepStaleCalls()
		}
	}
}

func (h *Hub) sweepStaleCalls() {
	cutoff := h.now().Add(-h.cfg.CallTimeout)

	h.callsMu.Lock()
	var stale []*callSession
	for key, c := range h.calls {
		if c.phase == phaseActive || !c.startedAt.Before(cutoff) {
			continue
		}
		stale = append(stale, c)
		delete(h.calls, key)
	}
	h.callsMu.Unlock()

	for _, c := range stale {
		log.Printf("relay: sweeping call %s -> %s stuck in %s", c.caller, c.callee, c.phase)
		for _, handle := range []string{c.caller, c.callee} {
			if peer, online := h.reg.Resolve(handle); online {
				h.push(peer, models.ServerEvent{
					Type:   models.ServerEventCallEnded,
					Reason: "timeout",
				})
			}
		}
	}
}

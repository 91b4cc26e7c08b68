package call

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Session is one call with one peer, from media acquisition to release.
type Session struct {
	peer    string
	sig     Signaler
	machine *Machine

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	media     MediaSource
	remoteSet bool
	// released flips when the release sequence has claimed the resource
	// fields. Setup must not store into them past that point: a hangup can
	// arrive while capture is still running, and a resource stored after the
	// claim would never be freed.
	released bool
	// Candidates cannot be applied before the remote description exists;
	// early arrivals wait here and are flushed in order.
	pending []webrtc.ICECandidateInit
	sinks   []Sink

	releaseOnce sync.Once
	onRelease   func()
	done        chan struct{}
}

func newSession(peer string, sig Signaler) *Session {
	return &Session{
		peer:    peer,
		sig:     sig,
		machine: NewMachine(),
		done:    make(chan struct{}),
	}
}

func (s *Session) Peer() string { return s.peer }

func (s *Session) State() State { return s.machine.State() }

// Done closes when the session has fully released its resources.
func (s *Session) Done() <-chan struct{} { return s.done }

// AddSink registers a consumer for remote tracks. Must be called before the
// remote side starts sending for the sink to see every track.
func (s *Session) AddSink(sink Sink) {
	s.mu.Lock()
	s.sinks = append(s.sinks, sink)
	s.mu.Unlock()
}

// setup runs the shared front half of both call directions: acquire local
// media, fetch relay credentials, build the peer connection.
func (s *Session) setup(ctx context.Context, creds CredentialFetcher, capture CaptureFunc) error {
	if err := s.machine.To(StateAcquiringMedia); err != nil {
		return err
	}
	media, err := capture()
	if err != nil {
		s.Fail()
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	if !s.adopt(func() { s.media = media }) {
		// Hung up while capture was running; the release already ran
		// without this media, so it is ours to free.
		if err := media.Close(); err != nil {
			log.Printf("call [%s]: failed to release media: %v", s.peer, err)
		}
		return fmt.Errorf("call ended during capture: %w", ErrBadState)
	}

	if err := s.machine.To(StateFetchingCredentials); err != nil {
		return err
	}
	servers := creds.Fetch(ctx)

	pc, err := media.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		s.Fail()
		return fmt.Errorf("failed to create peer connection: %w", err)
	}
	if err := media.AddTracksTo(pc); err != nil {
		_ = pc.Close()
		s.Fail()
		return fmt.Errorf("failed to add local tracks: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := s.sig.SendCandidate(s.peer, c.ToJSON()); err != nil {
			log.Printf("call [%s]: failed to send candidate: %v", s.peer, err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.mu.Lock()
		sinks := make([]Sink, len(s.sinks))
		copy(sinks, s.sinks)
		s.mu.Unlock()
		for _, sink := range sinks {
			sink.Attach(track, receiver)
		}
	})

	pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		switch st {
		case webrtc.ICEConnectionStateConnected:
			if s.machine.In(StateNegotiating) {
				if err := s.machine.To(StateConnected); err == nil {
					log.Printf("call [%s]: connected", s.peer)
				}
			}
		case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateDisconnected:
			if s.machine.In(StateNegotiating, StateConnected) {
				log.Printf("call [%s]: transport %s, failing call", s.peer, st)
				s.Fail()
			}
		}
	})

	if !s.adopt(func() { s.pc = pc }) {
		if err := pc.Close(); err != nil {
			log.Printf("call [%s]: failed to close peer connection: %v", s.peer, err)
		}
		return fmt.Errorf("call ended during setup: %w", ErrBadState)
	}
	return nil
}

// adopt stores a freshly created resource via set, unless the release
// sequence already claimed the resource fields. Returns false when the
// caller keeps ownership and must free the resource itself.
func (s *Session) adopt(set func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	set()
	return true
}

// dial runs the caller side: create an offer, ship it, wait for the answer.
func (s *Session) dial(ctx context.Context, creds CredentialFetcher, capture CaptureFunc) error {
	if err := s.setup(ctx, creds, capture); err != nil {
		return err
	}
	if err := s.machine.To(StateInitiating); err != nil {
		return err
	}

	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("call ended during setup: %w", ErrBadState)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		s.Fail()
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		s.Fail()
		return fmt.Errorf("failed to set local description: %w", err)
	}
	if err := s.sig.SendOffer(s.peer, offer); err != nil {
		s.Fail()
		return fmt.Errorf("failed to send offer: %w", err)
	}

	return s.machine.To(StateAwaitingAnswer)
}

// answer runs the callee side: apply the remote offer and respond
// immediately.
func (s *Session) answer(ctx context.Context, offer webrtc.SessionDescription, creds CredentialFetcher, capture CaptureFunc) error {
	if err := s.setup(ctx, creds, capture); err != nil {
		return err
	}
	if err := s.machine.To(StateAwaitingAnswer); err != nil {
		return err
	}

	if err := s.applyRemote(offer); err != nil {
		s.Fail()
		return fmt.Errorf("failed to apply offer: %w", err)
	}

	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("call ended during setup: %w", ErrBadState)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		s.Fail()
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		s.Fail()
		return fmt.Errorf("failed to set local description: %w", err)
	}
	if err := s.sig.SendAnswer(s.peer, answer); err != nil {
		s.Fail()
		return fmt.Errorf("failed to send answer: %w", err)
	}

	return s.machine.To(StateNegotiating)
}

// HandleAnswer applies the peer's answer. Valid only while awaiting one;
// late or duplicate answers are dropped.
func (s *Session) HandleAnswer(answer webrtc.SessionDescription) {
	if !s.machine.In(StateAwaitingAnswer) {
		log.Printf("call [%s]: dropping answer in state %s", s.peer, s.machine.State())
		return
	}
	if err := s.applyRemote(answer); err != nil {
		log.Printf("call [%s]: failed to apply answer: %v", s.peer, err)
		s.Fail()
		return
	}
	if err := s.machine.To(StateNegotiating); err != nil {
		log.Printf("call [%s]: %v", s.peer, err)
	}
}

// HandleCandidate applies or buffers a remote ICE candidate.
func (s *Session) HandleCandidate(candidate webrtc.ICECandidateInit) {
	s.mu.Lock()
	if !s.remoteSet {
		s.pending = append(s.pending, candidate)
		s.mu.Unlock()
		return
	}
	pc := s.pc
	s.mu.Unlock()

	if pc == nil {
		return
	}
	if err := pc.AddICECandidate(candidate); err != nil {
		log.Printf("call [%s]: failed to add candidate: %v", s.peer, err)
	}
}

// applyRemote sets the remote description and flushes any candidates that
// arrived early, in order.
func (s *Session) applyRemote(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("connection released: %w", ErrBadState)
	}

	if err := pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	s.mu.Lock()
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			log.Printf("call [%s]: failed to flush candidate: %v", s.peer, err)
		}
	}
	return nil
}

// ToggleMute flips the local audio track. Permitted only while media can be
// flowing. Returns the new muted state.
func (s *Session) ToggleMute(muted bool) (bool, error) {
	if !s.machine.In(StateNegotiating, StateConnected) {
		return false, ErrBadState
	}
	s.mu.Lock()
	media := s.media
	s.mu.Unlock()
	if media == nil {
		return false, ErrBadState
	}
	return !media.SetAudioEnabled(!muted), nil
}

// ToggleCamera flips the local video track. Returns the new disabled state.
func (s *Session) ToggleCamera(disabled bool) (bool, error) {
	if !s.machine.In(StateNegotiating, StateConnected) {
		return false, ErrBadState
	}
	s.mu.Lock()
	media := s.media
	s.mu.Unlock()
	if media == nil {
		return false, ErrBadState
	}
	return !media.SetVideoEnabled(!disabled), nil
}

// Close hangs up. The release sequence runs exactly once: notify the peer,
// stop local capture, detach sinks, discard the peer connection. Each step
// runs unconditionally even if an earlier one errors, because a
// half-released call is the leak being guarded against. Safe to call
// multiple times, from any non-terminal state.
func (s *Session) Close(notifyPeer bool) {
	if err := s.machine.To(StateClosing); err != nil {
		// Already failed or closed; release still must run (it is once-only).
		log.Printf("call [%s]: close in state %s", s.peer, s.machine.State())
	}
	s.release(notifyPeer)
	if s.machine.In(StateClosing) {
		_ = s.machine.To(StateClosed)
	}
}

// Fail aborts the call from any non-terminal state and runs the same release
// sequence as Close, without notifying the peer.
func (s *Session) Fail() {
	if err := s.machine.To(StateFailed); err != nil {
		return
	}
	s.release(false)
}

func (s *Session) release(notifyPeer bool) {
	s.releaseOnce.Do(func() {
		if notifyPeer {
			if err := s.sig.SendEnd(s.peer); err != nil {
				log.Printf("call [%s]: failed to notify peer of hangup: %v", s.peer, err)
			}
		}

		s.mu.Lock()
		s.released = true
		media := s.media
		sinks := s.sinks
		pc := s.pc
		s.media = nil
		s.sinks = nil
		s.pc = nil
		s.mu.Unlock()

		if media != nil {
			if err := media.Close(); err != nil {
				log.Printf("call [%s]: failed to release media: %v", s.peer, err)
			}
		}
		for _, sink := range sinks {
			sink.Detach()
		}
		if pc != nil {
			if err := pc.Close(); err != nil {
				log.Printf("call [%s]: failed to close peer connection: %v", s.peer, err)
			}
		}

		close(s.done)
		if s.onRelease != nil {
			s.onRelease()
		}
		log.Printf("call [%s]: released", s.peer)
	})
}

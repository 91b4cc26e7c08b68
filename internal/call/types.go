// Package call drives the client side of a call: local media acquisition,
// relay-credential fetch, offer/answer/candidate exchange, and teardown.
// It is designed to be maximally standalone: coupling to the transport is
// via the Signaler interface and inbound Events only.
package call

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	ErrMediaUnavailable = errors.New("media unavailable")
	ErrAlreadyInCall    = errors.New("already in call with peer")
	ErrBadState         = errors.New("operation not valid in current call state")
)

// Signaler carries outbound signaling to the relay. All sends are
// best-effort; the machine never blocks on a peer acting.
type Signaler interface {
	SendOffer(peer string, offer webrtc.SessionDescription) error
	SendAnswer(peer string, answer webrtc.SessionDescription) error
	SendCandidate(peer string, candidate webrtc.ICECandidateInit) error
	SendReject(peer string) error
	SendEnd(peer string) error
}

// CredentialFetcher obtains relay servers for one call attempt. It must not
// fail: on issuer trouble it returns a fallback list.
type CredentialFetcher interface {
	Fetch(ctx context.Context) []webrtc.ICEServer
}

// MediaSource is a local capture device set. It also mints peer connections
// because capture codecs and the connection's media engine must agree.
type MediaSource interface {
	NewPeerConnection(cfg webrtc.Configuration) (*webrtc.PeerConnection, error)
	AddTracksTo(pc *webrtc.PeerConnection) error
	// SetAudioEnabled / SetVideoEnabled act on local tracks only, no
	// renegotiation. They return the new enabled state.
	SetAudioEnabled(enabled bool) bool
	SetVideoEnabled(enabled bool) bool
	Close() error
}

// CaptureFunc acquires local media. Platform backends live behind build tags;
// tests inject fakes.
type CaptureFunc func() (MediaSource, error)

// Sink consumes remote media tracks. Detach is called exactly once during
// release, even when earlier release steps errored.
type Sink interface {
	Attach(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	Detach()
}

// Event is one inbound signaling frame, decoupled from the transport's own
// event types.
type Event struct {
	Type    string
	From    string
	Payload json.RawMessage
}

const (
	EventIncoming  = "call_incoming"
	EventAnswered  = "call_answered"
	EventCandidate = "call_candidate"
	EventRejected  = "call_rejected"
	EventEnded     = "call_ended"
)

package call

import (
	"log"

	"github.com/pion/webrtc/v4"
)

// addRecvOnlyTransceiver adds a recvonly transceiver for kind so the SDP has
// a valid m-line with ICE credentials even when there is no local track of
// that kind.
func addRecvOnlyTransceiver(pc *webrtc.PeerConnection, kind webrtc.RTPCodecType) {
	if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("call: AddTransceiver(%s) error: %v", kind, err)
	}
}

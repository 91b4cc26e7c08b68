//go:build !linux || !cgo

package call

import (
	"log"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// recvOnlySource is the capture backend on platforms without device drivers.
// Camera/mic capture via pion/mediadevices needs V4L2 and malgo, which are
// wired for Linux only; elsewhere calls proceed receive-only.
type recvOnlySource struct {
	api *webrtc.API

	mu     sync.Mutex
	closed bool
}

func defaultCapture() (MediaSource, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	log.Printf("call: no local capture on this platform, proceeding receive-only")
	return &recvOnlySource{api: api}, nil
}

func (r *recvOnlySource) NewPeerConnection(cfg webrtc.Configuration) (*webrtc.PeerConnection, error) {
	return r.api.NewPeerConnection(cfg)
}

func (r *recvOnlySource) AddTracksTo(pc *webrtc.PeerConnection) error {
	addRecvOnlyTransceiver(pc, webrtc.RTPCodecTypeVideo)
	addRecvOnlyTransceiver(pc, webrtc.RTPCodecTypeAudio)
	return nil
}

// No local tracks to toggle.
func (r *recvOnlySource) SetAudioEnabled(bool) bool { return false }
func (r *recvOnlySource) SetVideoEnabled(bool) bool { return false }

func (r *recvOnlySource) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

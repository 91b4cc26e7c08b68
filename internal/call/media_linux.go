//go:build linux && cgo

package call

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// deviceSource captures camera/mic via pion/mediadevices (V4L2 + malgo).
// It carries its own webrtc.API because the capture codecs and the peer
// connection's media engine must agree.
type deviceSource struct {
	api    *webrtc.API
	tracks []mediadevices.Track

	mu          sync.Mutex
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	audioTrack  mediadevices.Track
	videoTrack  mediadevices.Track
}

// defaultCapture acquires local media with graceful fallback. GetUserMedia
// fails as a unit if either requested track can't be opened, so try
// video+audio first, then video-only, then audio-only, so a busy microphone
// does not prevent the camera from working and vice versa.
func defaultCapture() (MediaSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts: the default disconnectedTimeout of 5s is too
	// short for relay paths that can have brief outages during re-keying.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	type attempt struct {
		video bool
		audio bool
		label string
	}
	for _, a := range []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG: some cameras expose an MJPEG V4L2 node with
				// malformed JPEG frames that poison the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("call: GetUserMedia (%s) failed: %v", a.label, err)
			continue
		}

		tracks := stream.GetTracks()
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("call: local track ended: %v", err)
				}
			})
		}
		log.Printf("call: local media captured (%s), %d tracks", a.label, len(tracks))
		return &deviceSource{api: api, tracks: tracks}, nil
	}

	return nil, errors.New("all media capture attempts failed")
}

func (d *deviceSource) NewPeerConnection(cfg webrtc.Configuration) (*webrtc.PeerConnection, error) {
	return d.api.NewPeerConnection(cfg)
}

func (d *deviceSource) AddTracksTo(pc *webrtc.PeerConnection) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	hasVideo, hasAudio := false, false
	for _, track := range d.tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			return err
		}
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			d.audioSender, d.audioTrack = sender, track
			hasAudio = true
		case webrtc.RTPCodecTypeVideo:
			d.videoSender, d.videoTrack = sender, track
			hasVideo = true
		}
	}
	// Remote media of a kind we don't send still needs an m-line.
	if !hasVideo {
		addRecvOnlyTransceiver(pc, webrtc.RTPCodecTypeVideo)
	}
	if !hasAudio {
		addRecvOnlyTransceiver(pc, webrtc.RTPCodecTypeAudio)
	}
	return nil
}

// SetAudioEnabled mutes or unmutes the microphone by swapping the track in
// and out of its sender. ReplaceTrack needs no renegotiation.
func (d *deviceSource) SetAudioEnabled(enabled bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return swapTrack(d.audioSender, d.audioTrack, enabled)
}

func (d *deviceSource) SetVideoEnabled(enabled bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return swapTrack(d.videoSender, d.videoTrack, enabled)
}

func swapTrack(sender *webrtc.RTPSender, track mediadevices.Track, enabled bool) bool {
	if sender == nil || track == nil {
		return false
	}
	var next webrtc.TrackLocal
	if enabled {
		next = track
	}
	if err := sender.ReplaceTrack(next); err != nil {
		log.Printf("call: ReplaceTrack error: %v", err)
		return sender.Track() != nil
	}
	return enabled
}

func (d *deviceSource) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for _, t := range d.tracks {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.tracks = nil
	return firstErr
}

package call

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pkg/errors"

	"peer-call/pkg/log"
)

// TrackKind distinguishes audio from video tracks.
type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// Capture acquires the local audio+video stream for one call attempt. The
// session owns the returned stream and releases it on teardown.
type Capture interface {
	Acquire(ctx context.Context) (*LocalStream, error)
}

// LocalTrack is one locally captured track. Media may be nil in tests that
// never touch a real transport.
type LocalTrack struct {
	Kind  TrackKind
	Media webrtc.TrackLocal

	mu      sync.Mutex
	enabled bool
}

// Enabled reports whether the track currently produces media.
func (t *LocalTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.enabled
}

func (t *LocalTrack) setEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

// LocalStream is the session-owned local capture. Releasing it stops the
// underlying capture; tracks are toggled in place for mute and video-off, with
// no renegotiation.
type LocalStream struct {
	mu       sync.Mutex
	tracks   []*LocalTrack
	stop     func()
	released bool
}

// NewLocalStream wraps already-built tracks. stop, if non-nil, is invoked
// exactly once on Release to halt the capture source.
func NewLocalStream(tracks []*LocalTrack, stop func()) *LocalStream {
	for _, t := range tracks {
		t.enabled = true
	}

	return &LocalStream{
		tracks: tracks,
		stop:   stop,
	}
}

func (s *LocalStream) Tracks() []*LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*LocalTrack, len(s.tracks))
	copy(out, s.tracks)

	return out
}

// SetEnabled toggles every track of the given kind and reports whether at
// least one such track exists.
func (s *LocalStream) SetEnabled(kind TrackKind, enabled bool) bool {
	found := false
	for _, t := range s.Tracks() {
		if t.Kind == kind {
			t.setEnabled(enabled)
			found = true
		}
	}

	return found
}

// Enabled reports whether any track of the given kind is producing media.
func (s *LocalStream) Enabled(kind TrackKind) bool {
	for _, t := range s.Tracks() {
		if t.Kind == kind && t.Enabled() {
			return true
		}
	}

	return false
}

// Release stops the capture source. Idempotent.
func (s *LocalStream) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	stop := s.stop
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// Released reports whether the capture has been stopped.
func (s *LocalStream) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.released
}

// RemoteTrack is one track received from the remote peer. Ownership stays
// with the transport; the session holds it for rendering only.
type RemoteTrack struct {
	Kind  TrackKind
	Media *webrtc.TrackRemote
}

// RemoteStream collects the remote tracks as they arrive. It is a rendering
// handle: the session clears it on teardown but never closes the tracks.
type RemoteStream struct {
	mu     sync.Mutex
	tracks []*RemoteTrack
}

func NewRemoteStream() *RemoteStream {
	return &RemoteStream{}
}

func (s *RemoteStream) Tracks() []*RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*RemoteTrack, len(s.tracks))
	copy(out, s.tracks)

	return out
}

func (s *RemoteStream) add(t *RemoteTrack) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

func (s *RemoteStream) clear() {
	s.mu.Lock()
	s.tracks = nil
	s.mu.Unlock()
}

// StaticCapture is the built-in Capture: Opus and VP8 sample tracks fed with
// placeholder frames, enough to negotiate the transport and keep RTP flowing
// where no real device layer is wired in. Deployments with actual capture
// hardware plug their own Capture implementation instead.
type StaticCapture struct{}

// opusSilence is a minimal Opus frame decoding to silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

func (c *StaticCapture) Acquire(_ context.Context) (*LocalStream, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "peer-call",
	)
	if err != nil {
		return nil, errors.Wrap(err, "audio track")
	}

	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", "peer-call",
	)
	if err != nil {
		return nil, errors.Wrap(err, "video track")
	}

	audioTrack := &LocalTrack{Kind: KindAudio, Media: audio}
	videoTrack := &LocalTrack{Kind: KindVideo, Media: video}

	done := make(chan struct{})
	stream := NewLocalStream([]*LocalTrack{audioTrack, videoTrack}, func() {
		close(done)
	})

	go pumpSamples(done, audio, audioTrack, opusSilence, 20*time.Millisecond)
	go pumpSamples(done, video, videoTrack, []byte{0x00}, 100*time.Millisecond)

	return stream, nil
}

// pumpSamples writes one placeholder sample per tick while the track is
// enabled. Disabled tracks simply stop producing, which is how mute and
// video-off work without renegotiation.
func pumpSamples(done <-chan struct{}, sink *webrtc.TrackLocalStaticSample, track *LocalTrack, frame []byte, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !track.Enabled() {
				continue
			}

			err := sink.WriteSample(media.Sample{Data: frame, Duration: interval})
			if err != nil {
				log.Debugf("capture: write %s sample: %v", track.Kind, err)
			}
		}
	}
}

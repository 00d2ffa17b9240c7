// Package media orchestrates local capture for a call: microphone/camera
// acquisition, mute toggles, and the screen-share track swap. It governs
// orchestration only; encoding and transport belong to pion.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// ErrAccessDenied reports that local capture devices could not be acquired.
// Callers abort session creation before any signaling message is sent.
var ErrAccessDenied = errors.New("media: capture access denied")

// Capture acquires local media tracks. Implementations: DeviceCapture
// (hardware via pion/mediadevices, linux only) and StaticCapture (synthetic
// tracks for tests and peers without capture hardware).
type Capture interface {
	// AcquireUserMedia opens the microphone and camera for one call attempt.
	// The returned Stream owns the devices until Stop.
	AcquireUserMedia(ctx context.Context) (*Stream, error)

	// AcquireDisplayMedia opens a screen capture track. release stops the
	// underlying capture and must be called when the share ends.
	AcquireDisplayMedia(ctx context.Context) (track webrtc.TrackLocal, release func(), err error)

	// ConfigureEngine registers whatever encoder codecs the captured tracks
	// need on the media engine used to build peer connections.
	ConfigureEngine(*webrtc.MediaEngine) error
}

// Stream is one acquisition's worth of local tracks plus their release.
// Either track may be nil (audio-only or video-only capture).
type Stream struct {
	audio webrtc.TrackLocal
	video webrtc.TrackLocal

	stopOnce sync.Once
	stop     func()
}

func NewStream(audio, video webrtc.TrackLocal, stop func()) *Stream {
	return &Stream{audio: audio, video: video, stop: stop}
}

func (s *Stream) Audio() webrtc.TrackLocal { return s.audio }
func (s *Stream) Video() webrtc.TrackLocal { return s.video }

// Tracks returns the non-nil tracks, audio first.
func (s *Stream) Tracks() []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	if s.audio != nil {
		out = append(out, s.audio)
	}
	if s.video != nil {
		out = append(out, s.video)
	}
	return out
}

// Stop releases the capture devices. Safe to call more than once.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/pairwave/callkit/internal/peer"
)

// trackEnder is implemented by capture backends whose tracks can end on their
// own (the OS-level "stop sharing" control).
type trackEnder interface {
	OnEnded(func(error))
}

// Controls is the per-call media control surface: mic/camera/speaker toggles
// and screen share. Toggles act locally and send no signaling; screen share
// swaps the outbound video track in place on the peer session, so transport
// connectivity survives and only a renegotiation round may follow.
type Controls struct {
	sess    *peer.Session
	capture Capture
	log     *slog.Logger

	mu            sync.Mutex
	micMuted      bool
	cameraOff     bool
	speakerMuted  bool
	mic           webrtc.TrackLocal
	camera        webrtc.TrackLocal
	screenRelease func()
	sharing       bool
}

// NewControls wires the control surface to an established peer session.
// stream's video track is remembered as the camera track to restore when a
// screen share stops.
func NewControls(sess *peer.Session, capture Capture, stream *Stream, logger *slog.Logger) *Controls {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controls{
		sess:    sess,
		capture: capture,
		log:     logger,
	}
	if stream != nil {
		c.mic = stream.Audio()
		c.camera = stream.Video()
	}
	return c
}

// ToggleMic mutes or unmutes the microphone and returns the new state
// (true = muted). Muting detaches the audio track from the sender, so no
// frames leave the machine; the sender itself survives, and unmuting
// reattaches without renegotiation.
func (c *Controls) ToggleMic() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.mic
	if !c.micMuted {
		next = nil
	}
	if err := c.sess.ReplaceAudioTrack(next); err != nil {
		return c.micMuted, err
	}
	c.micMuted = !c.micMuted
	c.log.Debug("mic toggled", "muted", c.micMuted)
	return c.micMuted, nil
}

// ToggleCamera turns the camera off or on and returns the new state
// (true = camera off). Like ToggleMic this detaches the video track from the
// sender. During a screen share only the flag flips; the share keeps the
// sender, and the flag decides what StopScreenShare restores.
func (c *Controls) ToggleCamera() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sharing {
		next := c.camera
		if !c.cameraOff {
			next = nil
		}
		if err := c.sess.ReplaceVideoTrack(next); err != nil {
			return c.cameraOff, err
		}
	}
	c.cameraOff = !c.cameraOff
	c.log.Debug("camera toggled", "off", c.cameraOff)
	return c.cameraOff, nil
}

// ToggleSpeaker mutes inbound audio rendering locally. No signaling is sent;
// the remote peer keeps transmitting.
func (c *Controls) ToggleSpeaker() bool {
	c.mu.Lock()
	c.speakerMuted = !c.speakerMuted
	muted := c.speakerMuted
	c.mu.Unlock()
	c.log.Debug("speaker toggled", "muted", muted)
	return muted
}

func (c *Controls) MicMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.micMuted
}

func (c *Controls) CameraOff() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cameraOff
}

func (c *Controls) SpeakerMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speakerMuted
}

func (c *Controls) Sharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sharing
}

// StartScreenShare acquires a screen track and swaps it in for the outbound
// camera track. No-op if a share is already running. If the capture backend
// reports the share ended on its own, the same restore path as an explicit
// StopScreenShare runs.
func (c *Controls) StartScreenShare(ctx context.Context) error {
	c.mu.Lock()
	if c.sharing {
		c.mu.Unlock()
		return nil
	}
	if c.camera == nil {
		c.mu.Unlock()
		return fmt.Errorf("media: no outbound video to replace")
	}
	c.mu.Unlock()

	// Capture can block on the OS; don't hold the lock across it.
	track, release, err := c.capture.AcquireDisplayMedia(ctx)
	if err != nil {
		return fmt.Errorf("media: acquire screen: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sharing {
		release()
		return nil
	}
	if err := c.sess.ReplaceVideoTrack(track); err != nil {
		release()
		return err
	}
	c.sharing = true
	c.screenRelease = release
	if ender, ok := track.(trackEnder); ok {
		ender.OnEnded(func(error) {
			if err := c.StopScreenShare(); err != nil {
				c.log.Warn("restore camera after share ended", "error", err)
			}
		})
	}
	c.log.Info("screen share started")
	return nil
}

// StopScreenShare releases the screen track and restores the camera track.
// No-op when no share is running.
func (c *Controls) StopScreenShare() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sharing {
		return nil
	}
	c.sharing = false
	if c.screenRelease != nil {
		c.screenRelease()
		c.screenRelease = nil
	}
	c.log.Info("screen share stopped")
	restore := c.camera
	if c.cameraOff {
		restore = nil
	}
	if err := c.sess.ReplaceVideoTrack(restore); err != nil {
		return fmt.Errorf("media: restore camera: %w", err)
	}
	return nil
}

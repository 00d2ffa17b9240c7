//go:build linux

package media

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceCapture opens real hardware through pion/mediadevices: V4L2 cameras,
// malgo audio, X11 screen grabbing.
type DeviceCapture struct {
	selector *mediadevices.CodecSelector
	log      *slog.Logger
}

func NewDeviceCapture(logger *slog.Logger) (*DeviceCapture, error) {
	if logger == nil {
		logger = slog.Default()
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("media: vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("media: opus params: %w", err)
	}

	return &DeviceCapture{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		log: logger,
	}, nil
}

func (d *DeviceCapture) ConfigureEngine(me *webrtc.MediaEngine) error {
	d.selector.Populate(me)
	return nil
}

// AcquireUserMedia captures camera and microphone. GetUserMedia fails as a
// unit if either device can't be opened, so a busy microphone is retried as
// video-only and a missing camera as audio-only before giving up.
func (d *DeviceCapture) AcquireUserMedia(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	attempts := []struct {
		video bool
		audio bool
		label string
	}{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only. Some cameras expose an MJPEG node that
				// produces malformed frames and poisons the VP8 encoder.
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

		ms, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			d.log.Warn("user media attempt failed", "attempt", a.label, "error", err)
			lastErr = err
			continue
		}

		tracks := ms.GetTracks()
		var audio, video webrtc.TrackLocal
		for _, t := range tracks {
			switch t.Kind() {
			case webrtc.RTPCodecTypeAudio:
				audio = t
			case webrtc.RTPCodecTypeVideo:
				video = t
			}
		}
		d.log.Info("local media captured", "attempt", a.label, "tracks", len(tracks))
		return NewStream(audio, video, func() {
			for _, t := range tracks {
				t.Close()
			}
		}), nil
	}

	return nil, fmt.Errorf("media: no capture device available (%v): %w", lastErr, ErrAccessDenied)
}

// AcquireDisplayMedia captures the screen as a video track.
func (d *DeviceCapture) AcquireDisplayMedia(ctx context.Context) (webrtc.TrackLocal, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	ms, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("media: display media: %w: %w", err, ErrAccessDenied)
	}

	tracks := ms.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, nil, fmt.Errorf("media: display media produced no video track: %w", ErrAccessDenied)
	}
	track := tracks[0]
	return track, func() { track.Close() }, nil
}

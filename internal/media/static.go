package media

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// StaticCapture produces synthetic sample tracks with no hardware behind
// them. Tests use it for deterministic acquisition; a peer without capture
// devices can use it to join calls while only receiving media.
type StaticCapture struct{}

func (StaticCapture) ConfigureEngine(*webrtc.MediaEngine) error { return nil }

func (StaticCapture) AcquireUserMedia(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := uuid.NewString()
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("media: static audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "camera", streamID)
	if err != nil {
		return nil, fmt.Errorf("media: static video track: %w", err)
	}
	return NewStream(audio, video, func() {}), nil
}

func (StaticCapture) AcquireDisplayMedia(ctx context.Context) (webrtc.TrackLocal, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", uuid.NewString())
	if err != nil {
		return nil, nil, fmt.Errorf("media: static screen track: %w", err)
	}
	return track, func() {}, nil
}

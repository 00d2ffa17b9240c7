//go:build !linux

package media

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"
)

// DeviceCapture needs platform drivers (V4L2, malgo, X11) that are only wired
// up on linux. Elsewhere calls run with StaticCapture or receive-only.
type DeviceCapture struct{}

func NewDeviceCapture(_ *slog.Logger) (*DeviceCapture, error) {
	return nil, fmt.Errorf("media: hardware capture unsupported on this platform")
}

func (*DeviceCapture) ConfigureEngine(*webrtc.MediaEngine) error { return nil }

func (*DeviceCapture) AcquireUserMedia(context.Context) (*Stream, error) {
	return nil, fmt.Errorf("media: hardware capture unsupported on this platform: %w", ErrAccessDenied)
}

func (*DeviceCapture) AcquireDisplayMedia(context.Context) (webrtc.TrackLocal, func(), error) {
	return nil, nil, fmt.Errorf("media: hardware capture unsupported on this platform: %w", ErrAccessDenied)
}

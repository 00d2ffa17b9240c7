// Package peer owns one WebRTC peer connection per call attempt: description
// state, ICE candidate buffering, and track add/replace operations. A Session
// is created by exactly one call session and destroyed with it.
package peer

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/pairwave/callkit/internal/config"
)

// NewAPI builds the pion API used for all peer connections: default codecs,
// default interceptors, and SettingEngine restrictions (ICE timeouts, port
// range) derived from config. Constructing it does not start any networking;
// ICE sockets appear only once PeerConnections are created.
//
// configureMedia, if non-nil, runs after the default codecs are registered so
// a capture backend can register its own encoder codecs on the engine.
func NewAPI(cfg config.Config, configureMedia func(*webrtc.MediaEngine) error) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	if configureMedia != nil {
		if err := configureMedia(mediaEngine); err != nil {
			return nil, fmt.Errorf("configure media engine: %w", err)
		}
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	}
	se.SetICETimeouts(cfg.ICEDisconnectedTimeout, cfg.ICEFailedTimeout, cfg.ICEKeepaliveInterval)
	if pr := cfg.WebRTCUDPPortRange; pr != nil {
		if err := se.SetEphemeralUDPPortRange(pr.Min, pr.Max); err != nil {
			return nil, fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

package peer

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// Session wraps one PeerConnection for one call attempt.
//
// Description operations are idempotent against duplicate signaling delivery,
// remote ICE candidates arriving before the remote description are buffered
// rather than failing, and Close tears everything down exactly once in a
// fixed order: local tracks stopped, connection closed, buffers cleared.
type Session struct {
	pc  *webrtc.PeerConnection
	log *slog.Logger

	candidates candidateBuffer

	mu          sync.Mutex
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	closers     []func()
	remoteSDP   string

	closed atomic.Bool
}

func NewSession(api *webrtc.API, iceServers []webrtc.ICEServer, logger *slog.Logger) (*Session, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	if logger == nil {
		logger = slog.Default()
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("peer: new peer connection: %w", err)
	}
	return &Session{pc: pc, log: logger}, nil
}

// OnICECandidate registers fn for locally gathered candidates. The
// end-of-gathering nil candidate is filtered out.
func (s *Session) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (s *Session) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	s.pc.OnTrack(fn)
}

func (s *Session) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	s.pc.OnConnectionStateChange(fn)
}

// OnNegotiationNeeded fires when a track change requires a new offer/answer
// round; the owning call session decides whether to mint or resend an offer.
func (s *Session) OnNegotiationNeeded(fn func()) {
	s.pc.OnNegotiationNeeded(fn)
}

// CreateOffer creates and installs a local offer.
func (s *Session) CreateOffer() (webrtc.SessionDescription, error) {
	if s.closed.Load() {
		return webrtc.SessionDescription{}, ErrClosed
	}
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("peer: create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("peer: set local offer: %w", err)
	}
	return offer, nil
}

// CreateAnswer creates and installs a local answer to the current remote
// offer.
func (s *Session) CreateAnswer() (webrtc.SessionDescription, error) {
	if s.closed.Load() {
		return webrtc.SessionDescription{}, ErrClosed
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("peer: create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("peer: set local answer: %w", err)
	}
	return answer, nil
}

// SetRemoteDescription applies desc and drains any buffered remote
// candidates, in receipt order, on success.
//
// Signaling messages may be delivered more than once; re-applying the
// already-installed description is a no-op, reported by applied=false.
func (s *Session) SetRemoteDescription(desc webrtc.SessionDescription) (applied bool, err error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	if strings.TrimSpace(desc.SDP) == "" {
		return false, fmt.Errorf("%w: empty sdp", ErrInvalidDescription)
	}

	s.mu.Lock()
	duplicate := s.remoteSDP != "" && s.remoteSDP == descKey(desc)
	s.mu.Unlock()
	if duplicate {
		return false, nil
	}

	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidDescription, err)
	}

	s.mu.Lock()
	s.remoteSDP = descKey(desc)
	s.mu.Unlock()

	for _, c := range s.candidates.Drain() {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.log.Warn("dropping buffered ice candidate", "err", err)
		}
	}
	return true, nil
}

// AddICECandidate applies a remote candidate, or buffers it when no remote
// description has been set yet.
func (s *Session) AddICECandidate(c webrtc.ICECandidateInit) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if c.Candidate == "" {
		return nil
	}
	if s.candidates.Hold(c) {
		return nil
	}
	return s.pc.AddICECandidate(c)
}

// BufferedCandidates reports how many remote candidates are waiting for a
// remote description.
func (s *Session) BufferedCandidates() int {
	return s.candidates.Len()
}

// AddLocalTracks attaches outbound media tracks. stop, if non-nil, is invoked
// during Close to release the underlying capture devices; it runs before the
// connection is closed and at most once.
func (s *Session) AddLocalTracks(stop func(), tracks ...webrtc.TrackLocal) error {
	if s.closed.Load() {
		return ErrClosed
	}
	for _, track := range tracks {
		sender, err := s.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("peer: add track: %w", err)
		}
		s.mu.Lock()
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			s.audioSender = sender
		case webrtc.RTPCodecTypeVideo:
			s.videoSender = sender
		}
		s.mu.Unlock()
	}
	if stop != nil {
		s.mu.Lock()
		s.closers = append(s.closers, stop)
		s.mu.Unlock()
	}
	return nil
}

// ReplaceVideoTrack swaps the outbound video track in place, without touching
// audio and without tearing down transport connectivity. A nil track pauses
// transmission while keeping the sender. Used for the screen-share
// swap-in/out and the camera toggle.
func (s *Session) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	return s.replaceTrack(s.currentVideoSender(), track, "video")
}

// ReplaceAudioTrack swaps the outbound audio track in place; nil pauses
// transmission. Used for the microphone toggle.
func (s *Session) ReplaceAudioTrack(track webrtc.TrackLocal) error {
	return s.replaceTrack(s.currentAudioSender(), track, "audio")
}

func (s *Session) replaceTrack(sender *webrtc.RTPSender, track webrtc.TrackLocal, kind string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if sender == nil {
		return fmt.Errorf("peer: no outbound %s sender", kind)
	}
	if err := sender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("peer: replace %s track: %w", kind, err)
	}
	return nil
}

func (s *Session) currentAudioSender() *webrtc.RTPSender {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioSender
}

func (s *Session) currentVideoSender() *webrtc.RTPSender {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoSender
}

// OutboundAudioTrack returns the track currently attached to the audio
// sender, nil while muted or when the stream carried no audio.
func (s *Session) OutboundAudioTrack() webrtc.TrackLocal {
	if sender := s.currentAudioSender(); sender != nil {
		return sender.Track()
	}
	return nil
}

// OutboundVideoTrack returns the track currently attached to the video
// sender, nil while the camera is off or when the stream carried no video.
func (s *Session) OutboundVideoTrack() webrtc.TrackLocal {
	if sender := s.currentVideoSender(); sender != nil {
		return sender.Track()
	}
	return nil
}

// Abandon closes the connection without stopping the local tracks, so the
// owner can re-home them on a replacement Session. Used when yielding to a
// colliding remote offer: capture keeps running while the replacement
// answers from a clean signaling state.
func (s *Session) Abandon() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	s.closers = nil
	s.audioSender = nil
	s.videoSender = nil
	s.mu.Unlock()

	err := s.pc.Close()
	s.candidates.Clear()
	return err
}

// LocalDescription returns the currently installed local description, nil if
// none.
func (s *Session) LocalDescription() *webrtc.SessionDescription {
	return s.pc.LocalDescription()
}

// SignalingState exposes the underlying negotiation state; the call session
// uses it to detect an unanswered local offer during glare.
func (s *Session) SignalingState() webrtc.SignalingState {
	return s.pc.SignalingState()
}

func (s *Session) ConnectionState() webrtc.PeerConnectionState {
	return s.pc.ConnectionState()
}

// Close releases the session: local tracks stopped, connection closed,
// candidate buffer cleared, in that order. Safe to call from any state and
// any number of times.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	closers := s.closers
	s.closers = nil
	s.audioSender = nil
	s.videoSender = nil
	s.mu.Unlock()

	for _, stop := range closers {
		stop()
	}
	err := s.pc.Close()
	s.candidates.Clear()
	return err
}

// Closed reports whether Close has run.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

func descKey(desc webrtc.SessionDescription) string {
	return desc.Type.String() + "\x00" + desc.SDP
}

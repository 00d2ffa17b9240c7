package call

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/pairwave/callkit/internal/media"
	"github.com/pairwave/callkit/internal/metrics"
	"github.com/pairwave/callkit/internal/peer"
	"github.com/pairwave/callkit/internal/signal"
)

// Session is one logical call attempt between two parties. All transitions
// for one session run on a single goroutine fed by an ordered event queue, so
// signaling events, user intents and pion callbacks never interleave
// mid-operation; inbound events arriving while a description operation is in
// flight queue up and drain in arrival order. Sessions are never reused: a
// fresh attempt builds a fresh Session and peer.Session pair.
type Session struct {
	peerID    string
	selfID    string
	direction Direction

	channel signal.Channel
	ps      *peer.Session
	newPeer func() (*peer.Session, error)
	capture media.Capture
	log     *slog.Logger
	metrics *metrics.Metrics
	notify  func(Change)

	ringTimeout time.Duration
	ringTimer   *time.Timer

	events chan event
	done   chan struct{}

	// loop-owned
	pendingOffer *signal.Message
	notif        NotificationHandle
	stream       *media.Stream

	onRemove func()

	mu          sync.Mutex
	state       State
	reason      EndReason
	startedAt   time.Time
	connectedAt time.Time
	controls    *media.Controls
	listeners   []func(Change)
}

type event interface{}

type (
	evSignal            struct{ msg signal.Message }
	evAccept            struct{}
	evReject            struct{}
	evHangUp            struct{}
	evLocalCandidate    struct{ cand webrtc.ICECandidateInit }
	evNegotiationNeeded struct{}
	evConnState         struct{ state webrtc.PeerConnectionState }
	evRingTimeout       struct{}
)

func (s *Session) PeerID() string       { return s.peerID }
func (s *Session) Direction() Direction { return s.direction }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason reports why the session ended; ReasonNone while it is still live.
func (s *Session) Reason() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

func (s *Session) ConnectedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedAt
}

// Media returns the per-call media control surface, nil until local media has
// been acquired (immediately for outgoing calls, on accept for incoming).
func (s *Session) Media() *media.Controls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controls
}

// Done is closed when the session reaches StateEnded.
func (s *Session) Done() <-chan struct{} { return s.done }

// Accept answers an incoming call. No-op in any state but StateRinging.
func (s *Session) Accept() { s.enqueue(evAccept{}) }

// Reject declines an incoming call. No-op in any state but StateRinging.
func (s *Session) Reject() { s.enqueue(evReject{}) }

// HangUp ends the call from any live state. No-op once ended.
func (s *Session) HangUp() { s.enqueue(evHangUp{}) }

// OnStateChange registers fn for every subsequent transition of this session.
func (s *Session) OnStateChange(fn func(Change)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Session) enqueue(ev event) {
	select {
	case <-s.done:
	case s.events <- ev:
	}
}

func (s *Session) loop() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

func (s *Session) handle(ev event) {
	switch ev := ev.(type) {
	case evSignal:
		s.handleSignal(ev.msg)
	case evAccept:
		s.handleAccept()
	case evReject:
		s.handleReject()
	case evHangUp:
		s.handleHangUp()
	case evLocalCandidate:
		s.sendCandidate(ev.cand)
	case evNegotiationNeeded:
		s.handleNegotiationNeeded()
	case evConnState:
		s.handleConnState(ev.state)
	case evRingTimeout:
		s.handleRingTimeout()
	}
}

func (s *Session) handleSignal(msg signal.Message) {
	switch msg.Kind {
	case signal.KindOffer:
		s.handleOffer(msg)
	case signal.KindAnswer:
		s.handleAnswer(msg)
	case signal.KindCandidate:
		if err := s.ps.AddICECandidate(msg.Candidate.ToPion()); err != nil {
			s.log.Warn("add remote candidate", "peer", s.peerID, "error", err)
		}
	case signal.KindEndCall:
		s.end(ReasonPeerHangup, false)
	}
}

func (s *Session) handleOffer(msg signal.Message) {
	if s.State() == StateRinging {
		// re-delivery of the invitation; the pending offer stands
		s.metrics.Inc(metrics.DuplicateDescDrops)
		return
	}
	desc, err := msg.SDP.ToPion()
	if err != nil {
		s.fail(ReasonBadDescription, err)
		return
	}

	if s.ps.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		// Glare: both sides offered at once. The peer with the larger id
		// yields, discarding its own offer and answering the remote one from
		// a replacement connection; the other side stands by its offer and
		// resends it as-is. Exactly one offer round survives and both sides
		// converge.
		if s.polite() {
			if err := s.yieldToRemoteOffer(); err != nil {
				s.fail(ReasonBadDescription, err)
				return
			}
			s.log.Info("glare: yielded to remote offer", "peer", s.peerID)
			s.applyOfferAndAnswer(desc)
		} else {
			s.metrics.Inc(metrics.GlareOfferReuses)
			if ld := s.ps.LocalDescription(); ld != nil {
				purpose := signal.PurposeRenegotiation
				if s.State() == StateRequesting {
					purpose = signal.PurposeInitial
				}
				s.log.Info("glare: resending pending offer", "peer", s.peerID)
				s.sendSDP(signal.KindOffer, purpose, *ld)
			}
		}
		return
	}

	// Renegotiation (or the peer's half of a mutual call): applied silently,
	// never re-rings.
	s.applyOfferAndAnswer(desc)
}

// polite reports whether this side yields during glare. Derived from the peer
// ids so both ends agree without coordination.
func (s *Session) polite() bool {
	return s.selfID > s.peerID
}

// yieldToRemoteOffer abandons our unanswered offer by swapping in a fresh
// peer connection that starts from a stable signaling state. The captured
// stream is re-homed on the replacement, so local media never restarts; the
// abandoned connection closes without touching the tracks.
func (s *Session) yieldToRemoteOffer() error {
	fresh, err := s.newPeer()
	if err != nil {
		return err
	}
	old := s.ps
	s.ps = fresh
	s.wirePeer()
	_ = old.Abandon()

	if s.stream != nil {
		if err := fresh.AddLocalTracks(s.stream.Stop, s.stream.Tracks()...); err != nil {
			return err
		}
		s.mu.Lock()
		s.controls = media.NewControls(fresh, s.capture, s.stream, s.log)
		s.mu.Unlock()
	}
	return nil
}

func (s *Session) applyOfferAndAnswer(desc webrtc.SessionDescription) {
	st := s.State()
	applied, err := s.ps.SetRemoteDescription(desc)
	if err != nil {
		s.fail(ReasonBadDescription, err)
		return
	}
	if !applied {
		s.metrics.Inc(metrics.DuplicateDescDrops)
		return
	}
	answer, err := s.ps.CreateAnswer()
	if err != nil {
		s.fail(ReasonBadDescription, err)
		return
	}
	s.sendSDP(signal.KindAnswer, "", answer)
	if st == StateRequesting {
		// mutual call attempt; the remote offer resolved our ring-out
		s.stopRingTimer()
		s.setState(StateNegotiating, ReasonNone)
	}
}

func (s *Session) handleAnswer(msg signal.Message) {
	st := s.State()
	if st != StateRequesting && st != StateNegotiating && st != StateConnected {
		return
	}
	desc, err := msg.SDP.ToPion()
	if err != nil {
		s.fail(ReasonBadDescription, err)
		return
	}
	applied, err := s.ps.SetRemoteDescription(desc)
	if err != nil {
		s.fail(ReasonBadDescription, err)
		return
	}
	if !applied {
		s.metrics.Inc(metrics.DuplicateDescDrops)
		return
	}
	if st == StateRequesting {
		s.stopRingTimer()
		s.setState(StateNegotiating, ReasonNone)
	}
}

func (s *Session) handleAccept() {
	if s.State() != StateRinging || s.pendingOffer == nil {
		return
	}
	s.stopRingTimer()
	s.dismissNotif()

	stream, err := s.capture.AcquireUserMedia(context.Background())
	if err != nil {
		s.log.Warn("accept aborted: media capture denied", "peer", s.peerID, "error", err)
		s.end(ReasonMediaDenied, true)
		return
	}
	if err := s.ps.AddLocalTracks(stream.Stop, stream.Tracks()...); err != nil {
		stream.Stop()
		s.fail(ReasonConnectionFailed, err)
		return
	}
	s.stream = stream
	s.mu.Lock()
	s.controls = media.NewControls(s.ps, s.capture, stream, s.log)
	s.mu.Unlock()

	desc, err := s.pendingOffer.SDP.ToPion()
	if err != nil {
		s.fail(ReasonBadDescription, err)
		return
	}
	if _, err := s.ps.SetRemoteDescription(desc); err != nil {
		s.fail(ReasonBadDescription, err)
		return
	}
	answer, err := s.ps.CreateAnswer()
	if err != nil {
		s.fail(ReasonBadDescription, err)
		return
	}
	s.pendingOffer = nil
	s.sendSDP(signal.KindAnswer, "", answer)
	s.setState(StateNegotiating, ReasonNone)
	s.log.Info("call accepted", "peer", s.peerID)
}

func (s *Session) handleReject() {
	if s.State() != StateRinging {
		return
	}
	s.log.Info("call rejected", "peer", s.peerID)
	s.end(ReasonRejected, true)
}

func (s *Session) handleHangUp() {
	if s.State() == StateEnded {
		return
	}
	s.end(ReasonLocalHangup, true)
}

func (s *Session) handleNegotiationNeeded() {
	if s.State() != StateConnected {
		return
	}
	if s.ps.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		// An unanswered offer is already in flight; resend it instead of
		// minting a second one racing the first.
		s.metrics.Inc(metrics.GlareOfferReuses)
		if ld := s.ps.LocalDescription(); ld != nil {
			s.sendSDP(signal.KindOffer, signal.PurposeRenegotiation, *ld)
		}
		return
	}
	offer, err := s.ps.CreateOffer()
	if err != nil {
		s.log.Warn("renegotiation offer", "peer", s.peerID, "error", err)
		return
	}
	s.sendSDP(signal.KindOffer, signal.PurposeRenegotiation, offer)
}

func (s *Session) handleConnState(st webrtc.PeerConnectionState) {
	switch st {
	case webrtc.PeerConnectionStateConnected:
		if s.State() == StateNegotiating {
			s.mu.Lock()
			s.connectedAt = time.Now()
			s.mu.Unlock()
			s.metrics.Inc(metrics.CallsConnected)
			s.setState(StateConnected, ReasonNone)
			s.log.Info("call connected", "peer", s.peerID)
		}
	case webrtc.PeerConnectionStateFailed:
		s.end(ReasonConnectionFailed, false)
	case webrtc.PeerConnectionStateDisconnected:
		s.log.Warn("transport disconnected", "peer", s.peerID)
	}
}

func (s *Session) handleRingTimeout() {
	st := s.State()
	if st != StateRequesting && st != StateRinging {
		return
	}
	s.metrics.Inc(metrics.RingTimeouts)
	s.log.Info("ring timeout", "peer", s.peerID, "state", st.String())
	s.end(ReasonNoAnswer, st == StateRequesting)
}

func (s *Session) sendSDP(kind signal.Kind, purpose signal.OfferPurpose, desc webrtc.SessionDescription) {
	sdp := signal.SDPFromPion(desc)
	s.send(signal.Message{Kind: kind, Purpose: purpose, From: s.selfID, To: s.peerID, SDP: &sdp})
}

func (s *Session) sendCandidate(c webrtc.ICECandidateInit) {
	cand := signal.CandidateFromPion(c)
	s.send(signal.Message{Kind: signal.KindCandidate, From: s.selfID, To: s.peerID, Candidate: &cand})
}

// send is fire-and-forget. An unreachable channel is recovered by the ring
// timeout, not by retries.
func (s *Session) send(msg signal.Message) {
	if err := s.channel.Send(msg); err != nil {
		s.log.Warn("signal send failed", "kind", string(msg.Kind), "peer", s.peerID, "error", err)
	}
}

func (s *Session) fail(reason EndReason, err error) {
	s.log.Error("call failed", "peer", s.peerID, "reason", string(reason), "error", err)
	s.end(reason, true)
}

// end is the only path to StateEnded: ring indication dismissed, peer session
// torn down (tracks, connection, buffers, in that order), session
// deregistered. Runs at most once.
func (s *Session) end(reason EndReason, sendEndCall bool) {
	if s.State() == StateEnded {
		return
	}
	s.stopRingTimer()
	s.dismissNotif()
	if sendEndCall {
		s.send(signal.Message{Kind: signal.KindEndCall, From: s.selfID, To: s.peerID})
	}
	_ = s.ps.Close()
	s.metrics.Inc(metrics.CallsEnded)
	s.setState(StateEnded, reason)
	if s.onRemove != nil {
		s.onRemove()
	}
	s.log.Info("call ended", "peer", s.peerID, "reason", string(reason))
	close(s.done)
}

func (s *Session) setState(st State, reason EndReason) {
	s.mu.Lock()
	s.state = st
	if st == StateEnded {
		s.reason = reason
	}
	fns := make([]func(Change), len(s.listeners))
	copy(fns, s.listeners)
	s.mu.Unlock()

	ch := Change{Peer: s.peerID, Direction: s.direction, State: st, Reason: reason}
	for _, fn := range fns {
		fn(ch)
	}
	if s.notify != nil {
		s.notify(ch)
	}
}

func (s *Session) wirePeer() {
	s.ps.OnICECandidate(func(c webrtc.ICECandidateInit) { s.enqueue(evLocalCandidate{c}) })
	s.ps.OnConnectionStateChange(func(st webrtc.PeerConnectionState) { s.enqueue(evConnState{st}) })
	s.ps.OnNegotiationNeeded(func() { s.enqueue(evNegotiationNeeded{}) })
	s.ps.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.log.Info("remote track", "peer", s.peerID, "kind", t.Kind().String(), "id", t.ID())
	})
}

func (s *Session) armRingTimer() {
	s.ringTimer = time.AfterFunc(s.ringTimeout, func() { s.enqueue(evRingTimeout{}) })
}

func (s *Session) stopRingTimer() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
}

func (s *Session) dismissNotif() {
	if s.notif != nil {
		s.notif.Dismiss()
		s.notif = nil
	}
}

// Package call turns asynchronous, unordered, possibly-duplicated signaling
// messages plus local user intent into one consistent peer connection state
// per call. Coupling to the transport is via the signal.Channel interface
// only; the Manager is the channel's single subscriber, and everything else
// observes session state changes instead of the raw message stream.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/pairwave/callkit/internal/media"
	"github.com/pairwave/callkit/internal/metrics"
	"github.com/pairwave/callkit/internal/peer"
	"github.com/pairwave/callkit/internal/signal"
)

var (
	ErrManagerClosed = errors.New("call: manager closed")

	// ErrBusy rejects a second call attempt to a peer with a live session.
	// Capture devices belong to one session at a time; the first call must
	// end before another to the same peer starts.
	ErrBusy = errors.New("call: a session with this peer is already active")

	ErrBadPeer = errors.New("call: invalid peer id")
)

const defaultRingTimeout = 30 * time.Second

// NotificationSink surfaces the incoming-call ring indication. The returned
// handle is dismissed when the call is accepted, rejected, times out, or the
// caller hangs up before a local decision.
type NotificationSink interface {
	NotifyIncomingCall(caller string) NotificationHandle
}

type NotificationHandle interface {
	Dismiss()
}

type noopSink struct{}

func (noopSink) NotifyIncomingCall(string) NotificationHandle { return noopHandle{} }

type noopHandle struct{}

func (noopHandle) Dismiss() {}

// Options configures a Manager. SelfID and Channel are required; everything
// else has a working default.
type Options struct {
	SelfID  string
	Channel signal.Channel

	// Capture acquires local media per call attempt. Defaults to
	// media.StaticCapture (synthetic tracks, no hardware).
	Capture media.Capture

	// Notifications receives incoming-call ring indications.
	Notifications NotificationSink

	// API, if set, builds the peer connections (see peer.NewAPI). A nil API
	// uses pion defaults.
	API        *webrtc.API
	ICEServers []webrtc.ICEServer

	// RingTimeout bounds how long an unresolved outgoing or ringing call
	// waits before self-cancelling.
	RingTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Manager owns every live call session for one local peer and is the sole
// subscriber to the signaling channel, routing inbound messages by sender.
type Manager struct {
	selfID        string
	channel       signal.Channel
	capture       media.Capture
	notifications NotificationSink
	api           *webrtc.API
	iceServers    []webrtc.ICEServer
	ringTimeout   time.Duration
	log           *slog.Logger
	metrics       *metrics.Metrics

	mu       sync.Mutex
	closed   bool
	sessions map[string]*Session
	incoming []func(*Session)
	changes  []func(Change)

	unsubscribe func()
}

func NewManager(opts Options) (*Manager, error) {
	if opts.SelfID == "" {
		return nil, fmt.Errorf("call: SelfID is required")
	}
	if opts.Channel == nil {
		return nil, fmt.Errorf("call: Channel is required")
	}
	if opts.Capture == nil {
		opts.Capture = media.StaticCapture{}
	}
	if opts.Notifications == nil {
		opts.Notifications = noopSink{}
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = defaultRingTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &Manager{
		selfID:        opts.SelfID,
		channel:       opts.Channel,
		capture:       opts.Capture,
		notifications: opts.Notifications,
		api:           opts.API,
		iceServers:    opts.ICEServers,
		ringTimeout:   opts.RingTimeout,
		log:           opts.Logger.With("peer_id", opts.SelfID),
		metrics:       opts.Metrics,
		sessions:      make(map[string]*Session),
	}
	m.unsubscribe = opts.Channel.Subscribe(m.route)
	return m, nil
}

// OnIncoming registers fn for every fresh incoming call. The session is in
// StateRinging when fn runs; fn decides via Accept/Reject or lets the ring
// timeout resolve it.
func (m *Manager) OnIncoming(fn func(*Session)) {
	m.mu.Lock()
	m.incoming = append(m.incoming, fn)
	m.mu.Unlock()
}

// OnStateChange registers fn for every state transition of every session.
func (m *Manager) OnStateChange(fn func(Change)) {
	m.mu.Lock()
	m.changes = append(m.changes, fn)
	m.mu.Unlock()
}

// StartCall places an outgoing call: local media is acquired first (a denial
// aborts before any signaling is sent), then the offer goes out and the
// session rings out until answered or timed out.
func (m *Manager) StartCall(ctx context.Context, peerID string) (*Session, error) {
	if peerID == "" || peerID == m.selfID {
		return nil, ErrBadPeer
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if _, exists := m.sessions[peerID]; exists {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	m.mu.Unlock()

	stream, err := m.capture.AcquireUserMedia(ctx)
	if err != nil {
		return nil, fmt.Errorf("call: acquire media: %w", err)
	}

	ps, err := peer.NewSession(m.api, m.iceServers, m.log)
	if err != nil {
		stream.Stop()
		return nil, err
	}

	s := m.newSession(peerID, Outgoing, ps)
	if err := ps.AddLocalTracks(stream.Stop, stream.Tracks()...); err != nil {
		_ = ps.Close()
		stream.Stop()
		return nil, err
	}
	s.stream = stream
	s.controls = media.NewControls(ps, m.capture, stream, s.log)
	s.wirePeer()

	m.mu.Lock()
	if m.closed || m.sessions[peerID] != nil {
		m.mu.Unlock()
		_ = ps.Close()
		return nil, ErrBusy
	}
	m.sessions[peerID] = s
	m.mu.Unlock()

	offer, err := ps.CreateOffer()
	if err != nil {
		m.removeSession(peerID, s)
		_ = ps.Close()
		return nil, err
	}
	s.startedAt = time.Now()
	s.setState(StateRequesting, ReasonNone)
	s.sendSDP(signal.KindOffer, signal.PurposeInitial, offer)
	s.armRingTimer()
	go s.loop()

	m.metrics.Inc(metrics.CallsStarted)
	m.log.Info("call started", "peer", peerID)
	return s, nil
}

// Session returns the live session with peerID, if any.
func (m *Manager) Session(peerID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peerID]
	return s, ok
}

// Close unsubscribes from the channel and hangs up every live session,
// waiting briefly for their teardown.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	m.unsubscribe()
	for _, s := range sessions {
		s.HangUp()
	}
	deadline := time.After(5 * time.Second)
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-deadline:
			return
		}
	}
}

func (m *Manager) newSession(peerID string, dir Direction, ps *peer.Session) *Session {
	s := &Session{
		peerID:      peerID,
		selfID:      m.selfID,
		direction:   dir,
		channel:     m.channel,
		ps:          ps,
		capture:     m.capture,
		log:         m.log.With("call_peer", peerID, "direction", dir.String()),
		metrics:     m.metrics,
		notify:      m.notifyChange,
		ringTimeout: m.ringTimeout,
		events:      make(chan event, 64),
		done:        make(chan struct{}),
	}
	s.newPeer = func() (*peer.Session, error) {
		return peer.NewSession(m.api, m.iceServers, m.log)
	}
	s.onRemove = func() { m.removeSession(peerID, s) }
	return s
}

func (m *Manager) notifyChange(ch Change) {
	m.mu.Lock()
	fns := make([]func(Change), len(m.changes))
	copy(fns, m.changes)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
}

func (m *Manager) removeSession(peerID string, s *Session) {
	m.mu.Lock()
	if m.sessions[peerID] == s {
		delete(m.sessions, peerID)
	}
	m.mu.Unlock()
}

// route is the single inbound dispatch point. Messages for live sessions go
// onto that session's event queue; a fresh initial-purpose offer creates a
// ringing session; everything else is a late arrival for a dead session and
// is dropped.
func (m *Manager) route(msg signal.Message) {
	if msg.To != m.selfID {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	sess, ok := m.sessions[msg.From]
	m.mu.Unlock()
	if ok {
		sess.enqueue(evSignal{msg: msg})
		return
	}

	if msg.Kind == signal.KindOffer && msg.Purpose == signal.PurposeInitial {
		m.startIncoming(msg)
		return
	}
	m.log.Debug("dropping signal with no session", "kind", string(msg.Kind), "from", msg.From)
}

func (m *Manager) startIncoming(msg signal.Message) {
	ps, err := peer.NewSession(m.api, m.iceServers, m.log)
	if err != nil {
		m.log.Error("incoming call: new peer session", "from", msg.From, "error", err)
		return
	}

	s := m.newSession(msg.From, Incoming, ps)
	s.wirePeer()
	s.pendingOffer = &msg
	s.startedAt = time.Now()

	m.mu.Lock()
	if m.closed || m.sessions[msg.From] != nil {
		m.mu.Unlock()
		_ = ps.Close()
		return
	}
	m.sessions[msg.From] = s
	fns := make([]func(*Session), len(m.incoming))
	copy(fns, m.incoming)
	m.mu.Unlock()

	s.notif = m.notifications.NotifyIncomingCall(msg.From)
	s.setState(StateRinging, ReasonNone)
	s.armRingTimer()
	go s.loop()

	m.metrics.Inc(metrics.CallsIncoming)
	m.log.Info("incoming call", "from", msg.From)
	for _, fn := range fns {
		fn(s)
	}
}

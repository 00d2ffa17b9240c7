package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pairwave/callkit/internal/media"
	"github.com/pairwave/callkit/internal/metrics"
	"github.com/pairwave/callkit/internal/peer"
	"github.com/pairwave/callkit/internal/signal"
)

func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// recordSink counts ring indications and their dismissals.
type recordSink struct {
	mu        sync.Mutex
	notified  []string
	dismissed int
}

func (s *recordSink) NotifyIncomingCall(caller string) NotificationHandle {
	s.mu.Lock()
	s.notified = append(s.notified, caller)
	s.mu.Unlock()
	return recordHandle{sink: s}
}

func (s *recordSink) notifiedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notified)
}

func (s *recordSink) dismissedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dismissed
}

type recordHandle struct{ sink *recordSink }

func (h recordHandle) Dismiss() {
	h.sink.mu.Lock()
	h.sink.dismissed++
	h.sink.mu.Unlock()
}

// deniedCapture refuses user media, as a user denying the permission prompt.
type deniedCapture struct{ media.StaticCapture }

func (deniedCapture) AcquireUserMedia(context.Context) (*media.Stream, error) {
	return nil, media.ErrAccessDenied
}

type managerConfig struct {
	capture     media.Capture
	sink        *recordSink
	ringTimeout time.Duration
	metrics     *metrics.Metrics
}

func newTestManager(t *testing.T, selfID string, ch signal.Channel, cfg managerConfig) *Manager {
	t.Helper()
	if cfg.sink == nil {
		cfg.sink = &recordSink{}
	}
	m, err := NewManager(Options{
		SelfID:        selfID,
		Channel:       ch,
		Capture:       cfg.capture,
		Notifications: cfg.sink,
		RingTimeout:   cfg.ringTimeout,
		Metrics:       cfg.metrics,
	})
	if err != nil {
		t.Fatalf("NewManager(%s): %v", selfID, err)
	}
	t.Cleanup(m.Close)
	return m
}

func validOffer(t *testing.T) *signal.SDP {
	t.Helper()
	ps, err := peer.NewSession(nil, nil, nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer ps.Close()
	offer, err := ps.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	sdp := signal.SDPFromPion(offer)
	return &sdp
}

func TestStartCall_RingsCallee(t *testing.T) {
	chA, chB := signal.Pair()
	sinkB := &recordSink{}
	mA := newTestManager(t, "alice", chA, managerConfig{})
	mB := newTestManager(t, "bob", chB, managerConfig{sink: sinkB})

	var (
		mu       sync.Mutex
		incoming *Session
	)
	mB.OnIncoming(func(s *Session) {
		mu.Lock()
		incoming = s
		mu.Unlock()
	})

	sA, err := mA.StartCall(context.Background(), "bob")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if sA.State() != StateRequesting {
		t.Errorf("caller state = %v, want requesting", sA.State())
	}
	if sA.Direction() != Outgoing {
		t.Errorf("caller direction = %v, want outgoing", sA.Direction())
	}
	if sA.Media() == nil {
		t.Errorf("caller has no media controls")
	}

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return incoming != nil
	}, "incoming call on bob")

	mu.Lock()
	sB := incoming
	mu.Unlock()
	if sB.State() != StateRinging {
		t.Errorf("callee state = %v, want ringing", sB.State())
	}
	if sB.PeerID() != "alice" {
		t.Errorf("callee peer = %q, want alice", sB.PeerID())
	}
	if sinkB.notifiedCount() != 1 {
		t.Errorf("notifications = %d, want 1", sinkB.notifiedCount())
	}
}

func TestCallFlow_ConnectsEndToEnd(t *testing.T) {
	chA, chB := signal.Pair()
	mA := newTestManager(t, "alice", chA, managerConfig{})
	mB := newTestManager(t, "bob", chB, managerConfig{})

	incoming := make(chan *Session, 1)
	mB.OnIncoming(func(s *Session) { incoming <- s })

	sA, err := mA.StartCall(context.Background(), "bob")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	var sB *Session
	select {
	case sB = <-incoming:
	case <-time.After(5 * time.Second):
		t.Fatalf("no incoming call on bob")
	}

	sB.Accept()
	waitFor(t, 5*time.Second, func() bool {
		return sB.State() == StateNegotiating || sB.State() == StateConnected
	}, "bob past ringing")
	waitFor(t, 5*time.Second, func() bool {
		return sA.State() == StateNegotiating || sA.State() == StateConnected
	}, "alice past requesting")

	waitFor(t, 15*time.Second, func() bool {
		return sA.State() == StateConnected && sB.State() == StateConnected
	}, "both sides connected")

	if sA.ConnectedAt().IsZero() || sB.ConnectedAt().IsZero() {
		t.Errorf("connectedAt not recorded")
	}
	if sB.Media() == nil {
		t.Errorf("callee has no media controls after accept")
	}
}

func TestRejectIncoming(t *testing.T) {
	chA, chB := signal.Pair()
	sinkB := &recordSink{}
	mA := newTestManager(t, "alice", chA, managerConfig{})
	mB := newTestManager(t, "bob", chB, managerConfig{sink: sinkB})

	incoming := make(chan *Session, 1)
	mB.OnIncoming(func(s *Session) { incoming <- s })

	sA, err := mA.StartCall(context.Background(), "bob")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	sB := <-incoming

	sB.Reject()
	waitFor(t, 5*time.Second, func() bool { return sB.State() == StateEnded }, "bob ended")
	if sB.Reason() != ReasonRejected {
		t.Errorf("bob reason = %q, want rejected", sB.Reason())
	}
	if sinkB.dismissedCount() != 1 {
		t.Errorf("ring not dismissed on reject")
	}

	waitFor(t, 5*time.Second, func() bool { return sA.State() == StateEnded }, "alice ended")
	if sA.Reason() != ReasonPeerHangup {
		t.Errorf("alice reason = %q, want peer-hangup", sA.Reason())
	}

	// Both sessions are deregistered; repeated intents are no-ops.
	if _, ok := mB.Session("alice"); ok {
		t.Errorf("bob still tracks ended session")
	}
	sB.Reject()
	sB.HangUp()
}

func TestCallerHangupWhileRinging(t *testing.T) {
	chA, chB := signal.Pair()
	sinkB := &recordSink{}
	mA := newTestManager(t, "alice", chA, managerConfig{})
	mB := newTestManager(t, "bob", chB, managerConfig{sink: sinkB})

	incoming := make(chan *Session, 1)
	mB.OnIncoming(func(s *Session) { incoming <- s })

	sA, err := mA.StartCall(context.Background(), "bob")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	sB := <-incoming

	sA.HangUp()
	waitFor(t, 5*time.Second, func() bool { return sA.State() == StateEnded }, "alice ended")
	if sA.Reason() != ReasonLocalHangup {
		t.Errorf("alice reason = %q, want local-hangup", sA.Reason())
	}

	// Bob goes ringing -> ended without ever negotiating; the ring dismisses.
	waitFor(t, 5*time.Second, func() bool { return sB.State() == StateEnded }, "bob ended")
	if sB.Reason() != ReasonPeerHangup {
		t.Errorf("bob reason = %q, want peer-hangup", sB.Reason())
	}
	if sinkB.dismissedCount() != 1 {
		t.Errorf("ring not dismissed when caller hung up")
	}
}

func TestRingTimeout(t *testing.T) {
	chA, chB := signal.Pair()
	sinkB := &recordSink{}
	met := metrics.New()
	mA := newTestManager(t, "alice", chA, managerConfig{ringTimeout: 100 * time.Millisecond, metrics: met})
	mB := newTestManager(t, "bob", chB, managerConfig{ringTimeout: 100 * time.Millisecond, sink: sinkB})

	incoming := make(chan *Session, 1)
	mB.OnIncoming(func(s *Session) { incoming <- s })

	sA, err := mA.StartCall(context.Background(), "bob")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	sB := <-incoming

	waitFor(t, 5*time.Second, func() bool { return sA.State() == StateEnded }, "alice timed out")
	if sA.Reason() != ReasonNoAnswer {
		t.Errorf("alice reason = %q, want no-answer", sA.Reason())
	}
	if met.Get(metrics.RingTimeouts) == 0 {
		t.Errorf("ring timeout not counted")
	}

	// Bob ends by its own timer or by alice's end-call, whichever lands first.
	waitFor(t, 5*time.Second, func() bool { return sB.State() == StateEnded }, "bob ended")
	if r := sB.Reason(); r != ReasonNoAnswer && r != ReasonPeerHangup {
		t.Errorf("bob reason = %q, want no-answer or peer-hangup", r)
	}
	if sinkB.dismissedCount() != 1 {
		t.Errorf("ring not dismissed on timeout")
	}
}

func TestRenegotiationOfferNeverRings(t *testing.T) {
	chRaw, chB := signal.Pair()
	sinkB := &recordSink{}
	mB := newTestManager(t, "bob", chB, managerConfig{sink: sinkB})
	mB.OnIncoming(func(*Session) { t.Errorf("incoming handler fired for renegotiation offer") })

	err := chRaw.Send(signal.Message{
		Kind:    signal.KindOffer,
		Purpose: signal.PurposeRenegotiation,
		From:    "mallory",
		To:      "bob",
		SDP:     validOffer(t),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if sinkB.notifiedCount() != 0 {
		t.Errorf("renegotiation offer rang: %d notifications", sinkB.notifiedCount())
	}
	if _, ok := mB.Session("mallory"); ok {
		t.Errorf("renegotiation offer created a session")
	}
}

func TestDuplicateInitialOfferRingsOnce(t *testing.T) {
	chRaw, chB := signal.Pair()
	sinkB := &recordSink{}
	mB := newTestManager(t, "bob", chB, managerConfig{sink: sinkB})

	msg := signal.Message{
		Kind:    signal.KindOffer,
		Purpose: signal.PurposeInitial,
		From:    "alice",
		To:      "bob",
		SDP:     validOffer(t),
	}
	if err := chRaw.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := chRaw.Send(msg); err != nil {
		t.Fatalf("resend: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return sinkB.notifiedCount() >= 1 }, "ring on bob")
	time.Sleep(100 * time.Millisecond)
	if sinkB.notifiedCount() != 1 {
		t.Errorf("notifications = %d, want 1", sinkB.notifiedCount())
	}
	sB, ok := mB.Session("alice")
	if !ok {
		t.Fatalf("no session for alice after ring")
	}
	if sB.State() != StateRinging {
		t.Errorf("session state = %v, want ringing", sB.State())
	}
}

func TestStartCall_Busy(t *testing.T) {
	chA, _ := signal.Pair()
	mA := newTestManager(t, "alice", chA, managerConfig{})

	if _, err := mA.StartCall(context.Background(), "bob"); err != nil {
		t.Fatalf("first StartCall: %v", err)
	}
	if _, err := mA.StartCall(context.Background(), "bob"); !errors.Is(err, ErrBusy) {
		t.Errorf("second StartCall err = %v, want ErrBusy", err)
	}
	if _, err := mA.StartCall(context.Background(), "alice"); !errors.Is(err, ErrBadPeer) {
		t.Errorf("self call err = %v, want ErrBadPeer", err)
	}
}

func TestStartCall_MediaDeniedSendsNothing(t *testing.T) {
	chA, chB := signal.Pair()
	mA := newTestManager(t, "alice", chA, managerConfig{capture: deniedCapture{}})

	var got int
	var mu sync.Mutex
	chB.Subscribe(func(signal.Message) {
		mu.Lock()
		got++
		mu.Unlock()
	})

	_, err := mA.StartCall(context.Background(), "bob")
	if !errors.Is(err, media.ErrAccessDenied) {
		t.Fatalf("StartCall err = %v, want ErrAccessDenied", err)
	}

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if got != 0 {
		t.Errorf("%d signaling messages sent despite media denial", got)
	}
}

func TestAccept_MediaDeniedEndsBothSides(t *testing.T) {
	chA, chB := signal.Pair()
	mA := newTestManager(t, "alice", chA, managerConfig{})
	mB := newTestManager(t, "bob", chB, managerConfig{capture: deniedCapture{}})

	incoming := make(chan *Session, 1)
	mB.OnIncoming(func(s *Session) { incoming <- s })

	sA, err := mA.StartCall(context.Background(), "bob")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	sB := <-incoming

	sB.Accept()
	waitFor(t, 5*time.Second, func() bool { return sB.State() == StateEnded }, "bob ended")
	if sB.Reason() != ReasonMediaDenied {
		t.Errorf("bob reason = %q, want media-denied", sB.Reason())
	}
	waitFor(t, 5*time.Second, func() bool { return sA.State() == StateEnded }, "alice ended")
	if sA.Reason() != ReasonPeerHangup {
		t.Errorf("alice reason = %q, want peer-hangup", sA.Reason())
	}
}

// heldChannel buffers outbound messages until released, so a test can line up
// both sides of an exchange before any message is delivered.
type heldChannel struct {
	signal.Channel

	mu   sync.Mutex
	held []signal.Message
	open bool
}

func (c *heldChannel) Send(msg signal.Message) error {
	c.mu.Lock()
	if !c.open {
		c.held = append(c.held, msg)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.Channel.Send(msg)
}

func (c *heldChannel) release() {
	c.mu.Lock()
	held := c.held
	c.held = nil
	c.open = true
	c.mu.Unlock()
	for _, msg := range held {
		_ = c.Channel.Send(msg)
	}
}

func TestGlare_MutualCallsConverge(t *testing.T) {
	rawA, rawB := signal.Pair()
	chA := &heldChannel{Channel: rawA}
	chB := &heldChannel{Channel: rawB}
	sinkA := &recordSink{}
	sinkB := &recordSink{}
	mA := newTestManager(t, "alice", chA, managerConfig{sink: sinkA})
	mB := newTestManager(t, "bob", chB, managerConfig{sink: sinkB})

	// Hold both offers until both outgoing sessions are registered, so each
	// side sees the remote offer while its own is still unanswered. The
	// collision resolves by id order: bob yields and answers, alice stands by
	// her offer. Neither side rings.
	sA, err := mA.StartCall(context.Background(), "bob")
	if err != nil {
		t.Fatalf("alice StartCall: %v", err)
	}
	sB, err := mB.StartCall(context.Background(), "alice")
	if err != nil {
		t.Fatalf("bob StartCall: %v", err)
	}
	chA.release()
	chB.release()

	waitFor(t, 15*time.Second, func() bool {
		return sA.State() == StateConnected && sB.State() == StateConnected
	}, "both sides connected")

	if sinkA.notifiedCount() != 0 || sinkB.notifiedCount() != 0 {
		t.Errorf("mutual call rang: alice=%d bob=%d notifications",
			sinkA.notifiedCount(), sinkB.notifiedCount())
	}
	if sA.Media() == nil || sB.Media() == nil {
		t.Errorf("media controls missing after glare resolution")
	}
}

func TestStateChangeListeners(t *testing.T) {
	chA, chB := signal.Pair()
	mA := newTestManager(t, "alice", chA, managerConfig{ringTimeout: 100 * time.Millisecond})
	newTestManager(t, "bob", chB, managerConfig{ringTimeout: 100 * time.Millisecond})

	var mu sync.Mutex
	var seen []State
	mA.OnStateChange(func(ch Change) {
		mu.Lock()
		seen = append(seen, ch.State)
		mu.Unlock()
	})

	sA, err := mA.StartCall(context.Background(), "bob")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return sA.State() == StateEnded }, "alice ended")

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 2 || seen[0] != StateRequesting || seen[len(seen)-1] != StateEnded {
		t.Errorf("state sequence = %v, want requesting .. ended", seen)
	}
}

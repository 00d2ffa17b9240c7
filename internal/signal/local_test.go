package signal

import (
	"testing"
	"time"
)

func endCall(from, to string) Message {
	return Message{Kind: KindEndCall, From: from, To: to}
}

func TestPairDeliversInSendOrder(t *testing.T) {
	a, b := Pair()
	defer a.Close()
	defer b.Close()

	got := make(chan Message, 16)
	b.Subscribe(func(msg Message) { got <- msg })

	offers := []Message{
		{Kind: KindOffer, Purpose: PurposeInitial, From: "alice", To: "bob", SDP: &SDP{Type: "offer", SDP: "v=0\r\n"}},
		{Kind: KindCandidate, From: "alice", To: "bob", Candidate: &Candidate{Candidate: "candidate:1"}},
		endCall("alice", "bob"),
	}
	for _, msg := range offers {
		if err := a.Send(msg); err != nil {
			t.Fatalf("Send(%s): %v", msg.Kind, err)
		}
	}

	for i, want := range offers {
		select {
		case msg := <-got:
			if msg.Kind != want.Kind {
				t.Errorf("message %d: kind %q, want %q", i, msg.Kind, want.Kind)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("message %d not delivered", i)
		}
	}
}

func TestPairIsBidirectional(t *testing.T) {
	a, b := Pair()
	defer a.Close()
	defer b.Close()

	fromB := make(chan Message, 1)
	a.Subscribe(func(msg Message) { fromB <- msg })

	if err := b.Send(endCall("bob", "alice")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case <-fromB:
	case <-time.After(5 * time.Second):
		t.Fatalf("reverse direction not delivered")
	}
}

func TestSendValidatesBeforeDelivery(t *testing.T) {
	a, b := Pair()
	defer a.Close()
	defer b.Close()

	delivered := make(chan Message, 1)
	b.Subscribe(func(msg Message) { delivered <- msg })

	if err := a.Send(Message{Kind: KindOffer, From: "alice", To: "bob"}); err == nil {
		t.Fatalf("offer without sdp accepted")
	}
	select {
	case msg := <-delivered:
		t.Fatalf("invalid message delivered: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	a, b := Pair()
	defer a.Close()
	defer b.Close()

	first := make(chan Message, 4)
	second := make(chan Message, 4)
	unsub := b.Subscribe(func(msg Message) { first <- msg })
	b.Subscribe(func(msg Message) { second <- msg })

	unsub()

	if err := a.Send(endCall("alice", "bob")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case <-second:
	case <-time.After(5 * time.Second):
		t.Fatalf("remaining subscriber starved")
	}
	select {
	case msg := <-first:
		t.Fatalf("unsubscribed handler got %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	a, b := Pair()
	_ = b.Close()

	if err := a.Send(endCall("alice", "bob")); err != ErrChannelUnavailable {
		t.Errorf("Send to closed peer = %v, want ErrChannelUnavailable", err)
	}

	_ = a.Close()
	if err := a.Send(endCall("alice", "bob")); err != ErrChannelUnavailable {
		t.Errorf("Send on closed channel = %v, want ErrChannelUnavailable", err)
	}
	// Close is idempotent.
	_ = a.Close()
}

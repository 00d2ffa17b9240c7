package signal

import "sync"

// LocalChannel is an in-process Channel end. Two ends created by Pair deliver
// to each other asynchronously but in send order, which is exactly the
// guarantee the relay provides; tests drive whole call flows over a Pair
// without a network.
type LocalChannel struct {
	peer *LocalChannel

	subs subscribers

	inbox     chan Message
	done      chan struct{}
	closeOnce sync.Once
}

// Pair returns two connected channel ends.
func Pair() (a, b *LocalChannel) {
	a = newLocalChannel()
	b = newLocalChannel()
	a.peer = b
	b.peer = a
	go a.dispatchLoop()
	go b.dispatchLoop()
	return a, b
}

func newLocalChannel() *LocalChannel {
	return &LocalChannel{
		inbox: make(chan Message, 128),
		done:  make(chan struct{}),
	}
}

func (ch *LocalChannel) Send(msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	// Checked before the send so a closed end always refuses, even while the
	// peer's inbox still has room.
	select {
	case <-ch.done:
		return ErrChannelUnavailable
	case <-ch.peer.done:
		return ErrChannelUnavailable
	default:
	}
	select {
	case <-ch.done:
		return ErrChannelUnavailable
	case <-ch.peer.done:
		return ErrChannelUnavailable
	case ch.peer.inbox <- msg:
		return nil
	}
}

func (ch *LocalChannel) Subscribe(fn func(Message)) (unsubscribe func()) {
	return ch.subs.add(fn)
}

func (ch *LocalChannel) Close() error {
	ch.closeOnce.Do(func() { close(ch.done) })
	return nil
}

func (ch *LocalChannel) dispatchLoop() {
	for {
		select {
		case <-ch.done:
			return
		case msg := <-ch.inbox:
			ch.subs.dispatch(msg)
		}
	}
}

package signal

import (
	"errors"
	"sort"
	"sync"
)

// ErrChannelUnavailable is returned by Send when the channel is disconnected.
// Sends are fire-and-forget: there is no delivery acknowledgment, and callers
// recover through their own negotiation/ring timeouts rather than retries.
var ErrChannelUnavailable = errors.New("signal: channel unavailable")

// Channel is the keyed, bidirectional signaling bus. It is a shared, unowned
// resource: multiple call sessions send and receive over one Channel
// concurrently, multiplexed by the To/From peer ids inside each Message.
//
// There is no ordering guarantee between the two ends' concurrent sends.
type Channel interface {
	// Send delivers msg to msg.To, fire-and-forget.
	Send(msg Message) error

	// Subscribe registers fn for every subsequent inbound message and returns
	// its unsubscribe function. Handlers may be added and removed mid-stream
	// without dropping messages for the remaining subscribers; fn is invoked
	// once per message, in delivery order.
	Subscribe(fn func(Message)) (unsubscribe func())

	// Close disconnects the channel. Safe to call more than once.
	Close() error
}

// subscribers is the handler registry shared by the Channel implementations.
type subscribers struct {
	mu   sync.RWMutex
	next int
	fns  map[int]func(Message)
}

func (s *subscribers) add(fn func(Message)) (unsubscribe func()) {
	s.mu.Lock()
	if s.fns == nil {
		s.fns = make(map[int]func(Message))
	}
	id := s.next
	s.next++
	s.fns[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.fns, id)
		s.mu.Unlock()
	}
}

// dispatch invokes every registered handler with msg, in registration order
// for a snapshot taken at dispatch time. A handler added while a message is in
// flight sees only later messages; an unsubscribed handler is never invoked
// again after unsubscribe returns from the dispatch goroutine's perspective.
func (s *subscribers) dispatch(msg Message) {
	s.mu.RLock()
	fns := make([]func(Message), 0, len(s.fns))
	ids := make([]int, 0, len(s.fns))
	for id := range s.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, s.fns[id])
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(msg)
	}
}

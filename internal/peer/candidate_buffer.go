package peer

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// candidateBuffer holds remote ICE candidates that arrive before the session
// has a remote description. Candidates are drained in receipt order exactly
// once; after the drain the buffer is bypassed and candidates apply directly.
type candidateBuffer struct {
	mu      sync.Mutex
	pending []webrtc.ICECandidateInit
	drained bool
}

// Hold buffers c if the buffer is still active. It reports false once the
// buffer has been drained, meaning the caller should apply c directly.
func (b *candidateBuffer) Hold(c webrtc.ICECandidateInit) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.drained {
		return false
	}
	b.pending = append(b.pending, c)
	return true
}

// Drain empties the buffer in receipt order and marks it bypassed for all
// subsequent candidates.
func (b *candidateBuffer) Drain() []webrtc.ICECandidateInit {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drained = true
	out := b.pending
	b.pending = nil
	return out
}

func (b *candidateBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Clear empties the buffer without marking it drained. Used only on close.
func (b *candidateBuffer) Clear() {
	b.mu.Lock()
	b.pending = nil
	b.mu.Unlock()
}

package peer

import "errors"

var (
	// ErrClosed is returned by operations on a session that has been closed.
	// A closed session is never reused; a fresh call attempt builds a new one.
	ErrClosed = errors.New("peer: session closed")

	// ErrInvalidDescription reports a malformed or unexpected SDP payload.
	// Partial negotiation state is unsafe to resume, so the owning call
	// session ends rather than retrying on the same peer session.
	ErrInvalidDescription = errors.New("peer: invalid session description")
)

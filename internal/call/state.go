package call

// State is the single enumerated lifecycle of one call attempt. It replaces
// ad hoc boolean flags so contradictory combinations cannot be represented.
type State int

const (
	// StateIdle is the zero value; a live session never returns to it.
	StateIdle State = iota

	// StateRequesting: outgoing offer sent, awaiting the peer's answer.
	StateRequesting

	// StateRinging: fresh inbound offer, awaiting the local accept/reject.
	StateRinging

	// StateNegotiating: descriptions exchanged, transport not yet connected.
	StateNegotiating

	// StateConnected: transport connectivity established, call timer running.
	StateConnected

	// StateEnded is terminal. All session resources are released.
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateRinging:
		return "ringing"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Direction records which side initiated the call attempt.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// EndReason categorizes why a session reached StateEnded. Surfaced to the
// user as a dismissible call-ended indication, never a silent hang.
type EndReason string

const (
	ReasonNone             EndReason = ""
	ReasonLocalHangup      EndReason = "local-hangup"
	ReasonPeerHangup       EndReason = "peer-hangup"
	ReasonRejected         EndReason = "rejected"
	ReasonNoAnswer         EndReason = "no-answer"
	ReasonMediaDenied      EndReason = "media-denied"
	ReasonBadDescription   EndReason = "bad-description"
	ReasonConnectionFailed EndReason = "connection-failed"
)

// Change is one observable state transition of a session. Reason is set only
// when State is StateEnded.
type Change struct {
	Peer      string
	Direction Direction
	State     State
	Reason    EndReason
}

// Package signal models the call signaling protocol: the typed messages two
// peers exchange through the relay (offer, answer, ICE candidate, end-call)
// and the Channel they travel over.
//
// The wire format is deliberately transport-agnostic JSON. This package models
// the protocol surface, not the WebRTC implementation; converters to pion
// types live next to the wire structs so every other package can stay on one
// representation.
package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// Kind identifies the signaling message type.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "ice-candidate"
	KindEndCall   Kind = "end-call"
)

// OfferPurpose distinguishes a brand-new incoming call from a mid-call
// renegotiation. Conflating the two makes a live call re-ring, so the purpose
// is tagged explicitly at send time and is mandatory on offers.
type OfferPurpose string

const (
	PurposeInitial       OfferPurpose = "initial"
	PurposeRenegotiation OfferPurpose = "renegotiation"
)

// SDP is a minimal, JSON-friendly session description.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate mirrors the browser's RTCIceCandidateInit shape.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Message is one immutable signaling message. Created by the sender's call
// session, consumed once by the recipient's; never mutated in between.
type Message struct {
	Kind    Kind         `json:"kind"`
	Purpose OfferPurpose `json:"purpose,omitempty"`
	From    string       `json:"from"`
	To      string       `json:"to"`

	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

// ParseMessage decodes and validates a wire message. Decoding is strict:
// unknown fields and trailing data are rejected so protocol drift surfaces as
// an error instead of silently dropped fields.
func ParseMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

// Validate enforces per-kind field exclusivity.
func (m Message) Validate() error {
	if m.From == "" || m.To == "" {
		return fmt.Errorf("message missing from/to")
	}
	switch m.Kind {
	case KindOffer:
		if m.SDP == nil {
			return fmt.Errorf("offer message missing sdp")
		}
		if m.SDP.Type != "offer" {
			return fmt.Errorf("offer message has sdp.type=%q", m.SDP.Type)
		}
		switch m.Purpose {
		case PurposeInitial, PurposeRenegotiation:
		default:
			return fmt.Errorf("offer message has purpose=%q", m.Purpose)
		}
		if m.Candidate != nil {
			return fmt.Errorf("offer message has unexpected candidate")
		}
	case KindAnswer:
		if m.SDP == nil {
			return fmt.Errorf("answer message missing sdp")
		}
		if m.SDP.Type != "answer" {
			return fmt.Errorf("answer message has sdp.type=%q", m.SDP.Type)
		}
		if m.Purpose != "" || m.Candidate != nil {
			return fmt.Errorf("answer message has unexpected fields")
		}
	case KindCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("candidate message missing candidate")
		}
		if m.Purpose != "" || m.SDP != nil {
			return fmt.Errorf("candidate message has unexpected fields")
		}
	case KindEndCall:
		if m.Purpose != "" || m.SDP != nil || m.Candidate != nil {
			return fmt.Errorf("end-call message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message kind %q", m.Kind)
	}
	return nil
}

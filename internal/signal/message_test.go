package signal

import (
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{
			name: "initial offer",
			data: `{"kind":"offer","purpose":"initial","from":"alice","to":"bob","sdp":{"type":"offer","sdp":"v=0\r\n"}}`,
		},
		{
			name: "renegotiation offer",
			data: `{"kind":"offer","purpose":"renegotiation","from":"alice","to":"bob","sdp":{"type":"offer","sdp":"v=0\r\n"}}`,
		},
		{
			name: "answer",
			data: `{"kind":"answer","from":"bob","to":"alice","sdp":{"type":"answer","sdp":"v=0\r\n"}}`,
		},
		{
			name: "candidate",
			data: `{"kind":"ice-candidate","from":"alice","to":"bob","candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}}`,
		},
		{
			name: "end call",
			data: `{"kind":"end-call","from":"alice","to":"bob"}`,
		},
		{
			name:    "unknown field rejected",
			data:    `{"kind":"end-call","from":"alice","to":"bob","extra":1}`,
			wantErr: "unknown field",
		},
		{
			name:    "trailing data rejected",
			data:    `{"kind":"end-call","from":"alice","to":"bob"}{}`,
			wantErr: "trailing",
		},
		{
			name:    "missing from",
			data:    `{"kind":"end-call","to":"bob"}`,
			wantErr: "from/to",
		},
		{
			name:    "offer without purpose",
			data:    `{"kind":"offer","from":"alice","to":"bob","sdp":{"type":"offer","sdp":"v=0\r\n"}}`,
			wantErr: "purpose",
		},
		{
			name:    "offer with bogus purpose",
			data:    `{"kind":"offer","purpose":"resume","from":"alice","to":"bob","sdp":{"type":"offer","sdp":"v=0\r\n"}}`,
			wantErr: "purpose",
		},
		{
			name:    "offer carrying answer sdp",
			data:    `{"kind":"offer","purpose":"initial","from":"alice","to":"bob","sdp":{"type":"answer","sdp":"v=0\r\n"}}`,
			wantErr: "sdp.type",
		},
		{
			name:    "answer with purpose",
			data:    `{"kind":"answer","purpose":"initial","from":"bob","to":"alice","sdp":{"type":"answer","sdp":"v=0\r\n"}}`,
			wantErr: "unexpected",
		},
		{
			name:    "candidate with sdp payload",
			data:    `{"kind":"ice-candidate","from":"alice","to":"bob","candidate":{"candidate":"x"},"sdp":{"type":"offer","sdp":""}}`,
			wantErr: "unexpected",
		},
		{
			name:    "end call with sdp payload",
			data:    `{"kind":"end-call","from":"alice","to":"bob","sdp":{"type":"offer","sdp":""}}`,
			wantErr: "unexpected",
		},
		{
			name:    "unknown kind",
			data:    `{"kind":"ping","from":"alice","to":"bob"}`,
			wantErr: "unsupported message kind",
		},
		{
			name:    "not json",
			data:    `hello`,
			wantErr: "invalid character",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tt.data))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ParseMessage: %v", err)
				}
				if msg.From == "" || msg.To == "" {
					t.Errorf("parsed message missing addressing: %+v", msg)
				}
				return
			}
			if err == nil {
				t.Fatalf("ParseMessage accepted %s", tt.data)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestSDPToPion(t *testing.T) {
	desc, err := SDP{Type: "offer", SDP: "v=0\r\n"}.ToPion()
	if err != nil {
		t.Fatalf("ToPion: %v", err)
	}
	if desc.Type != webrtc.SDPTypeOffer || desc.SDP != "v=0\r\n" {
		t.Errorf("got %+v", desc)
	}

	if _, err := (SDP{Type: "rollback"}).ToPion(); err == nil {
		t.Errorf("rollback accepted on the wire")
	}

	round := SDPFromPion(desc)
	if round.Type != "offer" || round.SDP != "v=0\r\n" {
		t.Errorf("round trip got %+v", round)
	}
}

func TestCandidateConversion(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	init := webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 1 10.0.0.1 5000 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
	got := CandidateFromPion(init).ToPion()
	if got.Candidate != init.Candidate || got.SDPMid == nil || *got.SDPMid != mid {
		t.Errorf("got %+v", got)
	}
}

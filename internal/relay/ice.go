package relay

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// withTURNCredentials returns a copy of servers with minted TURN REST
// credentials applied to every entry that carries a turn: or turns: URL.
// STUN-only entries are passed through untouched.
func withTURNCredentials(servers []webrtc.ICEServer, username, credential string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, srv := range servers {
		out[i] = srv
		if hasTURNURL(srv) {
			out[i].Username = username
			out[i].Credential = credential
			out[i].CredentialType = webrtc.ICECredentialTypePassword
		}
	}
	return out
}

func hasTURNURL(srv webrtc.ICEServer) bool {
	for _, u := range srv.URLs {
		lower := strings.ToLower(strings.TrimSpace(u))
		if strings.HasPrefix(lower, "turn:") || strings.HasPrefix(lower, "turns:") {
			return true
		}
	}
	return false
}

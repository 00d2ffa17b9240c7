package call

import (
	"context"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/pairwave/callkit/internal/signal"
)

func newVNetAPI(t *testing.T, n *vnet.Net) *webrtc.API {
	t.Helper()
	se := webrtc.SettingEngine{}
	se.SetNet(n)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		t.Fatalf("register codecs: %v", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	)
}

// A full call across a virtual network: the peers only reach each other
// through the vnet router, so a pass proves ICE runs over the configured Net
// rather than falling back to host networking.
func TestCallFlow_ConnectsOverVirtualNetwork(t *testing.T) {
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	chA, chB := signal.Pair()
	t.Cleanup(func() { _ = chA.Close(); _ = chB.Close() })

	alice, err := NewManager(Options{
		SelfID:  "alice",
		Channel: chA,
		API:     newVNetAPI(t, netA),
	})
	if err != nil {
		t.Fatalf("NewManager(alice): %v", err)
	}
	t.Cleanup(alice.Close)

	bob, err := NewManager(Options{
		SelfID:  "bob",
		Channel: chB,
		API:     newVNetAPI(t, netB),
	})
	if err != nil {
		t.Fatalf("NewManager(bob): %v", err)
	}
	t.Cleanup(bob.Close)

	bob.OnIncoming(func(s *Session) { s.Accept() })

	out, err := alice.StartCall(context.Background(), "bob")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	waitFor(t, 15*time.Second, func() bool {
		return out.State() == StateConnected
	}, "caller connected over vnet")
	waitFor(t, 15*time.Second, func() bool {
		in, ok := bob.Session("alice")
		return ok && in.State() == StateConnected
	}, "callee connected over vnet")
}

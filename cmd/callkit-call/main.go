// Callkit-call is the interactive calling CLI.
//
// Connects to a callkit relay, registers under a peer id, and drives call
// sessions from stdin commands: dial a peer, accept or reject an incoming
// ring, toggle mic/camera/speaker, share the screen, hang up.
//
// Media comes from real devices where capture support is available and falls
// back to synthetic tracks otherwise, so two instances on one machine can
// call each other without a camera.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/pterm/pterm"

	"github.com/pairwave/callkit/internal/call"
	"github.com/pairwave/callkit/internal/config"
	"github.com/pairwave/callkit/internal/media"
	"github.com/pairwave/callkit/internal/peer"
	sig "github.com/pairwave/callkit/internal/signal"
)

var version = "dev"

const envVarPeerID = "CALLKIT_PEER_ID"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	pterm.Info.Println(fmt.Sprintf("callkit-call v%s", version))
	pterm.Println()

	selfID := strings.TrimSpace(os.Getenv(envVarPeerID))
	if selfID == "" {
		selfID, _ = pterm.DefaultInteractiveTextInput.
			WithDefaultText("Your peer id").
			Show()
		selfID = strings.TrimSpace(selfID)
	}
	if selfID == "" {
		pterm.Error.Println("a peer id is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var capture media.Capture
	if dev, err := media.NewDeviceCapture(logger); err == nil {
		capture = dev
	} else {
		pterm.Warning.Println(fmt.Sprintf("device capture unavailable (%v); using synthetic tracks", err))
		capture = media.StaticCapture{}
	}

	api, err := peer.NewAPI(cfg, capture.ConfigureEngine)
	if err != nil {
		pterm.Error.Println(fmt.Sprintf("webrtc configuration failed: %v", err))
		os.Exit(2)
	}

	ch, err := sig.DialWS(ctx, sig.WSConfig{
		RelayURL:        cfg.RelayURL,
		PeerID:          selfID,
		PingInterval:    cfg.SignalingWSPingInterval,
		IdleTimeout:     cfg.SignalingWSIdleTimeout,
		MaxMessageBytes: cfg.MaxSignalingMessageBytes,
		Logger:          logger,
	})
	if err != nil {
		pterm.Error.Println(fmt.Sprintf("relay connection failed: %v", err))
		os.Exit(1)
	}
	defer ch.Close()
	pterm.Success.Println(fmt.Sprintf("connected to %s as %q", cfg.RelayURL, selfID))

	mgr, err := call.NewManager(call.Options{
		SelfID:        selfID,
		Channel:       ch,
		Capture:       capture,
		Notifications: termSink{},
		API:           api,
		ICEServers:    cfg.PeerConnectionICEServers(),
		RingTimeout:   cfg.RingTimeout,
		Logger:        logger,
	})
	if err != nil {
		pterm.Error.Println(fmt.Sprintf("call manager failed: %v", err))
		os.Exit(1)
	}
	defer mgr.Close()

	ui := &console{mgr: mgr}
	mgr.OnIncoming(ui.onIncoming)
	mgr.OnStateChange(ui.onChange)

	printHelp()
	ui.run(ctx)
	pterm.Info.Println("goodbye")
}

// termSink rings incoming calls on the terminal.
type termSink struct{}

func (termSink) NotifyIncomingCall(caller string) call.NotificationHandle {
	pterm.Warning.Println(fmt.Sprintf("incoming call from %q: type 'accept' or 'reject'", caller))
	return termHandle{}
}

type termHandle struct{}

func (termHandle) Dismiss() {}

// console owns the stdin command loop and tracks the active session.
type console struct {
	mgr *call.Manager

	mu      sync.Mutex
	current *call.Session
}

func (c *console) onIncoming(s *call.Session) {
	c.mu.Lock()
	c.current = s
	c.mu.Unlock()
}

func (c *console) onChange(ch call.Change) {
	if ch.State == call.StateEnded {
		pterm.Info.Println(fmt.Sprintf("call with %q ended (%s)", ch.Peer, ch.Reason))
		c.mu.Lock()
		if c.current != nil && c.current.PeerID() == ch.Peer {
			c.current = nil
		}
		c.mu.Unlock()
		return
	}
	pterm.Info.Println(fmt.Sprintf("call with %q: %s", ch.Peer, ch.State))
}

func (c *console) session() *call.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *console) setSession(s *call.Session) {
	c.mu.Lock()
	c.current = s
	c.mu.Unlock()
}

func (c *console) run(ctx context.Context) {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := c.dispatch(ctx, line); quit {
				return
			}
		}
	}
}

func (c *console) dispatch(ctx context.Context, line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "call":
		if len(fields) != 2 {
			pterm.Error.Println("usage: call <peer-id>")
			return false
		}
		s, err := c.mgr.StartCall(ctx, fields[1])
		if err != nil {
			pterm.Error.Println(fmt.Sprintf("call failed: %v", err))
			return false
		}
		c.setSession(s)

	case "accept":
		if s := c.session(); s != nil {
			s.Accept()
		} else {
			pterm.Error.Println("no ringing call")
		}

	case "reject":
		if s := c.session(); s != nil {
			s.Reject()
		} else {
			pterm.Error.Println("no ringing call")
		}

	case "hangup":
		if s := c.session(); s != nil {
			s.HangUp()
		} else {
			pterm.Error.Println("no active call")
		}

	case "mic":
		c.withMedia(func(m *media.Controls) {
			muted, err := m.ToggleMic()
			if err != nil {
				pterm.Error.Println(fmt.Sprintf("mic toggle failed: %v", err))
				return
			}
			pterm.Info.Println(fmt.Sprintf("mic muted: %v", muted))
		})

	case "cam":
		c.withMedia(func(m *media.Controls) {
			off, err := m.ToggleCamera()
			if err != nil {
				pterm.Error.Println(fmt.Sprintf("camera toggle failed: %v", err))
				return
			}
			pterm.Info.Println(fmt.Sprintf("camera off: %v", off))
		})

	case "speaker":
		c.withMedia(func(m *media.Controls) {
			pterm.Info.Println(fmt.Sprintf("speaker muted: %v", m.ToggleSpeaker()))
		})

	case "share":
		c.withMedia(func(m *media.Controls) {
			if err := m.StartScreenShare(ctx); err != nil {
				pterm.Error.Println(fmt.Sprintf("screen share failed: %v", err))
				return
			}
			pterm.Success.Println("screen sharing started")
		})

	case "unshare":
		c.withMedia(func(m *media.Controls) {
			if err := m.StopScreenShare(); err != nil {
				pterm.Error.Println(fmt.Sprintf("stop share failed: %v", err))
				return
			}
			pterm.Success.Println("screen sharing stopped")
		})

	case "status":
		s := c.session()
		if s == nil {
			pterm.Info.Println("no active call")
			return false
		}
		pterm.Info.Println(fmt.Sprintf("%s call with %q: %s", s.Direction(), s.PeerID(), s.State()))

	case "help":
		printHelp()

	case "quit", "exit":
		return true

	default:
		pterm.Error.Println(fmt.Sprintf("unknown command %q (try 'help')", fields[0]))
	}
	return false
}

func (c *console) withMedia(fn func(*media.Controls)) {
	s := c.session()
	if s == nil {
		pterm.Error.Println("no active call")
		return
	}
	m := s.Media()
	if m == nil {
		pterm.Error.Println("media not available yet")
		return
	}
	fn(m)
}

func printHelp() {
	pterm.Println("commands:")
	pterm.Println("  call <peer-id>   dial a peer")
	pterm.Println("  accept | reject  answer the ringing call")
	pterm.Println("  hangup           end the active call")
	pterm.Println("  mic | cam | speaker  toggle a device")
	pterm.Println("  share | unshare  screen sharing")
	pterm.Println("  status           show the active call")
	pterm.Println("  quit             exit")
}

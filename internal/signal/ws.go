package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait = 1 * time.Second

	DefaultWSPingInterval   = 20 * time.Second
	DefaultWSIdleTimeout    = 60 * time.Second
	DefaultMaxMessageBytes  = 64 * 1024
	defaultDialTimeout      = 10 * time.Second
	wsSubscriberQueueLength = 64
)

// WSConfig configures a client connection to the signaling relay.
type WSConfig struct {
	// RelayURL is the relay's websocket endpoint, e.g. "ws://host:port/ws".
	RelayURL string
	// PeerID is the identity this client registers under; the relay routes
	// messages addressed To it onto this connection.
	PeerID string

	PingInterval    time.Duration
	IdleTimeout     time.Duration
	MaxMessageBytes int64

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// WSChannel is a Channel over one relay websocket connection.
//
// The connection has an explicit lifecycle: it exists only between a
// successful DialWS and Close, and is owned by whichever scope manages the
// call feature. There is no ambient shared socket.
type WSChannel struct {
	cfg  WSConfig
	conn *websocket.Conn
	log  *slog.Logger

	subs subscribers

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// DialWS connects to the relay and starts the read and keepalive loops.
func DialWS(ctx context.Context, cfg WSConfig) (*WSChannel, error) {
	if cfg.PeerID == "" {
		return nil, fmt.Errorf("signal: peer id is required")
	}
	u, err := url.Parse(cfg.RelayURL)
	if err != nil {
		return nil, fmt.Errorf("signal: invalid relay url: %w", err)
	}
	q := u.Query()
	q.Set("peer", cfg.PeerID)
	u.RawQuery = q.Encode()

	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultWSPingInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultWSIdleTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: defaultDialTimeout}
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("signal: dial relay: %w", err)
	}

	ch := &WSChannel{
		cfg:  cfg,
		conn: conn,
		log:  cfg.Logger.With("peer_id", cfg.PeerID),
		done: make(chan struct{}),
	}

	conn.SetReadLimit(cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	})

	go ch.readPump()
	go ch.pingLoop()

	return ch, nil
}

// PeerID returns the identity this channel registered with the relay.
func (ch *WSChannel) PeerID() string { return ch.cfg.PeerID }

// Send marshals and writes msg. It returns ErrChannelUnavailable once the
// connection is closed or the write fails; the message is then gone, and the
// caller's session timeout is the recovery path.
func (ch *WSChannel) Send(msg Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("signal: %w", err)
	}
	select {
	case <-ch.done:
		return ErrChannelUnavailable
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	_ = ch.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := ch.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		ch.log.Debug("signaling send failed", "kind", msg.Kind, "to", msg.To, "err", err)
		return ErrChannelUnavailable
	}
	return nil
}

func (ch *WSChannel) Subscribe(fn func(Message)) (unsubscribe func()) {
	return ch.subs.add(fn)
}

func (ch *WSChannel) Close() error {
	ch.closeOnce.Do(func() {
		close(ch.done)

		ch.writeMu.Lock()
		_ = ch.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsWriteWait))
		ch.writeMu.Unlock()

		ch.closeErr = ch.conn.Close()
	})
	return ch.closeErr
}

// Done is closed once the channel is no longer usable, whether by Close or a
// read failure.
func (ch *WSChannel) Done() <-chan struct{} { return ch.done }

func (ch *WSChannel) readPump() {
	defer ch.Close()

	for {
		msgType, data, err := ch.conn.ReadMessage()
		if err != nil {
			select {
			case <-ch.done:
			default:
				ch.log.Debug("signaling connection lost", "err", err)
			}
			return
		}
		_ = ch.conn.SetReadDeadline(time.Now().Add(ch.cfg.IdleTimeout))
		if msgType != websocket.TextMessage {
			continue
		}

		msg, err := ParseMessage(data)
		if err != nil {
			ch.log.Warn("dropping malformed signaling message", "err", err)
			continue
		}
		ch.subs.dispatch(msg)
	}
}

func (ch *WSChannel) pingLoop() {
	ticker := time.NewTicker(ch.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ch.done:
			return
		case <-ticker.C:
			ch.writeMu.Lock()
			err := ch.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			ch.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Package relay is the signaling relay: a websocket fan-out keyed by peer id.
// It forwards offer/answer/candidate/end-call messages between connected
// peers without inspecting SDP payloads; call semantics live entirely in the
// endpoints. Delivery is fire-and-forget: a message for an unknown or
// disconnected recipient is dropped and the sender's call timeouts take over.
package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pairwave/callkit/internal/metrics"
	"github.com/pairwave/callkit/internal/ratelimit"
	"github.com/pairwave/callkit/internal/signal"
)

const wsWriteWait = 1 * time.Second

// client is one peer's live websocket connection.
type client struct {
	peerID string
	connID string
	conn   *websocket.Conn

	limiter *ratelimit.TokenBucket

	writeMu sync.Mutex
}

func (c *client) send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) writeClose(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

// Hub tracks one connection per peer id and routes messages between them.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	clients map[string]*client
}

func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		log:     logger,
		metrics: m,
		clients: make(map[string]*client),
	}
}

// register installs c as the connection for its peer id and returns the
// connection it replaced, if any. A reconnecting peer supersedes its old
// connection rather than being rejected; the stale socket is the one that
// lingers after an unclean disconnect.
func (h *Hub) register(c *client) (replaced *client) {
	h.mu.Lock()
	replaced = h.clients[c.peerID]
	h.clients[c.peerID] = c
	h.mu.Unlock()
	return replaced
}

// unregister removes c if it is still the registered connection for its peer.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if h.clients[c.peerID] == c {
		delete(h.clients, c.peerID)
	}
	h.mu.Unlock()
}

// Connected reports whether a peer currently has a live connection.
func (h *Hub) Connected(peerID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.clients[peerID]
	return ok
}

// route forwards msg to its recipient. Messages for absent recipients are
// dropped; there is no queueing and no delivery acknowledgment.
func (h *Hub) route(msg signal.Message) {
	h.mu.Lock()
	dst := h.clients[msg.To]
	h.mu.Unlock()

	if dst == nil {
		h.metrics.Inc(metrics.RelayNoRecipient)
		h.log.Debug("no recipient", "kind", string(msg.Kind), "from", msg.From, "to", msg.To)
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.metrics.Inc(metrics.RelayBadMessage)
		return
	}
	if err := dst.send(data); err != nil {
		h.metrics.Inc(metrics.RelayNoRecipient)
		h.log.Debug("forward failed", "to", msg.To, "error", err)
		return
	}
	h.metrics.Inc(metrics.RelayRouted)
}

package metrics

import "sync"

// Counter names used across the module.
const (
	CallsStarted        = "calls_started"
	CallsIncoming       = "calls_incoming"
	CallsConnected      = "calls_connected"
	CallsEnded          = "calls_ended"
	RingTimeouts        = "ring_timeouts"
	GlareOfferReuses    = "glare_offer_reuses"
	DuplicateDescDrops  = "duplicate_description_drops"
	RelayRouted         = "relay_messages_routed"
	RelayNoRecipient    = "relay_no_recipient_drops"
	RelayRateLimited    = "relay_rate_limited"
	RelayBadMessage     = "relay_bad_message_drops"
	RelayConnections    = "relay_connections"
	RelayDisconnections = "relay_disconnections"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// Deployments that want a real metrics backend can scrape the relay's
// /metricsz dump; the registry itself exists so routing and call lifecycle
// logic stay testable.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc is a no-op on a nil receiver so callers don't have to guard every count.
func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter, for the relay's /metricsz dump.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

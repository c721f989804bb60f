package metrics

import "sync"

// Counter names used by the relay. Fan-out drops are not errors (delivery is
// best-effort by design) but they are still worth counting.
const (
	ConnectionsOpened = "connections_opened"
	ConnectionsClosed = "connections_closed"
	RoomJoins         = "room_joins"
	RelayedSignals    = "relayed_signals"
	RelayedChats      = "relayed_chats"
	PresenceNotices   = "presence_notices"

	DropReasonUnknownTarget      = "dropped_unknown_target"
	DropReasonBackpressure       = "dropped_backpressure"
	DropReasonMalformedEvent     = "dropped_malformed_event"
	DropReasonRateLimited        = "dropped_rate_limited"
	DropReasonOversized          = "dropped_oversized"
	DropReasonTooManyConnections = "dropped_too_many_connections"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// Counters are created on first increment, so callers never need to
// pre-register names. The zero value is usable.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

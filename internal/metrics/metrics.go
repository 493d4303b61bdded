package metrics

import "sync"

// Event names incremented by the control plane. Names are intentionally
// simple; a follow-up metrics task can standardize these via a full
// Prometheus client library.
const (
	CommandsReceived  = "commands_received"
	CommandParseError = "command_parse_error"
	UnknownAction     = "unknown_action"
	CommandTimeout    = "command_timeout"

	RoomsCreated        = "rooms_created"
	RoomFallbackDefault = "room_fallback_default"
	RoomsClosed         = "rooms_closed"

	TapsCreated     = "taps_created"
	TapCreateFailed = "tap_create_failed"
	TapsClosed      = "taps_closed"

	ControlConnections = "control_connections"
	DropRateLimited    = "rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The production deployment is expected to plug into a real metrics backend;
// this type exists to keep control-plane logic testable while still exposing
// counters for scraping.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
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

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

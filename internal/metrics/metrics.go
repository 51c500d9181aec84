// Package metrics is a small in-process counter registry exported in
// Prometheus text format.
package metrics

import (
	"maps"
	"sync"
)

const (
	SessionsRegistered  = "sessions_registered"
	SessionsSuperseded  = "sessions_superseded"
	SessionsRemoved     = "sessions_removed"
	SessionsStaleRemove = "sessions_stale_remove"

	PresenceDelivered   = "presence_delivered"
	PresenceDropped     = "presence_dropped"
	PresenceStoreErrors = "presence_store_errors"

	RelayDelivered      = "relay_delivered"
	RelayDroppedOffline = "relay_dropped_offline"
	RelayFailed         = "relay_failed"
	RelayRateLimited    = "relay_rate_limited"
	RelayBadMessage     = "relay_bad_message"
)

// Metrics is a concurrency-safe counter registry. A nil *Metrics is valid
// and discards everything, so components can run without one.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

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

func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	maps.Copy(out, m.m)
	m.mu.Unlock()
	return out
}

package syncer

import "sync"

// NetworkMonitor reports connectivity. Offline short-circuits pull and push
// to no-ops that preserve queue state; a transition back online resumes a
// full cycle automatically.
type NetworkMonitor interface {
	Online() bool

	// Changes delivers connectivity transitions. May return nil when the
	// monitor cannot observe changes.
	Changes() <-chan bool
}

// AlwaysOnline is the default monitor for environments without connectivity
// signals.
type AlwaysOnline struct{}

func (AlwaysOnline) Online() bool         { return true }
func (AlwaysOnline) Changes() <-chan bool { return nil }

// ManualMonitor is a NetworkMonitor driven by explicit SetOnline calls, for
// tests and for hosts that receive reachability callbacks from the platform.
type ManualMonitor struct {
	mu      sync.Mutex
	online  bool
	changes chan bool
}

// NewManualMonitor creates a monitor with the given initial state.
func NewManualMonitor(online bool) *ManualMonitor {
	return &ManualMonitor{online: online, changes: make(chan bool, 8)}
}

func (m *ManualMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *ManualMonitor) Changes() <-chan bool {
	return m.changes
}

// SetOnline records a connectivity transition and notifies listeners.
func (m *ManualMonitor) SetOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if changed {
		select {
		case m.changes <- online:
		default:
		}
	}
}

// Package linkmonitor tracks serial link liveness. The s0pcm transmits
// a record every interval (10s from the factory); a silence window
// longer than the configured timeout means the link or the module is
// down, and any raw count that arrives afterwards must be re-checked
// for a device reset.
package linkmonitor

import (
	"sync"
	"time"

	"github.com/meterworks/s0pcm-bridge/pkg/types"
)

type Monitor struct {
	mu           sync.Mutex
	status       types.LinkStatus
	lastActivity time.Time
	timeout      time.Duration

	onUp   func(time.Time)
	onDown func(time.Time)
}

// New returns a monitor in the Disconnected state; it stays there
// until the first valid record arrives. Callbacks fire exactly once
// per transition, outside the monitor lock.
func New(timeout time.Duration, onUp, onDown func(time.Time)) *Monitor {
	return &Monitor{
		status:  types.LinkDisconnected,
		timeout: timeout,
		onUp:    onUp,
		onDown:  onDown,
	}
}

// Activity records receipt of a valid record and transitions
// Disconnected -> Connected.
func (m *Monitor) Activity(t time.Time) {
	m.mu.Lock()
	m.lastActivity = t
	fireUp := m.status == types.LinkDisconnected
	if fireUp {
		m.status = types.LinkConnected
	}
	m.mu.Unlock()

	if fireUp && m.onUp != nil {
		m.onUp(t)
	}
}

// Tick checks the silence window and transitions
// Connected -> Disconnected when it is exceeded.
func (m *Monitor) Tick(now time.Time) {
	m.mu.Lock()
	fireDown := m.status == types.LinkConnected && now.Sub(m.lastActivity) > m.timeout
	if fireDown {
		m.status = types.LinkDisconnected
	}
	m.mu.Unlock()

	if fireDown && m.onDown != nil {
		m.onDown(now)
	}
}

// HardError forces Disconnected on a transport I/O error, without
// waiting for the silence window.
func (m *Monitor) HardError(t time.Time) {
	m.mu.Lock()
	fireDown := m.status == types.LinkConnected
	if fireDown {
		m.status = types.LinkDisconnected
	}
	m.mu.Unlock()

	if fireDown && m.onDown != nil {
		m.onDown(t)
	}
}

func (m *Monitor) Status() types.LinkStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Run drives Tick until stop is closed.
func (m *Monitor) Run(stop <-chan struct{}) {
	interval := m.timeout / 4
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			m.Tick(now)
		}
	}
}

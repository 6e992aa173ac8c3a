package remote

import (
	"sync"
	"time"

	"github.com/ocapkernel/kernel/ids"
)

type peerReconnectState struct {
	reconnecting bool
	attemptCount int
}

// ReconnectionManager tracks per-peer reconnection state (spec §4.6
// "ReconnectionManager. State per peer { isReconnecting, attemptCount }").
type ReconnectionManager struct {
	mu     sync.Mutex
	states map[ids.RemoteId]*peerReconnectState
	base   time.Duration
	cap    time.Duration
}

func NewReconnectionManager(base, cap time.Duration) *ReconnectionManager {
	return &ReconnectionManager{states: make(map[ids.RemoteId]*peerReconnectState), base: base, cap: cap}
}

func (m *ReconnectionManager) state(peer ids.RemoteId) *peerReconnectState {
	s, ok := m.states[peer]
	if !ok {
		s = &peerReconnectState{}
		m.states[peer] = s
	}
	return s
}

// MarkReconnecting transitions peer into the reconnecting state and reports
// whether this call is the one that did so (false means a reconnection loop
// is already running for peer — the caller must not start a second one).
func (m *ReconnectionManager) MarkReconnecting(peer ids.RemoteId) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state(peer)
	if s.reconnecting {
		return false
	}
	s.reconnecting = true
	return true
}

func (m *ReconnectionManager) IsReconnecting(peer ids.RemoteId) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state(peer).reconnecting
}

func (m *ReconnectionManager) StopReconnecting(peer ids.RemoteId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(peer).reconnecting = false
}

// IncrementAttempt bumps peer's attempt count and returns the new value.
func (m *ReconnectionManager) IncrementAttempt(peer ids.RemoteId) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state(peer)
	s.attemptCount++
	return s.attemptCount
}

func (m *ReconnectionManager) AttemptCount(peer ids.RemoteId) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state(peer).attemptCount
}

// ResetBackoff zeroes peer's attempt count (spec §4.6 "resetBackoff" — on a
// successful send or a successful reconnect).
func (m *ReconnectionManager) ResetBackoff(peer ids.RemoteId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(peer).attemptCount = 0
}

// ResetAllBackoffs zeroes attemptCount for every currently-reconnecting peer
// (spec §4.6 "Wake detector" — invoked on resume-from-sleep so in-flight
// reconnection cycles restart immediately at the minimum delay).
func (m *ReconnectionManager) ResetAllBackoffs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.states {
		if s.reconnecting {
			s.attemptCount = 0
		}
	}
}

// ShouldRetry reports whether another reconnection attempt is permitted.
// max == 0 means infinite retries (spec §4.6 "shouldRetry").
func (m *ReconnectionManager) ShouldRetry(peer ids.RemoteId, max int) bool {
	if max == 0 {
		return true
	}
	return m.AttemptCount(peer) < max
}

// CalculateBackoff returns backoffFn(attemptCount) = min(base*2^(n-1), cap)
// for peer's current attempt count n (spec §4.6, §8 scenario 6). Call after
// IncrementAttempt so n reflects the attempt about to be made.
func (m *ReconnectionManager) CalculateBackoff(peer ids.RemoteId) time.Duration {
	return BackoffDelay(m.AttemptCount(peer), m.base, m.cap)
}

// BackoffDelay is the pure backoff formula, exposed standalone so the §8
// scenario-6 property test ("the i-th delay equals min(100*2^(i-1), 30000)
// ms") can check it directly against attempt numbers without needing a
// ReconnectionManager instance.
func BackoffDelay(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 40 { // 2^40 * 100ms is already far past any realistic cap
		return cap
	}
	d := base << shift
	if d <= 0 || d > cap {
		return cap
	}
	return d
}

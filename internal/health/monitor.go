package health

import (
	"errors"
	"log"
	"sync"
	"time"

	"charge-cloud/internal/observability/metrics"
)

// State is the connection health of the upstream subscription.
type State int

const (
	StateConnected State = iota
	StateDegraded
	StateReconnecting
	StateFailed
)

// String returns the operator-facing state name.
func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateDegraded:
		return "DEGRADED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// Config bounds the quiet-interval thresholds and the reconnect policy.
type Config struct {
	QuietWarn      time.Duration
	QuietReconnect time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	RetryBudget    int
}

// Monitor tracks liveness of the upstream push subscription. It owns the
// reconnect backoff policy and exposes the current state to callers; FAILED is
// not terminal, retries continue at the capped interval.
type Monitor struct {
	mu        sync.Mutex
	state     State
	lastEvent time.Time
	attempts  int

	cfg    Config
	logger *log.Logger
}

// NewMonitor constructs a monitor in the CONNECTED state.
func NewMonitor(cfg Config, now time.Time, logger *log.Logger) (*Monitor, error) {
	if cfg.QuietWarn <= 0 || cfg.QuietReconnect <= cfg.QuietWarn {
		return nil, errors.New("health: quiet thresholds must satisfy 0 < warn < reconnect")
	}
	if cfg.BackoffBase <= 0 || cfg.BackoffCap < cfg.BackoffBase {
		return nil, errors.New("health: invalid backoff bounds")
	}
	if cfg.RetryBudget <= 0 {
		return nil, errors.New("health: retry budget must be positive")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Monitor{
		state:     StateConnected,
		lastEvent: now,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// State returns the current health state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastEventAge returns the time since the most recent observed event.
func (m *Monitor) LastEventAge(now time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return now.Sub(m.lastEvent)
}

// ObserveEvent records a fresh event or heartbeat. While reconnecting this
// completes the RECONNECTING -> CONNECTED transition and resets the budget.
func (m *Monitor) ObserveEvent(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastEvent = now
	if m.state != StateConnected {
		m.transition(StateConnected, "fresh event observed")
		m.attempts = 0
	}
}

// Evaluate applies the quiet-interval transitions for the given time and
// returns the resulting state.
func (m *Monitor) Evaluate(now time.Time) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Degradation is graduated: a long quiet interval observed in one shot
	// still passes through DEGRADED on its way to RECONNECTING.
	quiet := now.Sub(m.lastEvent)
	if m.state == StateConnected && quiet > m.cfg.QuietWarn {
		m.transition(StateDegraded, "quiet interval exceeded warn threshold")
	}
	if m.state == StateDegraded && quiet > m.cfg.QuietReconnect {
		m.transition(StateReconnecting, "quiet interval exceeded reconnect threshold")
	}
	return m.state
}

// ReportDisconnect records a transport-level disconnect, which skips the
// degraded stage and goes straight to reconnecting.
func (m *Monitor) ReportDisconnect(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateConnected || m.state == StateDegraded {
		m.transition(StateReconnecting, "transport disconnect: "+reason)
	}
}

// NextBackoff registers a reconnect attempt and returns how long to wait
// before the next one. Exceeding the retry budget moves the monitor to FAILED
// but retries continue at the capped interval.
func (m *Monitor) NextBackoff() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts++
	metrics.IncReconnect()

	delay := m.cfg.BackoffBase
	for i := 1; i < m.attempts; i++ {
		delay *= 2
		if delay >= m.cfg.BackoffCap {
			delay = m.cfg.BackoffCap
			break
		}
	}

	if m.attempts > m.cfg.RetryBudget && m.state != StateFailed {
		m.transition(StateFailed, "reconnect retry budget exhausted")
	}
	return delay
}

// transition must be called with the lock held.
func (m *Monitor) transition(next State, cause string) {
	prev := m.state
	m.state = next
	m.logger.Printf("health: %s -> %s (%s)", prev, next, cause)
	metrics.SetHealthState(float64(next))
}

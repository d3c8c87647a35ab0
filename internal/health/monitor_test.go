package health

import (
	"bytes"
	"log"
	"strings"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		QuietWarn:      5 * time.Minute,
		QuietReconnect: 15 * time.Minute,
		BackoffBase:    5 * time.Second,
		BackoffCap:     5 * time.Minute,
		RetryBudget:    6,
	}
}

func TestMonitor_QuietIntervalTransitions(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m, err := NewMonitor(testConfig(), base, nil)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}

	cases := []struct {
		gap  time.Duration
		want State
	}{
		{2 * time.Minute, StateConnected},
		{5 * time.Minute, StateConnected},
		{6 * time.Minute, StateDegraded},
		{20 * time.Minute, StateReconnecting},
	}
	for _, tc := range cases {
		if got := m.Evaluate(base.Add(tc.gap)); got != tc.want {
			t.Fatalf("gap %s: expected %s, got %s", tc.gap, tc.want, got)
		}
	}
}

func TestMonitor_LongQuietPassesThroughDegraded(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	m, err := NewMonitor(testConfig(), base, log.New(&buf, "", 0))
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}

	if got := m.Evaluate(base.Add(20 * time.Minute)); got != StateReconnecting {
		t.Fatalf("expected RECONNECTING, got %s", got)
	}
	logged := buf.String()
	if !strings.Contains(logged, "CONNECTED -> DEGRADED") {
		t.Fatalf("expected pass through DEGRADED, got logs:\n%s", logged)
	}
	if !strings.Contains(logged, "DEGRADED -> RECONNECTING") {
		t.Fatalf("expected transition to RECONNECTING, got logs:\n%s", logged)
	}
}

func TestMonitor_EventResetsToConnected(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m, err := NewMonitor(testConfig(), base, nil)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}

	if got := m.Evaluate(base.Add(20 * time.Minute)); got != StateReconnecting {
		t.Fatalf("expected RECONNECTING, got %s", got)
	}
	m.ObserveEvent(base.Add(21 * time.Minute))
	if got := m.State(); got != StateConnected {
		t.Fatalf("expected CONNECTED after event, got %s", got)
	}
	if got := m.Evaluate(base.Add(22 * time.Minute)); got != StateConnected {
		t.Fatalf("expected CONNECTED at 1m quiet, got %s", got)
	}
}

func TestMonitor_BackoffDoublesAndCaps(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m, err := NewMonitor(testConfig(), base, nil)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}

	want := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		160 * time.Second,
		5 * time.Minute,
		5 * time.Minute,
	}
	for i, expected := range want {
		if got := m.NextBackoff(); got != expected {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, expected, got)
		}
	}
}

func TestMonitor_RetryBudgetExhaustionIsNotTerminal(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m, err := NewMonitor(testConfig(), base, nil)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}

	for i := 0; i < 7; i++ {
		m.NextBackoff()
	}
	if got := m.State(); got != StateFailed {
		t.Fatalf("expected FAILED past budget, got %s", got)
	}
	if got := m.NextBackoff(); got != 5*time.Minute {
		t.Fatalf("expected capped retries to continue, got %s", got)
	}

	m.ObserveEvent(base.Add(time.Hour))
	if got := m.State(); got != StateConnected {
		t.Fatalf("expected recovery to CONNECTED, got %s", got)
	}
	if got := m.NextBackoff(); got != 5*time.Second {
		t.Fatalf("expected backoff reset after recovery, got %s", got)
	}
}

func TestMonitor_DisconnectSkipsDegraded(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m, err := NewMonitor(testConfig(), base, nil)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}

	m.ReportDisconnect("connection reset")
	if got := m.State(); got != StateReconnecting {
		t.Fatalf("expected RECONNECTING after disconnect, got %s", got)
	}
}

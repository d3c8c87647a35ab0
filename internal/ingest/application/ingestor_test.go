package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"charge-cloud/internal/health"
	ingest "charge-cloud/internal/ingest/domain"
	"charge-cloud/internal/vehicle"
)

const testVIN = "WVWZZZ1KZ0000001"

type stubSubscription struct {
	messages []vehicle.Message
	err      error
}

func (s *stubSubscription) Stream(ctx context.Context, _ string, out chan<- vehicle.Message) error {
	for _, msg := range s.messages {
		select {
		case out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.err
}

type memoryStore struct {
	mu      sync.Mutex
	entries []ingest.RawLogEntry
}

func (s *memoryStore) Append(_ context.Context, entry ingest.RawLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func newTestMonitor(t *testing.T) *health.Monitor {
	t.Helper()
	m, err := health.NewMonitor(health.Config{
		QuietWarn:      5 * time.Minute,
		QuietReconnect: 15 * time.Minute,
		BackoffBase:    time.Millisecond,
		BackoffCap:     2 * time.Millisecond,
		RetryBudget:    3,
	}, time.Now().UTC(), nil)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	return m
}

func TestIngestor_AppendsMessagesAndSkipsHeartbeats(t *testing.T) {
	now := time.Now().UTC()
	sub := &stubSubscription{
		messages: []vehicle.Message{
			{VIN: testVIN, Timestamp: now, Payload: []byte(`{"chargingState":"CHARGING"}`)},
			{VIN: testVIN, Timestamp: now.Add(time.Second), Heartbeat: true, Payload: []byte(`{"type":"heartbeat"}`)},
			{VIN: testVIN, Timestamp: now.Add(2 * time.Second), Malformed: true, Payload: []byte(`garbage`)},
		},
		err: vehicle.ErrAuthRejected,
	}
	store := &memoryStore{}
	monitor := newTestMonitor(t)

	ing, err := NewIngestor(sub, monitor, store, testVIN, nil)
	if err != nil {
		t.Fatalf("new ingestor: %v", err)
	}

	err = ing.Run(context.Background())
	if !errors.Is(err, vehicle.ErrAuthRejected) {
		t.Fatalf("expected auth rejection to surface, got %v", err)
	}

	if len(store.entries) != 2 {
		t.Fatalf("expected 2 stored entries (heartbeat skipped), got %d", len(store.entries))
	}
	if store.entries[0].Malformed {
		t.Fatalf("first entry must be well formed, got %+v", store.entries[0])
	}
	if !store.entries[1].Malformed || store.entries[1].Message != "garbage" {
		t.Fatalf("malformed entry must be stored verbatim, got %+v", store.entries[1])
	}
}

func TestIngestor_ReconnectsAfterStreamBreak(t *testing.T) {
	now := time.Now().UTC()
	var calls int
	sub := &countingSubscription{
		inner: &stubSubscription{
			messages: []vehicle.Message{{VIN: testVIN, Timestamp: now, Payload: []byte(`{}`)}},
			err:      errors.New("connection reset"),
		},
		calls: &calls,
	}
	store := &memoryStore{}
	monitor := newTestMonitor(t)

	ing, err := NewIngestor(sub, monitor, store, testVIN, nil)
	if err != nil {
		t.Fatalf("new ingestor: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := ing.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if calls < 2 {
		t.Fatalf("expected at least one reconnect, got %d stream calls", calls)
	}
	if len(store.entries) < 2 {
		t.Fatalf("expected messages across reconnects, got %d", len(store.entries))
	}
}

// blockingSubscription delivers its messages, signals, then holds the stream
// open until the context is cancelled.
type blockingSubscription struct {
	messages  []vehicle.Message
	delivered chan struct{}
}

func (s *blockingSubscription) Stream(ctx context.Context, _ string, out chan<- vehicle.Message) error {
	for _, msg := range s.messages {
		select {
		case out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	close(s.delivered)
	<-ctx.Done()
	return ctx.Err()
}

func TestIngestor_FlushesDeliveredMessagesOnCancel(t *testing.T) {
	now := time.Now().UTC()
	sub := &blockingSubscription{
		messages: []vehicle.Message{
			{VIN: testVIN, Timestamp: now, Payload: []byte(`{"chargingState":"CHARGING"}`)},
			{VIN: testVIN, Timestamp: now.Add(time.Second), Payload: []byte(`{"chargingState":"CHARGING","soc":61}`)},
			{VIN: testVIN, Timestamp: now.Add(2 * time.Second), Payload: []byte(`{"chargingState":"READY_FOR_CHARGING"}`)},
		},
		delivered: make(chan struct{}),
	}
	store := &memoryStore{}
	monitor := newTestMonitor(t)

	ing, err := NewIngestor(sub, monitor, store, testVIN, nil)
	if err != nil {
		t.Fatalf("new ingestor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- ing.Run(ctx) }()

	<-sub.delivered
	cancel()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("run after cancel: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.entries) != 3 {
		t.Fatalf("expected all delivered messages flushed, got %d", len(store.entries))
	}
}

type countingSubscription struct {
	inner *stubSubscription
	calls *int
}

func (s *countingSubscription) Stream(ctx context.Context, vin string, out chan<- vehicle.Message) error {
	*s.calls++
	return s.inner.Stream(ctx, vin, out)
}

package application

import (
	"context"
	"fmt"
	"testing"
	"time"

	"charge-cloud/internal/config"
	detect "charge-cloud/internal/detect/domain"
)

const testVIN = "WVWZZZ1KZ0000001"

type stubTail struct {
	entries []RawEntry
}

func (s *stubTail) TailAfter(_ context.Context, _ string, after time.Time, limit int) ([]RawEntry, error) {
	var out []RawEntry
	for _, e := range s.entries {
		if e.Timestamp.After(after) {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type stubEventStore struct {
	events []detect.ChargeEvent
	nextID int64
}

func (s *stubEventStore) InsertEvents(_ context.Context, events []detect.ChargeEvent) (int, error) {
	inserted := 0
	for _, evt := range events {
		if s.contains(evt) {
			continue
		}
		s.nextID++
		evt.ID = s.nextID
		s.events = append(s.events, evt)
		inserted++
	}
	return inserted, nil
}

func (s *stubEventStore) contains(evt detect.ChargeEvent) bool {
	for _, have := range s.events {
		if have.VIN == evt.VIN && have.Timestamp.Equal(evt.Timestamp) && have.Type == evt.Type {
			return true
		}
	}
	return false
}

func (s *stubEventStore) LastEvent(_ context.Context, vin string) (*detect.ChargeEvent, error) {
	var last *detect.ChargeEvent
	for i := range s.events {
		evt := s.events[i]
		if evt.VIN != vin {
			continue
		}
		if last == nil || evt.Timestamp.After(last.Timestamp) {
			last = &s.events[i]
		}
	}
	return last, nil
}

type stubMarks struct {
	positions map[string]time.Time
}

func newStubMarks() *stubMarks {
	return &stubMarks{positions: map[string]time.Time{}}
}

func (s *stubMarks) Position(_ context.Context, component, vin string) (time.Time, error) {
	return s.positions[component+"/"+vin], nil
}

func (s *stubMarks) Advance(_ context.Context, component, vin string, position time.Time) error {
	key := component + "/" + vin
	if position.After(s.positions[key]) {
		s.positions[key] = position
	}
	return nil
}

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

func testThresholds() config.Thresholds {
	return config.Thresholds{
		DedupWindow:        90 * time.Second,
		NoiseWindow:        30 * time.Second,
		MaxSessionDuration: 12 * time.Hour,
	}
}

func chargingMsg(rangeKm int) string {
	return fmt.Sprintf(`{"chargingState":"CHARGING","chargedRange":%d,"mileage":42000,"soc":60}`, rangeKm)
}

func readyMsg(rangeKm int) string {
	return fmt.Sprintf(`{"chargingState":"READY_FOR_CHARGING","chargedRange":%d,"mileage":42000,"soc":80}`, rangeKm)
}

func newTestService(t *testing.T, tail *stubTail, events *stubEventStore, marks *stubMarks, now time.Time) *Service {
	t.Helper()
	svc, err := NewService(tail, events, marks, testThresholds(), fixedClock{now: now}, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestDetector_EmitsStartStopPair(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tail := &stubTail{entries: []RawEntry{
		{Timestamp: base.Add(-time.Minute), Message: readyMsg(250)},
		{Timestamp: base, Message: chargingMsg(250)},
		{Timestamp: base.Add(45 * time.Minute), Message: readyMsg(300)},
	}}
	events := &stubEventStore{}
	marks := newStubMarks()
	svc := newTestService(t, tail, events, marks, base.Add(time.Hour))

	emitted, err := svc.Run(context.Background(), testVIN)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if emitted != 2 {
		t.Fatalf("expected 2 events, got %d", emitted)
	}
	if events.events[0].Type != detect.EventStart || !events.events[0].Timestamp.Equal(base) {
		t.Fatalf("unexpected start event %+v", events.events[0])
	}
	if events.events[1].Type != detect.EventStop || !events.events[1].Timestamp.Equal(base.Add(45*time.Minute)) {
		t.Fatalf("unexpected stop event %+v", events.events[1])
	}
	if events.events[0].ChargedRange == nil || *events.events[0].ChargedRange != 250 {
		t.Fatalf("start should carry range 250, got %+v", events.events[0].ChargedRange)
	}
	if events.events[1].ChargedRange == nil || *events.events[1].ChargedRange != 300 {
		t.Fatalf("stop should carry range 300, got %+v", events.events[1].ChargedRange)
	}
}

func TestDetector_DuplicateStartsCollapse(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tail := &stubTail{entries: []RawEntry{
		{Timestamp: base, Message: chargingMsg(250)},
		{Timestamp: base.Add(20 * time.Second), Message: chargingMsg(250)},
		{Timestamp: base.Add(40 * time.Second), Message: chargingMsg(251)},
		{Timestamp: base.Add(45 * time.Minute), Message: readyMsg(300)},
	}}
	events := &stubEventStore{}
	marks := newStubMarks()
	svc := newTestService(t, tail, events, marks, base.Add(time.Hour))

	emitted, err := svc.Run(context.Background(), testVIN)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if emitted != 2 {
		t.Fatalf("expected duplicates collapsed to 2 events, got %d", emitted)
	}
	if !events.events[0].Timestamp.Equal(base) {
		t.Fatalf("earliest start must win, got %s", events.events[0].Timestamp)
	}
}

func TestDetector_RepeatedStartBeyondDedupWindowFlowsThrough(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tail := &stubTail{entries: []RawEntry{
		{Timestamp: base.Add(-time.Minute), Message: readyMsg(250)},
		{Timestamp: base, Message: chargingMsg(250)},
		{Timestamp: base.Add(5 * time.Minute), Message: chargingMsg(260)},
		{Timestamp: base.Add(45 * time.Minute), Message: readyMsg(300)},
	}}
	events := &stubEventStore{}
	marks := newStubMarks()
	svc := newTestService(t, tail, events, marks, base.Add(time.Hour))

	emitted, err := svc.Run(context.Background(), testVIN)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// A second start 5m later is no duplicate delivery: both starts must reach
	// the event store so aggregation can force-close the stale session.
	if emitted != 3 {
		t.Fatalf("expected both starts plus the stop, got %d events", emitted)
	}
	if events.events[0].Type != detect.EventStart || !events.events[0].Timestamp.Equal(base) {
		t.Fatalf("unexpected first start %+v", events.events[0])
	}
	if events.events[1].Type != detect.EventStart || !events.events[1].Timestamp.Equal(base.Add(5*time.Minute)) {
		t.Fatalf("unexpected second start %+v", events.events[1])
	}
	if events.events[2].Type != detect.EventStop || !events.events[2].Timestamp.Equal(base.Add(45*time.Minute)) {
		t.Fatalf("unexpected stop %+v", events.events[2])
	}
}

func TestDetector_MicroSessionDiscardedAsNoise(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tail := &stubTail{entries: []RawEntry{
		{Timestamp: base.Add(-time.Minute), Message: readyMsg(250)},
		{Timestamp: base, Message: chargingMsg(250)},
		{Timestamp: base.Add(10 * time.Second), Message: readyMsg(250)},
	}}
	events := &stubEventStore{}
	marks := newStubMarks()
	svc := newTestService(t, tail, events, marks, base.Add(time.Hour))

	emitted, err := svc.Run(context.Background(), testVIN)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if emitted != 0 {
		t.Fatalf("expected micro-session to be discarded, got %d events", emitted)
	}
}

func TestDetector_FirstStopEstablishesBaseline(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tail := &stubTail{entries: []RawEntry{
		{Timestamp: base, Message: readyMsg(250)},
	}}
	events := &stubEventStore{}
	marks := newStubMarks()
	svc := newTestService(t, tail, events, marks, base.Add(time.Hour))

	emitted, err := svc.Run(context.Background(), testVIN)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if emitted != 0 {
		t.Fatalf("a lone stop must not emit an orphan event, got %d", emitted)
	}
}

func TestDetector_StaleOpenSessionSynthesizesStop(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tail := &stubTail{entries: []RawEntry{
		{Timestamp: base.Add(-time.Minute), Message: readyMsg(250)},
		{Timestamp: base, Message: chargingMsg(250)},
	}}
	events := &stubEventStore{}
	marks := newStubMarks()
	svc := newTestService(t, tail, events, marks, base.Add(13*time.Hour))

	emitted, err := svc.Run(context.Background(), testVIN)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if emitted != 2 {
		t.Fatalf("expected start plus synthesized stop, got %d", emitted)
	}
	stop := events.events[1]
	if stop.Type != detect.EventStop || !stop.Synthesized {
		t.Fatalf("expected synthesized stop, got %+v", stop)
	}
	if !stop.Timestamp.Equal(base.Add(12 * time.Hour)) {
		t.Fatalf("synthesized stop must land on the timeout boundary, got %s", stop.Timestamp)
	}
}

func TestDetector_StaleOpenWithoutNewEntries(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	events := &stubEventStore{}
	_, _ = events.InsertEvents(context.Background(), []detect.ChargeEvent{
		{VIN: testVIN, Timestamp: base, Type: detect.EventStart},
	})
	marks := newStubMarks()
	_ = marks.Advance(context.Background(), WatermarkComponent, testVIN, base)
	svc := newTestService(t, &stubTail{}, events, marks, base.Add(13*time.Hour))

	emitted, err := svc.Run(context.Background(), testVIN)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if emitted != 1 {
		t.Fatalf("expected one synthesized stop, got %d", emitted)
	}
	if !events.events[1].Synthesized {
		t.Fatalf("expected synthesized stop, got %+v", events.events[1])
	}
}

func TestDetector_RerunOverSameWindowIsIdempotent(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tail := &stubTail{entries: []RawEntry{
		{Timestamp: base.Add(-time.Minute), Message: readyMsg(250)},
		{Timestamp: base, Message: chargingMsg(250)},
		{Timestamp: base.Add(45 * time.Minute), Message: readyMsg(300)},
	}}
	events := &stubEventStore{}
	marks := newStubMarks()
	svc := newTestService(t, tail, events, marks, base.Add(time.Hour))

	if _, err := svc.Run(context.Background(), testVIN); err != nil {
		t.Fatalf("first run: %v", err)
	}
	// Rewind the watermark to force reprocessing of the same raw window.
	marks.positions[WatermarkComponent+"/"+testVIN] = time.Time{}
	emitted, err := svc.Run(context.Background(), testVIN)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if emitted != 0 {
		t.Fatalf("reprocessing must emit nothing new, got %d", emitted)
	}
	if len(events.events) != 2 {
		t.Fatalf("expected 2 stored events, got %d", len(events.events))
	}
}

func TestDetector_UnsettledTrailingStartHoldsWatermark(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tail := &stubTail{entries: []RawEntry{
		{Timestamp: base.Add(-time.Minute), Message: readyMsg(250)},
		{Timestamp: base, Message: chargingMsg(250)},
	}}
	events := &stubEventStore{}
	marks := newStubMarks()
	// The start is 10s old: still inside the noise window, so undecided.
	svc := newTestService(t, tail, events, marks, base.Add(10*time.Second))

	emitted, err := svc.Run(context.Background(), testVIN)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if emitted != 0 {
		t.Fatalf("undecided start must not emit yet, got %d", emitted)
	}
	if mark := marks.positions[WatermarkComponent+"/"+testVIN]; !mark.Before(base) {
		t.Fatalf("watermark must hold before the undecided start, got %s", mark)
	}

	// A later run, once the start has outlived the noise window, emits it.
	svc2 := newTestService(t, tail, events, marks, base.Add(2*time.Minute))
	emitted, err = svc2.Run(context.Background(), testVIN)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if emitted != 1 {
		t.Fatalf("expected the settled start to emit, got %d", emitted)
	}
	if events.events[0].Type != detect.EventStart {
		t.Fatalf("expected start, got %+v", events.events[0])
	}
}

func TestDetector_UnrecognizedPayloadsAreSkipped(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tail := &stubTail{entries: []RawEntry{
		{Timestamp: base.Add(-time.Minute), Message: readyMsg(250)},
		{Timestamp: base, Message: chargingMsg(250)},
		{Timestamp: base.Add(5 * time.Minute), Message: `{"ignition":"ON"}`},
		{Timestamp: base.Add(45 * time.Minute), Message: readyMsg(300)},
	}}
	events := &stubEventStore{}
	marks := newStubMarks()
	svc := newTestService(t, tail, events, marks, base.Add(time.Hour))

	emitted, err := svc.Run(context.Background(), testVIN)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if emitted != 2 {
		t.Fatalf("unrecognized payloads must not affect detection, got %d", emitted)
	}
}

package application

import (
	"context"
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	detect "charge-cloud/internal/detect/domain"
	"charge-cloud/internal/observability/metrics"
	session "charge-cloud/internal/session/domain"
)

// EventSource feeds the aggregator newly emitted charge events. Linking an
// event to its session is the idempotent ack that removes it from the queue.
type EventSource interface {
	UnlinkedEvents(ctx context.Context, vin string, limit int) ([]detect.ChargeEvent, error)
	LinkEvent(ctx context.Context, eventID int64, chargeID string) error
}

// Config carries the aggregation tunables.
type Config struct {
	// HomeLatitude/HomeLongitude classify a session position as home or away.
	HomeLatitude  string
	HomeLongitude string
	// ChargePowerKW backs the duration-based energy proxy when charged range
	// is unavailable on either side of the pair.
	ChargePowerKW float64
}

// Aggregator pairs start/stop events into charge sessions and maintains at
// most one open session per vehicle. Every write is an upsert keyed by the
// deterministic session id, so reprocessing the same events is a no-op.
type Aggregator struct {
	events   EventSource
	sessions session.Store
	cfg      Config
	logger   *log.Logger

	batchLimit int
}

// NewAggregator constructs an aggregator.
func NewAggregator(events EventSource, sessions session.Store, cfg Config, logger *log.Logger) (*Aggregator, error) {
	if events == nil {
		return nil, errors.New("aggregator: nil event source")
	}
	if sessions == nil {
		return nil, errors.New("aggregator: nil session store")
	}
	if cfg.ChargePowerKW <= 0 {
		return nil, errors.New("aggregator: charge power must be positive")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Aggregator{
		events:     events,
		sessions:   sessions,
		cfg:        cfg,
		logger:     logger,
		batchLimit: 200,
	}, nil
}

// Run consumes unlinked charge events in timestamp order and returns how many
// were processed.
func (a *Aggregator) Run(ctx context.Context, vin string) (int, error) {
	if vin == "" {
		return 0, errors.New("aggregator: empty vin")
	}
	start := time.Now()
	processed, err := a.run(ctx, vin)
	if err != nil {
		metrics.ObserveAggregatorRun("error", time.Since(start))
		return processed, err
	}
	metrics.ObserveAggregatorRun("success", time.Since(start))
	return processed, nil
}

func (a *Aggregator) run(ctx context.Context, vin string) (int, error) {
	processed := 0
	for {
		events, err := a.events.UnlinkedEvents(ctx, vin, a.batchLimit)
		if err != nil {
			return processed, err
		}
		if len(events) == 0 {
			return processed, nil
		}

		for _, evt := range events {
			if err := a.apply(ctx, evt); err != nil {
				return processed, err
			}
			processed++
		}

		if len(events) < a.batchLimit {
			return processed, nil
		}
	}
}

func (a *Aggregator) apply(ctx context.Context, evt detect.ChargeEvent) error {
	switch evt.Type {
	case detect.EventStart:
		return a.applyStart(ctx, evt)
	case detect.EventStop:
		return a.applyStop(ctx, evt)
	}
	// Unknown types are linked away so they cannot wedge the queue.
	a.logger.Printf("aggregate: ignoring event with unknown type %q id=%d", evt.Type, evt.ID)
	return a.events.LinkEvent(ctx, evt.ID, session.NewSessionID(evt.VIN, evt.Timestamp))
}

func (a *Aggregator) applyStart(ctx context.Context, evt detect.ChargeEvent) error {
	id := session.NewSessionID(evt.VIN, evt.Timestamp)

	// Re-delivery guard: the session this start would open may already exist,
	// open or even closed. Relink instead of reopening it.
	existing, err := a.sessions.Find(ctx, id)
	if err != nil {
		return err
	}
	if existing != nil {
		return a.events.LinkEvent(ctx, evt.ID, existing.ID)
	}

	open, err := a.sessions.FindOpen(ctx, evt.VIN)
	if err != nil {
		return err
	}

	if open != nil {
		// Double start: the detector failed to dedup upstream. Force-close
		// the stale session using its own last known values, not the new
		// event's, then open the new one.
		a.logger.Printf("aggregate: start while session %s open, force-closing stale session", open.ID)
		metrics.IncAggregatorSession("force_closed")
		stopAt := open.StartAt
		open.StopAt = &stopAt
		zero := 0.0
		open.Amount = &zero
		open.Suspect = true
		if err := a.sessions.Upsert(ctx, *open); err != nil {
			return err
		}
	}

	s := session.ChargeSession{
		ID:           id,
		VIN:          evt.VIN,
		StartAt:      evt.Timestamp,
		ChargedRange: evt.ChargedRange,
		Mileage:      evt.Mileage,
		SoC:          evt.SoC,
		Position:     a.classifyPosition(evt.Lat, evt.Lon),
	}
	if err := a.sessions.Upsert(ctx, s); err != nil {
		return err
	}
	metrics.IncAggregatorSession("opened")
	return a.events.LinkEvent(ctx, evt.ID, s.ID)
}

func (a *Aggregator) applyStop(ctx context.Context, evt detect.ChargeEvent) error {
	open, err := a.sessions.FindOpen(ctx, evt.VIN)
	if err != nil {
		return err
	}

	if open == nil {
		// Either re-delivery of a stop that already closed its session, or a
		// genuine orphan.
		closed, err := a.sessions.FindByStop(ctx, evt.VIN, evt.Timestamp)
		if err != nil {
			return err
		}
		if closed != nil {
			return a.events.LinkEvent(ctx, evt.ID, closed.ID)
		}
		return a.applyOrphanStop(ctx, evt)
	}

	stopAt := evt.Timestamp
	amount, suspect := a.computeAmount(open, evt)
	open.StopAt = &stopAt
	open.Amount = &amount
	open.Suspect = open.Suspect || suspect
	if evt.ChargedRange != nil {
		open.ChargedRange = evt.ChargedRange
	}
	if evt.Mileage != nil {
		open.Mileage = evt.Mileage
	}
	if evt.SoC != nil {
		open.SoC = evt.SoC
	}
	if pos := a.classifyPosition(evt.Lat, evt.Lon); pos != nil {
		open.Position = pos
	}

	if err := a.sessions.Upsert(ctx, *open); err != nil {
		return err
	}
	metrics.IncAggregatorSession("closed")
	return a.events.LinkEvent(ctx, evt.ID, open.ID)
}

// applyOrphanStop self-heals a stop with no open session by recording a
// zero-length suspect session that owns the event.
func (a *Aggregator) applyOrphanStop(ctx context.Context, evt detect.ChargeEvent) error {
	a.logger.Printf("aggregate: stop without open session vin=%s ts=%s", evt.VIN, evt.Timestamp.Format(time.RFC3339))
	metrics.IncAggregatorSession("orphan_stop")

	stopAt := evt.Timestamp
	zero := 0.0
	s := session.ChargeSession{
		ID:           session.NewSessionID(evt.VIN, evt.Timestamp),
		VIN:          evt.VIN,
		StartAt:      evt.Timestamp,
		StopAt:       &stopAt,
		Amount:       &zero,
		ChargedRange: evt.ChargedRange,
		Mileage:      evt.Mileage,
		SoC:          evt.SoC,
		Position:     a.classifyPosition(evt.Lat, evt.Lon),
		Suspect:      true,
	}
	if err := a.sessions.Upsert(ctx, s); err != nil {
		return err
	}
	return a.events.LinkEvent(ctx, evt.ID, s.ID)
}

// computeAmount derives the charged amount for a closing session. The primary
// source is the charged-range delta; when either side is missing the
// duration-based power proxy stands in. Non-positive deltas clamp to zero and
// flag the session as suspect instead of being rejected.
func (a *Aggregator) computeAmount(open *session.ChargeSession, stop detect.ChargeEvent) (float64, bool) {
	if open.ChargedRange != nil && stop.ChargedRange != nil {
		delta := *stop.ChargedRange - *open.ChargedRange
		if delta <= 0 {
			a.logger.Printf("aggregate: non-positive range delta %d for session %s, clamping to zero", delta, open.ID)
			return 0, true
		}
		return float64(delta), false
	}

	duration := stop.Timestamp.Sub(open.StartAt)
	if duration <= 0 {
		a.logger.Printf("aggregate: non-positive duration for session %s, clamping to zero", open.ID)
		return 0, true
	}
	return duration.Hours() * a.cfg.ChargePowerKW, false
}

func (a *Aggregator) classifyPosition(lat, lon *float64) *string {
	if lat == nil || lon == nil {
		return nil
	}
	latStr := trimFloat(*lat)
	lonStr := trimFloat(*lon)

	position := "away"
	if a.cfg.HomeLatitude != "" && a.cfg.HomeLongitude != "" &&
		strings.HasPrefix(latStr, a.cfg.HomeLatitude) && strings.HasPrefix(lonStr, a.cfg.HomeLongitude) {
		position = "home"
	}
	return &position
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

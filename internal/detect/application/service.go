package application

import (
	"context"
	"errors"
	"log"
	"time"

	"charge-cloud/internal/config"
	detect "charge-cloud/internal/detect/domain"
	"charge-cloud/internal/observability/metrics"
)

// WatermarkComponent is the stream offset key for the detector.
const WatermarkComponent = "detector"

// RawEntry is a raw log row as seen by the detector. Malformed rows are
// filtered out by the tail query.
type RawEntry struct {
	Timestamp time.Time
	Message   string
}

// RawLogTail reads the raw log in timestamp order.
type RawLogTail interface {
	TailAfter(ctx context.Context, vin string, after time.Time, limit int) ([]RawEntry, error)
}

// EventStore persists charge events idempotently keyed by
// (vin, timestamp, type).
type EventStore interface {
	InsertEvents(ctx context.Context, events []detect.ChargeEvent) (int, error)
	LastEvent(ctx context.Context, vin string) (*detect.ChargeEvent, error)
}

// WatermarkStore persists per-component stream offsets.
type WatermarkStore interface {
	Position(ctx context.Context, component, vin string) (time.Time, error)
	Advance(ctx context.Context, component, vin string, position time.Time) error
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// Service transforms the raw log tail into normalized charge events. Runs are
// idempotent: re-running over an overlapping window never emits duplicates.
type Service struct {
	tail   RawLogTail
	events EventStore
	marks  WatermarkStore
	th     config.Thresholds
	clock  Clock
	logger *log.Logger

	batchLimit int
}

// NewService constructs a detector service.
func NewService(tail RawLogTail, events EventStore, marks WatermarkStore, th config.Thresholds, clock Clock, logger *log.Logger) (*Service, error) {
	if tail == nil || events == nil || marks == nil {
		return nil, errors.New("detector: nil dependency")
	}
	if clock == nil {
		return nil, errors.New("detector: nil clock")
	}
	if th.DedupWindow <= 0 || th.NoiseWindow <= 0 || th.MaxSessionDuration <= th.NoiseWindow {
		return nil, errors.New("detector: invalid thresholds")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		tail:       tail,
		events:     events,
		marks:      marks,
		th:         th,
		clock:      clock,
		logger:     logger,
		batchLimit: 500,
	}, nil
}

// candidate is a start transition that is not yet settled: a stop inside the
// noise window can still cancel it.
type candidate struct {
	ts     time.Time
	fields carried
}

// carried holds the most recently observed side fields so transitions that
// arrive without them still get position/range/mileage context.
type carried struct {
	chargedRange *int
	mileage      *int
	lat, lon     *float64
	soc          *int
}

func (c *carried) update(obs detect.Observation) {
	if obs.ChargedRange != nil {
		c.chargedRange = obs.ChargedRange
	}
	if obs.Mileage != nil {
		c.mileage = obs.Mileage
	}
	if obs.Lat != nil && obs.Lon != nil {
		c.lat = obs.Lat
		c.lon = obs.Lon
	}
	if obs.SoC != nil {
		c.soc = obs.SoC
	}
}

// Run processes the raw log tail for one vehicle and returns the number of
// charge events emitted.
func (s *Service) Run(ctx context.Context, vin string) (int, error) {
	if vin == "" {
		return 0, errors.New("detector: empty vin")
	}
	start := time.Now()
	emitted, err := s.run(ctx, vin)
	if err != nil {
		metrics.ObserveDetectorRun("error", time.Since(start))
		return emitted, err
	}
	metrics.ObserveDetectorRun("success", time.Since(start))
	return emitted, nil
}

func (s *Service) run(ctx context.Context, vin string) (int, error) {
	watermark, err := s.marks.Position(ctx, WatermarkComponent, vin)
	if err != nil {
		return 0, err
	}

	last, err := s.events.LastEvent(ctx, vin)
	if err != nil {
		return 0, err
	}

	// prevType is the charging state implied by the last emitted event.
	// Empty means baseline unknown: the first non-charging observation just
	// establishes the baseline instead of emitting an orphan stop.
	var prevType detect.EventType
	var open *detect.ChargeEvent
	if last != nil {
		prevType = last.Type
		if last.Type == detect.EventStart {
			open = last
		}
	}

	now := s.clock.Now().UTC()
	totalEmitted := 0

	for {
		entries, err := s.tail.TailAfter(ctx, vin, watermark, s.batchLimit)
		if err != nil {
			return totalEmitted, err
		}
		if len(entries) == 0 {
			break
		}

		var emit []detect.ChargeEvent
		var pending *candidate
		var carry carried
		settled := watermark

		for _, entry := range entries {
			ts := entry.Timestamp.UTC()
			obs := detect.ParseMessage(entry.Message)
			carry.update(obs)

			if obs.Variant == detect.VariantUnrecognized {
				if pending == nil {
					settled = ts
				}
				continue
			}

			typ := obs.EventType()
			switch {
			case typ == prevType && typ == detect.EventStart:
				var ref time.Time
				if pending != nil {
					ref = pending.ts
				} else if open != nil {
					ref = open.Timestamp
				}
				if ref.IsZero() || ts.Sub(ref) <= s.th.DedupWindow {
					// Start re-observed inside the dedup window: earliest wins,
					// the later duplicate is discarded.
					s.logger.Printf("detect: duplicate start collapsed vin=%s ts=%s", vin, ts.Format(time.RFC3339))
					metrics.IncDetectorEvent("duplicate_collapsed")
					if pending == nil {
						settled = ts
					}
				} else {
					// A repeated start beyond the window is a real anomaly, not
					// a duplicate delivery. Emit the earlier start as its own
					// event and let aggregation force-close the stale session.
					s.logger.Printf("detect: repeated start beyond dedup window vin=%s ts=%s", vin, ts.Format(time.RFC3339))
					metrics.IncDetectorEvent("repeat_start")
					if pending != nil {
						emit = append(emit, s.buildEvent(vin, pending.ts, detect.EventStart, pending.fields, false))
					}
					pending = &candidate{ts: ts, fields: carry}
					open = nil
				}

			case typ == prevType:
				// Repeated stop observations just confirm the idle baseline.
				if pending == nil {
					settled = ts
				}

			case typ == detect.EventStart:
				pending = &candidate{ts: ts, fields: carry}
				prevType = detect.EventStart

			case typ == detect.EventStop && prevType == "":
				// Baseline established without a preceding start.
				prevType = detect.EventStop
				settled = ts

			case typ == detect.EventStop:
				if pending != nil {
					if ts.Sub(pending.ts) <= s.th.NoiseWindow {
						s.logger.Printf("detect: micro-session discarded as noise vin=%s start=%s stop=%s",
							vin, pending.ts.Format(time.RFC3339), ts.Format(time.RFC3339))
						metrics.IncDetectorEvent("noise_discarded")
					} else {
						emit = append(emit, s.buildEvent(vin, pending.ts, detect.EventStart, pending.fields, false))
						emit = append(emit, s.buildEvent(vin, ts, detect.EventStop, carry, false))
					}
					pending = nil
				} else if open != nil {
					boundary := open.Timestamp.Add(s.th.MaxSessionDuration)
					if ts.After(boundary) {
						// The real stop arrived past the timeout; the session
						// closes at the boundary instead.
						s.logger.Printf("detect: stop past max session duration vin=%s, synthesizing at boundary", vin)
						emit = append(emit, s.synthesizeStop(vin, open, boundary))
					} else {
						emit = append(emit, s.buildEvent(vin, ts, detect.EventStop, carry, false))
					}
					open = nil
				}
				prevType = detect.EventStop
				settled = ts
			}
		}

		lastTs := entries[len(entries)-1].Timestamp.UTC()

		if pending != nil {
			age := now.Sub(pending.ts)
			switch {
			case age > s.th.MaxSessionDuration:
				startEvt := s.buildEvent(vin, pending.ts, detect.EventStart, pending.fields, false)
				emit = append(emit, startEvt)
				emit = append(emit, s.synthesizeStop(vin, &startEvt, pending.ts.Add(s.th.MaxSessionDuration)))
				prevType = detect.EventStop
				pending = nil
				settled = lastTs
			case age > s.th.NoiseWindow:
				startEvt := s.buildEvent(vin, pending.ts, detect.EventStart, pending.fields, false)
				emit = append(emit, startEvt)
				open = &startEvt
				pending = nil
				settled = lastTs
			default:
				// Unsettled: hold the watermark so the next run reconsiders
				// this start together with whatever follows it.
			}
		}

		if pending == nil && open != nil && now.After(open.Timestamp.Add(s.th.MaxSessionDuration)) {
			emit = append(emit, s.synthesizeStop(vin, open, open.Timestamp.Add(s.th.MaxSessionDuration)))
			prevType = detect.EventStop
			open = nil
		}

		inserted, err := s.events.InsertEvents(ctx, emit)
		if err != nil {
			return totalEmitted, err
		}
		totalEmitted += inserted
		for _, evt := range emit {
			if evt.Synthesized {
				metrics.IncDetectorEvent("synthesized_stop")
			} else {
				metrics.IncDetectorEvent(string(evt.Type))
			}
		}

		if settled.After(watermark) {
			if err := s.marks.Advance(ctx, WatermarkComponent, vin, settled); err != nil {
				return totalEmitted, err
			}
			watermark = settled
		} else {
			// No forward progress in this batch; stop instead of spinning on
			// an unsettled tail.
			break
		}

		if len(entries) < s.batchLimit {
			break
		}
	}

	// A stale open session must close even when no new raw entries arrive.
	if open != nil && now.After(open.Timestamp.Add(s.th.MaxSessionDuration)) {
		inserted, err := s.events.InsertEvents(ctx, []detect.ChargeEvent{
			s.synthesizeStop(vin, open, open.Timestamp.Add(s.th.MaxSessionDuration)),
		})
		if err != nil {
			return totalEmitted, err
		}
		if inserted > 0 {
			metrics.IncDetectorEvent("synthesized_stop")
		}
		totalEmitted += inserted
	}

	return totalEmitted, nil
}

func (s *Service) buildEvent(vin string, ts time.Time, typ detect.EventType, fields carried, synthesized bool) detect.ChargeEvent {
	return detect.ChargeEvent{
		VIN:          vin,
		Timestamp:    ts,
		Type:         typ,
		ChargedRange: fields.chargedRange,
		Mileage:      fields.mileage,
		Lat:          fields.lat,
		Lon:          fields.lon,
		SoC:          fields.soc,
		Synthesized:  synthesized,
	}
}

// synthesizeStop closes a stale-open start deterministically at the timeout
// boundary, reusing the start's own last known fields.
func (s *Service) synthesizeStop(vin string, open *detect.ChargeEvent, boundary time.Time) detect.ChargeEvent {
	return detect.ChargeEvent{
		VIN:          vin,
		Timestamp:    boundary,
		Type:         detect.EventStop,
		ChargedRange: open.ChargedRange,
		Mileage:      open.Mileage,
		Lat:          open.Lat,
		Lon:          open.Lon,
		SoC:          open.SoC,
		Synthesized:  true,
	}
}

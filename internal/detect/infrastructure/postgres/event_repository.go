package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"charge-cloud/internal/detect/application"
	detect "charge-cloud/internal/detect/domain"
)

const (
	defaultEventTable   = "charge_events"
	defaultRawLogTable  = "rawlogs"
	defaultOffsetsTable = "stream_offsets"
)

// EventRepository is a Postgres implementation of the detector's stores: the
// raw log tail, the charge event store and the watermark store.
type EventRepository struct {
	db           *sql.DB
	eventTable   string
	rawLogTable  string
	offsetsTable string
}

// RepositoryOption configures the repository.
type RepositoryOption func(*EventRepository)

// WithEventTable overrides the charge event table name.
func WithEventTable(table string) RepositoryOption {
	return func(repo *EventRepository) {
		if table != "" {
			repo.eventTable = table
		}
	}
}

// WithRawLogTable overrides the raw log table name.
func WithRawLogTable(table string) RepositoryOption {
	return func(repo *EventRepository) {
		if table != "" {
			repo.rawLogTable = table
		}
	}
}

// WithOffsetsTable overrides the stream offsets table name.
func WithOffsetsTable(table string) RepositoryOption {
	return func(repo *EventRepository) {
		if table != "" {
			repo.offsetsTable = table
		}
	}
}

// NewEventRepository constructs a repository with default table names.
func NewEventRepository(db *sql.DB, opts ...RepositoryOption) *EventRepository {
	repo := &EventRepository{
		db:           db,
		eventTable:   defaultEventTable,
		rawLogTable:  defaultRawLogTable,
		offsetsTable: defaultOffsetsTable,
	}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// TailAfter reads well-formed raw log rows strictly after the watermark in
// timestamp order.
func (r *EventRepository) TailAfter(ctx context.Context, vin string, after time.Time, limit int) ([]application.RawEntry, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("event repo: nil db")
	}
	if limit <= 0 {
		limit = 500
	}

	query := fmt.Sprintf(`
SELECT log_timestamp, log_message
FROM %s
WHERE vin = $1 AND log_timestamp > $2 AND NOT malformed
ORDER BY log_timestamp ASC
LIMIT $3`, r.rawLogTable)

	rows, err := r.db.QueryContext(ctx, query, vin, after.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []application.RawEntry
	for rows.Next() {
		var entry application.RawEntry
		if err := rows.Scan(&entry.Timestamp, &entry.Message); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// InsertEvents writes charge events idempotently keyed by
// (vin, event_timestamp, event_type). Returns how many rows were actually
// inserted; conflicts from reprocessing are silently skipped.
func (r *EventRepository) InsertEvents(ctx context.Context, events []detect.ChargeEvent) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("event repo: nil db")
	}
	if len(events) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`
INSERT INTO %s (vin, event_timestamp, event_type, charged_range, mileage, pos_lat, pos_lon, soc, synthesized)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (vin, event_timestamp, event_type) DO NOTHING`, r.eventTable)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, evt := range events {
		if evt.VIN == "" || evt.Timestamp.IsZero() {
			_ = tx.Rollback()
			return 0, errors.New("event repo: invalid event")
		}
		res, err := stmt.ExecContext(
			ctx,
			evt.VIN,
			evt.Timestamp.UTC(),
			string(evt.Type),
			nullInt(evt.ChargedRange),
			nullInt(evt.Mileage),
			nullFloat(evt.Lat),
			nullFloat(evt.Lon),
			nullInt(evt.SoC),
			evt.Synthesized,
		)
		if err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// LastEvent returns the newest charge event for a vehicle, or nil.
func (r *EventRepository) LastEvent(ctx context.Context, vin string) (*detect.ChargeEvent, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("event repo: nil db")
	}

	query := fmt.Sprintf(`
SELECT id, vin, event_timestamp, event_type, charged_range, mileage, pos_lat, pos_lon, soc, synthesized, charge_id
FROM %s
WHERE vin = $1
ORDER BY event_timestamp DESC, event_type DESC
LIMIT 1`, r.eventTable)

	evt, err := scanEvent(r.db.QueryRowContext(ctx, query, vin))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return evt, nil
}

// UnlinkedEvents returns events not yet owned by a session, oldest first.
// These form the aggregation queue: linking an event removes it.
func (r *EventRepository) UnlinkedEvents(ctx context.Context, vin string, limit int) ([]detect.ChargeEvent, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("event repo: nil db")
	}
	if limit <= 0 {
		limit = 200
	}

	query := fmt.Sprintf(`
SELECT id, vin, event_timestamp, event_type, charged_range, mileage, pos_lat, pos_lon, soc, synthesized, charge_id
FROM %s
WHERE vin = $1 AND charge_id IS NULL
ORDER BY event_timestamp ASC, event_type ASC
LIMIT $2`, r.eventTable)

	rows, err := r.db.QueryContext(ctx, query, vin, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []detect.ChargeEvent
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *evt)
	}
	return events, rows.Err()
}

// LinkEvent records which session owns an event.
func (r *EventRepository) LinkEvent(ctx context.Context, eventID int64, chargeID string) error {
	if r == nil || r.db == nil {
		return errors.New("event repo: nil db")
	}
	if chargeID == "" {
		return errors.New("event repo: empty charge id")
	}

	query := fmt.Sprintf(`UPDATE %s SET charge_id = $1 WHERE id = $2`, r.eventTable)
	_, err := r.db.ExecContext(ctx, query, chargeID, eventID)
	return err
}

// Position returns the stream offset for a component, zero time when unset.
func (r *EventRepository) Position(ctx context.Context, component, vin string) (time.Time, error) {
	if r == nil || r.db == nil {
		return time.Time{}, errors.New("event repo: nil db")
	}

	query := fmt.Sprintf(`
SELECT position FROM %s WHERE component = $1 AND vin = $2`, r.offsetsTable)

	var position time.Time
	err := r.db.QueryRowContext(ctx, query, component, vin).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return position.UTC(), nil
}

// Advance upserts the stream offset for a component. Moving backwards is a
// no-op so concurrent runs cannot rewind each other.
func (r *EventRepository) Advance(ctx context.Context, component, vin string, position time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("event repo: nil db")
	}

	query := fmt.Sprintf(`
INSERT INTO %s (component, vin, position)
VALUES ($1, $2, $3)
ON CONFLICT (component, vin)
DO UPDATE SET position = EXCLUDED.position
WHERE %s.position < EXCLUDED.position`, r.offsetsTable, r.offsetsTable)

	_, err := r.db.ExecContext(ctx, query, component, vin, position.UTC())
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*detect.ChargeEvent, error) {
	var evt detect.ChargeEvent
	var typ string
	var chargedRange, mileage, soc sql.NullInt64
	var lat, lon sql.NullFloat64
	var chargeID sql.NullString

	if err := row.Scan(&evt.ID, &evt.VIN, &evt.Timestamp, &typ, &chargedRange, &mileage, &lat, &lon, &soc, &evt.Synthesized, &chargeID); err != nil {
		return nil, err
	}
	evt.Timestamp = evt.Timestamp.UTC()
	evt.Type = detect.EventType(typ)
	evt.ChargedRange = intPtr(chargedRange)
	evt.Mileage = intPtr(mileage)
	evt.SoC = intPtr(soc)
	if lat.Valid && lon.Valid {
		evt.Lat = &lat.Float64
		evt.Lon = &lon.Float64
	}
	if chargeID.Valid {
		evt.ChargeID = &chargeID.String
	}
	return &evt, nil
}

func nullInt(value *int) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*value), Valid: true}
}

func nullFloat(value *float64) sql.NullFloat64 {
	if value == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *value, Valid: true}
}

func intPtr(value sql.NullInt64) *int {
	if !value.Valid {
		return nil
	}
	v := int(value.Int64)
	return &v
}

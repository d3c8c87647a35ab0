package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	session "charge-cloud/internal/session/domain"
)

const defaultSessionTable = "charge_hours"

// SessionRepository is a Postgres implementation of the session store.
type SessionRepository struct {
	db    *sql.DB
	table string
}

// RepositoryOption configures the repository.
type RepositoryOption func(*SessionRepository)

// WithTable overrides the default table name.
func WithTable(table string) RepositoryOption {
	return func(repo *SessionRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewSessionRepository constructs a repository with the default table name.
func NewSessionRepository(db *sql.DB, opts ...RepositoryOption) *SessionRepository {
	repo := &SessionRepository{db: db, table: defaultSessionTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Upsert writes a session keyed by its id. The price column is deliberately
// not part of the update set: price annotation is a separate conditional
// write and the open/close path must never race with it.
func (r *SessionRepository) Upsert(ctx context.Context, s session.ChargeSession) error {
	if r == nil || r.db == nil {
		return errors.New("session repo: nil db")
	}
	if s.ID == "" || s.VIN == "" || s.StartAt.IsZero() {
		return errors.New("session repo: invalid session")
	}

	query := fmt.Sprintf(`
INSERT INTO %s (id, vin, log_timestamp, amount, position, soc, charged_range, mileage, start_at, stop_at, suspect)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id)
DO UPDATE SET
	amount = EXCLUDED.amount,
	position = EXCLUDED.position,
	soc = EXCLUDED.soc,
	charged_range = EXCLUDED.charged_range,
	mileage = EXCLUDED.mileage,
	stop_at = EXCLUDED.stop_at,
	suspect = EXCLUDED.suspect`, r.table)

	_, err := r.db.ExecContext(
		ctx,
		query,
		s.ID,
		s.VIN,
		s.StartAt.UTC().Truncate(time.Hour),
		nullFloat(s.Amount),
		nullString(s.Position),
		nullInt(s.SoC),
		nullInt(s.ChargedRange),
		nullInt(s.Mileage),
		s.StartAt.UTC(),
		nullTime(s.StopAt),
		s.Suspect,
	)
	return err
}

// Find returns the session with the given id, or nil.
func (r *SessionRepository) Find(ctx context.Context, id string) (*session.ChargeSession, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("session repo: nil db")
	}

	query := fmt.Sprintf(`
%s
WHERE id = $1`, r.selectClause())

	s, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// FindOpen returns the vehicle's open session, or nil.
func (r *SessionRepository) FindOpen(ctx context.Context, vin string) (*session.ChargeSession, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("session repo: nil db")
	}

	query := fmt.Sprintf(`
%s
WHERE vin = $1 AND stop_at IS NULL
ORDER BY start_at DESC
LIMIT 1`, r.selectClause())

	s, err := scanSession(r.db.QueryRowContext(ctx, query, vin))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// FindByStop returns the closed session whose stop matches the given instant,
// or nil. Used to recognize re-delivered stop events.
func (r *SessionRepository) FindByStop(ctx context.Context, vin string, stopAt time.Time) (*session.ChargeSession, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("session repo: nil db")
	}

	query := fmt.Sprintf(`
%s
WHERE vin = $1 AND stop_at = $2
LIMIT 1`, r.selectClause())

	s, err := scanSession(r.db.QueryRowContext(ctx, query, vin, stopAt.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListClosed returns closed sessions for a vehicle within [from, to) in start
// order.
func (r *SessionRepository) ListClosed(ctx context.Context, vin string, from, to time.Time) ([]session.ChargeSession, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("session repo: nil db")
	}

	query := fmt.Sprintf(`
%s
WHERE vin = $1 AND stop_at IS NOT NULL AND start_at >= $2 AND start_at < $3
ORDER BY start_at ASC`, r.selectClause())

	rows, err := r.db.QueryContext(ctx, query, vin, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []session.ChargeSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

func (r *SessionRepository) selectClause() string {
	return fmt.Sprintf(`
SELECT id, vin, amount, position, soc, price, charged_range, mileage, start_at, stop_at, suspect
FROM %s`, r.table)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*session.ChargeSession, error) {
	var s session.ChargeSession
	var amount, price sql.NullFloat64
	var position sql.NullString
	var soc, chargedRange, mileage sql.NullInt64
	var stopAt sql.NullTime

	if err := row.Scan(&s.ID, &s.VIN, &amount, &position, &soc, &price, &chargedRange, &mileage, &s.StartAt, &stopAt, &s.Suspect); err != nil {
		return nil, err
	}
	s.StartAt = s.StartAt.UTC()
	if amount.Valid {
		s.Amount = &amount.Float64
	}
	if price.Valid {
		s.Price = &price.Float64
	}
	if position.Valid {
		s.Position = &position.String
	}
	s.SoC = intPtr(soc)
	s.ChargedRange = intPtr(chargedRange)
	s.Mileage = intPtr(mileage)
	if stopAt.Valid {
		t := stopAt.Time.UTC()
		s.StopAt = &t
	}
	return &s, nil
}

func nullFloat(value *float64) sql.NullFloat64 {
	if value == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *value, Valid: true}
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}

func nullInt(value *int) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*value), Valid: true}
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value.UTC(), Valid: true}
}

func intPtr(value sql.NullInt64) *int {
	if !value.Valid {
		return nil
	}
	v := int(value.Int64)
	return &v
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	pricing "charge-cloud/internal/pricing/domain"
)

const defaultSessionTable = "charge_hours"

// PriceRepository reads unpriced sessions and writes prices.
type PriceRepository struct {
	db    *sql.DB
	table string
}

// RepositoryOption configures the repository.
type RepositoryOption func(*PriceRepository)

// WithTable overrides the default table name.
func WithTable(table string) RepositoryOption {
	return func(repo *PriceRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewPriceRepository constructs a repository with the default table name.
func NewPriceRepository(db *sql.DB, opts ...RepositoryOption) *PriceRepository {
	repo := &PriceRepository{db: db, table: defaultSessionTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// NextUnpriced returns the oldest closed session with an amount but no price,
// or nil when every session is priced.
func (r *PriceRepository) NextUnpriced(ctx context.Context, vin string) (*pricing.PendingSession, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("price repo: nil db")
	}

	query := fmt.Sprintf(`
SELECT id, vin, start_at, amount
FROM %s
WHERE vin = $1 AND stop_at IS NOT NULL AND amount IS NOT NULL AND price IS NULL
ORDER BY start_at ASC
LIMIT 1`, r.table)

	var pending pricing.PendingSession
	err := r.db.QueryRowContext(ctx, query, vin).Scan(&pending.ID, &pending.VIN, &pending.StartAt, &pending.Amount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	pending.StartAt = pending.StartAt.UTC()
	return &pending, nil
}

// SetPriceIfUnset writes a price only when the row has none. Reports whether
// the row was updated.
func (r *PriceRepository) SetPriceIfUnset(ctx context.Context, id string, price float64) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("price repo: nil db")
	}

	query := fmt.Sprintf(`UPDATE %s SET price = $1 WHERE id = $2 AND price IS NULL`, r.table)
	res, err := r.db.ExecContext(ctx, query, price, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

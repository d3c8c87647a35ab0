package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	ingest "charge-cloud/internal/ingest/domain"
)

const defaultRawLogTable = "rawlogs"

// RawLogRepository is a Postgres implementation of the raw log store.
type RawLogRepository struct {
	db    *sql.DB
	table string
}

// RepositoryOption configures the repository.
type RepositoryOption func(*RawLogRepository)

// WithTable overrides the default table name.
func WithTable(table string) RepositoryOption {
	return func(repo *RawLogRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewRawLogRepository constructs a repository with the default table name.
func NewRawLogRepository(db *sql.DB, opts ...RepositoryOption) *RawLogRepository {
	repo := &RawLogRepository{db: db, table: defaultRawLogTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Append inserts one raw log entry. The raw log is append-only; there is no
// conflict target because duplicate deliveries are legitimate rows here and
// deduplication belongs to the detector.
func (r *RawLogRepository) Append(ctx context.Context, entry ingest.RawLogEntry) error {
	if r == nil || r.db == nil {
		return errors.New("rawlog repo: nil db")
	}
	if entry.VIN == "" || entry.Timestamp.IsZero() {
		return errors.New("rawlog repo: invalid entry")
	}

	query := fmt.Sprintf(`
INSERT INTO %s (vin, log_timestamp, log_message, malformed)
VALUES ($1, $2, $3, $4)`, r.table)

	_, err := r.db.ExecContext(ctx, query, entry.VIN, entry.Timestamp.UTC(), entry.Message, entry.Malformed)
	return err
}

package ingest

import (
	"context"
	"time"
)

// RawLogEntry is one normalized telemetry message appended to the raw log.
// Entries are append-only and never mutated; malformed payloads are kept
// verbatim with the marker set instead of being dropped.
type RawLogEntry struct {
	VIN       string
	Timestamp time.Time
	Message   string
	Malformed bool
}

// RawLogStore persists raw log entries.
type RawLogStore interface {
	Append(ctx context.Context, entry RawLogEntry) error
}

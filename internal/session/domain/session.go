package session

import (
	"context"
	"fmt"
	"time"
)

// ChargeSession is one continuous charging interval, bounded by a start and
// stop event. A session is open while StopAt is nil. Exactly one session owns
// a given start/stop pair; the ID is the application-chosen idempotency key so
// re-delivery of the same pair can never create a second session.
type ChargeSession struct {
	ID           string
	VIN          string
	StartAt      time.Time
	StopAt       *time.Time
	Amount       *float64
	Position     *string
	SoC          *int
	Price        *float64
	ChargedRange *int
	Mileage      *int
	Suspect      bool
}

// NewSessionID derives the deterministic session key from the vehicle and the
// start instant.
func NewSessionID(vin string, startAt time.Time) string {
	return fmt.Sprintf("%s-%d", vin, startAt.UTC().Unix())
}

// Open reports whether the session has not yet been closed.
func (s *ChargeSession) Open() bool {
	return s != nil && s.StopAt == nil
}

// Store persists charge sessions. All writes are upserts keyed by session id.
type Store interface {
	Upsert(ctx context.Context, s ChargeSession) error
	Find(ctx context.Context, id string) (*ChargeSession, error)
	FindOpen(ctx context.Context, vin string) (*ChargeSession, error)
	FindByStop(ctx context.Context, vin string, stopAt time.Time) (*ChargeSession, error)
	ListClosed(ctx context.Context, vin string, from, to time.Time) ([]ChargeSession, error)
}

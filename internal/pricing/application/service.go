package application

import (
	"context"
	"errors"
	"log"
	"time"

	"charge-cloud/internal/observability/metrics"
	pricing "charge-cloud/internal/pricing/domain"
)

// Service annotates closed charge sessions with their total price.
type Service struct {
	store  pricing.Store
	spot   pricing.SpotSource
	logger *log.Logger
}

// NewService constructs a pricing service.
func NewService(store pricing.Store, spot pricing.SpotSource, logger *log.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("pricing: nil store")
	}
	if spot == nil {
		return nil, errors.New("pricing: nil spot source")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Service{store: store, spot: spot, logger: logger}, nil
}

// AnnotateAll prices unpriced sessions oldest first and returns how many were
// updated. It stops at the first session whose spot price is not published
// yet: later sessions start no earlier, so their hours cannot be priced
// either.
func (s *Service) AnnotateAll(ctx context.Context, vin string) (int, error) {
	if vin == "" {
		return 0, errors.New("pricing: empty vin")
	}

	updated := 0
	for {
		done, err := s.annotateNext(ctx, vin)
		if err != nil {
			return updated, err
		}
		if done {
			return updated, nil
		}
		updated++
	}
}

// annotateNext prices the oldest unpriced session. Returns true when there is
// nothing left to do, either because no unpriced session exists or its spot
// price is unavailable.
func (s *Service) annotateNext(ctx context.Context, vin string) (bool, error) {
	pending, err := s.store.NextUnpriced(ctx, vin)
	if err != nil {
		return true, err
	}
	if pending == nil {
		return true, nil
	}

	spot, err := s.spot.SpotPrice(ctx, pending.StartAt)
	if err != nil {
		return true, err
	}
	if spot == nil {
		s.logger.Printf("pricing: no spot price for %s yet, session %s stays unpriced",
			pending.StartAt.Format(time.RFC3339), pending.ID)
		return true, nil
	}

	tariff := pricing.TransportTariff(pending.StartAt)
	price := pricing.SessionPrice(*spot, tariff, pending.Amount)

	applied, err := s.store.SetPriceIfUnset(ctx, pending.ID, price)
	if err != nil {
		return true, err
	}
	if applied {
		metrics.IncPriceUpdate("success")
	} else {
		metrics.IncPriceUpdate("already_priced")
	}
	return false, nil
}

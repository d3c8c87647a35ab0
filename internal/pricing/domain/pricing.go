package pricing

import (
	"context"
	"time"
)

// VAT multiplier applied on top of spot price and transport tariff.
const VATFactor = 1.25

// PendingSession is a closed charge session still awaiting a price.
type PendingSession struct {
	ID      string
	VIN     string
	StartAt time.Time
	Amount  float64
}

// Store reads unpriced sessions and writes prices. SetPriceIfUnset must only
// touch rows whose price is still null so a concurrent annotator can never
// overwrite a committed price.
type Store interface {
	NextUnpriced(ctx context.Context, vin string) (*PendingSession, error)
	SetPriceIfUnset(ctx context.Context, id string, price float64) (bool, error)
}

// SpotSource resolves the hourly electricity spot price in DKK per kWh. A nil
// result means no price is published for that hour yet.
type SpotSource interface {
	SpotPrice(ctx context.Context, at time.Time) (*float64, error)
}

// TransportTariff returns the grid transport tariff in DKK per kWh for the
// given instant. Rates are seasonal and follow the local-time hour bands of
// the grid operator: low load at night, high load in the evening peak.
func TransportTariff(at time.Time) float64 {
	hour := at.Hour()
	if summer(at.Month()) {
		switch {
		case hour < 6:
			return 0.1331
		case hour >= 17 && hour < 21:
			return 0.5190
		default:
			return 0.1996
		}
	}
	switch {
	case hour < 6:
		return 0.1331
	case hour >= 17 && hour < 21:
		return 1.11977
	default:
		return 0.3993
	}
}

// summer covers April through September.
func summer(m time.Month) bool {
	return m >= time.April && m <= time.September
}

// SessionPrice computes the total price of a session in DKK: the energy cost
// at spot plus transport, with VAT on top.
func SessionPrice(spotDKKPerKWh, tariffDKKPerKWh, amountKWh float64) float64 {
	return (spotDKKPerKWh + tariffDKKPerKWh) * VATFactor * amountKWh
}

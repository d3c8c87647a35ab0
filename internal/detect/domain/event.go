package detect

import (
	"encoding/json"
	"time"
)

// EventType is the charge transition an event encodes.
type EventType string

const (
	EventStart EventType = "start"
	EventStop  EventType = "stop"
)

// ChargeEvent is a normalized charge transition produced by the detector.
// Events are immutable once written; ChargeID is the aggregator's
// back-reference and the only field written after emission.
type ChargeEvent struct {
	ID           int64
	VIN          string
	Timestamp    time.Time
	Type         EventType
	ChargedRange *int
	Mileage      *int
	Lat          *float64
	Lon          *float64
	SoC          *int
	Synthesized  bool
	ChargeID     *string
}

// Variant classifies what a raw payload says about charging state. Payloads
// that carry no recognizable charging-state field are VariantUnrecognized and
// excluded from detection rather than guessed at.
type Variant int

const (
	VariantUnrecognized Variant = iota
	VariantCharging
	VariantReadyForCharging
)

// Observation is the charging-relevant content of one raw payload.
type Observation struct {
	Variant      Variant
	ChargedRange *int
	Mileage      *int
	Lat          *float64
	Lon          *float64
	SoC          *int
}

// EventType maps the observed charging state to the transition it implies.
// Only meaningful for recognized variants.
func (o Observation) EventType() EventType {
	if o.Variant == VariantCharging {
		return EventStart
	}
	return EventStop
}

type wirePayload struct {
	ChargingState string `json:"chargingState"`
	ChargedRange  *int   `json:"chargedRange"`
	Mileage       *int   `json:"mileage"`
	SoC           *int   `json:"soc"`
	Position      *struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"position"`
}

// ParseMessage classifies one raw log message. Structural failures and unknown
// charging states both map to VariantUnrecognized; side fields (range, soc,
// mileage, position) are still extracted when present so the detector can
// carry them onto the next transition.
func ParseMessage(message string) Observation {
	var wire wirePayload
	if err := json.Unmarshal([]byte(message), &wire); err != nil {
		return Observation{Variant: VariantUnrecognized}
	}

	obs := Observation{
		Variant:      VariantUnrecognized,
		ChargedRange: wire.ChargedRange,
		Mileage:      wire.Mileage,
		SoC:          wire.SoC,
	}
	if wire.Position != nil {
		lat := wire.Position.Lat
		lon := wire.Position.Lon
		obs.Lat = &lat
		obs.Lon = &lon
	}

	switch wire.ChargingState {
	case "CHARGING":
		obs.Variant = VariantCharging
	case "READY_FOR_CHARGING":
		obs.Variant = VariantReadyForCharging
	}
	return obs
}

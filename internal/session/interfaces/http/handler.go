package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	session "charge-cloud/internal/session/domain"
)

// Runner executes one aggregation pass for a vehicle.
type Runner interface {
	Run(ctx context.Context, vin string) (int, error)
}

// TriggerHandler runs aggregation on demand. Safe to repeat: reprocessing
// already linked events is a no-op.
type TriggerHandler struct {
	runner     Runner
	defaultVIN string
	logger     *log.Logger
}

// NewTriggerHandler constructs an aggregation trigger handler.
func NewTriggerHandler(runner Runner, defaultVIN string, logger *log.Logger) (*TriggerHandler, error) {
	if runner == nil {
		return nil, errors.New("session handler: nil runner")
	}
	if defaultVIN == "" {
		return nil, errors.New("session handler: empty default vin")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &TriggerHandler{runner: runner, defaultVIN: defaultVIN, logger: logger}, nil
}

func (h *TriggerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	vin := r.URL.Query().Get("vin")
	if vin == "" {
		vin = h.defaultVIN
	}

	processed, err := h.runner.Run(r.Context(), vin)
	if err != nil {
		h.logger.Printf("aggregate trigger: run error: %v", err)
		http.Error(w, "aggregation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"processed": processed})
}

// ListHandler serves closed charge sessions for a time range.
type ListHandler struct {
	store      session.Store
	defaultVIN string
	logger     *log.Logger
}

// NewListHandler constructs a session list handler.
func NewListHandler(store session.Store, defaultVIN string, logger *log.Logger) (*ListHandler, error) {
	if store == nil {
		return nil, errors.New("session handler: nil store")
	}
	if defaultVIN == "" {
		return nil, errors.New("session handler: empty default vin")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &ListHandler{store: store, defaultVIN: defaultVIN, logger: logger}, nil
}

type sessionResponse struct {
	ID           string     `json:"id"`
	VIN          string     `json:"vin"`
	StartAt      time.Time  `json:"start_at"`
	StopAt       *time.Time `json:"stop_at,omitempty"`
	Amount       *float64   `json:"amount,omitempty"`
	Position     *string    `json:"position,omitempty"`
	SoC          *int       `json:"soc,omitempty"`
	Price        *float64   `json:"price,omitempty"`
	ChargedRange *int       `json:"charged_range,omitempty"`
	Mileage      *int       `json:"mileage,omitempty"`
	Suspect      bool       `json:"suspect"`
}

// ServeHTTP lists closed sessions. The range defaults to the last 30 days and
// accepts RFC 3339 from/to query parameters.
func (h *ListHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	vin := r.URL.Query().Get("vin")
	if vin == "" {
		vin = h.defaultVIN
	}

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -30)
	var err error
	if raw := r.URL.Query().Get("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			http.Error(w, "invalid from parameter", http.StatusBadRequest)
			return
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			http.Error(w, "invalid to parameter", http.StatusBadRequest)
			return
		}
	}
	if !from.Before(to) {
		http.Error(w, "from must precede to", http.StatusBadRequest)
		return
	}

	sessions, err := h.store.ListClosed(r.Context(), vin, from, to)
	if err != nil {
		h.logger.Printf("session list: query error: %v", err)
		http.Error(w, "listing failed", http.StatusInternalServerError)
		return
	}

	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionResponse{
			ID:           s.ID,
			VIN:          s.VIN,
			StartAt:      s.StartAt,
			StopAt:       s.StopAt,
			Amount:       s.Amount,
			Position:     s.Position,
			SoC:          s.SoC,
			Price:        s.Price,
			ChargedRange: s.ChargedRange,
			Mileage:      s.Mileage,
			Suspect:      s.Suspect,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

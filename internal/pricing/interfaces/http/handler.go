package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
)

// Annotator prices unpriced sessions for a vehicle.
type Annotator interface {
	AnnotateAll(ctx context.Context, vin string) (int, error)
}

// TriggerHandler runs price annotation on demand. Safe to repeat: priced
// sessions are never touched again.
type TriggerHandler struct {
	annotator  Annotator
	defaultVIN string
	logger     *log.Logger
}

// NewTriggerHandler constructs a pricing trigger handler.
func NewTriggerHandler(annotator Annotator, defaultVIN string, logger *log.Logger) (*TriggerHandler, error) {
	if annotator == nil {
		return nil, errors.New("pricing handler: nil annotator")
	}
	if defaultVIN == "" {
		return nil, errors.New("pricing handler: empty default vin")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &TriggerHandler{annotator: annotator, defaultVIN: defaultVIN, logger: logger}, nil
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

	updated, err := h.annotator.AnnotateAll(r.Context(), vin)
	if err != nil {
		h.logger.Printf("pricing trigger: run error: %v", err)
		http.Error(w, "price update failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"updated": updated})
}

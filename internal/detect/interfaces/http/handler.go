package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
)

// Runner executes one detection pass for a vehicle.
type Runner interface {
	Run(ctx context.Context, vin string) (int, error)
}

// TriggerHandler runs detection on demand. The call is idempotent and safe to
// repeat: reprocessing an overlapping window emits nothing new.
type TriggerHandler struct {
	runner     Runner
	defaultVIN string
	logger     *log.Logger
}

// NewTriggerHandler constructs a detection trigger handler.
func NewTriggerHandler(runner Runner, defaultVIN string, logger *log.Logger) (*TriggerHandler, error) {
	if runner == nil {
		return nil, errors.New("detect handler: nil runner")
	}
	if defaultVIN == "" {
		return nil, errors.New("detect handler: empty default vin")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &TriggerHandler{runner: runner, defaultVIN: defaultVIN, logger: logger}, nil
}

// ServeHTTP triggers one detection pass and reports the processed count.
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
		h.logger.Printf("detect trigger: run error: %v", err)
		http.Error(w, "detection failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"processed": processed})
}

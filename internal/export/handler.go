package export

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	session "charge-cloud/internal/session/domain"
)

// Format selects the report output.
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatPDF  Format = "pdf"
)

// Handler serves charge session reports as downloadable files.
type Handler struct {
	store      session.Store
	defaultVIN string
	format     Format
	logger     *log.Logger
}

// NewHandler constructs an export handler for one output format.
func NewHandler(store session.Store, defaultVIN string, format Format, logger *log.Logger) (*Handler, error) {
	if store == nil {
		return nil, errors.New("export handler: nil store")
	}
	if defaultVIN == "" {
		return nil, errors.New("export handler: empty default vin")
	}
	if format != FormatXLSX && format != FormatPDF {
		return nil, fmt.Errorf("export handler: unsupported format %q", format)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{store: store, defaultVIN: defaultVIN, format: format, logger: logger}, nil
}

// ServeHTTP renders the report. The range defaults to the current month and
// accepts RFC 3339 from/to query parameters.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	vin := r.URL.Query().Get("vin")
	if vin == "" {
		vin = h.defaultVIN
	}

	now := time.Now().UTC()
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
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
		h.logger.Printf("export: query error: %v", err)
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}

	sum := Summarize(vin, from, to, sessions)

	var body []byte
	var contentType string
	switch h.format {
	case FormatXLSX:
		body, err = BuildSessionsXLSX(sum, sessions)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case FormatPDF:
		body, err = BuildSessionsPDF(sum, sessions)
		contentType = "application/pdf"
	}
	if err != nil {
		h.logger.Printf("export: render error: %v", err)
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}

	filename := fmt.Sprintf("sessions-%s-%s.%s", vin, from.Format("2006-01"), h.format)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	_, _ = w.Write(body)
}

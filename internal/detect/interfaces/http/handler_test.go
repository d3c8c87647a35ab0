package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubRunner struct {
	processed int
	err       error
	gotVIN    string
}

func (s *stubRunner) Run(_ context.Context, vin string) (int, error) {
	s.gotVIN = vin
	return s.processed, s.err
}

func TestTriggerHandler_RunsWithDefaultVIN(t *testing.T) {
	runner := &stubRunner{processed: 3}
	handler, err := NewTriggerHandler(runner, "vin-default", nil)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/detect", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if runner.gotVIN != "vin-default" {
		t.Fatalf("expected default vin, got %q", runner.gotVIN)
	}
	var body map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["processed"] != 3 {
		t.Fatalf("expected processed 3, got %d", body["processed"])
	}
}

func TestTriggerHandler_VINQueryOverride(t *testing.T) {
	runner := &stubRunner{}
	handler, err := NewTriggerHandler(runner, "vin-default", nil)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/detect?vin=vin-other", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if runner.gotVIN != "vin-other" {
		t.Fatalf("expected query vin, got %q", runner.gotVIN)
	}
}

func TestTriggerHandler_MethodNotAllowed(t *testing.T) {
	handler, err := NewTriggerHandler(&stubRunner{}, "vin-default", nil)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/detect", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.Code)
	}
}

func TestTriggerHandler_RunErrorIs500(t *testing.T) {
	handler, err := NewTriggerHandler(&stubRunner{err: errors.New("db down")}, "vin-default", nil)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/detect", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
}

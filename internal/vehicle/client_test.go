package vehicle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const testVIN = "WVWZZZ1KZ0000001"

func TestStream_DeliversMessagesAndHeartbeats(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/vehicles/"+testVIN+"/events" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token-1" {
			t.Errorf("unexpected auth header %q", got)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte(
			`{"type":"telemetry","vin":"` + testVIN + `","ts":1767261600,"chargingState":"CHARGING"}` + "\n" +
				`{"type":"heartbeat","ts":1767261630}` + "\n" +
				`not json at all` + "\n",
		))
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "token-1")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	out := make(chan Message, 8)
	if err := client.Stream(context.Background(), testVIN, out); err != nil {
		t.Fatalf("stream: %v", err)
	}
	close(out)

	var msgs []Message
	for msg := range out {
		msgs = append(msgs, msg)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}

	if msgs[0].Heartbeat || msgs[0].Malformed {
		t.Fatalf("telemetry message misclassified: %+v", msgs[0])
	}
	want := time.Unix(1767261600, 0).UTC()
	if !msgs[0].Timestamp.Equal(want) {
		t.Fatalf("expected ts %s, got %s", want, msgs[0].Timestamp)
	}

	if !msgs[1].Heartbeat {
		t.Fatalf("expected heartbeat, got %+v", msgs[1])
	}

	if !msgs[2].Malformed {
		t.Fatalf("expected malformed flag, got %+v", msgs[2])
	}
	if string(msgs[2].Payload) != "not json at all" {
		t.Fatalf("malformed payload must be kept verbatim, got %q", msgs[2].Payload)
	}
}

func TestStream_AuthAndConsentErrors(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrAuthRejected},
		{http.StatusForbidden, ErrConsentRequired},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		client, err := NewClient(server.URL, "token-1")
		if err != nil {
			t.Fatalf("new client: %v", err)
		}
		err = client.Stream(context.Background(), testVIN, make(chan Message, 1))
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
		server.Close()
	}
}

func TestStream_MillisecondTimestamps(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"type":"telemetry","ts":1767261600000}` + "\n"))
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	out := make(chan Message, 1)
	if err := client.Stream(context.Background(), testVIN, out); err != nil {
		t.Fatalf("stream: %v", err)
	}
	msg := <-out
	want := time.UnixMilli(1767261600000).UTC()
	if !msg.Timestamp.Equal(want) {
		t.Fatalf("expected %s, got %s", want, msg.Timestamp)
	}
	if msg.VIN != testVIN {
		t.Fatalf("vin must fall back to the requested vehicle, got %q", msg.VIN)
	}
}

func TestListVINs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/vehicles" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"vins":["` + testVIN + `"]}`))
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "token-1")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	vins, err := client.ListVINs(context.Background())
	if err != nil {
		t.Fatalf("list vins: %v", err)
	}
	if len(vins) != 1 || vins[0] != testVIN {
		t.Fatalf("unexpected vins %v", vins)
	}
}

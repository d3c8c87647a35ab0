package vehicle

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Fatal upstream failures. Retrying cannot fix these; they are surfaced to the
// process instead of the reconnect loop.
var (
	ErrAuthRejected    = errors.New("vehicle: authentication rejected")
	ErrConsentRequired = errors.New("vehicle: consent required")
)

// Message is one telemetry message from the push channel. Payload is kept
// verbatim even when structural parsing fails, so downstream stores retain
// forensic value.
type Message struct {
	VIN       string
	Timestamp time.Time
	Heartbeat bool
	Malformed bool
	Payload   []byte
}

// Client is a minimal client for the vehicle telemetry API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the underlying http client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// NewClient constructs a vehicle API client.
func NewClient(baseURL, token string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("vehicle: empty base url")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ListVINs returns the vehicle identifiers visible to the account.
func (c *Client) ListVINs(ctx context.Context) ([]string, error) {
	var resp struct {
		VINs []string `json:"vins"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/vehicles", nil, &resp); err != nil {
		return nil, err
	}
	return resp.VINs, nil
}

// Stream opens the push channel for one vehicle and delivers messages on out
// until ctx is cancelled or the stream breaks. The returned error describes
// why the stream ended; a nil error means the server closed it cleanly.
func (c *Client) Stream(ctx context.Context, vin string, out chan<- Message) error {
	if vin == "" {
		return errors.New("vehicle: empty vin")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/vehicles/"+vin+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/x-ndjson")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	// Streaming request: no client timeout, the caller bounds it via ctx.
	streamClient := &http.Client{Transport: c.client.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		msg := decodeLine(vin, line)
		select {
		case out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return nil
}

func classifyStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return ErrAuthRejected
	case status == http.StatusForbidden:
		return ErrConsentRequired
	case status >= 300:
		return fmt.Errorf("vehicle: http %d", status)
	}
	return nil
}

type wireEvent struct {
	Type string `json:"type"`
	VIN  string `json:"vin"`
	TS   int64  `json:"ts"`
}

func decodeLine(vin string, line []byte) Message {
	payload := make([]byte, len(line))
	copy(payload, line)

	var evt wireEvent
	if err := json.Unmarshal(line, &evt); err != nil {
		return Message{VIN: vin, Timestamp: time.Now().UTC(), Malformed: true, Payload: payload}
	}

	ts, err := parseTimestamp(evt.TS)
	if err != nil {
		ts = time.Now().UTC()
	}
	if evt.VIN != "" {
		vin = evt.VIN
	}
	return Message{
		VIN:       vin,
		Timestamp: ts,
		Heartbeat: evt.Type == "heartbeat",
		Payload:   payload,
	}
}

func parseTimestamp(value int64) (time.Time, error) {
	if value <= 0 {
		return time.Time{}, errors.New("vehicle: invalid ts")
	}
	// Accept milliseconds or seconds.
	if value > 1_000_000_000_000 {
		return time.UnixMilli(value).UTC(), nil
	}
	return time.Unix(value, 0).UTC(), nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reqBody *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(payload)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

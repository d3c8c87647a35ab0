package energidataservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultBaseURL = "https://api.energidataservice.dk"
	// Fixed EUR to DKK conversion used for spot price normalization.
	eurToDKK = 7.45
	// API hour stamps carry no zone suffix.
	hourFormat = "2006-01-02T15:04"
)

// Client fetches day-ahead electricity spot prices from the Danish energy
// data service.
type Client struct {
	baseURL string
	area    string
	client  *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		if base != "" {
			c.baseURL = base
		}
	}
}

// NewClient constructs a spot price client for a price area such as DK2.
func NewClient(area string, opts ...Option) (*Client, error) {
	if area == "" {
		return nil, errors.New("energidataservice: empty price area")
	}
	c := &Client{
		baseURL: defaultBaseURL,
		area:    area,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type elspotResponse struct {
	Records []elspotRecord `json:"records"`
}

type elspotRecord struct {
	HourUTC      string   `json:"HourUTC"`
	PriceArea    string   `json:"PriceArea"`
	SpotPriceEUR *float64 `json:"SpotPriceEUR"`
}

// SpotPrice returns the spot price in DKK per kWh for the hour containing the
// given instant, or nil when the hour has not been published yet.
func (c *Client) SpotPrice(ctx context.Context, at time.Time) (*float64, error) {
	hour := at.UTC().Truncate(time.Hour)

	params := url.Values{}
	params.Set("start", hour.Format(hourFormat))
	params.Set("end", hour.Add(time.Hour).Format(hourFormat))
	params.Set("filter", fmt.Sprintf(`{"PriceArea":["%s"]}`, c.area))

	var resp elspotResponse
	if err := c.doJSON(ctx, "/dataset/Elspotprices?"+params.Encode(), &resp); err != nil {
		return nil, err
	}

	for _, rec := range resp.Records {
		if rec.SpotPriceEUR == nil {
			continue
		}
		price := *rec.SpotPriceEUR * eurToDKK / 1000
		return &price, nil
	}
	return nil, nil
}

func (c *Client) doJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("energidataservice: unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

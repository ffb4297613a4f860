// Package weather exposes the Open-Meteo forecast API as the getWeather tool.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the public Open-Meteo API.
	DefaultBaseURL          = "https://api.open-meteo.com"
	defaultTimeout          = 10 * time.Second
	defaultMaxResponseBytes = int64(1 << 20) // 1MB
)

// Config configures the forecast client.
type Config struct {
	BaseURL          string
	Timeout          time.Duration
	MaxResponseBytes int64
	HTTPClient       *http.Client
}

// Client queries the Open-Meteo forecast endpoint. Requests are not retried.
type Client struct {
	baseURL  string
	client   *http.Client
	maxBytes int64
}

// NewClient creates a forecast client. An empty BaseURL uses DefaultBaseURL.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed == nil || parsed.Host == "" {
		return nil, fmt.Errorf("weather: invalid base_url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("weather: base_url scheme must be http or https")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	maxBytes := cfg.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxResponseBytes
	}
	return &Client{baseURL: baseURL, client: client, maxBytes: maxBytes}, nil
}

// Forecast returns the current temperature, hourly temperatures and daily
// sunrise/sunset for a location, in the location's timezone.
func (c *Client) Forecast(ctx context.Context, latitude, longitude float64) (json.RawMessage, error) {
	query := url.Values{}
	query.Set("latitude", strconv.FormatFloat(latitude, 'f', -1, 64))
	query.Set("longitude", strconv.FormatFloat(longitude, 'f', -1, 64))
	query.Set("current", "temperature_2m")
	query.Set("hourly", "temperature_2m")
	query.Set("daily", "sunrise,sunset")
	query.Set("timezone", "auto")
	return c.getJSON(ctx, c.baseURL+"/v1/forecast?"+query.Encode())
}

func (c *Client) getJSON(ctx context.Context, endpoint string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("weather: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("weather: read response: %w", err)
	}
	if int64(len(data)) > c.maxBytes {
		return nil, fmt.Errorf("weather: response too large")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		var apiErr struct {
			Reason string `json:"reason"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Reason != "" {
			msg = apiErr.Reason
		}
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("weather: http %d: %s", resp.StatusCode, msg)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("weather: response is not valid JSON")
	}
	return json.RawMessage(data), nil
}

// Package fetching retrieves the current vehicle list from the upstream GPS API.
package fetching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultTimeout bounds a single fetch.
	DefaultTimeout = 5 * time.Second

	maxBodyBytes = 32 << 20
	userAgent    = "brt-gps-collector/1.0"
)

var (
	// ErrUpstreamUnavailable covers transport failures and timeouts.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrUpstreamProtocol covers non-2xx responses and unexpected payload shapes.
	ErrUpstreamProtocol = errors.New("upstream protocol error")
)

// envelope is the provider's top-level response. A nil Vehicles means the
// key was absent.
type envelope struct {
	Vehicles *[]json.RawMessage `json:"veiculos"`
}

// Client fetches the vehicle list from a fixed endpoint.
type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient builds a client for url. A non-positive timeout falls back to
// DefaultTimeout.
func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Fetch performs one GET and returns the raw entries of the "veiculos" array.
func (c *Client) Fetch(ctx context.Context) ([]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: http status %d from %s", ErrUpstreamProtocol, resp.StatusCode, c.url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrUpstreamUnavailable, err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %w", ErrUpstreamProtocol, err)
	}
	if env.Vehicles == nil {
		return nil, fmt.Errorf("%w: missing \"veiculos\" key", ErrUpstreamProtocol)
	}
	return *env.Vehicles, nil
}

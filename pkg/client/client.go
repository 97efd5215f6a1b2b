// Package client is a small typed client for the trifle-stats HTTP API.
// It mirrors the tracker surface: track, assert and beam for writes,
// values and scan for reads.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/trifle-io/stats/pkg/bucket"
)

// Config holds client configuration.
type Config struct {
	// BaseURL of the server, e.g. "http://localhost:8080".
	BaseURL string

	// HTTPClient defaults to one with a 10 second timeout.
	HTTPClient *http.Client
}

// Client talks to one trifle-stats server.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the given server.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: cfg.BaseURL, http: httpClient}, nil
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// writeRequest mirrors the server's write payload.
type writeRequest struct {
	Key    string         `json:"key"`
	At     time.Time      `json:"at,omitempty"`
	Values map[string]any `json:"values"`
}

// Track records an increment-merge of values at the given instant.
// A zero at means now, resolved server-side.
func (c *Client) Track(ctx context.Context, key string, at time.Time, values map[string]any) error {
	return c.write(ctx, "/api/v1/track", key, at, values)
}

// Assert records a replace-merge of values at the given instant.
func (c *Client) Assert(ctx context.Context, key string, at time.Time, values map[string]any) error {
	return c.write(ctx, "/api/v1/assert", key, at, values)
}

// Beam replaces the latest-state snapshot for key.
func (c *Client) Beam(ctx context.Context, key string, at time.Time, values map[string]any) error {
	return c.write(ctx, "/api/v1/beam", key, at, values)
}

func (c *Client) write(ctx context.Context, path, key string, at time.Time, values map[string]any) error {
	encoded, err := json.Marshal(writeRequest{Key: key, At: at, Values: values})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// Point is one bucket in a values result.
type Point struct {
	Start  time.Time          `json:"start"`
	Values map[string]float64 `json:"values"`
}

// ValuesResult is the response to a values query.
type ValuesResult struct {
	Key         string   `json:"key"`
	Granularity string   `json:"granularity"`
	Points      []Point  `json:"points"`
	Aggregate   *float64 `json:"aggregate,omitempty"`
}

// ValuesOptions tunes a values query beyond the required range.
type ValuesOptions struct {
	// SkipBlanks omits empty buckets instead of gap-filling.
	SkipBlanks bool

	// Path and Op, when both set, ask the server for an aggregate scalar
	// over the range (sum, mean, min, max or stddev).
	Path string
	Op   string
}

// Values fetches the bucket sequence for key over [from, to].
func (c *Client) Values(ctx context.Context, key string, from, to time.Time, g bucket.Granularity, opts ValuesOptions) (*ValuesResult, error) {
	q := url.Values{}
	q.Set("key", key)
	q.Set("granularity", g.String())
	q.Set("from", from.Format(time.RFC3339))
	q.Set("to", to.Format(time.RFC3339))
	if opts.SkipBlanks {
		q.Set("skip_blanks", strconv.FormatBool(true))
	}
	if opts.Path != "" && opts.Op != "" {
		q.Set("path", opts.Path)
		q.Set("op", opts.Op)
	}

	var result ValuesResult
	if err := c.get(ctx, "/api/v1/values?"+q.Encode(), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ScanResult is the latest beamed state for a key.
type ScanResult struct {
	Key    string         `json:"key"`
	At     time.Time      `json:"at"`
	Values map[string]any `json:"values"`
}

// Scan fetches the latest beamed payload for key. A key that was never
// beamed comes back as an *APIError with status 404.
func (c *Client) Scan(ctx context.Context, key string) (*ScanResult, error) {
	q := url.Values{}
	q.Set("key", key)

	var result ScanResult
	if err := c.get(ctx, "/api/v1/scan?"+q.Encode(), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// StatsResult summarizes the server's stored data.
type StatsResult struct {
	TotalBuckets uint64    `json:"total_buckets"`
	TotalKeys    uint64    `json:"total_keys"`
	SizeBytes    uint64    `json:"size_bytes"`
	OldestBucket time.Time `json:"oldest_bucket"`
	NewestBucket time.Time `json:"newest_bucket"`
}

// Stats fetches storage statistics.
func (c *Client) Stats(ctx context.Context) (*StatsResult, error) {
	var result StatsResult
	if err := c.get(ctx, "/api/v1/stats", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Prune deletes buckets older than the cutoff across all keys.
func (c *Client) Prune(ctx context.Context, before time.Time) error {
	q := url.Values{}
	q.Set("before", before.Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/prune?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// Health reports whether the server considers itself healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/health", &struct{}{})
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil {
		var decoded struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		switch {
		case json.Unmarshal(body, &decoded) == nil && decoded.Message != "":
			apiErr.Message = decoded.Message
		case decoded.Error != "":
			apiErr.Message = decoded.Error
		default:
			apiErr.Message = string(body)
		}
	}
	return apiErr
}

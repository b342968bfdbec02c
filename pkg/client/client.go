// Package client is an HTTP client for the image loader service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tendant/simple-image-loader/pkg/pipeline"
)

// ErrNotFound is returned when the service has no such image or run
var ErrNotFound = errors.New("not found")

// Client is an HTTP client for the image loader service
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new image loader client
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewWithHTTPClient creates a new client with a custom HTTP client
func NewWithHTTPClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

// RunStatus is the state of an enqueued job as reported by the service
type RunStatus struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CacheStats is the service's disk cache usage
type CacheStats struct {
	Entries  int   `json:"entries"`
	Size     int64 `json:"size"`
	MaxSize  int64 `json:"max_size"`
	Reserved int64 `json:"reserved"`
}

// ImageOptions shape the image returned by Image
type ImageOptions struct {
	Width   int
	Height  int
	Force   bool
	Low     bool
	Quality int
}

// Image is a JPEG rendered by the service
type Image struct {
	Data       []byte
	From       string
	SourceType string
}

// Process enqueues an image job
func (c *Client) Process(ctx context.Context, req pipeline.ProcessRequest) (*pipeline.ProcessResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/v1/process", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusAccepted, http.StatusOK); err != nil {
		return nil, err
	}

	var processResp pipeline.ProcessResponse
	if err := json.NewDecoder(resp.Body).Decode(&processResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &processResp, nil
}

// Status returns the state of a job started with Process
func (c *Client) Status(ctx context.Context, runID string) (*RunStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}

	var status RunStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &status, nil
}

// Image loads uri through the service and returns it as JPEG
func (c *Client) Image(ctx context.Context, uri string, opts ImageOptions) (*Image, error) {
	q := url.Values{}
	q.Set("uri", uri)
	if opts.Width > 0 {
		q.Set("width", strconv.Itoa(opts.Width))
	}
	if opts.Height > 0 {
		q.Set("height", strconv.Itoa(opts.Height))
	}
	if opts.Quality > 0 {
		q.Set("quality", strconv.Itoa(opts.Quality))
	}
	if opts.Force {
		q.Set("force", "true")
	}
	if opts.Low {
		q.Set("low", "true")
	}

	resp, err := c.do(ctx, http.MethodGet, "/v1/images?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return &Image{
		Data:       data,
		From:       resp.Header.Get("X-Image-From"),
		SourceType: resp.Header.Get("X-Image-Source-Type"),
	}, nil
}

// CacheStats returns the service's disk cache usage
func (c *Client) CacheStats(ctx context.Context) (*CacheStats, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/cache", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}

	var stats CacheStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &stats, nil
}

// ClearCache empties the service's caches
func (c *Client) ClearCache(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/cache", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, http.StatusNoContent)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func checkStatus(resp *http.Response, want ...int) error {
	for _, code := range want {
		if resp.StatusCode == code {
			return nil
		}
	}
	bodyBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, bytes.TrimSpace(bodyBytes))
	}
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(bodyBytes))
}

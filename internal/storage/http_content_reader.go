package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPContentReader provides read access to content via simple-content HTTP API
type HTTPContentReader struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPContentReader creates a new HTTP-based content reader
func NewHTTPContentReader(baseURL string, client *http.Client) *HTTPContentReader {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPContentReader{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
	}
}

func (cr *HTTPContentReader) downloadURL(contentID string) string {
	return fmt.Sprintf("%s/api/v1/contents/%s/download", cr.baseURL, contentID)
}

// GetReader streams the stored original. The key is a content ID.
func (cr *HTTPContentReader) GetReader(ctx context.Context, contentID string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cr.downloadURL(contentID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := cr.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download content: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, contentID)
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}
}

// Exists reports whether the content API knows the ID
func (cr *HTTPContentReader) Exists(ctx context.Context, key string) (bool, error) {
	url := fmt.Sprintf("%s/api/v1/contents/%s", cr.baseURL, key)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := cr.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to check content: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return true, nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}

	return false, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
}

// GetMetadata reads size and type from the download endpoint headers
func (cr *HTTPContentReader) GetMetadata(ctx context.Context, key string) (*Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, cr.downloadURL(key), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := cr.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metadata: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	default:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return &Metadata{
		Size:        resp.ContentLength,
		ContentType: resp.Header.Get("Content-Type"),
		ETag:        resp.Header.Get("ETag"),
	}, nil
}

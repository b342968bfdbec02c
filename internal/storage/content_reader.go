package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/tendant/simple-content/pkg/simplecontent"
)

// ServiceReader resolves content:// sources against an in-process
// simple-content service. Keys are content IDs.
type ServiceReader struct {
	svc simplecontent.Service
}

func NewServiceReader(svc simplecontent.Service) *ServiceReader {
	return &ServiceReader{svc: svc}
}

func contentID(key string) (uuid.UUID, error) {
	id, err := uuid.Parse(key)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid content ID %q: %w", key, err)
	}
	return id, nil
}

// GetReader streams the stored original
func (r *ServiceReader) GetReader(ctx context.Context, key string) (io.ReadCloser, error) {
	id, err := contentID(key)
	if err != nil {
		return nil, err
	}
	rc, err := r.svc.DownloadContent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("content %s: %w", key, err)
	}
	return rc, nil
}

// Exists reports false for any lookup error; the service has no distinct
// not-found error.
func (r *ServiceReader) Exists(ctx context.Context, key string) (bool, error) {
	id, err := contentID(key)
	if err != nil {
		return false, err
	}
	_, err = r.svc.GetContent(ctx, id)
	return err == nil, nil
}

func (r *ServiceReader) GetMetadata(ctx context.Context, key string) (*Metadata, error) {
	id, err := contentID(key)
	if err != nil {
		return nil, err
	}
	d, err := r.svc.GetContentDetails(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("content %s details: %w", key, err)
	}
	return &Metadata{Size: d.FileSize, ContentType: d.MimeType}, nil
}

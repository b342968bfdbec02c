package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-image-loader/pkg/pipeline"
)

func TestThumbnailRequest(t *testing.T) {
	req := thumbnailRequest("3f1c1d5e-0a6b-4c7d-8e9f-101112131415", 120, 80)
	assert.Equal(t, pipeline.JobThumbnail, req.Job)
	assert.Equal(t, "3f1c1d5e-0a6b-4c7d-8e9f-101112131415", req.ContentID)
	assert.Empty(t, req.URI)
	assert.Equal(t, 120, req.Width)
	assert.Equal(t, 1, req.Versions[pipeline.DerivedTypeThumbnail])

	req = thumbnailRequest("https://example.com/a.png", 0, 0)
	assert.Equal(t, "https://example.com/a.png", req.URI)
	assert.Empty(t, req.ContentID)
}

func TestPrefetchRequest(t *testing.T) {
	req := prefetchRequest("https://example.com/a.png", 3)
	assert.Equal(t, pipeline.JobPrefetch, req.Job)
	assert.Equal(t, "3", req.Metadata["max_attempts"])

	assert.Nil(t, prefetchRequest("https://example.com/a.png", 0).Metadata)
}

func TestNewRequiresDatabase(t *testing.T) {
	_, err := NewClient(context.Background(), Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DBOS_SYSTEM_DATABASE_URL")
}

package workflows

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tendant/simple-image-loader/pkg/imageloader"
	"github.com/tendant/simple-image-loader/pkg/pipeline"
)

func newTestLoader(t *testing.T) (*imageloader.Loader, string) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 600, 400))
	for i := range img.Pix {
		img.Pix[i] = 0xc0
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	body := buf.Bytes()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)

	l, err := imageloader.New(imageloader.Config{DiskCacheSize: 4 << 20},
		imageloader.WithFilesystem(memfs.New()),
		imageloader.WithLogger(zaptest.NewLogger(t)),
		imageloader.WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Close(ctx)
	})
	return l, srv.URL
}

type fakeDerivedWriter struct {
	mu       sync.Mutex
	existing bool
	puts     []map[string]string
	data     [][]byte
}

func (f *fakeDerivedWriter) HasDerived(ctx context.Context, contentID, derivedType string, version int) (bool, error) {
	return f.existing, nil
}

func (f *fakeDerivedWriter) PutDerived(ctx context.Context, contentID, derivedType string, version int, r io.Reader, meta map[string]string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, meta)
	f.data = append(f.data, data)
	return "derived-1", nil
}

func TestPrefetchWorkflow(t *testing.T) {
	l, base := newTestLoader(t)
	runner := NewWorkflowRunner(nil, zaptest.NewLogger(t))
	runner.Register(pipeline.JobPrefetch, NewPrefetchWorkflow(l, zaptest.NewLogger(t)))

	res, err := runner.Run(&WorkflowContext{
		Ctx:     context.Background(),
		Request: pipeline.ProcessRequest{Job: pipeline.JobPrefetch, URI: base + "/a.png"},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "network", res.Outputs["from"])
	assert.Equal(t, 1, l.CacheStats().Entries)

	res, err = runner.Run(&WorkflowContext{
		Ctx:     context.Background(),
		Request: pipeline.ProcessRequest{Job: pipeline.JobPrefetch, URI: base + "/a.png"},
	})
	require.NoError(t, err)
	assert.Equal(t, "disk_cache", res.Outputs["from"])

	res, err = runner.Run(&WorkflowContext{
		Ctx:     context.Background(),
		Request: pipeline.ProcessRequest{Job: pipeline.JobPrefetch, URI: base + "/missing.png"},
	})
	assert.ErrorIs(t, err, ErrStepFailed)
	assert.ErrorIs(t, err, pipeline.ErrDownloadFailed)
	assert.False(t, res.Success)

	_, err = runner.Run(&WorkflowContext{
		Ctx:     context.Background(),
		Request: pipeline.ProcessRequest{Job: pipeline.JobPrefetch},
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestThumbnailWorkflowRendersAndStores(t *testing.T) {
	l, base := newTestLoader(t)
	writer := &fakeDerivedWriter{}
	wf := NewThumbnailWorkflow(l, writer, zaptest.NewLogger(t))

	res, err := wf.Execute(&WorkflowContext{
		Ctx:   context.Background(),
		RunID: "run-1",
		Request: pipeline.ProcessRequest{
			Job:       pipeline.JobThumbnail,
			URI:       base + "/photo.png",
			ContentID: "9f1c1d5e-0000-4000-8000-000000000001",
			Width:     150,
			Height:    150,
			Versions:  map[string]int{pipeline.DerivedTypeThumbnail: 2},
		},
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "derived-1", res.Outputs["derived_id"])
	assert.Equal(t, 150, res.Outputs["width"])
	assert.Equal(t, 100, res.Outputs["height"])

	require.Len(t, writer.puts, 1)
	assert.Equal(t, "thumbnail_v2.jpg", writer.puts[0]["file_name"])
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(writer.data[0]))
	require.NoError(t, err)
	assert.Equal(t, 150, cfg.Width)
}

func TestThumbnailWorkflowSkipsExisting(t *testing.T) {
	l, base := newTestLoader(t)
	writer := &fakeDerivedWriter{existing: true}
	wf := NewThumbnailWorkflow(l, writer, nil)

	res, err := wf.Execute(&WorkflowContext{
		Ctx: context.Background(),
		Request: pipeline.ProcessRequest{
			URI:       base + "/photo.png",
			ContentID: "9f1c1d5e-0000-4000-8000-000000000002",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, true, res.Outputs["skipped"])
	assert.Empty(t, writer.puts)
}

func TestThumbnailWorkflowWithoutWriter(t *testing.T) {
	l, base := newTestLoader(t)
	wf := NewThumbnailWorkflow(l, nil, nil)

	res, err := wf.Execute(&WorkflowContext{
		Ctx:     context.Background(),
		Request: pipeline.ProcessRequest{URI: base + "/photo.png"},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 300, res.Outputs["width"])
	assert.Equal(t, 200, res.Outputs["height"])
	assert.NotContains(t, res.Outputs, "derived_id")
}

func TestThumbnailWorkflowValidation(t *testing.T) {
	l, base := newTestLoader(t)
	wf := NewThumbnailWorkflow(l, nil, nil)

	_, err := wf.Execute(&WorkflowContext{Ctx: context.Background()})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = wf.Execute(&WorkflowContext{
		Ctx: context.Background(),
		Request: pipeline.ProcessRequest{
			URI:      base + "/photo.png",
			Versions: map[string]int{pipeline.DerivedTypeThumbnail: 0},
		},
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	// an unavailable local source is a failed result, not a workflow error
	res, err := wf.Execute(&WorkflowContext{
		Ctx:     context.Background(),
		Request: pipeline.ProcessRequest{URI: "/does/not/exist.png"},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestWorkflowRunnerWithoutRuntime(t *testing.T) {
	runner := NewWorkflowRunner(nil, nil)

	_, err := runner.Run(&WorkflowContext{
		Ctx:     context.Background(),
		Request: pipeline.ProcessRequest{Job: "ocr"},
	})
	assert.ErrorIs(t, err, ErrWorkflowNotFound)

	_, err = runner.RunAsync(context.Background(), pipeline.ProcessRequest{Job: pipeline.JobPrefetch})
	assert.True(t, errors.Is(err, ErrRuntimeUnavailable))

	_, err = runner.GetStatus(context.Background(), "run-1")
	assert.ErrorIs(t, err, ErrRuntimeUnavailable)
}

package workflows

import (
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/tendant/simple-image-loader/pkg/pipeline"
)

// PrefetchWorkflow downloads an image into the disk cache
type PrefetchWorkflow struct {
	loader Loader
	logger *zap.Logger
}

// NewPrefetchWorkflow creates a new prefetch workflow
func NewPrefetchWorkflow(loader Loader, logger *zap.Logger) *PrefetchWorkflow {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrefetchWorkflow{loader: loader, logger: logger}
}

// Name returns the workflow name
func (w *PrefetchWorkflow) Name() string {
	return "PrefetchWorkflow"
}

// Execute runs the prefetch workflow
func (w *PrefetchWorkflow) Execute(wctx *WorkflowContext) (*WorkflowResult, error) {
	log := w.logger.With(zap.String("run_id", wctx.RunID))

	source := sourceURI(&wctx.Request)
	if source == "" {
		log.Warn("validation failed: no uri or content_id")
		return failed(ErrInvalidRequest), fmt.Errorf("%w: uri or content_id is required", ErrInvalidRequest)
	}
	log.Info("starting prefetch workflow", zap.String("uri", source))

	opts := &pipeline.DownloadOptions{
		MaxAttempts: intParam(wctx.Request.Metadata, "max_attempts", 0),
	}
	src, err := w.loader.Fetch(wctx.Ctx, source, opts)
	if err != nil {
		log.Warn("prefetch failed", zap.Error(err))
		return failed(err), fmt.Errorf("%w: fetch: %w", ErrStepFailed, err)
	}

	log.Info("prefetch workflow completed",
		zap.String("from", src.From().String()),
		zap.Int64("bytes", src.Length()))

	return &WorkflowResult{
		Success: true,
		Outputs: map[string]interface{}{
			"uri":   source,
			"from":  src.From().String(),
			"bytes": src.Length(),
		},
	}, nil
}

// sourceURI is the request URI, or the content URI of its content ID
func sourceURI(req *pipeline.ProcessRequest) string {
	if req.URI != "" {
		return req.URI
	}
	if req.ContentID != "" {
		return "content://" + req.ContentID
	}
	return ""
}

// intParam reads a positive integer from metadata
func intParam(meta map[string]string, key string, def int) int {
	if v, ok := meta[key]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

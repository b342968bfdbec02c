package workflows

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"go.uber.org/zap"

	"github.com/tendant/simple-image-loader/internal/decode"
	"github.com/tendant/simple-image-loader/pkg/pipeline"
)

const (
	defaultThumbnailSize    = 300
	defaultThumbnailQuality = 80
)

// DerivedWriter interface for writing derived content
type DerivedWriter interface {
	HasDerived(ctx context.Context, contentID string, derivedType string, derivedVersion int) (bool, error)
	PutDerived(ctx context.Context, contentID string, derivedType string, derivedVersion int, r io.Reader, meta map[string]string) (string, error)
}

// ThumbnailWorkflow loads an image through the loader at thumbnail size and
// stores the JPEG as derived content of its source
type ThumbnailWorkflow struct {
	loader        Loader
	derivedWriter DerivedWriter
	logger        *zap.Logger
}

// NewThumbnailWorkflow creates a new thumbnail generation workflow.
// derivedWriter may be nil, in which case thumbnails are only rendered.
func NewThumbnailWorkflow(loader Loader, derivedWriter DerivedWriter, logger *zap.Logger) *ThumbnailWorkflow {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ThumbnailWorkflow{
		loader:        loader,
		derivedWriter: derivedWriter,
		logger:        logger,
	}
}

// Name returns the workflow name
func (w *ThumbnailWorkflow) Name() string {
	return "ThumbnailWorkflow"
}

// Execute runs the thumbnail generation workflow
func (w *ThumbnailWorkflow) Execute(wctx *WorkflowContext) (*WorkflowResult, error) {
	req := &wctx.Request
	log := w.logger.With(zap.String("run_id", wctx.RunID))

	source := sourceURI(req)
	derivedType := pipeline.DerivedTypeThumbnail
	derivedVersion, err := w.validateRequest(req, source)
	if err != nil {
		log.Warn("validation failed", zap.Error(err))
		return failed(err), err
	}
	log.Info("starting thumbnail workflow",
		zap.String("uri", source),
		zap.String("content_id", req.ContentID))

	store := w.derivedWriter != nil && req.ContentID != ""

	// idempotent on (parent, variant)
	if store {
		hasDerived, err := w.derivedWriter.HasDerived(wctx.Ctx, req.ContentID, derivedType, derivedVersion)
		if err != nil {
			// not fatal, the thumbnail is regenerated
			log.Warn("failed to check derived content", zap.Error(err))
		} else if hasDerived {
			log.Info("derived content already exists, skipping",
				zap.String("derived_type", derivedType),
				zap.Int("version", derivedVersion))
			return &WorkflowResult{
				Success: true,
				Outputs: map[string]interface{}{
					"content_id":   req.ContentID,
					"derived_type": derivedType,
					"version":      derivedVersion,
					"skipped":      true,
				},
			}, nil
		}
	}

	width := req.Width
	if width <= 0 {
		width = intParam(req.Metadata, "width", defaultThumbnailSize)
	}
	height := req.Height
	if height <= 0 {
		height = intParam(req.Metadata, "height", defaultThumbnailSize)
	}
	log.Info("loading source", zap.Int("width", width), zap.Int("height", height))

	res, err := w.loader.LoadImage(wctx.Ctx, source, &pipeline.LoadOptions{
		Resize: &pipeline.Resize{Width: width, Height: height},
	})
	if errors.Is(err, pipeline.ErrSourceUnavailable) {
		log.Warn("source not found", zap.Error(err))
		return failed(err), nil
	}
	if err != nil {
		log.Warn("failed to load source", zap.Error(err))
		return failed(err), fmt.Errorf("%w: load: %w", ErrStepFailed, err)
	}
	defer res.Image.Release()

	actualWidth := res.Image.Width()
	actualHeight := res.Image.Height()
	log.Info("thumbnail generated",
		zap.String("from", res.From.String()),
		zap.Int("width", actualWidth),
		zap.Int("height", actualHeight))

	var buf bytes.Buffer
	quality := intParam(req.Metadata, "quality", defaultThumbnailQuality)
	if err := decode.EncodeJPEG(&buf, res.Image, quality); err != nil {
		log.Warn("failed to encode JPEG", zap.Error(err))
		return failed(err), fmt.Errorf("%w: encode: %w", ErrStepFailed, err)
	}
	size := buf.Len()
	log.Info("thumbnail encoded", zap.Int("bytes", size))

	outputs := map[string]interface{}{
		"uri":    source,
		"from":   res.From.String(),
		"width":  actualWidth,
		"height": actualHeight,
		"bytes":  size,
	}
	if !store {
		log.Info("thumbnail workflow completed")
		return &WorkflowResult{Success: true, Outputs: outputs}, nil
	}

	meta := map[string]string{
		"file_name": fmt.Sprintf("thumbnail_v%d.jpg", derivedVersion),
		"width":     strconv.Itoa(actualWidth),
		"height":    strconv.Itoa(actualHeight),
		"mime_type": "image/jpeg",
	}
	derivedID, err := w.derivedWriter.PutDerived(wctx.Ctx, req.ContentID, derivedType, derivedVersion, &buf, meta)
	if err != nil {
		log.Warn("failed to write derived content", zap.Error(err))
		return failed(err), fmt.Errorf("%w: derived write: %w", ErrStepFailed, err)
	}

	log.Info("thumbnail workflow completed", zap.String("derived_id", derivedID))
	outputs["content_id"] = req.ContentID
	outputs["derived_id"] = derivedID
	outputs["derived_type"] = derivedType
	outputs["version"] = derivedVersion
	return &WorkflowResult{Success: true, Outputs: outputs}, nil
}

// validateRequest returns the thumbnail version to store under
func (w *ThumbnailWorkflow) validateRequest(req *pipeline.ProcessRequest, source string) (int, error) {
	if source == "" {
		return 0, fmt.Errorf("%w: uri or content_id is required", ErrInvalidRequest)
	}

	version, ok := req.Versions[pipeline.DerivedTypeThumbnail]
	if !ok {
		return 1, nil
	}
	if version < 1 {
		return 0, fmt.Errorf("%w: invalid thumbnail version: %d", ErrInvalidRequest, version)
	}
	return version, nil
}

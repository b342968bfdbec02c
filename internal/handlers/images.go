package handlers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/tendant/simple-image-loader/internal/decode"
	"github.com/tendant/simple-image-loader/internal/uri"
	"github.com/tendant/simple-image-loader/pkg/imageloader"
	"github.com/tendant/simple-image-loader/pkg/pipeline"
)

// ImageLoader is the loader surface the HTTP handlers use
type ImageLoader interface {
	LoadImage(ctx context.Context, raw string, opts *pipeline.LoadOptions) (*imageloader.Result, error)
	CacheStats() imageloader.CacheStats
	ClearCache() error
}

// DefaultSchemes are the URI schemes the HTTP surface accepts unless told otherwise
var DefaultSchemes = []pipeline.UriScheme{pipeline.SchemeNet, pipeline.SchemeAsset, pipeline.SchemeContent}

// ImageHandler serves loaded images and the loader's cache
type ImageHandler struct {
	loader  ImageLoader
	logger  *zap.Logger
	schemes map[pipeline.UriScheme]bool
}

// NewImageHandler creates a new image handler that accepts URIs of the given
// schemes, or DefaultSchemes when none are given
func NewImageHandler(loader ImageLoader, logger *zap.Logger, schemes ...pipeline.UriScheme) *ImageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ImageHandler{loader: loader, logger: logger, schemes: schemeSet(schemes)}
}

// AllowedSchemes returns DefaultSchemes, plus SchemeFile when allowFile is set
func AllowedSchemes(allowFile bool) []pipeline.UriScheme {
	schemes := append([]pipeline.UriScheme(nil), DefaultSchemes...)
	if allowFile {
		schemes = append(schemes, pipeline.SchemeFile)
	}
	return schemes
}

func schemeSet(schemes []pipeline.UriScheme) map[pipeline.UriScheme]bool {
	if len(schemes) == 0 {
		schemes = DefaultSchemes
	}
	set := make(map[pipeline.UriScheme]bool, len(schemes))
	for _, s := range schemes {
		set[s] = true
	}
	return set
}

// HandleImage handles GET /v1/images?uri=&width=&height=&force=&low=&quality=
// and responds with the image encoded as JPEG
func (h *ImageHandler) HandleImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	raw := q.Get("uri")
	if raw == "" {
		http.Error(w, "uri is required", http.StatusBadRequest)
		return
	}
	if scheme := (uri.Classifier{}).Classify(raw); !h.schemes[scheme] {
		h.logger.Info("image request rejected", zap.String("uri", raw), zap.Stringer("scheme", scheme))
		http.Error(w, "uri scheme not allowed", http.StatusBadRequest)
		return
	}

	var opts pipeline.LoadOptions
	width, errW := queryInt(q.Get("width"))
	height, errH := queryInt(q.Get("height"))
	quality, errQ := queryInt(q.Get("quality"))
	if errW != nil || errH != nil || errQ != nil || quality > 100 {
		http.Error(w, "width, height and quality must be non-negative integers", http.StatusBadRequest)
		return
	}
	if width > 0 || height > 0 {
		opts.Resize = &pipeline.Resize{Width: width, Height: height}
	}
	opts.ForceUseResize = q.Get("force") == "true"
	opts.LowQualityImage = q.Get("low") == "true"
	if quality == 0 {
		quality = 85
	}

	res, err := h.loader.LoadImage(r.Context(), raw, &opts)
	if err != nil {
		status := loadStatus(err)
		h.logger.Info("image request failed",
			zap.String("uri", raw),
			zap.Int("status", status),
			zap.Error(err))
		http.Error(w, err.Error(), status)
		return
	}
	defer res.Image.Release()

	var buf bytes.Buffer
	if err := decode.EncodeJPEG(&buf, res.Image, quality); err != nil {
		h.logger.Warn("failed to encode image", zap.String("uri", raw), zap.Error(err))
		http.Error(w, "Failed to encode image", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("X-Image-From", res.From.String())
	w.Header().Set("X-Image-Source-Type", res.MimeType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// HandleCache handles GET /v1/cache (stats) and DELETE /v1/cache (clear)
func (h *ImageHandler) HandleCache(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.loader.CacheStats())
	case http.MethodDelete:
		if err := h.loader.ClearCache(); err != nil {
			h.logger.Warn("failed to clear cache", zap.Error(err))
			http.Error(w, "Failed to clear cache", http.StatusInternalServerError)
			return
		}
		h.logger.Info("cache cleared")
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// loadStatus maps a load failure to an HTTP status
func loadStatus(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrSourceUnavailable):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrDownloadFailed):
		return http.StatusBadGateway
	case errors.Is(err, pipeline.ErrDecodeFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrCanceled), errors.Is(err, imageloader.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, strconv.ErrRange
	}
	return n, nil
}

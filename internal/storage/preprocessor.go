package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"go.uber.org/zap"

	"github.com/tendant/simple-image-loader/internal/datasource"
	"github.com/tendant/simple-image-loader/internal/uri"
	"github.com/tendant/simple-image-loader/pkg/pipeline"
)

// Preprocessor resolves FILE, ASSET and CONTENT URIs to data sources.
// Either of Assets and Content may be nil, in which case that scheme is absent.
type Preprocessor struct {
	Assets  *FilesystemStorage
	Content Reader
	Logger  *zap.Logger
}

// IsSpecific implements pipeline.Preprocessor
func (p *Preprocessor) IsSpecific(raw string, scheme pipeline.UriScheme) bool {
	switch scheme {
	case pipeline.SchemeFile, pipeline.SchemeAsset, pipeline.SchemeContent:
		return true
	default:
		return false
	}
}

// Preprocess implements pipeline.Preprocessor. A nil source with a nil
// error means nothing exists for raw.
func (p *Preprocessor) Preprocess(ctx context.Context, raw string, scheme pipeline.UriScheme) (pipeline.DataSource, error) {
	key := uri.Crop(raw, scheme)
	if key == "" {
		return nil, nil
	}

	switch scheme {
	case pipeline.SchemeFile:
		return p.file(key)
	case pipeline.SchemeAsset:
		if p.Assets == nil {
			return nil, nil
		}
		return p.reader(ctx, p.Assets, key, pipeline.FromLocal)
	case pipeline.SchemeContent:
		if p.Content == nil {
			return nil, nil
		}
		return p.reader(ctx, p.Content, key, pipeline.FromLocal)
	default:
		return nil, nil
	}
}

func (p *Preprocessor) file(path string) (pipeline.DataSource, error) {
	src, err := datasource.FromFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return src, nil
}

func (p *Preprocessor) reader(ctx context.Context, r Reader, key string, from pipeline.ImageFrom) (pipeline.DataSource, error) {
	ok, err := r.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to check %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}

	length := int64(-1)
	if mr, ok := r.(ReaderWithMetadata); ok {
		meta, err := mr.GetMetadata(ctx, key)
		switch {
		case err != nil:
			p.logger().Debug("metadata unavailable", zap.String("key", key), zap.Error(err))
		case meta.Size > 0:
			length = meta.Size
		}
	}

	return datasource.FromOpener(func() (io.ReadCloser, error) {
		return r.GetReader(ctx, key)
	}, length, from), nil
}

func (p *Preprocessor) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

var (
	_ pipeline.Preprocessor = (*Preprocessor)(nil)
	_ ReaderWithMetadata    = (*FilesystemStorage)(nil)
	_ ReaderWithMetadata    = (*ServiceReader)(nil)
	_ ReaderWithMetadata    = (*HTTPContentReader)(nil)
)

// Package decode holds the default decoder and processor used by the load phase.
package decode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/gif"
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"  // Register BMP decoder
	_ "golang.org/x/image/tiff" // Register TIFF decoder
	_ "golang.org/x/image/webp" // Register WebP decoder

	"github.com/tendant/simple-image-loader/internal/bitmap"
	"github.com/tendant/simple-image-loader/pkg/pipeline"
)

// sniffLen is the number of leading bytes used for MIME detection
const sniffLen = 3072

// ErrNotImage is returned when the data is not a recognised image type
var ErrNotImage = errors.New("data is not an image")

// Decoder decodes the standard formats plus BMP, TIFF and WebP. GIFs decode
// as animated images.
type Decoder struct {
	pool *bitmap.Pool
}

// NewDecoder creates a Decoder producing images from pool
func NewDecoder(pool *bitmap.Pool) *Decoder {
	if pool == nil {
		pool = bitmap.NewPool()
	}
	return &Decoder{pool: pool}
}

// Decode implements pipeline.Decoder
func (d *Decoder) Decode(ctx context.Context, src pipeline.DataSource, _ *pipeline.LoadOptions) (*pipeline.DecodeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rc, err := src.Open()
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer rc.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(rc, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("read header: %w", err)
	}
	head = head[:n]

	mime := mimetype.Detect(head)
	if !strings.HasPrefix(mime.String(), "image/") {
		return nil, fmt.Errorf("%w: %s", ErrNotImage, mime.String())
	}
	r := io.MultiReader(bytes.NewReader(head), rc)

	if mime.Is("image/gif") {
		g, err := gif.DecodeAll(r)
		if err != nil {
			return nil, fmt.Errorf("decode gif: %w", err)
		}
		if len(g.Image) > 1 {
			return &pipeline.DecodeResult{Image: d.pool.NewAnimated(g), MimeType: mime.String()}, nil
		}
		if len(g.Image) == 0 {
			return nil, fmt.Errorf("decode gif: no frames")
		}
		return &pipeline.DecodeResult{Image: d.pool.NewBitmap(g.Image[0]), MimeType: mime.String()}, nil
	}

	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", mime.String(), err)
	}
	return &pipeline.DecodeResult{Image: d.pool.NewBitmap(img), MimeType: mime.String()}, nil
}

var _ pipeline.Decoder = (*Decoder)(nil)

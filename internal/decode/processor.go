package decode

import (
	"errors"
	"io"

	"github.com/disintegration/imaging"

	"github.com/tendant/simple-image-loader/internal/bitmap"
	"github.com/tendant/simple-image-loader/pkg/pipeline"
)

// ErrRecycled is returned when processing an image that was already released
var ErrRecycled = errors.New("image already recycled")

// Processor resizes decoded images with imaging
type Processor struct {
	pool *bitmap.Pool
}

// NewProcessor creates a Processor producing images from pool
func NewProcessor(pool *bitmap.Pool) *Processor {
	if pool == nil {
		pool = bitmap.NewPool()
	}
	return &Processor{pool: pool}
}

// Process implements pipeline.Processor. It returns img itself when nothing
// needs to change; animated images are never resized.
func (p *Processor) Process(img pipeline.Image, resize *pipeline.Resize, forceResize, lowQuality bool) (pipeline.Image, error) {
	if resize == nil || (resize.Width <= 0 && resize.Height <= 0) {
		return img, nil
	}
	if _, ok := img.(*bitmap.Animated); ok {
		return img, nil
	}
	src := img.Pixels()
	if src == nil {
		return nil, ErrRecycled
	}

	filter := imaging.Lanczos
	if lowQuality {
		filter = imaging.Linear
	}

	b := src.Bounds()
	width, height := resize.Width, resize.Height

	if forceResize {
		if b.Dx() == width && b.Dy() == height {
			return img, nil
		}
		if width <= 0 || height <= 0 {
			// a zero dimension keeps the aspect ratio
			return p.pool.NewBitmap(imaging.Resize(src, width, height, filter)), nil
		}
		return p.pool.NewBitmap(imaging.Fill(src, width, height, imaging.Center, filter)), nil
	}

	if width <= 0 {
		width = b.Dx()
	}
	if height <= 0 {
		height = b.Dy()
	}
	if b.Dx() <= width && b.Dy() <= height {
		return img, nil
	}
	return p.pool.NewBitmap(imaging.Fit(src, width, height, filter)), nil
}

// EncodeJPEG writes img as JPEG at the given quality
func EncodeJPEG(w io.Writer, img pipeline.Image, quality int) error {
	src := img.Pixels()
	if src == nil {
		return ErrRecycled
	}
	return imaging.Encode(w, src, imaging.JPEG, imaging.JPEGQuality(quality))
}

var _ pipeline.Processor = (*Processor)(nil)

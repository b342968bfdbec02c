package pipeline

import (
	"context"
	"image"
	"io"
)

// DataSource is fetched, still-encoded image data awaiting decode.
type DataSource interface {
	// Open returns a fresh reader positioned at the start of the data
	Open() (io.ReadCloser, error)

	// Length returns the size in bytes, or -1 when unknown
	Length() int64

	// From returns the provenance of the data
	From() ImageFrom
}

// Image is a decoded, reference-counted image handle.
//
// A handle has exactly one owner per reference. Whoever holds a reference
// must call Release once it is done with it; after the last Release the
// pixels are returned to the pool that produced them and Recycled reports true.
type Image interface {
	Pixels() image.Image
	Width() int
	Height() int

	// Retain adds a reference. It returns false if the image was already recycled.
	Retain() bool
	Release()
	Recycled() bool
}

// DecodeResult is the output of a Decoder
type DecodeResult struct {
	Image    Image
	MimeType string
}

// Decoder turns encoded bytes into an Image
type Decoder interface {
	Decode(ctx context.Context, src DataSource, opts *LoadOptions) (*DecodeResult, error)
}

// Processor post-processes a decoded image. It may return img unchanged.
type Processor interface {
	Process(img Image, resize *Resize, forceResize, lowQuality bool) (Image, error)
}

// Preprocessor produces data sources for URIs that need special handling
// before decode. A nil DataSource with a nil error means no source exists.
type Preprocessor interface {
	IsSpecific(uri string, scheme UriScheme) bool
	Preprocess(ctx context.Context, uri string, scheme UriScheme) (DataSource, error)
}

// Classifier maps a URI to its scheme
type Classifier interface {
	Classify(uri string) UriScheme
}

// ProgressListener receives download progress on the callback goroutine
type ProgressListener interface {
	OnProgress(total, completed int64)
}

// ProgressFunc adapts a function to ProgressListener
type ProgressFunc func(total, completed int64)

// OnProgress implements ProgressListener
func (f ProgressFunc) OnProgress(total, completed int64) { f(total, completed) }

// DownloadListener receives the terminal callback of a download-only request
type DownloadListener interface {
	OnCompleted(src DataSource)
	OnFailed(cause FailedCause, err error)
	OnCanceled(cause CancelCause)
}

// LoadListener receives the terminal callback of a load request.
// On OnCompleted the listener owns img and must Release it.
type LoadListener interface {
	OnCompleted(img Image, from ImageFrom, mimeType string)
	OnFailed(cause FailedCause, err error)
	OnCanceled(cause CancelCause)
}

package imageloader

import (
	"context"
	"fmt"
	"sync"

	"github.com/tendant/simple-image-loader/internal/request"
	"github.com/tendant/simple-image-loader/pkg/pipeline"
)

// Handle refers to a started request
type Handle struct {
	req *request.Request
}

// ID returns the request identifier
func (h *Handle) ID() string { return h.req.ID() }

// Key returns the resource key
func (h *Handle) Key() string { return h.req.Key() }

// URI returns the requested URI
func (h *Handle) URI() string { return h.req.URI() }

// Status returns the current state
func (h *Handle) Status() pipeline.Status { return h.req.Status() }

// Cancel cancels the request. It returns false once the request has
// reached a terminal state.
func (h *Handle) Cancel() bool { return h.req.Cancel(pipeline.CancelNormal) }

// Done is closed after the terminal callback has run
func (h *Handle) Done() <-chan struct{} { return h.req.Done() }

// Wait blocks until the request has finished, canceling it if ctx ends first
func (h *Handle) Wait(ctx context.Context) {
	select {
	case <-h.req.Done():
	case <-ctx.Done():
		h.Cancel()
		<-h.req.Done()
	}
}

// Result is a decoded image returned by LoadImage. The caller owns Image
// and must Release it.
type Result struct {
	Image    pipeline.Image
	From     pipeline.ImageFrom
	MimeType string
}

// outcome collects the terminal callback of a blocking request
type outcome struct {
	mu       sync.Mutex
	src      pipeline.DataSource
	result   *Result
	cause    pipeline.FailedCause
	err      error
	canceled bool
	reason   pipeline.CancelCause
}

func (o *outcome) OnCompleted(src pipeline.DataSource) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.src = src
}

func (o *outcome) onImage(img pipeline.Image, from pipeline.ImageFrom, mimeType string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.result = &Result{Image: img, From: from, MimeType: mimeType}
}

func (o *outcome) OnFailed(cause pipeline.FailedCause, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cause = cause
	o.err = err
	if o.err == nil {
		o.err = cause.Err()
	}
}

func (o *outcome) OnCanceled(cause pipeline.CancelCause) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.canceled = true
	o.reason = cause
}

func (o *outcome) failure() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.canceled {
		return fmt.Errorf("%w: %s", pipeline.ErrCanceled, o.reason)
	}
	return o.err
}

// loadOutcome adapts outcome to pipeline.LoadListener
type loadOutcome struct{ *outcome }

func (o loadOutcome) OnCompleted(img pipeline.Image, from pipeline.ImageFrom, mimeType string) {
	o.onImage(img, from, mimeType)
}

// Fetch downloads uri into the disk cache and waits for the result.
// A nil opts uses the loader defaults.
func (l *Loader) Fetch(ctx context.Context, raw string, opts *pipeline.DownloadOptions) (pipeline.DataSource, error) {
	var o pipeline.DownloadOptions
	if opts != nil {
		o = *opts
	}
	out := &outcome{}
	h, err := l.Download(ctx, DownloadRequest{URI: raw, Options: o, Listener: out})
	if err != nil {
		return nil, err
	}
	<-h.Done()

	if err := out.failure(); err != nil {
		return nil, err
	}
	return out.src, nil
}

// LoadImage decodes uri and waits for the image. A nil opts uses the
// loader defaults.
func (l *Loader) LoadImage(ctx context.Context, raw string, opts *pipeline.LoadOptions) (*Result, error) {
	var o pipeline.LoadOptions
	if opts != nil {
		o = *opts
	}
	out := &outcome{}
	h, err := l.Load(ctx, LoadRequest{URI: raw, Options: o, Listener: loadOutcome{out}})
	if err != nil {
		return nil, err
	}
	<-h.Done()

	if err := out.failure(); err != nil {
		return nil, err
	}
	return out.result, nil
}

var (
	_ pipeline.DownloadListener = (*outcome)(nil)
	_ pipeline.LoadListener     = loadOutcome{}
)

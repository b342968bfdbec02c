package request

import (
	"errors"
	"fmt"
	"io/fs"

	"go.uber.org/zap"

	"github.com/tendant/simple-image-loader/internal/datasource"
	"github.com/tendant/simple-image-loader/internal/download"
	"github.com/tendant/simple-image-loader/internal/executor"
	"github.com/tendant/simple-image-loader/pkg/pipeline"
)

// Kind distinguishes download-only requests from full loads
type Kind int

const (
	KindDownload Kind = iota
	KindLoad
)

func (k Kind) String() string {
	if k == KindDownload {
		return "download"
	}
	return "load"
}

// handler is the per-kind part of a request
type handler interface {
	kind() Kind
	dispatch(r *Request)
	failed(cause pipeline.FailedCause, err error)
	canceled(cause pipeline.CancelCause)
}

// NewDownload creates a request that only brings the bytes into the disk cache
func NewDownload(env *Env, p Params, l pipeline.DownloadListener) *Request {
	return newRequest(env, p, p.URI, &downloadKind{listener: l})
}

// NewLoad creates a request that produces a decoded image
func NewLoad(env *Env, p Params, l pipeline.LoadListener) *Request {
	return newRequest(env, p, pipeline.RequestKey(p.URI, &p.Options), &loadKind{listener: l})
}

type downloadKind struct {
	listener pipeline.DownloadListener
}

func (k *downloadKind) kind() Kind { return KindDownload }

func (k *downloadKind) dispatch(r *Request) {
	if r.scheme != pipeline.SchemeNet {
		r.fail(pipeline.FailedSourceUnavailable, r.unsupported())
		return
	}
	if entry, ok := r.diskEntry(); ok {
		r.logger.Debug("disk cache hit")
		k.complete(r, datasource.FromEntry(entry, pipeline.FromDiskCache))
		return
	}
	if r.localOnly() {
		return
	}
	r.download(func(res *download.Result) {
		k.complete(r, res.DataSource())
	})
}

func (k *downloadKind) complete(r *Request, src pipeline.DataSource) {
	r.deliver(src.From(), func() {
		if k.listener != nil {
			k.listener.OnCompleted(src)
		}
	}, nil)
}

func (k *downloadKind) failed(cause pipeline.FailedCause, err error) {
	if k.listener != nil {
		k.listener.OnFailed(cause, err)
	}
}

func (k *downloadKind) canceled(cause pipeline.CancelCause) {
	if k.listener != nil {
		k.listener.OnCanceled(cause)
	}
}

type loadKind struct {
	listener  pipeline.LoadListener
	refetched bool
}

func (k *loadKind) kind() Kind { return KindLoad }

func (k *loadKind) dispatch(r *Request) {
	if mem := r.env.MemoryCache; mem != nil && !r.opts.DisableMemoryCache {
		if img, mime, ok := mem.Get(r.key); ok {
			r.logger.Debug("memory cache hit")
			k.complete(r, img, pipeline.FromMemoryCache, mime)
			return
		}
	}

	if r.scheme != pipeline.SchemeNet {
		r.runPhase(executor.PhaseLoad, func() { k.load(r, nil) })
		return
	}
	if entry, ok := r.diskEntry(); ok {
		r.logger.Debug("disk cache hit")
		src := datasource.FromEntry(entry, pipeline.FromDiskCache)
		r.runPhase(executor.PhaseLoad, func() { k.load(r, src) })
		return
	}
	if r.localOnly() {
		return
	}
	r.download(func(res *download.Result) {
		src := res.DataSource()
		r.runPhase(executor.PhaseLoad, func() { k.load(r, src) })
	})
}

// load preprocesses, decodes and processes src, releasing any image it
// produced if the request is canceled along the way
func (k *loadKind) load(r *Request, src pipeline.DataSource) {
	r.setStatus(pipeline.StatusLoading)

	if pre := r.env.Preprocessor; pre != nil && pre.IsSpecific(r.uri, r.scheme) {
		out, err := pre.Preprocess(r.ctx, r.uri, r.scheme)
		if r.canceled.Load() {
			return
		}
		if err != nil {
			r.fail(pipeline.FailedSourceUnavailable, fmt.Errorf("%w: %w", pipeline.ErrSourceUnavailable, err))
			return
		}
		src = out
	}
	if src == nil {
		r.fail(pipeline.FailedSourceUnavailable, fmt.Errorf("%w: no source for %s uri", pipeline.ErrSourceUnavailable, r.scheme))
		return
	}

	res, err := r.env.Decoder.Decode(r.ctx, src, &r.opts)
	if res != nil && res.Image != nil && (err != nil || r.canceled.Load()) {
		res.Image.Release()
	}
	if r.canceled.Load() {
		return
	}
	if err != nil && src.From() == pipeline.FromDiskCache && errors.Is(err, fs.ErrNotExist) {
		k.refetch(r, err)
		return
	}
	if err != nil {
		r.fail(pipeline.FailedDecode, fmt.Errorf("%w: %w", pipeline.ErrDecodeFailed, err))
		return
	}
	if res == nil || res.Image == nil || res.Image.Recycled() {
		r.fail(pipeline.FailedDecode, fmt.Errorf("%w: decoder returned no image", pipeline.ErrDecodeFailed))
		return
	}
	img := res.Image

	processor := r.opts.Processor
	if processor == nil {
		processor = r.env.Processor
	}
	if processor != nil {
		out, err := processor.Process(img, r.opts.Resize, r.opts.ForceUseResize, r.opts.LowQualityImage)
		if err != nil || out == nil {
			img.Release()
			if err == nil {
				err = errors.New("processor returned no image")
			}
			r.fail(pipeline.FailedDecode, fmt.Errorf("%w: %w", pipeline.ErrDecodeFailed, err))
			return
		}
		if out != img {
			img.Release()
			img = out
		}
	}

	if r.canceled.Load() {
		img.Release()
		return
	}
	if img.Recycled() {
		r.fail(pipeline.FailedDecode, fmt.Errorf("%w: image recycled before delivery", pipeline.ErrDecodeFailed))
		return
	}

	if mem := r.env.MemoryCache; mem != nil && !r.opts.DisableMemoryCache {
		mem.Put(r.key, img, res.MimeType)
	}
	r.logger.Debug("image loaded",
		zap.String("from", src.From().String()),
		zap.String("mime_type", res.MimeType),
		zap.Int("width", img.Width()),
		zap.Int("height", img.Height()))
	k.complete(r, img, src.From(), res.MimeType)
}

// refetch treats a disk entry evicted before it was opened as a miss. It
// downloads at most once per request.
func (k *loadKind) refetch(r *Request, err error) {
	if k.refetched || r.scheme != pipeline.SchemeNet {
		r.fail(pipeline.FailedSourceUnavailable, fmt.Errorf("%w: %w", pipeline.ErrSourceUnavailable, err))
		return
	}
	k.refetched = true
	if c := r.env.DiskCache; c != nil {
		c.Forget(r.uri)
	}
	r.logger.Debug("disk cache entry vanished before open", zap.Error(err))
	if r.localOnly() {
		return
	}
	r.download(func(res *download.Result) {
		src := res.DataSource()
		r.runPhase(executor.PhaseLoad, func() { k.load(r, src) })
	})
}

func (k *loadKind) complete(r *Request, img pipeline.Image, from pipeline.ImageFrom, mime string) {
	r.deliver(from, func() {
		if k.listener != nil {
			k.listener.OnCompleted(img, from, mime)
			return
		}
		img.Release()
	}, img.Release)
}

func (k *loadKind) failed(cause pipeline.FailedCause, err error) {
	if k.listener != nil {
		k.listener.OnFailed(cause, err)
	}
}

func (k *loadKind) canceled(cause pipeline.CancelCause) {
	if k.listener != nil {
		k.listener.OnCanceled(cause)
	}
}

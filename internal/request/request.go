// Package request drives a single image request through its phases.
//
// A request runs dispatch, then optionally download, then (for loads) the
// decode phase, each on its own executor pool. Listener callbacks are posted
// to the executor's callback goroutine. Whichever of Cancel and the delivery
// step first flips the finished flag decides the one terminal callback the
// request ever produces.
package request

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tendant/simple-image-loader/internal/diskcache"
	"github.com/tendant/simple-image-loader/internal/download"
	"github.com/tendant/simple-image-loader/internal/executor"
	"github.com/tendant/simple-image-loader/internal/memcache"
	"github.com/tendant/simple-image-loader/internal/metrics"
	"github.com/tendant/simple-image-loader/pkg/pipeline"
)

// Env holds the components shared by every request
type Env struct {
	Executor     *executor.Executor
	Downloader   *download.Downloader
	DiskCache    *diskcache.Cache // optional
	MemoryCache  *memcache.Cache  // optional
	Classifier   pipeline.Classifier
	Decoder      pipeline.Decoder
	Processor    pipeline.Processor    // optional
	Preprocessor pipeline.Preprocessor // optional
	Logger       *zap.Logger
	Metrics      *metrics.Observer
}

// Params describe a request to create
type Params struct {
	Context  context.Context // parent context, defaults to Background
	URI      string
	Options  pipeline.LoadOptions
	Progress pipeline.ProgressListener // optional

	// Sync runs phases on the submitting goroutine. Callbacks are still
	// delivered on the callback goroutine.
	Sync bool

	// OnDone runs on the callback goroutine after the terminal callback
	OnDone func(*Request)
}

// Request is one in-flight download or load
type Request struct {
	id      string
	key     string
	uri     string
	scheme  pipeline.UriScheme
	kind    handler
	env     *Env
	opts    pipeline.LoadOptions
	sync    bool
	logger  *zap.Logger
	started time.Time

	progress pipeline.ProgressListener
	onDone   func(*Request)

	ctx       context.Context
	cancelCtx context.CancelFunc

	status   atomic.Int32
	canceled atomic.Bool
	finished atomic.Bool
	from     atomic.Int32
	done     chan struct{}

	// written once by whichever step wins finished
	cancelCause pipeline.CancelCause
	failCause   pipeline.FailedCause
	err         error
}

func newRequest(env *Env, p Params, key string, h handler) *Request {
	parent := p.Context
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	scheme := pipeline.SchemeUnknown
	if env.Classifier != nil {
		scheme = env.Classifier.Classify(p.URI)
	}

	r := &Request{
		id:        uuid.NewString(),
		key:       key,
		uri:       p.URI,
		scheme:    scheme,
		kind:      h,
		env:       env,
		opts:      p.Options,
		sync:      p.Sync,
		progress:  p.Progress,
		onDone:    p.OnDone,
		ctx:       ctx,
		cancelCtx: cancel,
		done:      make(chan struct{}),
		started:   time.Now(),
	}
	r.from.Store(-1)
	r.logger = env.Logger.With(
		zap.String("request_id", r.id),
		zap.String("kind", h.kind().String()),
		zap.String("uri", p.URI))
	return r
}

// ID returns the request identifier
func (r *Request) ID() string { return r.id }

// Key returns the resource key: the URI plus the canonical option suffix
func (r *Request) Key() string { return r.key }

// URI returns the requested URI
func (r *Request) URI() string { return r.uri }

// Scheme returns the classified URI scheme
func (r *Request) Scheme() pipeline.UriScheme { return r.scheme }

// Kind returns whether this is a download or a load
func (r *Request) Kind() Kind { return r.kind.kind() }

// Status returns the current state
func (r *Request) Status() pipeline.Status { return pipeline.Status(r.status.Load()) }

// Canceled reports whether Cancel won the request
func (r *Request) Canceled() bool { return r.canceled.Load() }

// Done is closed after the terminal callback has run
func (r *Request) Done() <-chan struct{} { return r.done }

// Err returns the failure error once the request has failed
func (r *Request) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Submit starts the request
func (r *Request) Submit() {
	r.setStatus(pipeline.StatusDispatching)
	r.logger.Debug("request submitted", zap.Bool("sync", r.sync))
	r.runPhase(executor.PhaseDispatch, func() { r.kind.dispatch(r) })
}

// Cancel stops the request. It returns false if the request already
// reached a terminal state. Resources held by running phases are released
// when they next check the flag.
func (r *Request) Cancel(cause pipeline.CancelCause) bool {
	if !r.finished.CompareAndSwap(false, true) {
		return false
	}
	r.cancelCause = cause
	r.canceled.Store(true)
	r.status.Store(int32(pipeline.StatusCanceled))
	r.cancelCtx()
	r.logger.Info("request canceled", zap.String("cause", cause.String()))

	r.post(func() {
		r.kind.canceled(cause)
		r.finish("canceled")
	})
	return true
}

// setStatus moves to s unless the request is already terminal
func (r *Request) setStatus(s pipeline.Status) {
	for {
		cur := r.status.Load()
		if pipeline.Status(cur).Terminal() {
			return
		}
		if r.status.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// runPhase runs fn on the pool for phase, or inline for sync requests
func (r *Request) runPhase(phase executor.Phase, fn func()) {
	run := func() {
		if r.canceled.Load() {
			return
		}
		start := time.Now()
		fn()
		r.env.Metrics.ObservePhase(phase.String(), time.Since(start))
	}
	if r.sync {
		run()
		return
	}
	if err := r.env.Executor.Submit(phase, run); err != nil {
		r.logger.Warn("submit phase", zap.String("phase", phase.String()), zap.Error(err))
		r.Cancel(pipeline.CancelShutdown)
	}
}

// post queues a callback. Once the executor is closed callbacks run inline
// so the terminal callback is never lost.
func (r *Request) post(fn func()) {
	if err := r.env.Executor.Post(fn); err != nil {
		fn()
	}
}

// download runs the download phase and hands the result to next
func (r *Request) download(next func(*download.Result)) {
	r.runPhase(executor.PhaseDownload, func() {
		r.setStatus(pipeline.StatusDownloading)
		res, err := r.env.Downloader.Download(r.ctx, download.Request{
			RequestID: r.id,
			URI:       r.uri,
			Options:   r.opts.DownloadOptions,
			Progress:  r.postProgress,
		})
		if r.canceled.Load() {
			return
		}
		if err != nil {
			r.fail(pipeline.FailedDownload, err)
			return
		}
		r.setStatus(pipeline.StatusDownloaded)
		next(res)
	})
}

func (r *Request) postProgress(total, completed int64) {
	if r.progress == nil {
		return
	}
	r.post(func() {
		if r.finished.Load() {
			return
		}
		r.progress.OnProgress(total, completed)
	})
}

// fail delivers one FAILED callback unless something else already finished the request
func (r *Request) fail(cause pipeline.FailedCause, err error) {
	if err == nil {
		err = cause.Err()
	}
	r.logger.Warn("request failed", zap.String("cause", cause.String()), zap.Error(err))

	r.post(func() {
		if !r.finished.CompareAndSwap(false, true) {
			return
		}
		r.failCause = cause
		r.err = err
		r.status.Store(int32(pipeline.StatusFailed))
		r.kind.failed(cause, err)
		r.finish("failed")
	})
}

// deliver posts a completion. If the request was finished first, drop
// releases whatever the completion carried.
func (r *Request) deliver(from pipeline.ImageFrom, send func(), drop func()) {
	r.post(func() {
		if !r.finished.CompareAndSwap(false, true) {
			if drop != nil {
				drop()
			}
			return
		}
		r.from.Store(int32(from))
		r.status.Store(int32(pipeline.StatusCompleted))
		send()
		r.finish("completed")
	})
}

// finish runs on the callback goroutine after the terminal callback
func (r *Request) finish(outcome string) {
	r.cancelCtx()
	from := ""
	if f := r.from.Load(); f >= 0 {
		from = pipeline.ImageFrom(f).String()
	}
	r.env.Metrics.RequestFinished(r.kind.kind().String(), outcome, from)
	r.logger.Debug("request finished",
		zap.String("outcome", outcome),
		zap.String("from", from),
		zap.Duration("duration", time.Since(r.started)))
	close(r.done)
	if r.onDone != nil {
		r.onDone(r)
	}
}

// diskEntry looks the URI up in the disk cache when the request may use it
func (r *Request) diskEntry() (*diskcache.Entry, bool) {
	if r.env.DiskCache == nil || r.opts.DisableDiskCache {
		return nil, false
	}
	return r.env.DiskCache.Get(r.uri)
}

// localOnly cancels the request when it would need the network
func (r *Request) localOnly() bool {
	if r.opts.RequestLevel != pipeline.LevelLocal {
		return false
	}
	r.logger.Debug("download paused by request level")
	r.Cancel(pipeline.CancelPauseDownload)
	return true
}

func (r *Request) unsupported() error {
	return fmt.Errorf("%w: %s scheme cannot be downloaded", pipeline.ErrSourceUnavailable, r.scheme)
}

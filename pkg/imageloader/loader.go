// Package imageloader is the public entry point of the image loader.
//
// A Loader owns the worker pools, the disk and memory caches and the
// download stage. Download and Load start asynchronous requests and return
// a Handle; Fetch and LoadImage block until the request ends.
package imageloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/tendant/simple-image-loader/internal/bitmap"
	"github.com/tendant/simple-image-loader/internal/decode"
	"github.com/tendant/simple-image-loader/internal/diskcache"
	"github.com/tendant/simple-image-loader/internal/download"
	"github.com/tendant/simple-image-loader/internal/executor"
	"github.com/tendant/simple-image-loader/internal/keylock"
	"github.com/tendant/simple-image-loader/internal/memcache"
	"github.com/tendant/simple-image-loader/internal/metrics"
	"github.com/tendant/simple-image-loader/internal/request"
	"github.com/tendant/simple-image-loader/internal/storage"
	"github.com/tendant/simple-image-loader/internal/uri"
	"github.com/tendant/simple-image-loader/pkg/pipeline"
)

var (
	// ErrClosed is returned for requests started after Close
	ErrClosed = errors.New("image loader closed")

	// ErrUnknownOptions is returned when a named option set is not registered
	ErrUnknownOptions = errors.New("unknown load options")
)

// CacheStats is a snapshot of disk cache usage
type CacheStats = diskcache.Stats

// DownloadRequest starts a download-only request
type DownloadRequest struct {
	URI      string
	Options  pipeline.DownloadOptions
	Listener pipeline.DownloadListener
	Progress pipeline.ProgressListener

	// Sync runs the phases on the calling goroutine
	Sync bool
}

// LoadRequest starts a request that produces a decoded image
type LoadRequest struct {
	URI     string
	Options pipeline.LoadOptions

	// OptionsName selects options registered with Options() instead of Options
	OptionsName string

	Listener pipeline.LoadListener
	Progress pipeline.ProgressListener
	Sync     bool
}

// Loader runs image requests
type Loader struct {
	cfg     Config
	env     *request.Env
	exec    *executor.Executor
	disk    *diskcache.Cache
	mem     *memcache.Cache
	pool    *bitmap.Pool
	options *pipeline.OptionsRegistry
	logger  *zap.Logger

	mu       sync.Mutex
	inflight map[string]*tracked
	closed   bool
}

type tracked struct {
	req  *request.Request
	stop func() bool
}

// New builds a Loader and starts its worker pools
func New(cfg Config, opts ...Option) (*Loader, error) {
	cfg = cfg.WithDefaults()
	s := settings{}
	for _, opt := range opts {
		opt(&s)
	}
	logger := s.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	observer, err := metrics.NewObserver(cfg.MetricsNamespace, s.registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	var disk *diskcache.Cache
	if cfg.DiskCacheSize > 0 {
		disk, err = diskcache.Open(diskcache.Config{
			Dir:     cfg.CacheDir,
			MaxSize: cfg.DiskCacheSize,
			FS:      s.fs,
			Logger:  logger.Named("diskcache"),
			Metrics: observer,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open disk cache: %w", err)
		}
	}

	var mem *memcache.Cache
	if cfg.MemoryCacheEntries > 0 {
		if mem, err = memcache.New(cfg.MemoryCacheEntries, observer); err != nil {
			return nil, err
		}
	}

	client := s.client
	switch {
	case client != nil:
	case cfg.DenyPrivateNetworks:
		client = download.PublicOnlyClient(cfg.HTTPTimeout)
	default:
		client = &http.Client{Timeout: cfg.HTTPTimeout}
	}

	pool := bitmap.NewPool()
	decoder := s.decoder
	if decoder == nil {
		decoder = decode.NewDecoder(pool)
	}
	processor := s.processor
	if processor == nil {
		processor = decode.NewProcessor(pool)
	}
	classifier := s.classifier
	if classifier == nil {
		classifier = uri.Classifier{}
	}
	preprocessor := s.preprocessor
	if preprocessor == nil {
		if preprocessor, err = newPreprocessor(cfg, s, client, logger); err != nil {
			return nil, err
		}
	}

	exec := executor.New(executor.Config{
		DispatchWorkers: cfg.DispatchWorkers,
		DownloadWorkers: cfg.DownloadWorkers,
		LoadWorkers:     cfg.LoadWorkers,
		QueueSize:       cfg.QueueSize,
		Logger:          logger.Named("executor"),
	})

	l := &Loader{
		cfg:  cfg,
		exec: exec,
		disk: disk,
		mem:  mem,
		pool: pool,
		env: &request.Env{
			Executor: exec,
			Downloader: download.New(download.Config{
				Client:    client,
				Cache:     disk,
				Locks:     keylock.NewRegistry(),
				Logger:    logger.Named("download"),
				Metrics:   observer,
				Recorder:  s.recorder,
				UserAgent: cfg.UserAgent,

				MaxMemoryBody: cfg.MaxMemoryBody,
			}),
			DiskCache:    disk,
			MemoryCache:  mem,
			Classifier:   classifier,
			Decoder:      decoder,
			Processor:    processor,
			Preprocessor: preprocessor,
			Logger:       logger,
			Metrics:      observer,
		},
		options:  pipeline.NewOptionsRegistry(),
		logger:   logger,
		inflight: make(map[string]*tracked),
	}

	logger.Info("image loader started",
		zap.Int64("disk_cache_size", cfg.DiskCacheSize),
		zap.Int("memory_cache_entries", cfg.MemoryCacheEntries),
		zap.Int("max_attempts", cfg.MaxAttempts))
	return l, nil
}

func newPreprocessor(cfg Config, s settings, client *http.Client, logger *zap.Logger) (pipeline.Preprocessor, error) {
	p := &storage.Preprocessor{Logger: logger.Named("storage")}
	if cfg.AssetsDir != "" {
		assets, err := storage.NewFilesystemStorage(cfg.AssetsDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open assets: %w", err)
		}
		p.Assets = assets
	}
	switch {
	case s.content != nil:
		p.Content = storage.NewServiceReader(s.content)
	case cfg.ContentAPIURL != "":
		p.Content = storage.NewHTTPContentReader(cfg.ContentAPIURL, client)
	}
	return p, nil
}

// Download starts a request that brings uri into the disk cache.
// Canceling ctx cancels the request.
func (l *Loader) Download(ctx context.Context, req DownloadRequest) (*Handle, error) {
	opts := pipeline.LoadOptions{DownloadOptions: req.Options}
	return l.start(ctx, req.URI, opts, req.Progress, req.Sync, func(p request.Params) *request.Request {
		return request.NewDownload(l.env, p, req.Listener)
	})
}

// Load starts a request that decodes uri. Canceling ctx cancels the request.
func (l *Loader) Load(ctx context.Context, req LoadRequest) (*Handle, error) {
	opts := req.Options
	if req.OptionsName != "" {
		named, ok := l.options.Get(req.OptionsName)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownOptions, req.OptionsName)
		}
		opts = named
	}
	return l.start(ctx, req.URI, opts, req.Progress, req.Sync, func(p request.Params) *request.Request {
		return request.NewLoad(l.env, p, req.Listener)
	})
}

func (l *Loader) start(ctx context.Context, raw string, opts pipeline.LoadOptions, progress pipeline.ProgressListener, inline bool, build func(request.Params) *request.Request) (*Handle, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = l.cfg.MaxAttempts
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	r := build(request.Params{
		// cancellation goes through Cancel so the request ends CANCELED
		Context:  context.WithoutCancel(ctx),
		URI:      raw,
		Options:  opts,
		Progress: progress,
		Sync:     inline,
		OnDone:   l.untrack,
	})
	t := &tracked{req: r}
	l.inflight[r.ID()] = t
	t.stop = context.AfterFunc(ctx, func() {
		r.Cancel(pipeline.CancelNormal)
	})
	l.mu.Unlock()

	r.Submit()
	return &Handle{req: r}, nil
}

// untrack runs on the callback goroutine once r has finished
func (l *Loader) untrack(r *request.Request) {
	l.mu.Lock()
	t := l.inflight[r.ID()]
	delete(l.inflight, r.ID())
	l.mu.Unlock()
	if t != nil {
		t.stop()
	}
}

// Options returns the registry of named load options
func (l *Loader) Options() *pipeline.OptionsRegistry {
	return l.options
}

// Inflight returns the number of requests that have not finished
func (l *Loader) Inflight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inflight)
}

// CacheStats returns disk cache usage. It is zero when the disk cache is disabled.
func (l *Loader) CacheStats() CacheStats {
	if l.disk == nil {
		return CacheStats{}
	}
	return l.disk.Stats()
}

// BitmapStats returns decoded image accounting
func (l *Loader) BitmapStats() bitmap.Stats {
	return l.pool.Stats()
}

// Evict drops uri from the disk cache
func (l *Loader) Evict(raw string) bool {
	if l.disk == nil {
		return false
	}
	return l.disk.Remove(raw)
}

// ClearCache empties the disk and memory caches
func (l *Loader) ClearCache() error {
	if l.mem != nil {
		l.mem.Purge()
	}
	if l.disk == nil {
		return nil
	}
	if err := l.disk.Clear(); err != nil {
		return fmt.Errorf("failed to clear disk cache: %w", err)
	}
	return nil
}

// Close cancels in-flight requests with SHUTDOWN and stops the worker pools
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	pending := make([]*request.Request, 0, len(l.inflight))
	for _, t := range l.inflight {
		pending = append(pending, t.req)
	}
	l.mu.Unlock()

	for _, r := range pending {
		r.Cancel(pipeline.CancelShutdown)
	}
	err := l.exec.Shutdown(ctx)
	if l.mem != nil {
		l.mem.Purge()
	}
	l.logger.Info("image loader closed", zap.Int("canceled", len(pending)))
	return err
}

// Package download fetches network resources into the disk cache.
//
// Concurrent downloads of the same key are serialized through a key lock; the
// second caller finds the committed entry when it gets the lock and never
// touches the network.
package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tendant/simple-image-loader/internal/datasource"
	"github.com/tendant/simple-image-loader/internal/diskcache"
	"github.com/tendant/simple-image-loader/internal/keylock"
	"github.com/tendant/simple-image-loader/internal/metrics"
	"github.com/tendant/simple-image-loader/pkg/pipeline"
)

const (
	defaultChunkSize = 32 * 1024

	// largest body preallocated when buffering in memory
	maxPrealloc = 8 << 20

	defaultMaxMemoryBody = 64 << 20
)

// Fetch describes one completed network download
type Fetch struct {
	Key      string
	URI      string
	Bytes    int64
	Attempts int
	Duration time.Duration
	Cached   bool // stored in the disk cache rather than memory
}

// Recorder is told about every successful network fetch
type Recorder interface {
	RecordFetch(ctx context.Context, f Fetch) error
}

// Request is a single download
type Request struct {
	RequestID string
	URI       string
	Key       string // disk cache key, defaults to URI
	Options   pipeline.DownloadOptions

	// Progress is called after every chunk from the downloading goroutine
	Progress func(total, completed int64)
}

// Result is the outcome of a download. Exactly one of Entry and Data is set.
type Result struct {
	Entry       *diskcache.Entry
	Data        []byte
	FromNetwork bool
}

// From returns the provenance of the downloaded bytes
func (r *Result) From() pipeline.ImageFrom {
	if r.FromNetwork {
		return pipeline.FromNetwork
	}
	return pipeline.FromDiskCache
}

// DataSource exposes the result to decoders
func (r *Result) DataSource() pipeline.DataSource {
	if r.Entry != nil {
		return datasource.FromEntry(r.Entry, r.From())
	}
	return datasource.FromBytes(r.Data, r.From())
}

// Config configures a Downloader
type Config struct {
	Client    *http.Client
	Cache     *diskcache.Cache // optional
	Locks     *keylock.Registry
	Logger    *zap.Logger
	Metrics   *metrics.Observer
	Recorder  Recorder // optional
	UserAgent string
	ChunkSize int

	// MaxMemoryBody caps bodies buffered in memory when the disk cache is
	// disabled or has no room. Defaults to 64MiB.
	MaxMemoryBody int64
}

// Downloader runs downloads with per-key locking and timeout retries
type Downloader struct {
	client    *http.Client
	cache     *diskcache.Cache
	locks     *keylock.Registry
	logger    *zap.Logger
	metrics   *metrics.Observer
	recorder  Recorder
	userAgent string
	chunkSize int
	maxMemory int64
}

// New creates a Downloader
func New(cfg Config) *Downloader {
	d := &Downloader{
		client:    cfg.Client,
		cache:     cfg.Cache,
		locks:     cfg.Locks,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		recorder:  cfg.Recorder,
		userAgent: cfg.UserAgent,
		chunkSize: cfg.ChunkSize,
		maxMemory: cfg.MaxMemoryBody,
	}
	if d.client == nil {
		d.client = &http.Client{Timeout: 30 * time.Second}
	}
	if d.locks == nil {
		d.locks = keylock.NewRegistry()
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	if d.chunkSize <= 0 {
		d.chunkSize = defaultChunkSize
	}
	if d.maxMemory <= 0 {
		d.maxMemory = defaultMaxMemoryBody
	}
	return d
}

// Download returns the bytes for req.URI from the disk cache or the network
func (d *Downloader) Download(ctx context.Context, req Request) (*Result, error) {
	key := req.Key
	if key == "" {
		key = req.URI
	}
	logger := d.logger.With(zap.String("request_id", req.RequestID), zap.String("uri", req.URI))
	useDisk := d.cache != nil && !req.Options.DisableDiskCache

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", pipeline.ErrDownloadFailed, err)
	}

	if useDisk {
		if entry, ok := d.cache.Get(key); ok {
			logger.Debug("download skipped, disk cache hit")
			return &Result{Entry: entry}, nil
		}
	}

	lock, err := d.locks.Acquire(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: wait for key lock: %w", pipeline.ErrDownloadFailed, err)
	}
	defer lock.Release()

	// another download of the same key may have finished while we waited
	if useDisk {
		if entry, ok := d.cache.Get(key); ok {
			logger.Debug("download skipped, committed while waiting")
			return &Result{Entry: entry}, nil
		}
	}

	start := time.Now()
	attempts := req.Options.Attempts()
	var lastErr error
	made := 0
	for made < attempts {
		made++
		res, err := d.fetch(ctx, key, req, useDisk)
		if err == nil {
			d.metrics.DownloadAttempt("ok")
			d.record(ctx, logger, key, req.URI, res, made, time.Since(start))
			logger.Info("download completed",
				zap.Int("attempts", made),
				zap.Bool("cached", res.Entry != nil),
				zap.Duration("duration", time.Since(start)))
			return res, nil
		}
		lastErr = err
		if !retryable(ctx, err) {
			d.metrics.DownloadAttempt("error")
			break
		}
		d.metrics.DownloadAttempt("timeout")
		if made < attempts {
			logger.Warn("download timed out, retrying",
				zap.Int("attempt", made),
				zap.Int("max_attempts", attempts),
				zap.Error(err))
		}
	}

	logger.Warn("download failed", zap.Int("attempts", made), zap.Error(lastErr))
	return nil, fmt.Errorf("%w: %s after %d attempt(s): %w", pipeline.ErrDownloadFailed, req.URI, made, lastErr)
}

func (d *Downloader) fetch(ctx context.Context, key string, req Request, useDisk bool) (*Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URI, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if d.userAgent != "" {
		httpReq.Header.Set("User-Agent", d.userAgent)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}
	length := resp.ContentLength
	if length <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrMissingContentLength, length)
	}
	body := io.LimitReader(resp.Body, length)

	if useDisk && d.cache.ApplyForSpace(length) {
		w, err := d.cache.NewWriter(key, length)
		if err != nil {
			return nil, err
		}
		if err := d.copy(w, body, length, req.Progress); err != nil {
			w.Abort()
			return nil, err
		}
		entry, err := w.Commit()
		if err != nil {
			return nil, err
		}
		return &Result{Entry: entry, FromNetwork: true}, nil
	}

	if length > d.maxMemory {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrBodyTooLarge, length, d.maxMemory)
	}
	var buf bytes.Buffer
	buf.Grow(int(min(length, maxPrealloc)))
	if err := d.copy(&buf, body, length, req.Progress); err != nil {
		return nil, err
	}
	return &Result{Data: buf.Bytes(), FromNetwork: true}, nil
}

// copy streams exactly length bytes from r to w, reporting progress per chunk
func (d *Downloader) copy(w io.Writer, r io.Reader, length int64, progress func(total, completed int64)) error {
	chunk := make([]byte, d.chunkSize)
	var done int64
	for done < length {
		n, err := r.Read(chunk)
		if n > 0 {
			if _, werr := w.Write(chunk[:n]); werr != nil {
				return werr
			}
			done += int64(n)
			d.metrics.DownloadBytes(int64(n))
			if progress != nil {
				progress(length, done)
			}
		}
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return err
		}
	}
	if done < length {
		return fmt.Errorf("%w: got %d of %d bytes", ErrShortBody, done, length)
	}
	return nil
}

func (d *Downloader) record(ctx context.Context, logger *zap.Logger, key, uri string, res *Result, attempts int, took time.Duration) {
	if d.recorder == nil {
		return
	}
	size := int64(len(res.Data))
	if res.Entry != nil {
		size = res.Entry.Size
	}
	err := d.recorder.RecordFetch(ctx, Fetch{
		Key:      key,
		URI:      uri,
		Bytes:    size,
		Attempts: attempts,
		Duration: took,
		Cached:   res.Entry != nil,
	})
	if err != nil {
		logger.Warn("record fetch", zap.Error(err))
	}
}

// retryable reports whether err is a timeout worth another attempt
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ErrMissingContentLength) || errors.Is(err, ErrShortBody) ||
		errors.Is(err, ErrUnexpectedStatus) || errors.Is(err, ErrBodyTooLarge) ||
		errors.Is(err, ErrForbiddenAddress) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

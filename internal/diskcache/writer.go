package diskcache

import (
	"fmt"

	"github.com/go-git/go-billy/v5"
	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"
)

// Writer streams one entry into a temp file. Nothing is visible to Get until
// Commit succeeds. Either Commit or Abort must be called.
type Writer struct {
	cache    *Cache
	key      string
	digest   digest.Digest
	file     billy.File
	reserved int64
	written  int64
	closed   bool
	err      error
}

// NewWriter starts a write for key backed by a reservation of reserved bytes
func (c *Cache) NewWriter(key string, reserved int64) (*Writer, error) {
	d := Digest(key)
	f, err := c.fs.TempFile(tmpDir, d.Encoded()[:12]+"-")
	if err != nil {
		c.release(reserved)
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return &Writer{
		cache:    c,
		key:      key,
		digest:   d,
		file:     f,
		reserved: reserved,
	}, nil
}

// Write appends p to the entry. Writing past the reservation fails the writer.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrWriterClosed
	}
	if w.err != nil {
		return 0, w.err
	}
	if w.written+int64(len(p)) > w.reserved {
		w.err = fmt.Errorf("%w: %d bytes reserved", ErrExceedsReservation, w.reserved)
		return 0, w.err
	}
	n, err := w.file.Write(p)
	w.written += int64(n)
	if err != nil {
		w.err = fmt.Errorf("write temp file: %w", err)
		return n, w.err
	}
	return n, nil
}

// Written returns the number of bytes accepted so far
func (w *Writer) Written() int64 {
	return w.written
}

// Commit publishes the entry and consumes the reservation
func (w *Writer) Commit() (*Entry, error) {
	if w.closed {
		return nil, ErrWriterClosed
	}
	if w.err != nil {
		err := w.err
		w.Abort()
		return nil, err
	}
	w.closed = true

	tmpName := w.file.Name()
	if err := w.file.Close(); err != nil {
		w.discard(tmpName)
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	return w.cache.commit(w.key, w.digest, tmpName, w.written, w.reserved)
}

// Abort deletes the temp file and returns the reservation. It is safe to
// call after Commit.
func (w *Writer) Abort() {
	if w.closed {
		return
	}
	w.closed = true

	tmpName := w.file.Name()
	_ = w.file.Close()
	w.discard(tmpName)
}

func (w *Writer) discard(tmpName string) {
	if err := w.cache.fs.Remove(tmpName); err != nil {
		w.cache.logger.Warn("remove temp file", zap.String("path", tmpName), zap.Error(err))
	}
	w.cache.release(w.reserved)
}

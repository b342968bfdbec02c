// Package datasource provides the DataSource implementations handed to decoders.
package datasource

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/tendant/simple-image-loader/internal/diskcache"
	"github.com/tendant/simple-image-loader/pkg/pipeline"
)

// Entry reads a committed disk cache entry
type Entry struct {
	entry *diskcache.Entry
	from  pipeline.ImageFrom
}

// FromEntry wraps a disk cache entry
func FromEntry(e *diskcache.Entry, from pipeline.ImageFrom) *Entry {
	return &Entry{entry: e, from: from}
}

// Open implements pipeline.DataSource
func (s *Entry) Open() (io.ReadCloser, error) { return s.entry.Open() }

// Length implements pipeline.DataSource
func (s *Entry) Length() int64 { return s.entry.Size }

// From implements pipeline.DataSource
func (s *Entry) From() pipeline.ImageFrom { return s.from }

// CacheEntry returns the underlying disk cache entry
func (s *Entry) CacheEntry() *diskcache.Entry { return s.entry }

// Bytes serves data held in memory
type Bytes struct {
	data []byte
	from pipeline.ImageFrom
}

// FromBytes wraps an in-memory buffer. The slice must not be modified afterwards.
func FromBytes(data []byte, from pipeline.ImageFrom) *Bytes {
	return &Bytes{data: data, from: from}
}

// Open implements pipeline.DataSource
func (s *Bytes) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.data)), nil
}

// Length implements pipeline.DataSource
func (s *Bytes) Length() int64 { return int64(len(s.data)) }

// From implements pipeline.DataSource
func (s *Bytes) From() pipeline.ImageFrom { return s.from }

// Data returns the underlying buffer
func (s *Bytes) Data() []byte { return s.data }

// File reads a file from the local filesystem
type File struct {
	path string
	size int64
}

// FromFile stats path and wraps it with LOCAL provenance
func FromFile(path string) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	return &File{path: path, size: info.Size()}, nil
}

// Open implements pipeline.DataSource
func (s *File) Open() (io.ReadCloser, error) { return os.Open(s.path) }

// Length implements pipeline.DataSource
func (s *File) Length() int64 { return s.size }

// From implements pipeline.DataSource
func (s *File) From() pipeline.ImageFrom { return pipeline.FromLocal }

// Path returns the file path
func (s *File) Path() string { return s.path }

// Reader adapts an opener of unknown length, such as a content service download
type Reader struct {
	open   func() (io.ReadCloser, error)
	length int64
	from   pipeline.ImageFrom
}

// FromOpener wraps open. Use -1 for an unknown length.
func FromOpener(open func() (io.ReadCloser, error), length int64, from pipeline.ImageFrom) *Reader {
	return &Reader{open: open, length: length, from: from}
}

// Open implements pipeline.DataSource
func (s *Reader) Open() (io.ReadCloser, error) { return s.open() }

// Length implements pipeline.DataSource
func (s *Reader) Length() int64 { return s.length }

// From implements pipeline.DataSource
func (s *Reader) From() pipeline.ImageFrom { return s.from }

var (
	_ pipeline.DataSource = (*Entry)(nil)
	_ pipeline.DataSource = (*Bytes)(nil)
	_ pipeline.DataSource = (*File)(nil)
	_ pipeline.DataSource = (*Reader)(nil)
)

// Package diskcache stores downloaded image bytes on a billy filesystem.
//
// Entries are named by the sha256 digest of their key and committed through a
// temp file and rename, so readers only ever see complete files. Space is
// reserved before a download starts and least recently used entries are
// evicted synchronously to make room.
package diskcache

import (
	"container/list"
	_ "crypto/sha256"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"github.com/tendant/simple-image-loader/internal/metrics"
)

const tmpDir = ".tmp"

// Config configures a disk cache
type Config struct {
	Dir     string           // used when FS is nil
	MaxSize int64            // capacity in bytes
	FS      billy.Filesystem // optional, defaults to osfs rooted at Dir
	Logger  *zap.Logger
	Metrics *metrics.Observer
}

// Entry is a committed cache file
type Entry struct {
	Key        string
	Digest     digest.Digest
	Path       string
	Size       int64
	AccessedAt time.Time

	fs billy.Filesystem
}

// Open opens the entry for reading
func (e *Entry) Open() (io.ReadCloser, error) {
	f, err := e.fs.Open(e.Path)
	if err != nil {
		return nil, fmt.Errorf("open cache entry %s: %w", e.Digest, err)
	}
	return f, nil
}

// Stats is a snapshot of cache usage
type Stats struct {
	Entries  int   `json:"entries"`
	Size     int64 `json:"size"`
	MaxSize  int64 `json:"max_size"`
	Reserved int64 `json:"reserved"`
}

// Cache is a size-bounded LRU of files
type Cache struct {
	fs      billy.Filesystem
	maxSize int64
	logger  *zap.Logger
	metrics *metrics.Observer

	mu       sync.Mutex
	entries  map[digest.Digest]*list.Element
	lru      *list.List // front is most recently used
	size     int64
	reserved int64
}

// Open opens the cache, rebuilding its index from the files already present
func Open(cfg Config) (*Cache, error) {
	if cfg.MaxSize <= 0 {
		return nil, ErrInvalidSize
	}
	fs := cfg.FS
	if fs == nil {
		if cfg.Dir == "" {
			return nil, fmt.Errorf("disk cache: directory is required")
		}
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
		fs = osfs.New(cfg.Dir)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Cache{
		fs:      fs,
		maxSize: cfg.MaxSize,
		logger:  logger,
		metrics: cfg.Metrics,
		entries: make(map[digest.Digest]*list.Element),
		lru:     list.New(),
	}

	if err := c.fs.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp directory: %w", err)
	}
	c.cleanTemp()
	if err := c.scan(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.evictLocked(c.maxSize)
	c.reportLocked()
	c.mu.Unlock()

	c.logger.Info("disk cache opened",
		zap.Int("entries", c.Len()),
		zap.Int64("size", c.Size()),
		zap.Int64("max_size", c.maxSize))
	return c, nil
}

// cleanTemp removes writes interrupted by a previous process
func (c *Cache) cleanTemp() {
	infos, err := c.fs.ReadDir(tmpDir)
	if err != nil {
		return
	}
	for _, info := range infos {
		name := c.fs.Join(tmpDir, info.Name())
		if err := c.fs.Remove(name); err != nil {
			c.logger.Warn("remove stale temp file", zap.String("path", name), zap.Error(err))
		}
	}
}

func (c *Cache) scan() error {
	infos, err := c.fs.ReadDir(".")
	if err != nil {
		return fmt.Errorf("scan cache directory: %w", err)
	}

	var files []os.FileInfo
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		if digest.NewDigestFromEncoded(digest.SHA256, info.Name()).Validate() != nil {
			continue
		}
		files = append(files, info)
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].ModTime().Before(files[j].ModTime())
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, info := range files {
		e := &Entry{
			Digest:     digest.NewDigestFromEncoded(digest.SHA256, info.Name()),
			Path:       info.Name(),
			Size:       info.Size(),
			AccessedAt: info.ModTime(),
			fs:         c.fs,
		}
		c.entries[e.Digest] = c.lru.PushFront(e)
		c.size += e.Size
	}
	return nil
}

// Digest returns the digest naming the entry for key
func Digest(key string) digest.Digest {
	return digest.FromString(key)
}

// Get returns the committed entry for key and marks it most recently used
func (c *Cache) Get(key string) (*Entry, bool) {
	d := Digest(key)

	c.mu.Lock()
	elem, ok := c.entries[d]
	if !ok {
		c.mu.Unlock()
		c.metrics.DiskCacheLookup(false)
		return nil, false
	}
	c.lru.MoveToFront(elem)
	e := elem.Value.(*Entry)
	e.Key = key
	e.AccessedAt = time.Now()
	snapshot := *e
	c.mu.Unlock()

	c.metrics.DiskCacheLookup(true)
	return &snapshot, true
}

// ApplyForSpace reserves n bytes, evicting entries as needed. It reports
// false when the reservation cannot fit even in an empty cache.
func (c *Cache) ApplyForSpace(n int64) bool {
	if n <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if n > c.maxSize-c.reserved {
		return false
	}
	c.evictLocked(c.maxSize - c.reserved - n)
	if c.size+c.reserved+n > c.maxSize {
		return false
	}
	c.reserved += n
	c.reportLocked()
	return true
}

// ReleaseSpace returns an unused reservation
func (c *Cache) ReleaseSpace(n int64) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reserved -= n
	if c.reserved < 0 {
		c.reserved = 0
	}
}

// Write stores r under key using a reservation obtained from ApplyForSpace.
// The reservation is consumed whether or not the write succeeds.
func (c *Cache) Write(key string, r io.Reader, reserved int64) (*Entry, error) {
	w, err := c.NewWriter(key, reserved)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Abort()
		return nil, err
	}
	return w.Commit()
}

// Remove deletes the entry for key
func (c *Cache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[Digest(key)]
	if !ok {
		return false
	}
	c.removeLocked(elem)
	c.reportLocked()
	return true
}

// Forget drops the index entry for key if its file no longer exists, and
// reports whether it did.
func (c *Cache) Forget(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[Digest(key)]
	if !ok {
		return false
	}
	e := elem.Value.(*Entry)
	if _, err := c.fs.Stat(e.Path); !os.IsNotExist(err) {
		return false
	}
	c.lru.Remove(elem)
	delete(c.entries, e.Digest)
	c.size -= e.Size
	c.reportLocked()
	return true
}

// Clear deletes every committed entry. Outstanding reservations are kept.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		e := elem.Value.(*Entry)
		if err := c.fs.Remove(e.Path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("remove cache entry %s: %w", e.Digest, err)
		}
		c.lru.Remove(elem)
		delete(c.entries, e.Digest)
		c.size -= e.Size
		elem = prev
	}
	c.reportLocked()
	return firstErr
}

// Size returns the committed bytes
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// MaxSize returns the capacity
func (c *Cache) MaxSize() int64 {
	return c.maxSize
}

// Len returns the number of committed entries
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns a usage snapshot
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:  c.lru.Len(),
		Size:     c.size,
		MaxSize:  c.maxSize,
		Reserved: c.reserved,
	}
}

// evictLocked drops least recently used entries until size <= limit
func (c *Cache) evictLocked(limit int64) {
	for c.size > limit {
		elem := c.lru.Back()
		if elem == nil {
			return
		}
		e := elem.Value.(*Entry)
		c.removeLocked(elem)
		c.metrics.DiskCacheEvicted(e.Size)
		c.logger.Debug("evicted cache entry",
			zap.String("digest", e.Digest.String()),
			zap.Int64("size", e.Size))
	}
}

func (c *Cache) removeLocked(elem *list.Element) {
	e := elem.Value.(*Entry)
	if err := c.fs.Remove(e.Path); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("remove cache entry", zap.String("path", e.Path), zap.Error(err))
	}
	c.lru.Remove(elem)
	delete(c.entries, e.Digest)
	c.size -= e.Size
}

func (c *Cache) reportLocked() {
	c.metrics.DiskCacheUsage(c.size, c.lru.Len())
}

// commit publishes a finished temp file under d
func (c *Cache) commit(key string, d digest.Digest, tmpName string, size, reserved int64) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reserved -= reserved
	if c.reserved < 0 {
		c.reserved = 0
	}

	path := d.Encoded()
	if old, ok := c.entries[d]; ok {
		c.removeLocked(old)
	}
	if err := c.fs.Rename(tmpName, path); err != nil {
		_ = c.fs.Remove(tmpName)
		return nil, fmt.Errorf("commit cache entry %s: %w", d, err)
	}

	e := &Entry{
		Key:        key,
		Digest:     d,
		Path:       path,
		Size:       size,
		AccessedAt: time.Now(),
		fs:         c.fs,
	}
	c.entries[d] = c.lru.PushFront(e)
	c.size += size
	c.evictLocked(c.maxSize)
	c.reportLocked()

	snapshot := *e
	return &snapshot, nil
}

func (c *Cache) release(reserved int64) {
	c.ReleaseSpace(reserved)
}

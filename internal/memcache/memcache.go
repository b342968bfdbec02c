// Package memcache keeps recently decoded images keyed by request key.
package memcache

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tendant/simple-image-loader/internal/metrics"
	"github.com/tendant/simple-image-loader/pkg/pipeline"
)

type entry struct {
	img      pipeline.Image
	mimeType string
}

// Cache is a count-bounded LRU of images. It holds its own reference on
// every stored image and releases it on eviction.
type Cache struct {
	lru     *lru.Cache[string, entry]
	metrics *metrics.Observer

	// mu makes replacing a key atomic; lru.Add overwrites without eviction
	mu sync.Mutex
}

// New creates a cache holding at most size images
func New(size int, m *metrics.Observer) (*Cache, error) {
	l, err := lru.NewWithEvict[string, entry](size, func(_ string, e entry) {
		e.img.Release()
	})
	if err != nil {
		return nil, fmt.Errorf("create memory cache: %w", err)
	}
	return &Cache{lru: l, metrics: m}, nil
}

// Get returns a retained image for key with its MIME type. The caller owns
// the returned reference.
func (c *Cache) Get(key string) (pipeline.Image, string, bool) {
	e, ok := c.lru.Get(key)
	if ok && !e.img.Retain() {
		c.drop(key, e.img)
		ok = false
	}
	c.metrics.MemoryCacheLookup(ok)
	if !ok {
		return nil, "", false
	}
	return e.img, e.mimeType, true
}

// Put stores img under key. The cache takes an additional reference, so the
// caller keeps ownership of its own.
func (c *Cache) Put(key string, img pipeline.Image, mimeType string) bool {
	if img == nil || !img.Retain() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
	c.lru.Add(key, entry{img: img, mimeType: mimeType})
	return true
}

// drop removes key only while it still holds img
func (c *Cache) drop(key string, img pipeline.Image) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.lru.Peek(key); ok && cur.img == img {
		c.lru.Remove(key)
	}
}

// Remove drops key and releases the cached reference
func (c *Cache) Remove(key string) bool {
	return c.lru.Remove(key)
}

// Purge releases every cached image
func (c *Cache) Purge() {
	c.lru.Purge()
}

// Len returns the number of cached images
func (c *Cache) Len() int {
	return c.lru.Len()
}

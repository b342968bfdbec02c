package memcache

import (
	"image"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-image-loader/internal/bitmap"
)

func newImage(pool *bitmap.Pool) *bitmap.Bitmap {
	return pool.NewBitmap(image.NewRGBA(image.Rect(0, 0, 1, 1)))
}

func TestCache_PutGet(t *testing.T) {
	pool := bitmap.NewPool()
	c, err := New(2, nil)
	require.NoError(t, err)

	img := newImage(pool)
	require.True(t, c.Put("a", img, "image/png"))
	assert.Equal(t, 2, img.Refs(), "cache holds its own reference")

	got, mime, ok := c.Get("a")
	require.True(t, ok)
	assert.Same(t, img, got)
	assert.Equal(t, "image/png", mime)
	assert.Equal(t, 3, img.Refs(), "Get hands out a retained reference")

	got.Release()
	img.Release()
	assert.False(t, img.Recycled())

	_, _, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestCache_EvictionReleases(t *testing.T) {
	pool := bitmap.NewPool()
	c, err := New(1, nil)
	require.NoError(t, err)

	first := newImage(pool)
	c.Put("a", first, "")
	first.Release()

	second := newImage(pool)
	c.Put("b", second, "")
	second.Release()

	assert.True(t, first.Recycled(), "evicted image is returned to the pool")
	assert.False(t, second.Recycled())
	assert.Equal(t, int64(1), pool.Stats().Reclaimed)

	c.Purge()
	assert.True(t, second.Recycled())
	assert.Equal(t, 0, c.Len())
}

func TestCache_RecycledIsMiss(t *testing.T) {
	pool := bitmap.NewPool()
	c, err := New(4, nil)
	require.NoError(t, err)

	img := newImage(pool)
	img.Release()
	assert.False(t, c.Put("a", img, ""), "recycled images are not cached")

	_, _, ok := c.Get("a")
	assert.False(t, ok)
}

func TestNew_InvalidSize(t *testing.T) {
	_, err := New(0, nil)
	assert.Error(t, err)
}

func TestCache_ConcurrentPutSameKeyReleasesReplaced(t *testing.T) {
	pool := bitmap.NewPool()
	c, err := New(4, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				img := newImage(pool)
				c.Put("same-key", img, "image/png")
				img.Release()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, c.Len())
	c.Purge()
	assert.Zero(t, pool.Stats().Live, "every replaced image is returned to the pool")
}

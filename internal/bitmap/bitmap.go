// Package bitmap provides the reference-counted image handles produced by the
// decode stage and the pool that collects them once released.
package bitmap

import (
	"image"
	"image/gif"
	"sync"
	"sync/atomic"

	"github.com/tendant/simple-image-loader/pkg/pipeline"
)

// Stats is a snapshot of pool accounting
type Stats struct {
	Live      int64 // handles not yet recycled
	Reclaimed int64 // handles returned to the pool
	LiveBytes int64 // estimated pixel bytes held by live handles
}

// Pool creates image handles and reclaims them when their last reference is released
type Pool struct {
	live      atomic.Int64
	reclaimed atomic.Int64
	liveBytes atomic.Int64
}

// NewPool creates an empty pool
func NewPool() *Pool {
	return &Pool{}
}

// NewBitmap wraps a static image. The caller owns the single initial reference.
func (p *Pool) NewBitmap(img image.Image) *Bitmap {
	b := &Bitmap{img: img}
	b.init(p, img.Bounds(), pixelBytes(img.Bounds()))
	return b
}

// NewAnimated wraps a decoded GIF. The caller owns the single initial reference.
func (p *Pool) NewAnimated(g *gif.GIF) *Animated {
	bounds := image.Rect(0, 0, g.Config.Width, g.Config.Height)
	if len(g.Image) > 0 && bounds.Empty() {
		bounds = g.Image[0].Bounds()
	}
	a := &Animated{gif: g}
	a.init(p, bounds, pixelBytes(bounds)*int64(len(g.Image)))
	return a
}

// Stats returns the current accounting
func (p *Pool) Stats() Stats {
	return Stats{
		Live:      p.live.Load(),
		Reclaimed: p.reclaimed.Load(),
		LiveBytes: p.liveBytes.Load(),
	}
}

func (p *Pool) track(size int64) {
	p.live.Add(1)
	p.liveBytes.Add(size)
}

func (p *Pool) reclaim(size int64) {
	p.live.Add(-1)
	p.liveBytes.Add(-size)
	p.reclaimed.Add(1)
}

func pixelBytes(r image.Rectangle) int64 {
	return int64(r.Dx()) * int64(r.Dy()) * 4
}

// handle holds the reference count shared by every image kind
type handle struct {
	mu     sync.Mutex
	refs   int32
	pool   *Pool
	size   int64
	bounds image.Rectangle
	clear  func()
}

func (h *handle) init(pool *Pool, bounds image.Rectangle, size int64) {
	h.refs = 1
	h.pool = pool
	h.size = size
	h.bounds = bounds
	if pool != nil {
		pool.track(size)
	}
}

// Width returns the image width in pixels
func (h *handle) Width() int { return h.bounds.Dx() }

// Height returns the image height in pixels
func (h *handle) Height() int { return h.bounds.Dy() }

// Retain adds a reference unless the image was already recycled
func (h *handle) Retain() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs == 0 {
		return false
	}
	h.refs++
	return true
}

// Release drops one reference and recycles the image on the last one
func (h *handle) Release() {
	h.mu.Lock()
	if h.refs == 0 {
		h.mu.Unlock()
		return
	}
	h.refs--
	last := h.refs == 0
	if last && h.clear != nil {
		h.clear()
	}
	h.mu.Unlock()

	if last && h.pool != nil {
		h.pool.reclaim(h.size)
	}
}

// Recycled reports whether every reference has been released
func (h *handle) Recycled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs == 0
}

// Refs returns the current reference count
func (h *handle) Refs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return int(h.refs)
}

// Bitmap is a static decoded image
type Bitmap struct {
	handle
	img image.Image
}

func (b *Bitmap) init(pool *Pool, bounds image.Rectangle, size int64) {
	b.handle.init(pool, bounds, size)
	b.clear = func() { b.img = nil }
}

// Pixels returns the decoded image, or nil once recycled
func (b *Bitmap) Pixels() image.Image {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.img
}

// Animated is a decoded multi-frame GIF
type Animated struct {
	handle
	gif *gif.GIF
}

func (a *Animated) init(pool *Pool, bounds image.Rectangle, size int64) {
	a.handle.init(pool, bounds, size)
	a.clear = func() { a.gif = nil }
}

// Pixels returns the first frame, or nil once recycled
func (a *Animated) Pixels() image.Image {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gif == nil || len(a.gif.Image) == 0 {
		return nil
	}
	return a.gif.Image[0]
}

// GIF returns the full animation, or nil once recycled
func (a *Animated) GIF() *gif.GIF {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gif
}

// Frames returns the number of frames
func (a *Animated) Frames() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gif == nil {
		return 0
	}
	return len(a.gif.Image)
}

var (
	_ pipeline.Image = (*Bitmap)(nil)
	_ pipeline.Image = (*Animated)(nil)
)

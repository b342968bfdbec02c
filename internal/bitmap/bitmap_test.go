package bitmap

import (
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitmap_ReleaseReturnsToPool(t *testing.T) {
	pool := NewPool()
	b := pool.NewBitmap(image.NewRGBA(image.Rect(0, 0, 10, 20)))

	assert.Equal(t, 10, b.Width())
	assert.Equal(t, 20, b.Height())
	assert.Equal(t, Stats{Live: 1, LiveBytes: 800}, pool.Stats())

	b.Release()

	assert.True(t, b.Recycled())
	assert.Nil(t, b.Pixels())
	assert.Equal(t, Stats{Live: 0, Reclaimed: 1, LiveBytes: 0}, pool.Stats())
}

func TestBitmap_RetainKeepsImageAlive(t *testing.T) {
	pool := NewPool()
	b := pool.NewBitmap(image.NewRGBA(image.Rect(0, 0, 2, 2)))

	assert.True(t, b.Retain())
	assert.Equal(t, 2, b.Refs())

	b.Release()
	assert.False(t, b.Recycled())
	assert.NotNil(t, b.Pixels())

	b.Release()
	assert.True(t, b.Recycled())
	assert.False(t, b.Retain(), "recycled images cannot be retained")

	// extra releases are ignored
	b.Release()
	assert.Equal(t, int64(1), pool.Stats().Reclaimed)
}

func TestAnimated(t *testing.T) {
	pool := NewPool()
	frame := image.NewPaletted(image.Rect(0, 0, 4, 3), palette.Plan9)
	g := &gif.GIF{
		Image:  []*image.Paletted{frame, frame},
		Delay:  []int{5, 5},
		Config: imageConfig(4, 3),
	}

	a := pool.NewAnimated(g)
	assert.Equal(t, 4, a.Width())
	assert.Equal(t, 3, a.Height())
	assert.Equal(t, 2, a.Frames())
	assert.Equal(t, frame, a.Pixels())

	a.Release()
	assert.Nil(t, a.GIF())
	assert.Nil(t, a.Pixels())
	assert.Equal(t, 0, a.Frames())
	assert.Equal(t, int64(0), pool.Stats().Live)
}

func imageConfig(w, h int) image.Config {
	return image.Config{Width: w, Height: h, ColorModel: color.Palette(palette.Plan9)}
}

package decode

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-image-loader/internal/bitmap"
	"github.com/tendant/simple-image-loader/internal/datasource"
	"github.com/tendant/simple-image-loader/pkg/pipeline"
)

func solid(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 10, B: 10, A: 255})
		}
	}
	return img
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solid(w, h)))
	return buf.Bytes()
}

func TestDecoder_PNG(t *testing.T) {
	pool := bitmap.NewPool()
	d := NewDecoder(pool)

	res, err := d.Decode(context.Background(), datasource.FromBytes(pngBytes(t, 12, 7), pipeline.FromNetwork), nil)
	require.NoError(t, err)

	assert.Equal(t, "image/png", res.MimeType)
	assert.Equal(t, 12, res.Image.Width())
	assert.Equal(t, 7, res.Image.Height())
	assert.Equal(t, int64(1), pool.Stats().Live)
	res.Image.Release()
}

func TestDecoder_JPEG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, solid(8, 8), nil))

	res, err := NewDecoder(nil).Decode(context.Background(), datasource.FromBytes(buf.Bytes(), pipeline.FromNetwork), nil)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", res.MimeType)
	assert.Equal(t, 8, res.Image.Width())
}

func TestDecoder_AnimatedGIF(t *testing.T) {
	frame := image.NewPaletted(image.Rect(0, 0, 5, 4), palette.Plan9)
	var buf bytes.Buffer
	require.NoError(t, gif.EncodeAll(&buf, &gif.GIF{
		Image: []*image.Paletted{frame, frame, frame},
		Delay: []int{1, 1, 1},
	}))

	res, err := NewDecoder(nil).Decode(context.Background(), datasource.FromBytes(buf.Bytes(), pipeline.FromNetwork), nil)
	require.NoError(t, err)

	anim, ok := res.Image.(*bitmap.Animated)
	require.True(t, ok, "multi-frame gif decodes as animated")
	assert.Equal(t, 3, anim.Frames())
	assert.Equal(t, "image/gif", res.MimeType)
}

func TestDecoder_RejectsNonImage(t *testing.T) {
	_, err := NewDecoder(nil).Decode(context.Background(),
		datasource.FromBytes([]byte("<html><body>404</body></html>"), pipeline.FromNetwork), nil)
	assert.ErrorIs(t, err, ErrNotImage)
}

func TestDecoder_CorruptImage(t *testing.T) {
	data := pngBytes(t, 4, 4)
	_, err := NewDecoder(nil).Decode(context.Background(),
		datasource.FromBytes(data[:len(data)/2], pipeline.FromNetwork), nil)
	assert.Error(t, err)
}

func TestDecoder_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewDecoder(nil).Decode(ctx, datasource.FromBytes(pngBytes(t, 1, 1), pipeline.FromNetwork), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProcessor(t *testing.T) {
	tests := []struct {
		name     string
		w, h     int
		resize   *pipeline.Resize
		force    bool
		wantSame bool
		wantW    int
		wantH    int
	}{
		{name: "no resize", w: 100, h: 50, resize: nil, wantSame: true, wantW: 100, wantH: 50},
		{name: "already fits", w: 100, h: 50, resize: &pipeline.Resize{Width: 200, Height: 200}, wantSame: true, wantW: 100, wantH: 50},
		{name: "fit keeps aspect", w: 100, h: 50, resize: &pipeline.Resize{Width: 50, Height: 50}, wantW: 50, wantH: 25},
		{name: "fit width only", w: 100, h: 50, resize: &pipeline.Resize{Width: 20}, wantW: 20, wantH: 10},
		{name: "force fills box", w: 100, h: 50, resize: &pipeline.Resize{Width: 30, Height: 30}, force: true, wantW: 30, wantH: 30},
		{name: "force exact size unchanged", w: 30, h: 30, resize: &pipeline.Resize{Width: 30, Height: 30}, force: true, wantSame: true, wantW: 30, wantH: 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := bitmap.NewPool()
			p := NewProcessor(pool)
			in := pool.NewBitmap(solid(tt.w, tt.h))

			out, err := p.Process(in, tt.resize, tt.force, false)
			require.NoError(t, err)

			if tt.wantSame {
				assert.Same(t, in, out)
			} else {
				assert.NotSame(t, in, out)
			}
			assert.Equal(t, tt.wantW, out.Width())
			assert.Equal(t, tt.wantH, out.Height())
		})
	}
}

func TestProcessor_LowQuality(t *testing.T) {
	pool := bitmap.NewPool()
	in := pool.NewBitmap(solid(64, 64))

	out, err := NewProcessor(pool).Process(in, &pipeline.Resize{Width: 16, Height: 16}, false, true)
	require.NoError(t, err)
	assert.Equal(t, 16, out.Width())
}

func TestProcessor_Recycled(t *testing.T) {
	pool := bitmap.NewPool()
	in := pool.NewBitmap(solid(4, 4))
	in.Release()

	_, err := NewProcessor(pool).Process(in, &pipeline.Resize{Width: 2, Height: 2}, false, false)
	assert.ErrorIs(t, err, ErrRecycled)
}

func TestEncodeJPEG(t *testing.T) {
	pool := bitmap.NewPool()
	img := pool.NewBitmap(solid(10, 10))

	var buf bytes.Buffer
	require.NoError(t, EncodeJPEG(&buf, img, 80))

	decoded, err := jpeg.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 10, decoded.Bounds().Dx())
}

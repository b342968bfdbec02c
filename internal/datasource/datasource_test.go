package datasource

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-image-loader/internal/diskcache"
	"github.com/tendant/simple-image-loader/pkg/pipeline"
)

func readAll(t *testing.T, src pipeline.DataSource) []byte {
	t.Helper()
	rc, err := src.Open()
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestFromBytes(t *testing.T) {
	src := FromBytes([]byte("pixels"), pipeline.FromNetwork)
	assert.Equal(t, int64(6), src.Length())
	assert.Equal(t, pipeline.FromNetwork, src.From())
	assert.Equal(t, []byte("pixels"), readAll(t, src))
	// every Open starts from the beginning
	assert.Equal(t, []byte("pixels"), readAll(t, src))
}

func TestFromEntry(t *testing.T) {
	cache, err := diskcache.Open(diskcache.Config{FS: memfs.New(), MaxSize: 64})
	require.NoError(t, err)
	require.True(t, cache.ApplyForSpace(4))
	entry, err := cache.Write("k", bytes.NewReader([]byte("data")), 4)
	require.NoError(t, err)

	src := FromEntry(entry, pipeline.FromDiskCache)
	assert.Equal(t, int64(4), src.Length())
	assert.Equal(t, pipeline.FromDiskCache, src.From())
	assert.Equal(t, []byte("data"), readAll(t, src))
	assert.Same(t, entry, src.CacheEntry())
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.png")
	require.NoError(t, os.WriteFile(path, []byte("local"), 0o644))

	src, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), src.Length())
	assert.Equal(t, pipeline.FromLocal, src.From())
	assert.Equal(t, []byte("local"), readAll(t, src))

	_, err = FromFile(filepath.Join(dir, "missing.png"))
	assert.Error(t, err)

	_, err = FromFile(dir)
	assert.Error(t, err)
}

func TestFromOpener(t *testing.T) {
	src := FromOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader([]byte("remote"))), nil
	}, -1, pipeline.FromLocal)

	assert.Equal(t, int64(-1), src.Length())
	assert.Equal(t, []byte("remote"), readAll(t, src))
}

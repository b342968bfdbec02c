package download

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-image-loader/internal/diskcache"
	"github.com/tendant/simple-image-loader/internal/keylock"
	"github.com/tendant/simple-image-loader/pkg/pipeline"
)

var payload = []byte("\x89PNG not really a png but enough bytes")

func servePayload(hits *atomic.Int32, delay time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write(payload)
	}
}

type fixture struct {
	cache *diskcache.Cache
	locks *keylock.Registry
	dl    *Downloader
}

func newFixture(t *testing.T, maxSize int64, timeout time.Duration) *fixture {
	t.Helper()
	cache, err := diskcache.Open(diskcache.Config{FS: memfs.New(), MaxSize: maxSize})
	require.NoError(t, err)
	locks := keylock.NewRegistry()
	dl := New(Config{
		Client:    &http.Client{Timeout: timeout},
		Cache:     cache,
		Locks:     locks,
		ChunkSize: 8,
	})
	return &fixture{cache: cache, locks: locks, dl: dl}
}

func readResult(t *testing.T, res *Result) []byte {
	t.Helper()
	rc, err := res.DataSource().Open()
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestDownload_WritesDiskCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(servePayload(&hits, 0))
	defer srv.Close()
	f := newFixture(t, 1024, time.Second)

	var progress []int64
	res, err := f.dl.Download(context.Background(), Request{
		URI: srv.URL + "/a.png",
		Progress: func(total, completed int64) {
			assert.Equal(t, int64(len(payload)), total)
			progress = append(progress, completed)
		},
	})
	require.NoError(t, err)

	assert.True(t, res.FromNetwork)
	assert.Equal(t, pipeline.FromNetwork, res.From())
	require.NotNil(t, res.Entry)
	assert.Equal(t, payload, readResult(t, res))
	assert.Equal(t, int64(len(payload)), progress[len(progress)-1])
	assert.Greater(t, len(progress), 1, "progress is reported per chunk")

	// second download is served from the disk cache
	again, err := f.dl.Download(context.Background(), Request{URI: srv.URL + "/a.png"})
	require.NoError(t, err)
	assert.False(t, again.FromNetwork)
	assert.Equal(t, pipeline.FromDiskCache, again.From())
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 0, f.locks.Len())
}

func TestDownload_ConcurrentSameKeyFetchesOnce(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(servePayload(&hits, 50*time.Millisecond))
	defer srv.Close()
	f := newFixture(t, 1024, time.Second)

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.dl.Download(context.Background(), Request{URI: srv.URL + "/same.png"})
			if assert.NoError(t, err) {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
	require.NotNil(t, results[0])
	require.NotNil(t, results[1])
	froms := []pipeline.ImageFrom{results[0].From(), results[1].From()}
	assert.ElementsMatch(t, []pipeline.ImageFrom{pipeline.FromNetwork, pipeline.FromDiskCache}, froms)
}

func TestDownload_RetriesTimeoutsUpToMaxAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(servePayload(&hits, time.Second))
	defer srv.Close()
	f := newFixture(t, 1024, 30*time.Millisecond)

	_, err := f.dl.Download(context.Background(), Request{
		URI:     srv.URL + "/slow.png",
		Options: pipeline.DownloadOptions{MaxAttempts: 3},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrDownloadFailed)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, 0, f.cache.Len())
	assert.Equal(t, 0, f.locks.Len())
}

func TestDownload_DefaultIsSingleAttempt(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(servePayload(&hits, time.Second))
	defer srv.Close()
	f := newFixture(t, 1024, 30*time.Millisecond)

	_, err := f.dl.Download(context.Background(), Request{URI: srv.URL + "/slow.png"})
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestDownload_MissingContentLengthFailsImmediately(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		_, _ = w.Write(payload)
	}))
	defer srv.Close()
	f := newFixture(t, 1024, time.Second)

	_, err := f.dl.Download(context.Background(), Request{
		URI:     srv.URL + "/chunked.png",
		Options: pipeline.DownloadOptions{MaxAttempts: 5},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingContentLength)
	assert.ErrorIs(t, err, pipeline.ErrDownloadFailed)
	assert.Equal(t, int32(1), hits.Load(), "not retried")
	assert.Equal(t, diskcache.Stats{MaxSize: 1024}, f.cache.Stats(), "nothing written or reserved")
}

func TestDownload_ShortBody(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Length", "100")
		_, _ = w.Write([]byte("only ten b"))
	}))
	defer srv.Close()
	f := newFixture(t, 1024, time.Second)

	_, err := f.dl.Download(context.Background(), Request{
		URI:     srv.URL + "/short.png",
		Options: pipeline.DownloadOptions{MaxAttempts: 3},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShortBody)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, diskcache.Stats{MaxSize: 1024}, f.cache.Stats())
}

func TestDownload_UnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	f := newFixture(t, 1024, time.Second)

	_, err := f.dl.Download(context.Background(), Request{
		URI:     srv.URL + "/missing.png",
		Options: pipeline.DownloadOptions{MaxAttempts: 3},
	})
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestDownload_FallsBackToMemory(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(servePayload(&hits, 0))
	defer srv.Close()

	t.Run("no room in disk cache", func(t *testing.T) {
		f := newFixture(t, 8, time.Second)
		res, err := f.dl.Download(context.Background(), Request{URI: srv.URL + "/big.png"})
		require.NoError(t, err)
		assert.Nil(t, res.Entry)
		assert.Equal(t, payload, res.Data)
		assert.Equal(t, 0, f.cache.Len())
	})

	t.Run("disk cache disabled", func(t *testing.T) {
		f := newFixture(t, 1024, time.Second)
		res, err := f.dl.Download(context.Background(), Request{
			URI:     srv.URL + "/nocache.png",
			Options: pipeline.DownloadOptions{DisableDiskCache: true},
		})
		require.NoError(t, err)
		assert.Nil(t, res.Entry)
		assert.Equal(t, payload, readResult(t, res))
		assert.Equal(t, 0, f.cache.Len())
	})
}

func TestDownload_MemoryLimit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(servePayload(&hits, 0))
	defer srv.Close()

	cache, err := diskcache.Open(diskcache.Config{FS: memfs.New(), MaxSize: 8})
	require.NoError(t, err)
	dl := New(Config{
		Client:        &http.Client{Timeout: time.Second},
		Cache:         cache,
		MaxMemoryBody: int64(len(payload)) - 1,
	})

	_, err = dl.Download(context.Background(), Request{
		URI:     srv.URL + "/huge.png",
		Options: pipeline.DownloadOptions{MaxAttempts: 3},
	})
	assert.ErrorIs(t, err, pipeline.ErrDownloadFailed)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
	assert.Equal(t, int32(1), hits.Load(), "not retried")
	assert.Equal(t, 0, cache.Len())
}

func TestPublicOnlyClientRefusesInternalAddresses(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(servePayload(&hits, 0))
	defer srv.Close()

	dl := New(Config{Client: PublicOnlyClient(time.Second)})
	_, err := dl.Download(context.Background(), Request{
		URI:     srv.URL + "/a.png",
		Options: pipeline.DownloadOptions{MaxAttempts: 3},
	})
	assert.ErrorIs(t, err, pipeline.ErrDownloadFailed)
	assert.ErrorIs(t, err, ErrForbiddenAddress)
	assert.Equal(t, int32(0), hits.Load())

	for _, addr := range []string{"127.0.0.1:80", "10.1.2.3:443", "169.254.169.254:80", "[::1]:80", "0.0.0.0:80", "192.168.0.1:8080"} {
		assert.ErrorIs(t, denyPrivate("tcp", addr, nil), ErrForbiddenAddress, addr)
	}
	assert.NoError(t, denyPrivate("tcp", "93.184.216.34:443", nil))
}

func TestDownload_CanceledContext(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(servePayload(&hits, 0))
	defer srv.Close()
	f := newFixture(t, 1024, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.dl.Download(ctx, Request{URI: srv.URL + "/a.png"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), hits.Load())
}

type recorder struct {
	mu      sync.Mutex
	fetches []Fetch
}

func (r *recorder) RecordFetch(_ context.Context, f Fetch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches = append(r.fetches, f)
	return nil
}

func TestDownload_RecordsFetch(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(servePayload(&hits, 0))
	defer srv.Close()

	rec := &recorder{}
	cache, err := diskcache.Open(diskcache.Config{FS: memfs.New(), MaxSize: 1024})
	require.NoError(t, err)
	dl := New(Config{Cache: cache, Recorder: rec})

	_, err = dl.Download(context.Background(), Request{URI: srv.URL + "/a.png", Key: "custom-key"})
	require.NoError(t, err)
	_, err = dl.Download(context.Background(), Request{URI: srv.URL + "/a.png", Key: "custom-key"})
	require.NoError(t, err)

	require.Len(t, rec.fetches, 1, "cache hits are not recorded")
	assert.Equal(t, "custom-key", rec.fetches[0].Key)
	assert.Equal(t, int64(len(payload)), rec.fetches[0].Bytes)
	assert.Equal(t, 1, rec.fetches[0].Attempts)
	assert.True(t, rec.fetches[0].Cached)
}

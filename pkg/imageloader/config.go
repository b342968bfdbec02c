package imageloader

import (
	"os"
	"path/filepath"
	"time"

	"github.com/tendant/simple-image-loader/internal/config"
)

// Config sizes the loader. Zero values take defaults.
type Config struct {
	// CacheDir holds the disk cache. Ignored when a filesystem is injected.
	CacheDir string

	// DiskCacheSize is the disk cache capacity in bytes. Negative disables the disk cache.
	DiskCacheSize int64

	// MemoryCacheEntries bounds the decoded image cache. Negative disables it.
	MemoryCacheEntries int

	DispatchWorkers int
	DownloadWorkers int
	LoadWorkers     int
	QueueSize       int

	// HTTPTimeout bounds one download attempt
	HTTPTimeout time.Duration

	// MaxAttempts applies to requests that leave DownloadOptions.MaxAttempts unset
	MaxAttempts int

	// AssetsDir serves asset:// URIs
	AssetsDir string

	// ContentAPIURL serves content:// URIs through the simple-content HTTP API
	ContentAPIURL string

	// DenyPrivateNetworks refuses downloads from loopback, private and
	// link-local addresses. Ignored when an HTTP client is injected.
	DenyPrivateNetworks bool

	// MaxMemoryBody caps downloads buffered in memory. Defaults to 64MiB.
	MaxMemoryBody int64

	UserAgent        string
	MetricsNamespace string
}

// WithDefaults fills in default values for optional fields
func (c Config) WithDefaults() Config {
	if c.CacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			base = os.TempDir()
		}
		c.CacheDir = filepath.Join(base, "simple-image-loader")
	}
	if c.DiskCacheSize == 0 {
		c.DiskCacheSize = 256 << 20
	}
	if c.MemoryCacheEntries == 0 {
		c.MemoryCacheEntries = 64
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.UserAgent == "" {
		c.UserAgent = "simple-image-loader/1.0"
	}
	return c
}

// FromConfig maps environment settings onto a loader Config
func FromConfig(c config.Config) Config {
	return Config{
		CacheDir:           c.CacheDir,
		DiskCacheSize:      c.DiskCacheSize,
		MemoryCacheEntries: c.MemoryCacheEntries,
		DispatchWorkers:    c.DispatchWorkers,
		DownloadWorkers:    c.DownloadWorkers,
		LoadWorkers:        c.LoadWorkers,
		HTTPTimeout:        c.HTTPTimeout,
		MaxAttempts:        c.MaxAttempts,
		AssetsDir:          c.AssetsDir,
		ContentAPIURL:      c.ContentAPIURL,
		MaxMemoryBody:      c.MaxMemoryBody,
	}
}

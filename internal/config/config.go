// Package config loads loader and service settings from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/joho/godotenv"
)

// Config holds settings shared by the CLI, the HTTP service and the worker
type Config struct {
	// CacheDir is the disk cache directory. Defaults to <user cache dir>/simple-image-loader
	CacheDir string

	// DiskCacheSize is the disk cache capacity in bytes. Defaults to 256MB
	DiskCacheSize int64

	// MemoryCacheEntries bounds the decoded image cache. 0 means the default, -1 disables it
	MemoryCacheEntries int

	DispatchWorkers int
	DownloadWorkers int
	LoadWorkers     int

	// HTTPTimeout bounds a single download attempt. Defaults to 30s
	HTTPTimeout time.Duration

	// MaxAttempts is the default number of download attempts. Defaults to 1
	MaxAttempts int

	// AssetsDir resolves asset:// URIs. Empty disables them
	AssetsDir string

	LogLevel       string
	LogDevelopment bool

	// HTTPAddr is the listen address of the HTTP service
	HTTPAddr string

	// HTTPAllowFile lets GET /v1/images read file:// URIs and absolute paths
	HTTPAllowFile bool

	// AllowPrivateNetworks lets the HTTP service and the worker download from
	// loopback, private and link-local addresses
	AllowPrivateNetworks bool

	// MaxMemoryBody caps downloads buffered in memory. Defaults to 64MB
	MaxMemoryBody int64

	// ContentAPIURL resolves content:// URIs through the simple-content HTTP API
	ContentAPIURL string

	// LedgerDatabaseURL enables the Postgres fetch ledger
	LedgerDatabaseURL string

	// DBOS settings for the durable job queue
	DBOSDatabaseURL   string
	DBOSQueueName     string
	DBOSAppVersion    string
	WorkerConcurrency int
}

// Load reads an optional .env file, then the environment.
// Missing .env files are ignored.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return Config{}, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv and applies defaults
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Config{
		CacheDir:          getenv("IMAGELOADER_CACHE_DIR"),
		AssetsDir:         getenv("IMAGELOADER_ASSETS_DIR"),
		LogLevel:          getenv("IMAGELOADER_LOG_LEVEL"),
		HTTPAddr:          getenv("HTTP_ADDR"),
		ContentAPIURL:     getenv("CONTENT_API_URL"),
		LedgerDatabaseURL: getenv("LEDGER_DATABASE_URL"),
		DBOSDatabaseURL:   getenv("DBOS_SYSTEM_DATABASE_URL"),
		DBOSQueueName:     getenv("DBOS_QUEUE_NAME"),
		DBOSAppVersion:    getenv("DBOS_APPLICATION_VERSION"),
	}

	var err error
	if v := getenv("IMAGELOADER_DISK_CACHE_SIZE"); v != "" {
		if cfg.DiskCacheSize, err = units.RAMInBytes(v); err != nil {
			return Config{}, fmt.Errorf("invalid IMAGELOADER_DISK_CACHE_SIZE %q: %w", v, err)
		}
	}
	if v := getenv("IMAGELOADER_MAX_MEMORY_BODY"); v != "" {
		if cfg.MaxMemoryBody, err = units.RAMInBytes(v); err != nil {
			return Config{}, fmt.Errorf("invalid IMAGELOADER_MAX_MEMORY_BODY %q: %w", v, err)
		}
	}
	if v := getenv("IMAGELOADER_HTTP_TIMEOUT"); v != "" {
		if cfg.HTTPTimeout, err = time.ParseDuration(v); err != nil {
			return Config{}, fmt.Errorf("invalid IMAGELOADER_HTTP_TIMEOUT %q: %w", v, err)
		}
	}

	bools := []struct {
		name string
		dst  *bool
	}{
		{"IMAGELOADER_LOG_DEVELOPMENT", &cfg.LogDevelopment},
		{"IMAGELOADER_HTTP_ALLOW_FILE", &cfg.HTTPAllowFile},
		{"IMAGELOADER_ALLOW_PRIVATE_NETWORKS", &cfg.AllowPrivateNetworks},
	}
	for _, b := range bools {
		v := getenv(b.name)
		if v == "" {
			continue
		}
		if *b.dst, err = strconv.ParseBool(v); err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", b.name, v, err)
		}
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"IMAGELOADER_MEMORY_CACHE_ENTRIES", &cfg.MemoryCacheEntries},
		{"IMAGELOADER_DISPATCH_WORKERS", &cfg.DispatchWorkers},
		{"IMAGELOADER_DOWNLOAD_WORKERS", &cfg.DownloadWorkers},
		{"IMAGELOADER_LOAD_WORKERS", &cfg.LoadWorkers},
		{"IMAGELOADER_MAX_ATTEMPTS", &cfg.MaxAttempts},
		{"WORKER_CONCURRENCY", &cfg.WorkerConcurrency},
	}
	for _, i := range ints {
		v := getenv(i.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", i.name, v, err)
		}
		*i.dst = n
	}

	cfg.WithDefaults()
	return cfg, nil
}

// WithDefaults fills in default values for optional fields
func (c *Config) WithDefaults() {
	if c.CacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			base = os.TempDir()
		}
		c.CacheDir = filepath.Join(base, "simple-image-loader")
	}
	if c.DiskCacheSize <= 0 {
		c.DiskCacheSize = 256 * units.MiB
	}
	if c.MemoryCacheEntries == 0 {
		c.MemoryCacheEntries = 64
	}
	if c.DispatchWorkers <= 0 {
		c.DispatchWorkers = 1
	}
	if c.DownloadWorkers <= 0 {
		c.DownloadWorkers = 3
	}
	if c.LoadWorkers <= 0 {
		c.LoadWorkers = 2
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	if c.MaxMemoryBody <= 0 {
		c.MaxMemoryBody = 64 * units.MiB
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.DBOSQueueName == "" {
		c.DBOSQueueName = "image-loader"
	}
	if c.WorkerConcurrency <= 0 {
		c.WorkerConcurrency = 4
	}
}

// DiskCacheSizeString renders the disk cache capacity for humans
func (c Config) DiskCacheSizeString() string {
	return units.BytesSize(float64(c.DiskCacheSize))
}

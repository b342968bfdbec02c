package pipeline

import (
	"fmt"
	"strings"
	"sync"
)

// Resize is the target bounding box for post-processing
type Resize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DownloadOptions control the download stage
type DownloadOptions struct {
	// DisableDiskCache keeps downloaded bytes in memory only
	DisableDiskCache bool

	// MaxAttempts is the total number of network attempts when attempts time out.
	// Values below 1 mean a single attempt (no retry).
	MaxAttempts int

	// RequestLevel limits how far the request may go. Defaults to LevelNet.
	RequestLevel RequestLevel
}

// Attempts returns the effective number of network attempts
func (o DownloadOptions) Attempts() int {
	if o.MaxAttempts < 1 {
		return 1
	}
	return o.MaxAttempts
}

// LoadOptions control the whole load pipeline
type LoadOptions struct {
	DownloadOptions

	// Resize, when set, is passed to the processor
	Resize *Resize

	// ForceUseResize makes the output exactly Resize, cropping as needed
	ForceUseResize bool

	// LowQualityImage trades quality for speed in processing
	LowQualityImage bool

	// DisableMemoryCache skips the decoded-image cache for this request
	DisableMemoryCache bool

	// Processor overrides the loader's processor for this request
	Processor Processor
}

// KeySuffix returns a canonical suffix describing the options that change the
// decoded output. Two requests for the same URI share a cache entry only if
// their suffixes match.
func (o *LoadOptions) KeySuffix() string {
	if o == nil {
		return ""
	}
	var b strings.Builder
	if o.Resize != nil {
		fmt.Fprintf(&b, "_resize(%dx%d)", o.Resize.Width, o.Resize.Height)
	}
	if o.ForceUseResize {
		b.WriteString("_forceResize")
	}
	if o.LowQualityImage {
		b.WriteString("_lowQuality")
	}
	if o.Processor != nil {
		fmt.Fprintf(&b, "_processor(%T)", o.Processor)
	}
	return b.String()
}

// RequestKey derives the stable resource key for uri loaded with opts
func RequestKey(uri string, opts *LoadOptions) string {
	return uri + opts.KeySuffix()
}

// OptionsRegistry holds named LoadOptions keyed by caller-defined identifiers
type OptionsRegistry struct {
	mu      sync.RWMutex
	entries map[string]LoadOptions
}

// NewOptionsRegistry creates an empty registry
func NewOptionsRegistry() *OptionsRegistry {
	return &OptionsRegistry{
		entries: make(map[string]LoadOptions),
	}
}

// Put registers opts under name, replacing any previous value
func (r *OptionsRegistry) Put(name string, opts LoadOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = opts
}

// Get returns the options registered under name
func (r *OptionsRegistry) Get(name string) (LoadOptions, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	opts, ok := r.entries[name]
	return opts, ok
}

// Delete removes name from the registry
func (r *OptionsRegistry) Delete(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

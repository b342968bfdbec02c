// Package metrics exports loader metrics to Prometheus.
//
// A nil *Observer is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"fmt"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
)

const defaultNamespace = "imageloader"

// Observer records request, download and cache metrics
type Observer struct {
	requests         *promclient.CounterVec
	phaseDuration    *promclient.HistogramVec
	downloadAttempts *promclient.CounterVec
	downloadBytes    promclient.Counter
	cacheLookups     *promclient.CounterVec
	diskEvictions    promclient.Counter
	diskEvictedBytes promclient.Counter
	diskSize         promclient.Gauge
	diskEntries      promclient.Gauge
}

// NewObserver registers the loader collectors on reg. Collectors that are
// already registered are reused.
func NewObserver(namespace string, reg promclient.Registerer) (*Observer, error) {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = promclient.DefaultRegisterer
	}

	o := &Observer{
		requests: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests reaching a terminal state, by kind, outcome and provenance.",
		}, []string{"kind", "outcome", "from"}),
		phaseDuration: promclient.NewHistogramVec(promclient.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Time spent in each request phase.",
			Buckets:   promclient.DefBuckets,
		}, []string{"phase"}),
		downloadAttempts: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "download_attempts_total",
			Help:      "Network download attempts by outcome.",
		}, []string{"outcome"}),
		downloadBytes: promclient.NewCounter(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Bytes received from the network.",
		}),
		cacheLookups: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by cache and result.",
		}, []string{"cache", "result"}),
		diskEvictions: promclient.NewCounter(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "disk_cache_evictions_total",
			Help:      "Entries evicted from the disk cache.",
		}),
		diskEvictedBytes: promclient.NewCounter(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "disk_cache_evicted_bytes_total",
			Help:      "Bytes evicted from the disk cache.",
		}),
		diskSize: promclient.NewGauge(promclient.GaugeOpts{
			Namespace: namespace,
			Name:      "disk_cache_size_bytes",
			Help:      "Committed bytes in the disk cache.",
		}),
		diskEntries: promclient.NewGauge(promclient.GaugeOpts{
			Namespace: namespace,
			Name:      "disk_cache_entries",
			Help:      "Committed entries in the disk cache.",
		}),
	}

	var err error
	if o.requests, err = register(reg, o.requests); err != nil {
		return nil, err
	}
	if o.phaseDuration, err = register(reg, o.phaseDuration); err != nil {
		return nil, err
	}
	if o.downloadAttempts, err = register(reg, o.downloadAttempts); err != nil {
		return nil, err
	}
	if o.downloadBytes, err = register(reg, o.downloadBytes); err != nil {
		return nil, err
	}
	if o.cacheLookups, err = register(reg, o.cacheLookups); err != nil {
		return nil, err
	}
	if o.diskEvictions, err = register(reg, o.diskEvictions); err != nil {
		return nil, err
	}
	if o.diskEvictedBytes, err = register(reg, o.diskEvictedBytes); err != nil {
		return nil, err
	}
	if o.diskSize, err = register(reg, o.diskSize); err != nil {
		return nil, err
	}
	if o.diskEntries, err = register(reg, o.diskEntries); err != nil {
		return nil, err
	}
	return o, nil
}

func register[C promclient.Collector](reg promclient.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(promclient.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, fmt.Errorf("register collector: %w", err)
	}
	return c, nil
}

// RequestFinished counts a terminal request
func (o *Observer) RequestFinished(kind, outcome, from string) {
	if o == nil {
		return
	}
	o.requests.WithLabelValues(kind, outcome, from).Inc()
}

// ObservePhase records how long a phase ran
func (o *Observer) ObservePhase(phase string, d time.Duration) {
	if o == nil {
		return
	}
	o.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// DownloadAttempt counts one network attempt. Outcome is "ok", "timeout" or "error".
func (o *Observer) DownloadAttempt(outcome string) {
	if o == nil {
		return
	}
	o.downloadAttempts.WithLabelValues(outcome).Inc()
}

// DownloadBytes adds received bytes
func (o *Observer) DownloadBytes(n int64) {
	if o == nil || n <= 0 {
		return
	}
	o.downloadBytes.Add(float64(n))
}

// DiskCacheLookup counts a disk cache hit or miss
func (o *Observer) DiskCacheLookup(hit bool) {
	o.cacheLookup("disk", hit)
}

// MemoryCacheLookup counts a memory cache hit or miss
func (o *Observer) MemoryCacheLookup(hit bool) {
	o.cacheLookup("memory", hit)
}

func (o *Observer) cacheLookup(cache string, hit bool) {
	if o == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	o.cacheLookups.WithLabelValues(cache, result).Inc()
}

// DiskCacheEvicted counts one evicted entry of the given size
func (o *Observer) DiskCacheEvicted(bytes int64) {
	if o == nil {
		return
	}
	o.diskEvictions.Inc()
	o.diskEvictedBytes.Add(float64(bytes))
}

// DiskCacheUsage sets the committed size gauges
func (o *Observer) DiskCacheUsage(bytes int64, entries int) {
	if o == nil {
		return
	}
	o.diskSize.Set(float64(bytes))
	o.diskEntries.Set(float64(entries))
}

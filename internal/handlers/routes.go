// Package handlers exposes the image loader and its job queue over HTTP.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes wires the handlers into a ServeMux. Nil handlers are left out.
type Routes struct {
	Images   *ImageHandler
	Async    *AsyncHandler
	Gatherer prometheus.Gatherer
}

// Mux builds the ServeMux
func (rt Routes) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HandleHealth)
	if rt.Images != nil {
		mux.HandleFunc("/v1/images", rt.Images.HandleImage)
		mux.HandleFunc("/v1/cache", rt.Images.HandleCache)
	}
	if rt.Async != nil {
		mux.HandleFunc("/v1/process", rt.Async.HandleProcessAsync)
		mux.HandleFunc("/v1/runs/", rt.Async.HandleStatus)
	}
	gatherer := rt.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}

// HandleHealth handles GET /health
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

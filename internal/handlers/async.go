package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/tendant/simple-image-loader/internal/dbosruntime"
	"github.com/tendant/simple-image-loader/internal/uri"
	"github.com/tendant/simple-image-loader/internal/workflows"
	"github.com/tendant/simple-image-loader/pkg/pipeline"
)

// JobRunner enqueues image jobs and reports their status
type JobRunner interface {
	RunAsync(ctx context.Context, req pipeline.ProcessRequest) (string, error)
	GetStatus(ctx context.Context, runID string) (*dbosruntime.RunStatus, error)
}

// FetchCounter reports how often a key was downloaded, e.g. the fetch ledger
type FetchCounter interface {
	FetchCount(ctx context.Context, key string) (int, error)
}

// AsyncHandler handles asynchronous workflow requests
type AsyncHandler struct {
	runner  JobRunner
	ledger  FetchCounter
	logger  *zap.Logger
	schemes map[pipeline.UriScheme]bool
}

// NewAsyncHandler creates a new async handler. ledger may be nil. Job URIs
// must use one of schemes, or DefaultSchemes when none are given.
func NewAsyncHandler(runner JobRunner, ledger FetchCounter, logger *zap.Logger, schemes ...pipeline.UriScheme) *AsyncHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsyncHandler{
		runner:  runner,
		ledger:  ledger,
		logger:  logger,
		schemes: schemeSet(schemes),
	}
}

// HandleProcessAsync handles POST /v1/process - enqueues workflow and returns immediately
func (h *AsyncHandler) HandleProcessAsync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req pipeline.ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	if req.URI == "" && req.ContentID == "" {
		http.Error(w, "uri or content_id is required", http.StatusBadRequest)
		return
	}
	if req.URI != "" && !h.schemes[(uri.Classifier{}).Classify(req.URI)] {
		http.Error(w, "uri scheme not allowed", http.StatusBadRequest)
		return
	}
	switch req.Job {
	case "":
		http.Error(w, "job is required", http.StatusBadRequest)
		return
	case pipeline.JobPrefetch, pipeline.JobThumbnail:
	default:
		http.Error(w, fmt.Sprintf("unknown job %q", req.Job), http.StatusBadRequest)
		return
	}

	log := h.logger.With(
		zap.String("job", req.Job),
		zap.String("uri", req.URI),
		zap.String("content_id", req.ContentID))
	log.Info("enqueueing workflow")

	runID, err := h.runner.RunAsync(r.Context(), req)
	if err != nil {
		log.Warn("failed to enqueue workflow", zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, workflows.ErrRuntimeUnavailable) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, fmt.Sprintf("Failed to enqueue workflow: %v", err), status)
		return
	}

	resp := pipeline.ProcessResponse{RunID: runID}
	if h.ledger != nil && req.URI != "" {
		count, err := h.ledger.FetchCount(r.Context(), req.URI)
		if err != nil {
			log.Warn("failed to read fetch ledger", zap.Error(err))
		}
		resp.FetchCount = count
	}

	log.Info("workflow enqueued", zap.String("run_id", runID))
	writeJSON(w, http.StatusAccepted, resp)
}

// HandleStatus handles GET /v1/runs/{runID} - returns workflow status
func (h *AsyncHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	runID := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	if runID == "" || strings.Contains(runID, "/") {
		http.Error(w, "run_id is required", http.StatusBadRequest)
		return
	}

	status, err := h.runner.GetStatus(r.Context(), runID)
	switch {
	case errors.Is(err, dbosruntime.ErrRunNotFound):
		http.Error(w, "Workflow not found", http.StatusNotFound)
		return
	case errors.Is(err, workflows.ErrRuntimeUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		h.logger.Warn("failed to get workflow status", zap.String("run_id", runID), zap.Error(err))
		http.Error(w, "Failed to get workflow status", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

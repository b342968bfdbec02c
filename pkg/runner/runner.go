// Package runner runs image jobs on a DBOS queue. New starts a worker that
// executes prefetch and thumbnail jobs; NewClient only enqueues them.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-content/pkg/simplecontent"
	"go.uber.org/zap"

	"github.com/tendant/simple-image-loader/internal/dbosruntime"
	"github.com/tendant/simple-image-loader/internal/storage"
	"github.com/tendant/simple-image-loader/internal/workflows"
	"github.com/tendant/simple-image-loader/pkg/imageloader"
	"github.com/tendant/simple-image-loader/pkg/pipeline"
)

// RunStatus is the state of an enqueued job
type RunStatus = dbosruntime.RunStatus

// Config holds the configuration for initializing the job runner
type Config struct {
	DatabaseURL        string // DBOS PostgreSQL connection string
	AppName            string // Application name for DBOS
	QueueName          string // DBOS queue name
	Concurrency        int    // Number of concurrent jobs
	ApplicationVersion string // Optional: Override binary hash for version matching

	// Loader sizes the image loader used by the worker
	Loader imageloader.Config

	// ContentService stores thumbnails as derived content. Optional.
	ContentService simplecontent.Service

	Logger *zap.Logger
}

func (c Config) runtimeConfig() dbosruntime.Config {
	return dbosruntime.Config{
		DatabaseURL:        c.DatabaseURL,
		AppName:            c.AppName,
		QueueName:          c.QueueName,
		Concurrency:        c.Concurrency,
		ApplicationVersion: c.ApplicationVersion,
	}
}

// Runner executes image jobs from the DBOS queue
type Runner struct {
	runtime *dbosruntime.Runtime
	runner  *workflows.WorkflowRunner
	loader  *imageloader.Loader
}

// New creates an image loader and a DBOS worker that runs jobs with it
func New(ctx context.Context, cfg Config, opts ...imageloader.Option) (*Runner, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	opts = append([]imageloader.Option{imageloader.WithLogger(logger)}, opts...)
	if cfg.ContentService != nil {
		opts = append(opts, imageloader.WithContentService(cfg.ContentService))
	}
	loader, err := imageloader.New(cfg.Loader, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create image loader: %w", err)
	}

	dbosRuntime, err := dbosruntime.NewRuntime(ctx, cfg.runtimeConfig(), logger)
	if err != nil {
		_ = loader.Close(ctx)
		return nil, fmt.Errorf("failed to initialize DBOS: %w", err)
	}

	workflowRunner := workflows.NewWorkflowRunner(dbosRuntime, logger)
	workflowRunner.Register(pipeline.JobPrefetch, workflows.NewPrefetchWorkflow(loader, logger))

	var derived workflows.DerivedWriter
	if cfg.ContentService != nil {
		derived = storage.NewDerivedWriter(cfg.ContentService)
	}
	workflowRunner.Register(pipeline.JobThumbnail, workflows.NewThumbnailWorkflow(loader, derived, logger))

	// Launch DBOS (must be after workflow registration)
	if err := dbosRuntime.Launch(); err != nil {
		_ = loader.Close(ctx)
		return nil, fmt.Errorf("failed to launch DBOS: %w", err)
	}

	return &Runner{
		runtime: dbosRuntime,
		runner:  workflowRunner,
		loader:  loader,
	}, nil
}

// Loader returns the worker's image loader
func (r *Runner) Loader() *imageloader.Loader {
	return r.loader
}

// Jobs returns the workflow runner, for serving the job endpoints
func (r *Runner) Jobs() *workflows.WorkflowRunner {
	return r.runner
}

// RunThumbnail enqueues a thumbnail job. source is a URI or a content ID.
func (r *Runner) RunThumbnail(ctx context.Context, source string, width, height int) (string, error) {
	return r.runner.RunAsync(ctx, thumbnailRequest(source, width, height))
}

// RunPrefetch enqueues a prefetch job for uri
func (r *Runner) RunPrefetch(ctx context.Context, uri string, maxAttempts int) (string, error) {
	return r.runner.RunAsync(ctx, prefetchRequest(uri, maxAttempts))
}

// Status returns the state of an enqueued job
func (r *Runner) Status(ctx context.Context, runID string) (*RunStatus, error) {
	return r.runner.GetStatus(ctx, runID)
}

// Shutdown stops DBOS, then the image loader
func (r *Runner) Shutdown(ctx context.Context, timeout time.Duration) error {
	var errs []error
	if r.runtime != nil {
		errs = append(errs, r.runtime.Shutdown(timeout))
	}
	if r.loader != nil {
		errs = append(errs, r.loader.Close(ctx))
	}
	return errors.Join(errs...)
}

func thumbnailRequest(source string, width, height int) pipeline.ProcessRequest {
	req := pipeline.ProcessRequest{
		Job:    pipeline.JobThumbnail,
		Width:  width,
		Height: height,
		Versions: map[string]int{
			pipeline.DerivedTypeThumbnail: 1,
		},
	}
	if _, err := uuid.Parse(source); err == nil {
		req.ContentID = source
	} else {
		req.URI = source
	}
	return req
}

func prefetchRequest(uri string, maxAttempts int) pipeline.ProcessRequest {
	req := pipeline.ProcessRequest{
		Job: pipeline.JobPrefetch,
		URI: uri,
	}
	if maxAttempts > 0 {
		req.Metadata = map[string]string{"max_attempts": strconv.Itoa(maxAttempts)}
	}
	return req
}

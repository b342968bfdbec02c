package runner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tendant/simple-image-loader/internal/dbosruntime"
	"github.com/tendant/simple-image-loader/internal/workflows"
)

// Client provides a client-only API for starting jobs without executing them
// Use this in applications that want to enqueue jobs for workers to execute
type Client struct {
	runtime *dbosruntime.Runtime
	runner  *workflows.WorkflowRunner
}

// NewClient creates a client that can start jobs but doesn't execute them
// Workers must be running separately to execute the enqueued jobs
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	rc := cfg.runtimeConfig()
	rc.Concurrency = 0 // client mode: don't process workflows
	dbosRuntime, err := dbosruntime.NewRuntime(ctx, rc, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize DBOS: %w", err)
	}

	// no jobs are registered in client mode
	workflowRunner := workflows.NewWorkflowRunner(dbosRuntime, logger)

	if err := dbosRuntime.Launch(); err != nil {
		return nil, fmt.Errorf("failed to launch DBOS: %w", err)
	}

	return &Client{
		runtime: dbosRuntime,
		runner:  workflowRunner,
	}, nil
}

// RunThumbnail enqueues a thumbnail job. source is a URI or a content ID.
func (c *Client) RunThumbnail(ctx context.Context, source string, width, height int) (string, error) {
	return c.runner.RunAsync(ctx, thumbnailRequest(source, width, height))
}

// RunPrefetch enqueues a prefetch job for workers to execute
func (c *Client) RunPrefetch(ctx context.Context, uri string, maxAttempts int) (string, error) {
	return c.runner.RunAsync(ctx, prefetchRequest(uri, maxAttempts))
}

// Jobs returns the workflow runner, for serving the job endpoints
func (c *Client) Jobs() *workflows.WorkflowRunner {
	return c.runner
}

// Status returns the state of an enqueued job
func (c *Client) Status(ctx context.Context, runID string) (*RunStatus, error) {
	return c.runner.GetStatus(ctx, runID)
}

// Shutdown gracefully shuts down the client
func (c *Client) Shutdown(timeout time.Duration) error {
	if c.runtime == nil {
		return nil
	}
	return c.runtime.Shutdown(timeout)
}

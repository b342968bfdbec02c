// Package workflows runs queued image jobs (prefetch, thumbnail) either
// inline or durably through DBOS.
package workflows

import (
	"context"
	"fmt"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tendant/simple-image-loader/internal/dbosruntime"
	"github.com/tendant/simple-image-loader/pkg/imageloader"
	"github.com/tendant/simple-image-loader/pkg/pipeline"
)

// Loader is the part of the image loader that jobs use
type Loader interface {
	Fetch(ctx context.Context, uri string, opts *pipeline.DownloadOptions) (pipeline.DataSource, error)
	LoadImage(ctx context.Context, uri string, opts *pipeline.LoadOptions) (*imageloader.Result, error)
}

// WorkflowContext contains context for workflow execution
type WorkflowContext struct {
	Ctx     context.Context
	Request pipeline.ProcessRequest
	RunID   string
}

// WorkflowResult contains the result of workflow execution. It is
// checkpointed by DBOS, so it only carries serializable values.
type WorkflowResult struct {
	Success bool                   `json:"success"`
	Error   string                 `json:"error,omitempty"`
	Outputs map[string]interface{} `json:"outputs,omitempty"`
}

func failed(err error) *WorkflowResult {
	return &WorkflowResult{Success: false, Error: err.Error()}
}

// Workflow defines the interface for processing workflows
type Workflow interface {
	// Execute runs the workflow
	Execute(wctx *WorkflowContext) (*WorkflowResult, error)

	// Name returns the workflow name
	Name() string
}

// WorkflowRunner executes workflows
type WorkflowRunner struct {
	workflows   map[string]Workflow
	dbosRuntime *dbosruntime.Runtime
	logger      *zap.Logger
}

// NewWorkflowRunner creates a workflow runner. A nil runtime limits it to Run.
func NewWorkflowRunner(dbosRuntime *dbosruntime.Runtime, logger *zap.Logger) *WorkflowRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	runner := &WorkflowRunner{
		workflows:   make(map[string]Workflow),
		dbosRuntime: dbosRuntime,
		logger:      logger,
	}

	// Register the DBOS workflow function
	if dbosRuntime != nil {
		dbos.RegisterWorkflow(dbosRuntime.Context(), runner.executeWorkflowDBOS)
	}

	return runner
}

// Register registers a workflow
func (r *WorkflowRunner) Register(job string, workflow Workflow) {
	r.workflows[job] = workflow
}

// Jobs returns the registered job names
func (r *WorkflowRunner) Jobs() []string {
	jobs := make([]string, 0, len(r.workflows))
	for job := range r.workflows {
		jobs = append(jobs, job)
	}
	return jobs
}

// Run executes a workflow for the given job type on the calling goroutine
func (r *WorkflowRunner) Run(wctx *WorkflowContext) (*WorkflowResult, error) {
	workflow, ok := r.workflows[wctx.Request.Job]
	if !ok {
		return failed(ErrWorkflowNotFound), fmt.Errorf("%w: %s", ErrWorkflowNotFound, wctx.Request.Job)
	}
	if wctx.RunID == "" {
		wctx.RunID = newRunID(wctx.Request.Job)
	}

	r.logger.Info("running workflow",
		zap.String("run_id", wctx.RunID),
		zap.String("workflow", workflow.Name()))
	return workflow.Execute(wctx)
}

// RunAsync enqueues a workflow for async execution via DBOS
func (r *WorkflowRunner) RunAsync(ctx context.Context, req pipeline.ProcessRequest) (string, error) {
	if r.dbosRuntime == nil {
		return "", ErrRuntimeUnavailable
	}
	// Workflows may be registered only on the workers, so the job is not checked here

	// Generate workflow ID for exactly-once semantics
	workflowID := newRunID(req.Job)

	handle, err := dbos.RunWorkflow[pipeline.ProcessRequest, *WorkflowResult](
		r.dbosRuntime.Context(),
		r.executeWorkflowDBOS,
		req,
		dbos.WithWorkflowID(workflowID),
		dbos.WithQueue(r.dbosRuntime.QueueName()),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s: %w", req.Job, err)
	}

	r.logger.Info("workflow enqueued",
		zap.String("run_id", handle.GetWorkflowID()),
		zap.String("job", req.Job))
	return handle.GetWorkflowID(), nil
}

// executeWorkflowDBOS is the DBOS workflow function that wraps registered workflows
func (r *WorkflowRunner) executeWorkflowDBOS(dbosCtx dbos.DBOSContext, req pipeline.ProcessRequest) (*WorkflowResult, error) {
	workflow, ok := r.workflows[req.Job]
	if !ok {
		return failed(ErrWorkflowNotFound), ErrWorkflowNotFound
	}

	workflowID, err := dbosCtx.GetWorkflowID()
	if err != nil {
		return failed(err), err
	}

	// DBOSContext implements context.Context
	wctx := &WorkflowContext{
		Ctx:     dbosCtx,
		Request: req,
		RunID:   workflowID,
	}

	return workflow.Execute(wctx)
}

// GetStatus retrieves the status of a workflow execution
func (r *WorkflowRunner) GetStatus(ctx context.Context, runID string) (*dbosruntime.RunStatus, error) {
	if r.dbosRuntime == nil {
		return nil, ErrRuntimeUnavailable
	}
	return r.dbosRuntime.Status(ctx, runID)
}

func newRunID(job string) string {
	return fmt.Sprintf("%s-%s", job, uuid.NewString())
}

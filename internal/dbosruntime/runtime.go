// Package dbosruntime owns the DBOS context and queue that back durable image jobs.
package dbosruntime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Runtime manages the DBOS runtime lifecycle
type Runtime struct {
	dbosContext dbos.DBOSContext
	queue       *dbos.WorkflowQueue
	config      Config
	db          *sql.DB
	logger      *zap.Logger
}

// NewRuntime creates a new DBOS runtime instance
// Returns error if DBOS_SYSTEM_DATABASE_URL is not set
func NewRuntime(ctx context.Context, cfg Config, logger *zap.Logger) (*Runtime, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DBOS_SYSTEM_DATABASE_URL is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg.WithDefaults()

	dbosCtx, err := dbos.NewDBOSContext(ctx, dbos.Config{
		DatabaseURL:        cfg.DatabaseURL,
		AppName:            cfg.AppName,
		ApplicationVersion: cfg.ApplicationVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DBOS context: %w", err)
	}

	queue := dbos.NewWorkflowQueue(dbosCtx, cfg.QueueName)

	// Status lookups read the system tables directly
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open DBOS system database: %w", err)
	}

	logger.Info("DBOS runtime created",
		zap.String("app", cfg.AppName),
		zap.String("queue", cfg.QueueName),
		zap.Int("concurrency", cfg.Concurrency))

	return &Runtime{
		dbosContext: dbosCtx,
		queue:       &queue,
		config:      cfg,
		db:          db,
		logger:      logger,
	}, nil
}

// Launch starts the DBOS runtime and workers. Workflows must be registered first.
func (r *Runtime) Launch() error {
	if err := dbos.Launch(r.dbosContext); err != nil {
		return fmt.Errorf("failed to launch DBOS: %w", err)
	}
	r.logger.Info("DBOS runtime launched")
	return nil
}

// Shutdown gracefully shuts down the DBOS runtime
func (r *Runtime) Shutdown(timeout time.Duration) error {
	dbos.Shutdown(r.dbosContext, timeout)
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Context returns the DBOS context
func (r *Runtime) Context() dbos.DBOSContext {
	return r.dbosContext
}

// QueueName returns the configured queue name
func (r *Runtime) QueueName() string {
	return r.config.QueueName
}

// Concurrency returns the configured concurrency
func (r *Runtime) Concurrency() int {
	return r.config.Concurrency
}

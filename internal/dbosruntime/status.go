package dbosruntime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrRunNotFound is returned when no workflow has the requested ID
var ErrRunNotFound = errors.New("workflow run not found")

// RunStatus is a row of the DBOS workflow status table
type RunStatus struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the run will not change state again
func (s *RunStatus) Terminal() bool {
	switch s.Status {
	case "SUCCESS", "ERROR", "CANCELLED", "MAX_RECOVERY_ATTEMPTS_EXCEEDED":
		return true
	default:
		return false
	}
}

// StatusStore reads workflow status directly from the DBOS system database
type StatusStore struct {
	db *sql.DB
}

// NewStatusStore creates a status reader over the DBOS system database
func NewStatusStore(db *sql.DB) *StatusStore {
	return &StatusStore{db: db}
}

// Get retrieves the status of a workflow run
func (s *StatusStore) Get(ctx context.Context, id string) (*RunStatus, error) {
	query := `
		SELECT workflow_uuid, name, status, COALESCE(error, ''), created_at, updated_at
		FROM dbos.workflow_status
		WHERE workflow_uuid = $1
	`

	var (
		info             RunStatus
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&info.ID,
		&info.Name,
		&info.Status,
		&info.Error,
		&created,
		&updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow status: %w", err)
	}

	info.CreatedAt = time.UnixMilli(created).UTC()
	info.UpdatedAt = time.UnixMilli(updated).UTC()
	return &info, nil
}

// Status retrieves the status of a workflow run started on this runtime
func (r *Runtime) Status(ctx context.Context, id string) (*RunStatus, error) {
	return NewStatusStore(r.db).Get(ctx, id)
}

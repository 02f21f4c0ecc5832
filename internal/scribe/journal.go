package scribe

import (
	"context"
	"time"
)

// PendingSave is the latest local snapshot of a project that has not been
// confirmed as persisted remotely.
type PendingSave struct {
	ProjectID   string
	OwnerID     string
	Snapshot    *Project
	Fingerprint string
	QueuedAt    time.Time
}

// Operation status values.
const (
	OperationRunning = "running"
	OperationSuccess = "success"
	OperationError   = "error"
)

// SyncOperation records one user-visible operation that touched the
// remote store.
type SyncOperation struct {
	ID         int64
	Operation  string
	Parameters string
	Status     string
	Message    string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Journal is the local durable state: pending saves that survive restarts
// and a log of operations.
type Journal interface {
	// PutPending stores s as the pending save of its project, replacing any
	// earlier one.
	PutPending(ctx context.Context, s *PendingSave) error

	// MarkSynced clears the project's pending save if its fingerprint still
	// equals fingerprint. It reports whether anything was cleared.
	MarkSynced(ctx context.Context, projectID, fingerprint string) (bool, error)

	// DropPending discards the pending save of a project.
	DropPending(ctx context.Context, projectID string) error

	// GetPending returns the pending save of a project, or nil.
	GetPending(ctx context.Context, projectID string) (*PendingSave, error)

	// ListPending returns all pending saves, oldest first.
	ListPending(ctx context.Context) ([]*PendingSave, error)

	// CreateOperation inserts op and assigns its ID.
	CreateOperation(ctx context.Context, op *SyncOperation) error

	// FinishOperation records the final status of an operation.
	FinishOperation(ctx context.Context, id int64, status, message string, finishedAt time.Time) error

	// ListOperations returns the most recent operations, newest first.
	ListOperations(ctx context.Context, limit int) ([]*SyncOperation, error)

	Close() error
}

package storage

import (
	"context"

	"github.com/iudanet/campusmarket/internal/models"
)

// OutboxStorage persists the offline queue so it survives restarts
type OutboxStorage interface {
	// AppendOperation assigns the next sequence number to op and stores it
	AppendOperation(ctx context.Context, op *models.QueuedOperation) error

	// UpdateOperation overwrites a stored operation (status, retry count, target)
	// Returns ErrOperationNotFound if op.Seq is unknown
	UpdateOperation(ctx context.Context, op *models.QueuedOperation) error

	// DeleteOperation removes an operation by sequence number
	DeleteOperation(ctx context.Context, seq uint64) error

	// ListOperations returns all stored operations in enqueue order
	ListOperations(ctx context.Context) ([]*models.QueuedOperation, error)

	// RetargetOperations rewrites TargetID of non-terminal operations from oldID to newID
	// and returns how many were changed
	RetargetOperations(ctx context.Context, oldID, newID string) (int, error)
}

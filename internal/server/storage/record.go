package storage

import (
	"context"

	"github.com/iudanet/campusmarket/internal/models"
)

// RecordStorage defines interface for relational table rows
type RecordStorage interface {
	// CreateRecord inserts a row. Creation is idempotent by (table, client_id):
	// a repeated create returns the stored row and created=false.
	CreateRecord(ctx context.Context, rec *models.Record) (stored *models.Record, created bool, err error)

	// GetRecord retrieves a live row
	// Returns ErrRecordNotFound if it doesn't exist or is deleted
	GetRecord(ctx context.Context, table, id string) (*models.Record, error)

	// UpdateRecord merges fields into a live row and bumps its version
	// Returns ErrRecordNotFound if it doesn't exist or is deleted
	UpdateRecord(ctx context.Context, table, id string, fields models.Payload) (*models.Record, error)

	// DeleteRecord soft-deletes a row and returns its last fields
	// stamped with the deletion version
	// Returns ErrRecordNotFound if it doesn't exist or is already deleted
	DeleteRecord(ctx context.Context, table, id string) (*models.Record, error)

	// ListRecords returns live rows of table whose fields equal every filter value
	ListRecords(ctx context.Context, table string, filter map[string]string) ([]*models.Record, error)
}

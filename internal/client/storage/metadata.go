package storage

import "context"

// MetadataStorage defines interface for storing client sync metadata
type MetadataStorage interface {
	// SaveLastSyncTimestamp saves the time of the last successful snapshot of a table
	SaveLastSyncTimestamp(ctx context.Context, table string, timestamp int64) error

	// GetLastSyncTimestamp retrieves the time of the last successful snapshot of a table
	// Returns 0 if the table has never been synced
	GetLastSyncTimestamp(ctx context.Context, table string) (int64, error)
}

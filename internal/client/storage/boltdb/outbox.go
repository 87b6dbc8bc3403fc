package boltdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/iudanet/campusmarket/internal/client/storage"
	"github.com/iudanet/campusmarket/internal/models"
)

// seqKey кодирует номер так, чтобы порядок ключей bbolt совпадал с порядком постановки
func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// AppendOperation assigns the next sequence number to op and stores it
func (s *Storage) AppendOperation(ctx context.Context, op *models.QueuedOperation) error {
	return s.update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOutbox)
		if bucket == nil {
			return fmt.Errorf("outbox bucket not found")
		}

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}
		op.Seq = seq
		if op.Status == "" {
			op.Status = models.StatusPending
		}
		if op.EnqueuedAt.IsZero() {
			op.EnqueuedAt = time.Now()
		}

		data, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("failed to marshal operation: %w", err)
		}

		if err := bucket.Put(seqKey(seq), data); err != nil {
			return fmt.Errorf("failed to save operation: %w", err)
		}
		return nil
	})
}

// UpdateOperation overwrites a stored operation
func (s *Storage) UpdateOperation(ctx context.Context, op *models.QueuedOperation) error {
	return s.update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOutbox)
		if bucket == nil {
			return fmt.Errorf("outbox bucket not found")
		}

		key := seqKey(op.Seq)
		if bucket.Get(key) == nil {
			return storage.ErrOperationNotFound
		}

		data, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("failed to marshal operation: %w", err)
		}

		if err := bucket.Put(key, data); err != nil {
			return fmt.Errorf("failed to update operation: %w", err)
		}
		return nil
	})
}

// DeleteOperation removes an operation by sequence number
func (s *Storage) DeleteOperation(ctx context.Context, seq uint64) error {
	return s.update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOutbox)
		if bucket == nil {
			return fmt.Errorf("outbox bucket not found")
		}

		key := seqKey(seq)
		if bucket.Get(key) == nil {
			return storage.ErrOperationNotFound
		}

		if err := bucket.Delete(key); err != nil {
			return fmt.Errorf("failed to delete operation: %w", err)
		}
		return nil
	})
}

// ListOperations returns all stored operations in enqueue order
func (s *Storage) ListOperations(ctx context.Context) ([]*models.QueuedOperation, error) {
	var ops []*models.QueuedOperation

	err := s.view(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOutbox)
		if bucket == nil {
			return fmt.Errorf("outbox bucket not found")
		}

		return bucket.ForEach(func(k, v []byte) error {
			var op models.QueuedOperation
			if err := json.Unmarshal(v, &op); err != nil {
				return fmt.Errorf("failed to unmarshal operation %d: %w", binary.BigEndian.Uint64(k), err)
			}
			ops = append(ops, &op)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return ops, nil
}

// RetargetOperations rewrites TargetID of non-terminal operations from oldID to newID
func (s *Storage) RetargetOperations(ctx context.Context, oldID, newID string) (int, error) {
	changed := 0

	err := s.update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOutbox)
		if bucket == nil {
			return fmt.Errorf("outbox bucket not found")
		}

		// собираем изменения отдельно: модифицировать bucket во время ForEach нельзя
		updates := make(map[string][]byte)
		err := bucket.ForEach(func(k, v []byte) error {
			var op models.QueuedOperation
			if err := json.Unmarshal(v, &op); err != nil {
				return fmt.Errorf("failed to unmarshal operation: %w", err)
			}
			if op.TargetID != oldID || op.Status.Terminal() || op.Operation == models.OpCreate {
				return nil
			}
			op.TargetID = newID
			data, err := json.Marshal(&op)
			if err != nil {
				return fmt.Errorf("failed to marshal operation: %w", err)
			}
			updates[string(k)] = data
			return nil
		})
		if err != nil {
			return err
		}

		for k, v := range updates {
			if err := bucket.Put([]byte(k), v); err != nil {
				return fmt.Errorf("failed to update operation: %w", err)
			}
		}
		changed = len(updates)
		return nil
	})
	if err != nil {
		return 0, err
	}

	return changed, nil
}

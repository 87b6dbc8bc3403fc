package boltdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/campusmarket/internal/client/storage"
)

var keySession = []byte("current")

var errNoSessionBucket = errors.New("session bucket not found")

func sessionBucket(tx *bbolt.Tx) (*bbolt.Bucket, error) {
	b := tx.Bucket(bucketSession)
	if b == nil {
		return nil, errNoSessionBucket
	}
	return b, nil
}

// SaveSession заменяет сохраненную сессию.
func (s *Storage) SaveSession(ctx context.Context, data *storage.SessionData) error {
	if data == nil || data.UserID == "" {
		return fmt.Errorf("save session: empty session")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return s.update(func(tx *bbolt.Tx) error {
		b, err := sessionBucket(tx)
		if err != nil {
			return err
		}
		return b.Put(keySession, raw)
	})
}

// LoadSession returns storage.ErrNoSession if nothing is stored.
func (s *Storage) LoadSession(ctx context.Context) (*storage.SessionData, error) {
	var raw []byte
	err := s.view(func(tx *bbolt.Tx) error {
		b, err := sessionBucket(tx)
		if err != nil {
			return err
		}
		// значение валидно только внутри транзакции
		if v := b.Get(keySession); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if raw == nil {
		return nil, storage.ErrNoSession
	}

	var data storage.SessionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &data, nil
}

// DeleteSession is a no-op when there is no session.
func (s *Storage) DeleteSession(ctx context.Context) error {
	return s.update(func(tx *bbolt.Tx) error {
		b, err := sessionBucket(tx)
		if err != nil {
			return err
		}
		return b.Delete(keySession)
	})
}

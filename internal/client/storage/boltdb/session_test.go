package boltdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/iudanet/campusmarket/internal/client/storage"
)

func TestSession_SaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)

	_, err := store.LoadSession(ctx)
	assert.ErrorIs(t, err, storage.ErrNoSession)

	now := time.Now()
	first := &storage.SessionData{
		UserID:       "u1",
		Email:        "ann@campus.edu",
		Username:     "ann",
		AccessToken:  "a1",
		RefreshToken: "r1",
		ExpiresAt:    now.Add(15 * time.Minute).Unix(),
		RefreshUntil: now.Add(24 * time.Hour).Unix(),
	}
	require.NoError(t, store.SaveSession(ctx, first))

	got, err := store.LoadSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, got)
	assert.True(t, got.Refreshable(now))

	// повторный вход заменяет сессию целиком
	second := &storage.SessionData{UserID: "u2", AccessToken: "a2", ExpiresAt: now.Add(time.Minute).Unix()}
	require.NoError(t, store.SaveSession(ctx, second))
	got, err = store.LoadSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u2", got.UserID)
	assert.Zero(t, got.RefreshUntil)

	require.NoError(t, store.DeleteSession(ctx))
	_, err = store.LoadSession(ctx)
	assert.ErrorIs(t, err, storage.ErrNoSession)

	// удаление без сессии не ошибка
	assert.NoError(t, store.DeleteSession(ctx))
}

func TestSession_RejectsEmpty(t *testing.T) {
	store := newTestStorage(t)

	assert.Error(t, store.SaveSession(context.Background(), nil))
	assert.Error(t, store.SaveSession(context.Background(), &storage.SessionData{AccessToken: "a"}))
}

func TestSession_BucketMissing(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)

	require.NoError(t, store.db.Update(func(tx *bbolt.Tx) error {
		return tx.DeleteBucket(bucketSession)
	}))

	assert.ErrorIs(t, store.SaveSession(ctx, &storage.SessionData{UserID: "u1"}), errNoSessionBucket)
	_, err := store.LoadSession(ctx)
	assert.ErrorIs(t, err, errNoSessionBucket)
	assert.ErrorIs(t, store.DeleteSession(ctx), errNoSessionBucket)
}

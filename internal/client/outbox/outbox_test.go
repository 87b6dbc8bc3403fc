package outbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/campusmarket/internal/client/storage/boltdb"
	"github.com/iudanet/campusmarket/internal/errs"
	"github.com/iudanet/campusmarket/internal/models"
)

// mockSender записывает отправленные операции и отвечает через respond
type mockSender struct {
	respond func(ctx context.Context, op *models.QueuedOperation, attempt int) (*models.Entity, error)
	sent    []models.QueuedOperation
	mu      sync.Mutex
}

func (s *mockSender) Send(ctx context.Context, op *models.QueuedOperation) (*models.Entity, error) {
	s.mu.Lock()
	s.sent = append(s.sent, *op)
	attempt := 0
	for _, x := range s.sent {
		if x.ID == op.ID {
			attempt++
		}
	}
	respond := s.respond
	s.mu.Unlock()

	if respond == nil {
		return &models.Entity{ID: op.TargetID, Payload: op.ProposedValue}, nil
	}
	return respond(ctx, op, attempt)
}

func (s *mockSender) all() []models.QueuedOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.QueuedOperation(nil), s.sent...)
}

type results struct {
	list []models.MutationResult
	mu   sync.Mutex
}

func (r *results) add(x models.MutationResult) {
	r.mu.Lock()
	r.list = append(r.list, x)
	r.mu.Unlock()
}

func (r *results) all() []models.MutationResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.MutationResult(nil), r.list...)
}

func testConfig() Config {
	return Config{
		BaseBackoff:   time.Millisecond,
		MaxBackoff:    5 * time.Millisecond,
		FlushInterval: time.Hour,
		MaxRetries:    3,
	}
}

func newTestStore(t *testing.T) *boltdb.Storage {
	t.Helper()
	store, err := boltdb.New(context.Background(), filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestOutbox(t *testing.T, sender *mockSender) (*Outbox, *results) {
	t.Helper()
	o := New(newTestStore(t), sender, testConfig(), nil)
	r := &results{}
	o.OnResult(r.add)
	return o, r
}

func intent(id, target string, op models.Operation, fields models.Payload) *models.MutationIntent {
	return &models.MutationIntent{
		ID:            id,
		Collection:    "products",
		TargetID:      target,
		Operation:     op,
		ProposedValue: fields,
	}
}

func TestOutbox_FlushOffline(t *testing.T) {
	o, _ := newTestOutbox(t, &mockSender{})
	assert.ErrorIs(t, o.Flush(context.Background()), ErrOffline)
}

func TestOutbox_PerTargetOrdering(t *testing.T) {
	sender := &mockSender{}
	o, res := newTestOutbox(t, sender)
	ctx := context.Background()

	require.NoError(t, o.Enqueue(ctx, intent("i1", "p1", models.OpUpdate, models.Payload{"price": 10})))
	require.NoError(t, o.Enqueue(ctx, intent("i2", "p2", models.OpToggle, models.Payload{"is_favorite": true})))
	require.NoError(t, o.Enqueue(ctx, intent("i3", "p1", models.OpUpdate, models.Payload{"price": 20})))

	o.SetOnline(true)
	require.NoError(t, o.Flush(ctx))

	var p1 []string
	for _, op := range sender.all() {
		if op.TargetID == "p1" {
			p1 = append(p1, op.ID)
		}
	}
	assert.Equal(t, []string{"i1", "i3"}, p1)

	got := res.all()
	require.Len(t, got, 3)
	for _, r := range got {
		assert.True(t, r.Succeeded())
	}

	pending, err := o.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestOutbox_TransientRetriesThenSucceeds(t *testing.T) {
	sender := &mockSender{respond: func(_ context.Context, op *models.QueuedOperation, attempt int) (*models.Entity, error) {
		if attempt < 3 {
			return nil, errs.Transient(errors.New("503"))
		}
		return &models.Entity{ID: op.TargetID, Version: 2}, nil
	}}
	o, res := newTestOutbox(t, sender)
	ctx := context.Background()

	require.NoError(t, o.Enqueue(ctx, intent("i1", "p1", models.OpUpdate, models.Payload{"price": 10})))
	o.SetOnline(true)
	require.NoError(t, o.Flush(ctx))

	got := res.all()
	require.Len(t, got, 1)
	assert.True(t, got[0].Succeeded())
	assert.Equal(t, 2, got[0].Op.RetryCount)
	assert.Len(t, sender.all(), 3)
}

func TestOutbox_RetriesExhaustedCancelsFollowers(t *testing.T) {
	sender := &mockSender{respond: func(_ context.Context, op *models.QueuedOperation, _ int) (*models.Entity, error) {
		return nil, errs.Transient(errors.New("timeout"))
	}}
	o, res := newTestOutbox(t, sender)
	ctx := context.Background()

	require.NoError(t, o.Enqueue(ctx, intent("i1", "p1", models.OpUpdate, models.Payload{"price": 10})))
	require.NoError(t, o.Enqueue(ctx, intent("i2", "p1", models.OpUpdate, models.Payload{"price": 20})))
	o.SetOnline(true)
	require.NoError(t, o.Flush(ctx))

	// только первая операция отправлялась, MaxRetries попыток
	assert.Len(t, sender.all(), 3)

	got := res.all()
	require.Len(t, got, 2)
	assert.Equal(t, "i1", got[0].Op.ID)
	assert.ErrorIs(t, got[0].Err, errs.ErrRetriesExhausted)
	assert.False(t, errs.Retryable(got[0].Err))
	assert.Equal(t, models.StatusFailedPermanent, got[0].Op.Status)
	assert.Equal(t, 3, got[0].Op.RetryCount)

	assert.Equal(t, "i2", got[1].Op.ID)
	assert.ErrorIs(t, got[1].Err, errs.ErrCancelled)

	pending, err := o.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestOutbox_PermanentErrorHaltsOnlyItsTarget(t *testing.T) {
	sender := &mockSender{respond: func(_ context.Context, op *models.QueuedOperation, _ int) (*models.Entity, error) {
		if op.TargetID == "p1" {
			return nil, fmt.Errorf("%w: price must be >= 0", errs.ErrValidation)
		}
		return &models.Entity{ID: op.TargetID}, nil
	}}
	o, res := newTestOutbox(t, sender)
	ctx := context.Background()

	require.NoError(t, o.Enqueue(ctx, intent("i1", "p1", models.OpUpdate, models.Payload{"price": -1})))
	require.NoError(t, o.Enqueue(ctx, intent("i2", "p1", models.OpToggle, models.Payload{"is_sold": true})))
	require.NoError(t, o.Enqueue(ctx, intent("i3", "p2", models.OpDelete, nil)))
	o.SetOnline(true)
	require.NoError(t, o.Flush(ctx))

	byID := map[string]models.MutationResult{}
	for _, r := range res.all() {
		byID[r.Op.ID] = r
	}
	require.Len(t, byID, 3)
	assert.ErrorIs(t, byID["i1"].Err, errs.ErrValidation)
	assert.ErrorIs(t, byID["i2"].Err, errs.ErrCancelled)
	assert.True(t, byID["i3"].Succeeded())

	// валидационная ошибка не повторяется
	assert.Len(t, sender.all(), 2)
}

func TestOutbox_CreateAckRetargetsFollowers(t *testing.T) {
	sender := &mockSender{respond: func(_ context.Context, op *models.QueuedOperation, _ int) (*models.Entity, error) {
		if op.Operation == models.OpCreate {
			return &models.Entity{ID: "p100", ClientID: op.TargetID, Payload: op.ProposedValue}, nil
		}
		return &models.Entity{ID: op.TargetID}, nil
	}}
	o, res := newTestOutbox(t, sender)
	ctx := context.Background()

	require.NoError(t, o.Enqueue(ctx, intent("i1", "tmp-a", models.OpCreate, models.Payload{"title": "Desk"})))
	require.NoError(t, o.Enqueue(ctx, intent("i2", "tmp-a", models.OpUpdate, models.Payload{"price": 15})))
	o.SetOnline(true)
	require.NoError(t, o.Flush(ctx))

	sent := sender.all()
	require.Len(t, sent, 2)
	assert.Equal(t, "tmp-a", sent[0].TargetID)
	assert.Equal(t, "p100", sent[1].TargetID)
	require.Len(t, res.all(), 2)

	// интент, поставленный уже после подтверждения, тоже уходит на серверный id
	require.NoError(t, o.Enqueue(ctx, intent("i3", "tmp-a", models.OpToggle, models.Payload{"is_sold": true})))
	pending, err := o.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "p100", pending[0].TargetID)
}

func TestOutbox_GoingOfflineReturnsToPending(t *testing.T) {
	started := make(chan struct{})
	sender := &mockSender{respond: func(ctx context.Context, _ *models.QueuedOperation, _ int) (*models.Entity, error) {
		close(started)
		<-ctx.Done()
		return nil, errs.Transient(ctx.Err())
	}}
	o, res := newTestOutbox(t, sender)
	ctx := context.Background()

	require.NoError(t, o.Enqueue(ctx, intent("i1", "p1", models.OpUpdate, models.Payload{"price": 10})))
	o.SetOnline(true)

	done := make(chan error, 1)
	go func() { done <- o.Flush(ctx) }()

	<-started
	o.SetOnline(false)
	require.NoError(t, <-done)

	assert.Empty(t, res.all())
	pending, err := o.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.StatusPending, pending[0].Status)
	assert.Equal(t, 0, pending[0].RetryCount)
}

func TestOutbox_ResumesAfterRestart(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := New(store, &mockSender{}, testConfig(), nil)
	require.NoError(t, first.Enqueue(ctx, intent("i1", "p1", models.OpUpdate, models.Payload{"price": 10})))

	// новый экземпляр над тем же файлом видит операцию и отправляет ее с тем же id
	sender := &mockSender{}
	second := New(store, sender, testConfig(), nil)
	res := &results{}
	second.OnResult(res.add)

	pending, err := second.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	second.SetOnline(true)
	require.NoError(t, second.Flush(ctx))
	require.Len(t, sender.all(), 1)
	assert.Equal(t, "i1", sender.all()[0].ID)
	assert.Len(t, res.all(), 1)
}

func TestOutbox_RunFlushesOnEnqueue(t *testing.T) {
	sender := &mockSender{}
	o, res := newTestOutbox(t, sender)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = o.Run(ctx) }()
	o.SetOnline(true)

	require.NoError(t, o.Enqueue(ctx, intent("i1", "p1", models.OpUpdate, models.Payload{"price": 10})))
	assert.Eventually(t, func() bool { return len(res.all()) == 1 }, time.Second, 5*time.Millisecond)
}

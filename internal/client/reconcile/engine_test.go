package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/campusmarket/internal/client/realtime"
	"github.com/iudanet/campusmarket/internal/errs"
	"github.com/iudanet/campusmarket/internal/models"
)

type mockQueue struct {
	err     error
	intents []*models.MutationIntent
	mu      sync.Mutex
}

func (q *mockQueue) Enqueue(_ context.Context, in *models.MutationIntent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.intents = append(q.intents, in)
	return nil
}

func (q *mockQueue) all() []*models.MutationIntent {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*models.MutationIntent(nil), q.intents...)
}

type mockFetcher struct {
	err     error
	records []*models.Entity
	calls   int
	mu      sync.Mutex
}

func (f *mockFetcher) List(_ context.Context, _ string, _ map[string]string) ([]*models.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]*models.Entity, 0, len(f.records))
	for _, r := range f.records {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (f *mockFetcher) set(records ...*models.Entity) {
	f.mu.Lock()
	f.records = records
	f.mu.Unlock()
}

func (f *mockFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type notifications struct {
	list []Notification
	mu   sync.Mutex
}

func (n *notifications) add(x Notification) {
	n.mu.Lock()
	n.list = append(n.list, x)
	n.mu.Unlock()
}

func (n *notifications) all() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.list...)
}

func newTestEngine(t *testing.T, records ...*models.Entity) (*Engine, *mockQueue, *mockFetcher, *notifications) {
	t.Helper()
	q := &mockQueue{}
	f := &mockFetcher{records: records}
	n := &notifications{}
	e := NewEngine(NewCollection("products", WithIDGenerator(seqIDs())), q, f, WithNotifier(n.add))
	e.Start(context.Background())
	t.Cleanup(e.Close)

	// ждем первичную загрузку
	require.Eventually(t, func() bool {
		snap, err := e.Snapshot(context.Background())
		return err == nil && len(snap) == len(records)
	}, time.Second, 5*time.Millisecond)
	return e, q, f, n
}

func get(t *testing.T, e *Engine, id string) *models.Entity {
	t.Helper()
	ent, err := e.Get(context.Background(), id)
	require.NoError(t, err)
	return ent
}

func TestEngine_MutateIsImmediateAndEnqueued(t *testing.T) {
	e, q, _, _ := newTestEngine(t, product("p1", 1, models.Payload{"price": 5.0}))

	intent, err := e.Mutate(context.Background(), Action{Op: models.OpUpdate, TargetID: "p1", Fields: models.Payload{"price": 10.0}})
	require.NoError(t, err)

	ent := get(t, e, "p1")
	assert.Equal(t, 10.0, ent.Payload["price"])
	assert.Equal(t, models.OriginPending, ent.Origin)
	require.Len(t, q.all(), 1)
	assert.Equal(t, intent.ID, q.all()[0].ID)

	e.Deliver(models.MutationResult{
		Op:     models.QueuedOperation{MutationIntent: *intent, Status: models.StatusAcknowledged},
		Server: product("p1", 2, models.Payload{"price": 10.0}),
	})

	assert.Eventually(t, func() bool {
		return get(t, e, "p1").Origin == models.OriginConfirmed
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_CreateConfirmSwapsID(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	intent, err := e.Mutate(context.Background(), Action{Op: models.OpCreate, Fields: models.Payload{"title": "Lamp"}})
	require.NoError(t, err)
	assert.True(t, models.IsTempID(intent.TargetID))

	server := product("p7", 3, models.Payload{"title": "Lamp"})
	server.ClientID = intent.TargetID
	e.Deliver(models.MutationResult{Op: models.QueuedOperation{MutationIntent: *intent}, Server: server})

	assert.Eventually(t, func() bool {
		snap, _ := e.Snapshot(context.Background())
		return len(snap) == 1 && snap[0].ID == "p7" && snap[0].Origin == models.OriginConfirmed
	}, time.Second, 5*time.Millisecond)

	// старый временный id продолжает находить запись
	assert.Equal(t, "p7", get(t, e, intent.TargetID).ID)
}

func TestEngine_FailureRollsBackAndNotifies(t *testing.T) {
	e, _, _, n := newTestEngine(t, product("p1", 1, models.Payload{"is_favorite": false}))
	ctx := context.Background()

	first, err := e.Mutate(ctx, Action{Op: models.OpToggle, TargetID: "p1", Field: "is_favorite"})
	require.NoError(t, err)
	second, err := e.Mutate(ctx, Action{Op: models.OpUpdate, TargetID: "p1", Fields: models.Payload{"note": "x"}})
	require.NoError(t, err)

	failure := errors.Join(errs.ErrValidation, errors.New("rejected"))
	e.Deliver(models.MutationResult{Op: models.QueuedOperation{MutationIntent: *first}, Err: failure})
	// очередь отменяет последователя
	e.Deliver(models.MutationResult{Op: models.QueuedOperation{MutationIntent: *second}, Err: errs.ErrCancelled})

	require.Eventually(t, func() bool { return len(n.all()) == 2 }, time.Second, 5*time.Millisecond)

	ent := get(t, e, "p1")
	assert.Equal(t, false, ent.Payload["is_favorite"])
	assert.NotContains(t, ent.Payload, "note")
	assert.Equal(t, models.OriginFailed, ent.Origin)

	got := n.all()
	assert.Equal(t, NotifyRollback, got[0].Kind)
	assert.Equal(t, first.ID, got[0].IntentID)
	assert.ErrorIs(t, got[0].Err, errs.ErrValidation)
	assert.Equal(t, NotifyCancelled, got[1].Kind)
	assert.Equal(t, second.ID, got[1].IntentID)
	assert.ErrorIs(t, got[1].Err, errs.ErrCancelled)

	// повторная доставка ничего не меняет и не уведомляет
	e.Deliver(models.MutationResult{Op: models.QueuedOperation{MutationIntent: *first}, Err: failure})
	_, _ = e.Snapshot(ctx)
	assert.Len(t, n.all(), 2)
}

func TestEngine_EnqueueFailureRollsBack(t *testing.T) {
	e, q, _, _ := newTestEngine(t, product("p1", 1, models.Payload{"price": 5.0}))
	q.mu.Lock()
	q.err = errors.New("disk full")
	q.mu.Unlock()

	_, err := e.Mutate(context.Background(), Action{Op: models.OpUpdate, TargetID: "p1", Fields: models.Payload{"price": 9.0}})
	require.Error(t, err)

	ent := get(t, e, "p1")
	assert.Equal(t, 5.0, ent.Payload["price"])
}

func TestEngine_RealtimeEventsAndConflict(t *testing.T) {
	e, _, _, n := newTestEngine(t, product("p1", 1, models.Payload{"price": 5.0}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan realtime.Event, 4)
	e.Attach(ctx, events)

	events <- realtime.Event{Kind: realtime.EventChange, Change: &models.RealtimeEvent{
		Type: models.EventInsert, Collection: "products", EntityID: "p2", Version: 2,
		NewValue: models.Payload{"price": 1.0},
	}}
	require.Eventually(t, func() bool {
		snap, _ := e.Snapshot(ctx)
		return len(snap) == 2
	}, time.Second, 5*time.Millisecond)

	_, err := e.Mutate(ctx, Action{Op: models.OpUpdate, TargetID: "p1", Fields: models.Payload{"price": 6.0}})
	require.NoError(t, err)

	events <- realtime.Event{Kind: realtime.EventChange, Change: &models.RealtimeEvent{
		Type: models.EventDelete, Collection: "products", EntityID: "p1", Version: 3,
	}}
	require.Eventually(t, func() bool { return len(n.all()) == 1 }, time.Second, 5*time.Millisecond)

	got := n.all()[0]
	assert.Equal(t, NotifyConflict, got.Kind)
	assert.Equal(t, "p1", got.EntityID)
	assert.ErrorIs(t, got.Err, errs.ErrConflict)
	assert.Equal(t, models.OriginFailed, get(t, e, "p1").Origin)
}

func TestEngine_ResyncKeepsPendingFields(t *testing.T) {
	e, _, f, _ := newTestEngine(t, product("p1", 1, models.Payload{"price": 5.0, "title": "Desk"}))
	ctx := context.Background()

	_, err := e.Mutate(ctx, Action{Op: models.OpUpdate, TargetID: "p1", Fields: models.Payload{"price": 8.0}})
	require.NoError(t, err)

	f.set(product("p1", 4, models.Payload{"price": 5.0, "title": "Desk v2"}))
	e.Apply(realtime.Resync())

	require.Eventually(t, func() bool {
		return get(t, e, "p1").Payload["title"] == "Desk v2"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 8.0, get(t, e, "p1").Payload["price"])
	assert.GreaterOrEqual(t, f.count(), 2)
}

func TestEngine_ResyncErrorNotifies(t *testing.T) {
	e, _, f, n := newTestEngine(t)
	f.mu.Lock()
	f.err = errs.Transient(errors.New("offline"))
	f.mu.Unlock()

	e.Resync()
	require.Eventually(t, func() bool { return len(n.all()) >= 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, NotifySyncError, n.all()[0].Kind)
}

func TestEngine_RestoreAfterRestart(t *testing.T) {
	e, _, _, _ := newTestEngine(t, product("p1", 1, models.Payload{"price": 5.0}))

	e.Restore([]*models.MutationIntent{
		{ID: "i1", Collection: "products", TargetID: "p1", Operation: models.OpUpdate,
			PreviousSnapshot: models.Payload{"price": 5.0}, ProposedValue: models.Payload{"price": 20.0}},
		{ID: "i2", Collection: "products", TargetID: "tmp-x", Operation: models.OpCreate,
			ProposedValue: models.Payload{"title": "Chair"}},
	})

	require.Eventually(t, func() bool {
		snap, _ := e.Snapshot(context.Background())
		return len(snap) == 2
	}, time.Second, 5*time.Millisecond)

	ent := get(t, e, "p1")
	assert.Equal(t, 20.0, ent.Payload["price"])
	assert.Equal(t, models.OriginPending, ent.Origin)
	assert.Equal(t, models.OriginPending, get(t, e, "tmp-x").Origin)
}

func TestEngine_Watch(t *testing.T) {
	e, _, _, _ := newTestEngine(t, product("p1", 1, models.Payload{"price": 5.0}))
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := e.Watch(ctx)
	require.NoError(t, err)
	initial := <-ch
	require.Len(t, initial, 1)

	_, err = e.Mutate(ctx, Action{Op: models.OpDelete, TargetID: "p1"})
	require.NoError(t, err)

	select {
	case snap := <-ch:
		assert.Empty(t, snap)
	case <-time.After(time.Second):
		t.Fatal("no snapshot after mutation")
	}

	cancel()
	timeout := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("watch channel not closed")
		}
	}
}

func TestEngine_Closed(t *testing.T) {
	e := NewEngine(NewCollection("products"), &mockQueue{}, nil)
	e.Start(context.Background())
	e.Close()

	_, err := e.Mutate(context.Background(), Action{Op: models.OpCreate})
	assert.ErrorIs(t, err, ErrClosed)
	e.Deliver(models.MutationResult{})
	e.Close()
}

func TestEngine_Ready(t *testing.T) {
	f := &mockFetcher{err: errs.Transient(errors.New("offline"))}
	e := NewEngine(NewCollection("products"), &mockQueue{}, f)
	e.Start(context.Background())
	t.Cleanup(e.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, e.Ready(ctx), errs.ErrTransient)

	f.mu.Lock()
	f.err = nil
	f.records = []*models.Entity{product("p1", 1, models.Payload{"price": 5.0})}
	f.mu.Unlock()

	require.NoError(t, e.Ready(ctx))
	snap, err := e.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap, 1)

	// после загрузки ждать нечего
	require.NoError(t, e.Ready(ctx))
}

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iudanet/campusmarket/internal/client/realtime"
	"github.com/iudanet/campusmarket/internal/errs"
	"github.com/iudanet/campusmarket/internal/models"
)

// ErrClosed is returned by Engine methods after Close.
var ErrClosed = errors.New("reconcile: engine closed")

// Queue принимает интенты для отправки на сервер
type Queue interface {
	Enqueue(ctx context.Context, intent *models.MutationIntent) error
}

// Fetcher загружает полный снимок таблицы
type Fetcher interface {
	List(ctx context.Context, table string, filter map[string]string) ([]*models.Entity, error)
}

// NotificationKind тип уведомления пользователю
type NotificationKind string

const (
	NotifyRollback  NotificationKind = "rollback"
	NotifyConflict  NotificationKind = "conflict"
	NotifyCancelled NotificationKind = "cancelled"
	NotifySyncError NotificationKind = "sync-error"
)

// Notification is emitted for every rollback, conflict, cancelled follower and failed resync.
type Notification struct {
	Err        error
	Collection string
	EntityID   string
	IntentID   string
	Operation  models.Operation
	Kind       NotificationKind
}

// EngineOption настраивает Engine
type EngineOption func(*Engine)

// WithFilter ограничивает снимок таблицы фильтром равенства
func WithFilter(filter map[string]string) EngineOption {
	return func(e *Engine) { e.filter = filter }
}

// WithNotifier задает получателя уведомлений. Вызывается из цикла движка.
func WithNotifier(fn func(Notification)) EngineOption {
	return func(e *Engine) { e.notify = fn }
}

// WithLogger задает логгер
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithSyncHook is called from the engine loop after every successful full resync.
func WithSyncHook(fn func(at time.Time)) EngineOption {
	return func(e *Engine) { e.onSync = fn }
}

// WithUnmatched receives restored intents whose entity is absent from the
// synced view. Called from the engine loop, so fn must not block.
func WithUnmatched(fn func(intents []*models.MutationIntent)) EngineOption {
	return func(e *Engine) { e.unmatched = fn }
}

type (
	mutateMsg struct {
		reply  chan mutateReply
		ctx    context.Context
		action Action
	}
	mutateReply struct {
		intent *models.MutationIntent
		err    error
	}
	resultMsg   struct{ res models.MutationResult }
	eventMsg    struct{ ev realtime.Event }
	resyncMsg   struct{}
	restoreMsg  struct{ intents []*models.MutationIntent }
	snapshotMsg struct{ reply chan []*models.Entity }
	readyMsg    struct{ reply chan error }
	getMsg      struct {
		reply chan *models.Entity
		id    string
	}
	discardMsg struct {
		reply chan bool
		id    string
	}
	resetMsg struct {
		err     error
		records []*models.Entity
	}
	watchMsg struct {
		ch     chan []*models.Entity
		remove bool
	}
)

// Engine owns a Collection and serializes every change to it through one
// goroutine: local mutations, outbox results, realtime events and resyncs.
type Engine struct {
	ctx      context.Context
	coll     *Collection
	queue    Queue
	fetcher  Fetcher
	logger   *zap.Logger
	notify   func(Notification)
	onSync   func(time.Time)
	msgs     chan any
	done     chan struct{}
	cancel   context.CancelFunc
	filter   map[string]string
	watchers map[chan []*models.Entity]struct{}
	backlog  []*models.MutationIntent // интенты, ждущие появления своей сущности
	waiters  []chan error
	wg       sync.WaitGroup

	// unmatched получает интенты, для которых в представлении нет сущности
	unmatched func([]*models.MutationIntent)

	fetching bool
	refetch  bool
	synced   bool
}

// NewEngine создает движок над коллекцией. Цикл запускается Start.
func NewEngine(coll *Collection, queue Queue, fetcher Fetcher, opts ...EngineOption) *Engine {
	e := &Engine{
		coll:     coll,
		queue:    queue,
		fetcher:  fetcher,
		logger:   zap.NewNop(),
		notify:   func(Notification) {},
		msgs:     make(chan any, 64),
		done:     make(chan struct{}),
		watchers: make(map[chan []*models.Entity]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("collection", coll.Name()))
	return e
}

// Name возвращает имя таблицы
func (e *Engine) Name() string {
	return e.coll.Name()
}

// Start запускает цикл и первичную загрузку снимка
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.loop()
	e.Resync()
}

// Close останавливает цикл. Последующие доставки игнорируются.
func (e *Engine) Close() {
	select {
	case <-e.done:
		return
	default:
	}
	if e.cancel == nil {
		// цикл не запускался
		close(e.done)
		return
	}
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) send(ctx context.Context, m any) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	select {
	case e.msgs <- m:
		return nil
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Mutate применяет действие локально и ставит интент в очередь отправки,
// не дожидаясь сети. Если очередь не приняла интент, изменение откатывается.
func (e *Engine) Mutate(ctx context.Context, a Action) (*models.MutationIntent, error) {
	reply := make(chan mutateReply, 1)
	if err := e.send(ctx, mutateMsg{ctx: ctx, action: a, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.intent, r.err
	case <-e.done:
		return nil, ErrClosed
	}
}

// Deliver передает движку итог операции из офлайн-очереди
func (e *Engine) Deliver(res models.MutationResult) {
	if err := e.send(context.Background(), resultMsg{res: res}); err != nil {
		e.logger.Debug("result dropped", zap.String("intent", res.Op.ID), zap.Error(err))
	}
}

// Apply передает движку событие realtime подписки
func (e *Engine) Apply(ev realtime.Event) {
	_ = e.send(context.Background(), eventMsg{ev: ev})
}

// Attach forwards events from a subscription into the loop until the channel
// closes, ctx ends or the engine is closed.
func (e *Engine) Attach(ctx context.Context, events <-chan realtime.Event) {
	go func() {
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := e.send(ctx, eventMsg{ev: ev}); err != nil {
					return
				}
			case <-ctx.Done():
				return
			case <-e.done:
				return
			}
		}
	}()
}

// Resync запрашивает полную перезагрузку снимка с сервера
func (e *Engine) Resync() {
	_ = e.send(context.Background(), resyncMsg{})
}

// Restore re-attaches intents persisted by the outbox before a restart.
// Intents whose entity is not loaded yet are retried after every resync.
func (e *Engine) Restore(intents []*models.MutationIntent) {
	if len(intents) == 0 {
		return
	}
	_ = e.send(context.Background(), restoreMsg{intents: intents})
}

// Snapshot возвращает видимые сущности в порядке отображения
func (e *Engine) Snapshot(ctx context.Context) ([]*models.Entity, error) {
	reply := make(chan []*models.Entity, 1)
	if err := e.send(ctx, snapshotMsg{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-e.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ready blocks until the first full snapshot is loaded. If no snapshot has
// been loaded yet, it waits for the next fetch and returns that fetch's error.
func (e *Engine) Ready(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := e.send(ctx, readyMsg{reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get возвращает сущность по серверному или временному id
func (e *Engine) Get(ctx context.Context, id string) (*models.Entity, error) {
	reply := make(chan *models.Entity, 1)
	if err := e.send(ctx, getMsg{id: id, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case ent := <-reply:
		if ent == nil {
			return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, id)
		}
		return ent, nil
	case <-e.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Discard убирает из списка сущность в состоянии optimistic-failed
func (e *Engine) Discard(ctx context.Context, id string) (bool, error) {
	reply := make(chan bool, 1)
	if err := e.send(ctx, discardMsg{id: id, reply: reply}); err != nil {
		return false, err
	}
	select {
	case ok := <-reply:
		return ok, nil
	case <-e.done:
		return false, ErrClosed
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Watch returns a channel receiving the latest snapshot after every change.
// Intermediate snapshots are coalesced for slow readers. The channel is
// closed when ctx ends or the engine stops. Snapshots are shared between
// watchers and must not be modified.
func (e *Engine) Watch(ctx context.Context) (<-chan []*models.Entity, error) {
	ch := make(chan []*models.Entity, 1)
	if err := e.send(ctx, watchMsg{ch: ch}); err != nil {
		return nil, err
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = e.send(context.Background(), watchMsg{ch: ch, remove: true})
		case <-e.done:
		}
	}()
	return ch, nil
}

func (e *Engine) loop() {
	defer e.wg.Done()
	defer func() {
		close(e.done)
		for ch := range e.watchers {
			close(ch)
		}
	}()

	for {
		select {
		case <-e.ctx.Done():
			return
		case m := <-e.msgs:
			if e.handle(m) {
				e.publish()
			}
		}
	}
}

// handle обрабатывает одно сообщение и сообщает, изменилось ли видимое состояние
func (e *Engine) handle(m any) bool {
	switch m := m.(type) {
	case mutateMsg:
		return e.handleMutate(m)
	case resultMsg:
		return e.handleResult(m.res)
	case eventMsg:
		return e.handleEvent(m.ev)
	case resyncMsg:
		e.startFetch()
	case resetMsg:
		return e.handleReset(m)
	case restoreMsg:
		e.backlog = append(e.backlog, m.intents...)
		return e.drainBacklog()
	case snapshotMsg:
		m.reply <- e.coll.Entities()
	case readyMsg:
		if e.synced || e.fetcher == nil {
			m.reply <- nil
			return false
		}
		e.waiters = append(e.waiters, m.reply)
		if !e.fetching {
			e.startFetch()
		}
	case getMsg:
		ent, _ := e.coll.Get(m.id)
		if ent == nil {
			if cur, ok := e.coll.find(m.id, m.id); ok {
				ent = cur.entity.Clone()
			}
		}
		m.reply <- ent
	case discardMsg:
		ok := e.coll.Discard(m.id)
		m.reply <- ok
		return ok
	case watchMsg:
		if m.remove {
			if _, ok := e.watchers[m.ch]; ok {
				delete(e.watchers, m.ch)
				close(m.ch)
			}
			return false
		}
		e.watchers[m.ch] = struct{}{}
		m.ch <- e.coll.Entities()
	}
	return false
}

func (e *Engine) handleMutate(m mutateMsg) bool {
	intent, err := e.coll.Mutate(m.action)
	if err != nil {
		m.reply <- mutateReply{err: err}
		return false
	}

	if err := e.queue.Enqueue(m.ctx, intent); err != nil {
		e.coll.Rollback(intent.ID)
		e.logger.Error("failed to enqueue mutation",
			zap.String("intent", intent.ID),
			zap.String("target", intent.TargetID),
			zap.Error(err))
		m.reply <- mutateReply{err: fmt.Errorf("failed to enqueue mutation: %w", err)}
		return true
	}

	e.logger.Debug("mutation applied",
		zap.String("intent", intent.ID),
		zap.String("op", string(intent.Operation)),
		zap.String("target", intent.TargetID))
	m.reply <- mutateReply{intent: intent}
	return true
}

func (e *Engine) handleResult(res models.MutationResult) bool {
	op := res.Op
	if res.Succeeded() {
		if !e.coll.Confirm(op.ID, res.Server) {
			e.logger.Debug("confirmation ignored", zap.String("intent", op.ID))
			return false
		}
		return true
	}

	rb := e.coll.Rollback(op.ID)
	switch rb.Status {
	case RollbackDuplicate:
		// откат уже выполнен вместе с головной операцией
		e.logger.Debug("rollback already applied", zap.String("intent", op.ID), zap.Error(res.Err))
		return false
	case RollbackEntityGone:
		e.logger.Warn("mutation failed, entity gone",
			zap.String("intent", op.ID), zap.String("target", op.TargetID), zap.Error(res.Err))
	default:
		e.logger.Warn("mutation rolled back",
			zap.String("intent", op.ID), zap.String("target", rb.EntityID), zap.Error(res.Err))
	}

	kind := NotifyRollback
	if errors.Is(res.Err, errs.ErrCancelled) {
		kind = NotifyCancelled
	}
	entityID := rb.EntityID
	if entityID == "" {
		entityID = op.TargetID
	}
	e.notify(Notification{
		Kind:       kind,
		Collection: e.coll.Name(),
		EntityID:   entityID,
		IntentID:   op.ID,
		Operation:  op.Operation,
		Err:        res.Err,
	})
	for _, in := range rb.Cancelled {
		e.notify(Notification{
			Kind:       NotifyCancelled,
			Collection: e.coll.Name(),
			EntityID:   rb.EntityID,
			IntentID:   in.ID,
			Operation:  in.Operation,
			Err:        fmt.Errorf("%w: %w", errs.ErrCancelled, res.Err),
		})
	}
	return rb.Status == RollbackApplied
}

func (e *Engine) handleEvent(ev realtime.Event) bool {
	switch ev.Kind {
	case realtime.EventResync:
		e.startFetch()
		return false
	case realtime.EventChange:
		if ev.Change == nil {
			return false
		}
	default:
		return false
	}

	outcome := e.coll.ApplyEvent(*ev.Change)
	switch outcome {
	case EventApplied:
		return true
	case EventConflict:
		e.logger.Warn("remote delete conflicts with local change", zap.String("entity", ev.Change.EntityID))
		e.notify(Notification{
			Kind:       NotifyConflict,
			Collection: e.coll.Name(),
			EntityID:   ev.Change.EntityID,
			Err:        fmt.Errorf("%w: %s was deleted remotely", errs.ErrConflict, ev.Change.EntityID),
		})
		return true
	case EventStale, EventSuppressed:
		e.logger.Debug("event skipped",
			zap.String("entity", ev.Change.EntityID),
			zap.Int64("version", ev.Change.Version))
	}
	return false
}

func (e *Engine) startFetch() {
	if e.fetcher == nil {
		return
	}
	if e.fetching {
		e.refetch = true
		return
	}
	e.fetching = true

	ctx := e.ctx
	go func() {
		records, err := e.fetcher.List(ctx, e.coll.Name(), e.filter)
		_ = e.send(ctx, resetMsg{records: records, err: err})
	}()
}

func (e *Engine) handleReset(m resetMsg) bool {
	e.fetching = false
	changed := false

	if m.err != nil {
		e.logger.Warn("resync failed", zap.Error(m.err))
		e.notify(Notification{
			Kind:       NotifySyncError,
			Collection: e.coll.Name(),
			Err:        m.err,
		})
	} else {
		e.coll.Reset(m.records)
		e.synced = true
		e.drainBacklog()
		changed = true
		if e.onSync != nil {
			e.onSync(time.Now())
		}
	}

	for _, w := range e.waiters {
		w <- m.err
	}
	e.waiters = nil

	if e.refetch {
		e.refetch = false
		e.startFetch()
	}
	return changed
}

func (e *Engine) drainBacklog() bool {
	if len(e.backlog) == 0 {
		return false
	}
	restored := false
	var orphans []*models.MutationIntent
	rest := e.backlog[:0]
	for _, in := range e.backlog {
		if e.coll.Restore(in) {
			restored = true
			continue
		}
		if e.synced && in.Operation != models.OpCreate {
			// после полного снимка сущности в этом представлении нет
			e.logger.Debug("pending intent has no entity in view",
				zap.String("intent", in.ID), zap.String("target", in.TargetID))
			orphans = append(orphans, in)
			continue
		}
		rest = append(rest, in)
	}
	e.backlog = rest
	if len(orphans) > 0 && e.unmatched != nil {
		e.unmatched(orphans)
	}
	return restored
}

func (e *Engine) publish() {
	if len(e.watchers) == 0 {
		return
	}
	snap := e.coll.Entities()
	for ch := range e.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

// Package app wires the client sync layer together: local store, HTTP API,
// session, offline queue, realtime listener and one engine per opened view.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	clientapi "github.com/iudanet/campusmarket/internal/client/api"
	"github.com/iudanet/campusmarket/internal/client/auth"
	"github.com/iudanet/campusmarket/internal/client/chat"
	"github.com/iudanet/campusmarket/internal/client/outbox"
	"github.com/iudanet/campusmarket/internal/client/realtime"
	"github.com/iudanet/campusmarket/internal/client/reconcile"
	"github.com/iudanet/campusmarket/internal/client/storage/boltdb"
	"github.com/iudanet/campusmarket/internal/client/typing"
	"github.com/iudanet/campusmarket/internal/config"
	"github.com/iudanet/campusmarket/internal/errs"
	"github.com/iudanet/campusmarket/internal/models"
	"github.com/iudanet/campusmarket/internal/validation"
)

var (
	// ErrNotInitialized is returned when the App is used before Init or after Teardown.
	ErrNotInitialized = errors.New("app is not initialized")
	// ErrAlreadyInitialized is returned by a second Init.
	ErrAlreadyInitialized = errors.New("app is already initialized")
)

// Options дополнительные зависимости App
type Options struct {
	Logger     *zap.Logger
	HTTPClient *http.Client
	// Notifier получает откаты, конфликты и ошибки синхронизации всех представлений
	Notifier func(reconcile.Notification)
	// Offline не подключает realtime; очередь отправляется только после SetOnline(true)
	Offline bool
}

type view struct {
	engine *reconcile.Engine
	sub    *realtime.Subscription
	table  string
	filter map[string]string
}

// App is the explicitly constructed client context. Nothing is shared
// between App values.
type App struct {
	cfg      config.Client
	opts     Options
	logger   *zap.Logger
	store    *boltdb.Storage
	api      *clientapi.Client
	auth     *auth.Service
	outbox   *outbox.Outbox
	listener *realtime.Listener
	typing   *typing.Sender

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	views      map[string]*view
	chats      map[string]*chat.Conversation
	indicators []*typing.Indicator
	owners     map[string]*view // intent id -> представление, которое его создало
	pending    []*models.QueuedOperation
	// intent id -> ключи представлений, в снимке которых не нашлось сущности
	tried      map[string]map[string]struct{}
	mu         sync.Mutex
	started    bool
}

// New создает App. Ресурсы открываются в Init.
func New(cfg config.Client, opts Options) *App {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:    cfg,
		opts:   opts,
		logger: logger,
	}
}

// Init opens the local store, restores the offline queue and starts the
// background loops. ctx bounds the lifetime of those loops.
func (a *App) Init(ctx context.Context) (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return ErrAlreadyInitialized
	}
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid client config: %w", err)
	}

	store, err := boltdb.New(ctx, a.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open local database: %w", err)
	}
	defer func() {
		if err != nil {
			_ = store.Close()
		}
	}()

	apiOpts := []clientapi.Option{
		clientapi.WithTimeout(a.cfg.RequestTimeout),
		clientapi.WithLogger(a.logger),
	}
	if a.opts.HTTPClient != nil {
		apiOpts = append(apiOpts, clientapi.WithHTTPClient(a.opts.HTTPClient))
	}
	api := clientapi.NewClient(a.cfg.ServerURL, apiOpts...)
	authSvc := auth.NewService(api, store, a.logger)
	api.SetTokenSource(authSvc)

	ob := outbox.New(store, api, outbox.Config{
		BaseBackoff:   a.cfg.Outbox.BaseBackoff,
		MaxBackoff:    a.cfg.Outbox.MaxBackoff,
		FlushInterval: a.cfg.Outbox.FlushInterval,
		MaxRetries:    a.cfg.Outbox.MaxRetries,
	}, a.logger)
	ob.OnResult(a.route)

	listener, err := realtime.NewListener(a.cfg.ServerURL, authSvc, realtime.Options{
		Logger:        a.logger,
		ReconnectBase: a.cfg.Realtime.ReconnectBase,
		ReconnectMax:  a.cfg.Realtime.ReconnectMax,
		PingInterval:  a.cfg.Realtime.PingInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to create realtime listener: %w", err)
	}
	if !a.opts.Offline {
		listener.OnConnectivity(ob.SetOnline)
	}

	pending, err := ob.Pending(ctx)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		a.logger.Info("restored offline queue", zap.Int("operations", len(pending)))
	}

	a.store = store
	a.api = api
	a.auth = authSvc
	a.outbox = ob
	a.listener = listener
	a.pending = pending
	a.views = make(map[string]*view)
	a.chats = make(map[string]*chat.Conversation)
	a.owners = make(map[string]*view)
	a.tried = make(map[string]map[string]struct{})

	runCtx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(runCtx)
	a.ctx, a.cancel, a.group = gctx, cancel, group

	group.Go(func() error { return ob.Run(gctx) })
	if !a.opts.Offline {
		group.Go(func() error { return a.runRealtime(gctx) })
	}

	a.started = true
	return nil
}

// Teardown останавливает фоновые циклы и закрывает локальное хранилище
func (a *App) Teardown() error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	views := a.views
	indicators := a.indicators
	a.views, a.chats, a.indicators = nil, nil, nil
	a.mu.Unlock()

	a.cancel()
	var result []error
	if err := a.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		result = append(result, err)
	}
	for _, v := range views {
		if v.sub != nil {
			v.sub.Close()
		}
		v.engine.Close()
	}
	for _, ind := range indicators {
		ind.Stop()
	}
	a.listener.Close()
	if err := a.store.Close(); err != nil {
		result = append(result, fmt.Errorf("failed to close local database: %w", err))
	}
	return errors.Join(result...)
}

// Auth возвращает сервис сессии
func (a *App) Auth() *auth.Service { return a.auth }

// API возвращает HTTP клиент
func (a *App) API() *clientapi.Client { return a.api }

// Outbox возвращает офлайн-очередь
func (a *App) Outbox() *outbox.Outbox { return a.outbox }

// SetOnline overrides connectivity. Realtime connection changes still feed the
// queue unless the App was created with Options.Offline.
func (a *App) SetOnline(online bool) {
	if a.outbox != nil {
		a.outbox.SetOnline(online)
	}
}

// Open returns the engine for table filtered by equality on filter, creating
// and starting it on first use. Queued operations for the view are restored
// into it.
func (a *App) Open(ctx context.Context, table string, filter map[string]string) (*reconcile.Engine, error) {
	if err := validation.ValidateTable(table); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil, ErrNotInitialized
	}

	key := viewKey(table, filter)
	if v, ok := a.views[key]; ok {
		return v.engine, nil
	}

	v := &view{table: table, filter: filter}
	v.engine = reconcile.NewEngine(
		reconcile.NewCollection(table),
		viewQueue{app: a, view: v},
		a.api,
		reconcile.WithFilter(filter),
		reconcile.WithNotifier(a.notify),
		reconcile.WithLogger(a.logger),
		reconcile.WithSyncHook(func(at time.Time) { a.saveSync(table, at) }),
		reconcile.WithUnmatched(func(intents []*models.MutationIntent) { a.rebind(v, intents) }),
	)

	var restore []*models.MutationIntent
	rest := a.pending[:0]
	for _, op := range a.pending {
		if op.Collection != table || !matches(op, filter) || a.triedLocked(op.ID, key) {
			rest = append(rest, op)
			continue
		}
		in := op.MutationIntent
		restore = append(restore, &in)
		a.owners[op.ID] = v
	}
	a.pending = rest

	v.engine.Start(a.ctx)
	v.engine.Restore(restore)
	v.sub = a.listener.Subscribe(viewKey(table, filter), table, filter)
	v.engine.Attach(a.ctx, v.sub.Events())

	a.views[key] = v
	return v.engine, nil
}

// Chat открывает беседу от имени текущего пользователя
func (a *App) Chat(ctx context.Context, conversationID string) (*chat.Conversation, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation id is empty", errs.ErrValidation)
	}
	if !a.isStarted() {
		return nil, ErrNotInitialized
	}
	sess, err := a.auth.CurrentSession(ctx)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: sign in to open chats", errs.ErrAuth)
	}

	a.mu.Lock()
	c, ok := a.chats[conversationID]
	a.mu.Unlock()
	if ok {
		return c, nil
	}

	engine, err := a.Open(ctx, chat.Table, chat.Filter(conversationID))
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil, ErrNotInitialized
	}
	if c, ok := a.chats[conversationID]; ok {
		return c, nil
	}
	if a.typing == nil {
		a.typing = typing.NewSender(a.listener, sess.User.ID, a.cfg.Typing.Throttle, a.logger)
	}
	ind := typing.NewIndicator(conversationID, sess.User.ID, a.cfg.Typing.Expiry, a.logger)
	sub := a.listener.Subscribe(typing.Channel(conversationID), "", nil)
	ctx = a.ctx
	a.group.Go(func() error {
		defer sub.Close()
		ind.Consume(ctx, sub.Events())
		return nil
	})

	c = chat.NewConversation(conversationID, sess.User.ID, engine, a.typing, ind)
	a.chats[conversationID] = c
	a.indicators = append(a.indicators, ind)
	return c, nil
}

// LastSync возвращает время последней полной синхронизации таблицы (zero, если ее не было)
func (a *App) LastSync(ctx context.Context, table string) (time.Time, error) {
	if !a.isStarted() {
		return time.Time{}, ErrNotInitialized
	}
	ts, err := a.store.GetLastSyncTimestamp(ctx, table)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last sync: %w", err)
	}
	if ts == 0 {
		return time.Time{}, nil
	}
	return time.Unix(ts, 0), nil
}

func (a *App) isStarted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}

// runRealtime держит соединение; без сессии ждет входа пользователя
func (a *App) runRealtime(ctx context.Context) error {
	events, unsubscribe := a.auth.Subscribe()
	defer unsubscribe()

	for {
		err := a.listener.Run(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, errs.ErrAuth) {
			// очередь продолжает работать по явному SetOnline
			a.logger.Error("realtime listener stopped", zap.Error(err))
			return nil
		}
		a.logger.Info("realtime paused until sign in", zap.Error(err))
		if !waitSignedIn(ctx, events) {
			return nil
		}
	}
}

func waitSignedIn(ctx context.Context, events <-chan auth.Event) bool {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			if ev.Change == auth.SignedIn {
				return true
			}
		case <-ctx.Done():
			return false
		}
	}
}

// route передает итог операции очереди представлению, создавшему интент
func (a *App) route(res models.MutationResult) {
	a.mu.Lock()
	v, ok := a.owners[res.Op.ID]
	delete(a.owners, res.Op.ID)
	delete(a.tried, res.Op.ID)
	// операция завершена, восстанавливать ее в новых представлениях нельзя
	a.pending = slices.DeleteFunc(a.pending, func(op *models.QueuedOperation) bool { return op.ID == res.Op.ID })
	a.mu.Unlock()

	if ok {
		v.engine.Deliver(res)
		return
	}
	if res.Succeeded() {
		a.logger.Debug("queued operation acknowledged",
			zap.String("intent", res.Op.ID), zap.String("collection", res.Op.Collection))
		return
	}

	kind := reconcile.NotifyRollback
	if errors.Is(res.Err, errs.ErrCancelled) {
		kind = reconcile.NotifyCancelled
	}
	a.notify(reconcile.Notification{
		Kind:       kind,
		Collection: res.Op.Collection,
		EntityID:   res.Op.TargetID,
		IntentID:   res.Op.ID,
		Operation:  res.Op.Operation,
		Err:        res.Err,
	})
}

func (a *App) notify(n reconcile.Notification) {
	a.logger.Debug("sync notification",
		zap.String("collection", n.Collection),
		zap.String("entity", n.EntityID),
		zap.Error(n.Err))
	if a.opts.Notifier != nil {
		a.opts.Notifier(n)
	}
}

func (a *App) saveSync(table string, at time.Time) {
	if err := a.store.SaveLastSyncTimestamp(context.Background(), table, at.Unix()); err != nil {
		a.logger.Warn("failed to save last sync", zap.String("table", table), zap.Error(err))
	}
}

func (a *App) claim(intentID string, v *view) {
	a.mu.Lock()
	if a.owners != nil {
		a.owners[intentID] = v
	}
	a.mu.Unlock()
}

func (a *App) release(intentID string) {
	a.mu.Lock()
	delete(a.owners, intentID)
	a.mu.Unlock()
}

// viewQueue запоминает владельца интента до постановки в очередь
type viewQueue struct {
	app  *App
	view *view
}

func (q viewQueue) Enqueue(ctx context.Context, intent *models.MutationIntent) error {
	q.app.claim(intent.ID, q.view)
	if err := q.app.outbox.Enqueue(ctx, intent); err != nil {
		q.app.release(intent.ID)
		return err
	}
	return nil
}

// viewKey is also the realtime channel name: "products", "messages:<conversation>".
func viewKey(table string, filter map[string]string) string {
	if len(filter) == 0 {
		return table
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]string, 0, len(keys))
	for _, k := range keys {
		values = append(values, filter[k])
	}
	return table + ":" + strings.Join(values, ",")
}

// rebind передает восстановленные интенты, сущности которых нет в представлении
// from, другому открытому представлению той же таблицы. Если такого нет,
// интенты ждут следующего Open.
func (a *App) rebind(from *view, intents []*models.MutationIntent) {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	fromKey := viewKey(from.table, from.filter)
	handoff := make(map[*view][]*models.MutationIntent)
	var order []*view
	for _, in := range intents {
		if a.owners[in.ID] != from {
			// результат уже получен
			continue
		}
		delete(a.owners, in.ID)
		if a.tried[in.ID] == nil {
			a.tried[in.ID] = make(map[string]struct{})
		}
		a.tried[in.ID][fromKey] = struct{}{}

		if next := a.untriedViewLocked(in); next != nil {
			a.owners[in.ID] = next
			if _, ok := handoff[next]; !ok {
				order = append(order, next)
			}
			handoff[next] = append(handoff[next], in)
			continue
		}
		a.pending = append(a.pending, &models.QueuedOperation{MutationIntent: *in})
	}
	a.mu.Unlock()

	for _, v := range order {
		// Restore пишет в цикл другого движка, вызывающий цикл не блокируем
		go v.engine.Restore(handoff[v])
	}
}

func (a *App) untriedViewLocked(in *models.MutationIntent) *view {
	keys := make([]string, 0, len(a.views))
	for k := range a.views {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := a.views[k]
		if v.table == in.Collection && !a.triedLocked(in.ID, k) {
			return v
		}
	}
	return nil
}

func (a *App) triedLocked(intentID, key string) bool {
	_, ok := a.tried[intentID][key]
	return ok
}

// matches проверяет, что операция из очереди относится к представлению.
// Для create сверяются поля фильтра. Изменения существующих записей
// предлагаются представлениям таблицы по очереди, пока одно из них не
// найдет сущность в своем снимке.
func matches(op *models.QueuedOperation, filter map[string]string) bool {
	if op.Operation != models.OpCreate {
		return true
	}
	for k, want := range filter {
		if op.ProposedValue.String(k) != want {
			return false
		}
	}
	return true
}

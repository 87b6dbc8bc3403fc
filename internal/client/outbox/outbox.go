// Package outbox implements the persistent offline queue. Operations are
// stored in bbolt, replayed in enqueue order per target and retried with
// exponential backoff while the client is online.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iudanet/campusmarket/internal/client/storage"
	"github.com/iudanet/campusmarket/internal/errs"
	"github.com/iudanet/campusmarket/internal/models"
)

// ErrOffline is returned by Flush while the queue is offline.
var ErrOffline = errors.New("outbox: offline")

// Sender выполняет операцию на сервере
type Sender interface {
	Send(ctx context.Context, op *models.QueuedOperation) (*models.Entity, error)
}

// Config настройки очереди
type Config struct {
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	FlushInterval time.Duration
	MaxRetries    int
	Parallelism   int // сколько целей реплеится одновременно
}

// DefaultConfig возвращает настройки по умолчанию
func DefaultConfig() Config {
	return Config{
		BaseBackoff:   500 * time.Millisecond,
		MaxBackoff:    30 * time.Second,
		FlushInterval: 10 * time.Second,
		MaxRetries:    5,
		Parallelism:   4,
	}
}

// Outbox is the offline queue.
type Outbox struct {
	store   storage.OutboxStorage
	sender  Sender
	logger  *zap.Logger
	handler func(models.MutationResult)
	kick    chan struct{}
	aliases map[string]string // временный id -> серверный id
	// onlineCtx отменяется при переходе в офлайн, прерывая текущие запросы
	onlineCtx    context.Context
	cancelOnline context.CancelFunc
	cfg          Config
	mu           sync.Mutex
	flushMu      sync.Mutex
}

// New создает очередь. Изначально очередь офлайн.
func New(store storage.OutboxStorage, sender Sender, cfg Config, logger *zap.Logger) *Outbox {
	def := DefaultConfig()
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{
		store:   store,
		sender:  sender,
		logger:  logger,
		cfg:     cfg,
		handler: func(models.MutationResult) {},
		kick:    make(chan struct{}, 1),
		aliases: make(map[string]string),
	}
}

// OnResult задает обработчик итогов операций. Обработчик вызывается из горутин
// реплея, по одной операции за раз для каждой цели.
func (o *Outbox) OnResult(fn func(models.MutationResult)) {
	o.mu.Lock()
	o.handler = fn
	o.mu.Unlock()
}

// Enqueue persists the intent and schedules a flush. It never waits for the network.
func (o *Outbox) Enqueue(ctx context.Context, intent *models.MutationIntent) error {
	op := &models.QueuedOperation{
		MutationIntent: *intent.Clone(),
		Status:         models.StatusPending,
	}

	o.mu.Lock()
	if id, ok := o.aliases[op.TargetID]; ok && op.Operation != models.OpCreate {
		op.TargetID = id
	}
	o.mu.Unlock()

	if err := o.store.AppendOperation(ctx, op); err != nil {
		return fmt.Errorf("failed to persist operation: %w", err)
	}

	o.logger.Debug("operation enqueued",
		zap.Uint64("seq", op.Seq),
		zap.String("intent", op.ID),
		zap.String("op", string(op.Operation)),
		zap.String("target", op.TargetID))
	o.Kick()
	return nil
}

// Kick schedules a flush without blocking.
func (o *Outbox) Kick() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// SetOnline переключает состояние сети. Переход в офлайн прерывает текущие
// запросы, их операции возвращаются в pending.
func (o *Outbox) SetOnline(online bool) {
	o.mu.Lock()
	switch {
	case online && o.onlineCtx == nil:
		o.onlineCtx, o.cancelOnline = context.WithCancel(context.Background())
		o.mu.Unlock()
		o.logger.Info("outbox online")
		o.Kick()
		return
	case !online && o.onlineCtx != nil:
		o.cancelOnline()
		o.onlineCtx, o.cancelOnline = nil, nil
		o.mu.Unlock()
		o.logger.Info("outbox offline")
		return
	}
	o.mu.Unlock()
}

// Online reports the current connectivity state.
func (o *Outbox) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.onlineCtx != nil
}

// Pending возвращает незавершенные операции в порядке постановки
func (o *Outbox) Pending(ctx context.Context) ([]*models.QueuedOperation, error) {
	ops, err := o.store.ListOperations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	out := ops[:0]
	for _, op := range ops {
		if !op.Status.Terminal() {
			out = append(out, op)
		}
	}
	return out, nil
}

// Run flushes on every enqueue, on going online and on a periodic tick until ctx ends.
func (o *Outbox) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.kick:
		case <-ticker.C:
		}

		if err := o.Flush(ctx); err != nil && !errors.Is(err, ErrOffline) && ctx.Err() == nil {
			o.logger.Error("outbox flush failed", zap.Error(err))
		}
	}
}

// Flush replays all pending operations once: sequentially per target, targets
// in parallel. It returns after every target finished or the queue went offline.
func (o *Outbox) Flush(ctx context.Context) error {
	o.flushMu.Lock()
	defer o.flushMu.Unlock()

	o.mu.Lock()
	onlineCtx := o.onlineCtx
	handler := o.handler
	o.mu.Unlock()
	if onlineCtx == nil {
		return ErrOffline
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(onlineCtx, cancel)
	defer stop()

	ops, err := o.Pending(runCtx)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	groups, order := groupByTarget(ops)
	o.logger.Debug("outbox flush", zap.Int("operations", len(ops)), zap.Int("targets", len(order)))

	var g errgroup.Group
	g.SetLimit(o.cfg.Parallelism)
	for _, target := range order {
		group := groups[target]
		g.Go(func() error {
			return o.replayTarget(runCtx, group, handler)
		})
	}
	return g.Wait()
}

func groupByTarget(ops []*models.QueuedOperation) (map[string][]*models.QueuedOperation, []string) {
	groups := make(map[string][]*models.QueuedOperation)
	var order []string
	for _, op := range ops {
		if _, ok := groups[op.TargetID]; !ok {
			order = append(order, op.TargetID)
		}
		groups[op.TargetID] = append(groups[op.TargetID], op)
	}
	return groups, order
}

// replayTarget отправляет операции одной цели строго по порядку.
// Постоянная ошибка останавливает цель: оставшиеся операции отменяются.
func (o *Outbox) replayTarget(ctx context.Context, ops []*models.QueuedOperation, handler func(models.MutationResult)) error {
	for i, op := range ops {
		o.resolveAlias(op)

		server, err := o.deliver(ctx, op)
		if ctx.Err() != nil {
			// офлайн или остановка: операция вернется при следующем flush
			op.Status = models.StatusPending
			if uerr := o.store.UpdateOperation(context.WithoutCancel(ctx), op); uerr != nil {
				return fmt.Errorf("failed to return operation to pending: %w", uerr)
			}
			return nil
		}

		if err != nil {
			o.logger.Warn("operation failed permanently",
				zap.String("intent", op.ID),
				zap.String("target", op.TargetID),
				zap.Int("retries", op.RetryCount),
				zap.Error(err))
			if ferr := o.finish(ctx, op, models.StatusFailedPermanent, err); ferr != nil {
				return ferr
			}
			handler(models.MutationResult{Op: *op, Err: err})

			for _, rest := range ops[i+1:] {
				cerr := fmt.Errorf("%w: %w", errs.ErrCancelled, err)
				if ferr := o.finish(ctx, rest, models.StatusFailedPermanent, cerr); ferr != nil {
					return ferr
				}
				handler(models.MutationResult{Op: *rest, Err: cerr})
			}
			return nil
		}

		if op.Operation == models.OpCreate && server != nil && server.ID != "" && server.ID != op.TargetID {
			if rerr := o.retarget(ctx, op.TargetID, server.ID, ops[i+1:]); rerr != nil {
				return rerr
			}
		}
		if ferr := o.finish(ctx, op, models.StatusAcknowledged, nil); ferr != nil {
			return ferr
		}
		handler(models.MutationResult{Op: *op, Server: server})
	}
	return nil
}

// deliver отправляет операцию с повторами для временных ошибок
func (o *Outbox) deliver(ctx context.Context, op *models.QueuedOperation) (*models.Entity, error) {
	remaining := o.cfg.MaxRetries - op.RetryCount
	if remaining <= 0 {
		return nil, fmt.Errorf("%w: %s", errs.ErrRetriesExhausted, op.LastError)
	}

	b := retry.NewExponential(o.cfg.BaseBackoff)
	b = retry.WithCappedDuration(o.cfg.MaxBackoff, b)
	b = retry.WithJitterPercent(10, b)
	b = retry.WithMaxRetries(uint64(remaining-1), b)

	var server *models.Entity
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		op.Status = models.StatusInFlight
		if err := o.store.UpdateOperation(ctx, op); err != nil {
			return fmt.Errorf("failed to mark operation in-flight: %w", err)
		}

		ent, err := o.sender.Send(ctx, op)
		if err == nil {
			server = ent
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errs.Retryable(err) {
			return err
		}

		op.RetryCount++
		op.Status = models.StatusFailedRetryable
		op.LastError = err.Error()
		if uerr := o.store.UpdateOperation(ctx, op); uerr != nil {
			return fmt.Errorf("failed to record retry: %w", uerr)
		}
		o.logger.Debug("operation will be retried",
			zap.String("intent", op.ID),
			zap.Int("retry", op.RetryCount),
			zap.Error(err))
		return retry.RetryableError(err)
	})

	if err != nil && ctx.Err() == nil && errs.Retryable(err) {
		return nil, fmt.Errorf("%w: %w", errs.ErrRetriesExhausted, err)
	}
	return server, err
}

func (o *Outbox) finish(ctx context.Context, op *models.QueuedOperation, status models.QueueStatus, cause error) error {
	op.Status = status
	if cause != nil {
		op.LastError = cause.Error()
	}
	if err := o.store.DeleteOperation(context.WithoutCancel(ctx), op.Seq); err != nil && !errors.Is(err, storage.ErrOperationNotFound) {
		return fmt.Errorf("failed to remove finished operation: %w", err)
	}
	return nil
}

func (o *Outbox) retarget(ctx context.Context, tempID, serverID string, rest []*models.QueuedOperation) error {
	o.mu.Lock()
	o.aliases[tempID] = serverID
	o.mu.Unlock()

	n, err := o.store.RetargetOperations(context.WithoutCancel(ctx), tempID, serverID)
	if err != nil {
		return fmt.Errorf("failed to retarget operations: %w", err)
	}
	for _, op := range rest {
		if op.TargetID == tempID {
			op.TargetID = serverID
		}
	}
	o.logger.Debug("operations retargeted",
		zap.String("from", tempID), zap.String("to", serverID), zap.Int("count", n))
	return nil
}

func (o *Outbox) resolveAlias(op *models.QueuedOperation) {
	if op.Operation == models.OpCreate {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if id, ok := o.aliases[op.TargetID]; ok {
		op.TargetID = id
	}
}

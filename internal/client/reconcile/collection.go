// Package reconcile keeps a local collection of records consistent with the server
// while optimistic mutations are in flight and remote changes keep arriving.
package reconcile

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/campusmarket/internal/models"
)

var (
	// ErrEntityNotFound is returned when an action targets an entity the collection does not hold.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrInvalidAction is returned for malformed actions.
	ErrInvalidAction = errors.New("invalid action")
	// ErrDuplicateID is returned when a create reuses an id already present.
	ErrDuplicateID = errors.New("duplicate entity id")
)

// Action описывает намерение пользователя изменить коллекцию
type Action struct {
	Fields   models.Payload // поля для create/update
	TargetID string         // id сущности; для create можно оставить пустым
	Field    string         // поле для toggle
	Op       models.Operation
}

// RollbackStatus describes what Rollback did.
type RollbackStatus int

const (
	// RollbackApplied means local state was reverted.
	RollbackApplied RollbackStatus = iota
	// RollbackEntityGone means the entity no longer exists; nothing to revert.
	RollbackEntityGone
	// RollbackDuplicate means the intent was already resolved.
	RollbackDuplicate
)

// RollbackResult описывает результат отката
type RollbackResult struct {
	EntityID string
	// Cancelled lists follower intents reverted together with the failed one, newest first.
	Cancelled []*models.MutationIntent
	Status    RollbackStatus
}

// EventOutcome describes how a realtime event was merged.
type EventOutcome int

const (
	EventIgnored EventOutcome = iota
	EventApplied
	EventSuppressed // insert echo of a pending local create
	EventStale
	EventConflict // remote delete while a local change was in flight
)

type entry struct {
	entity   *models.Entity
	deferred models.Payload // remote values for fields masked by in-flight intents
	intents  []*models.MutationIntent
	// deferredVersion is the version the deferred values came with.
	deferredVersion int64
	hidden          bool // pending optimistic delete
}

func (e *entry) masks(field string) bool {
	for _, in := range e.intents {
		if in.Touches(field) {
			return true
		}
	}
	return false
}

func (e *entry) indexOf(intentID string) int {
	for i, in := range e.intents {
		if in.ID == intentID {
			return i
		}
	}
	return -1
}

// Option настраивает Collection
type Option func(*Collection)

// WithClock задает источник времени для CreatedAt интентов
func WithClock(now func() time.Time) Option {
	return func(c *Collection) { c.now = now }
}

// WithIDGenerator задает генератор id интентов и временных id
func WithIDGenerator(gen func() string) Option {
	return func(c *Collection) { c.newID = gen }
}

// Collection is the local view of one server table. It is not safe for concurrent
// use: Engine owns it and touches it from a single goroutine.
type Collection struct {
	entries    map[string]*entry
	byIntent   map[string]string // intent id -> entity id
	byClientID map[string]string // client (temp) id -> current entity id
	resolved   map[string]struct{}
	tombstones map[string]int64 // deleted id -> version of the delete
	now        func() time.Time
	newID      func() string
	name       string
	order      []string
}

// NewCollection создает пустую коллекцию
func NewCollection(name string, opts ...Option) *Collection {
	c := &Collection{
		name:       name,
		entries:    make(map[string]*entry),
		byIntent:   make(map[string]string),
		byClientID: make(map[string]string),
		resolved:   make(map[string]struct{}),
		tombstones: make(map[string]int64),
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name возвращает имя коллекции (таблицы)
func (c *Collection) Name() string {
	return c.name
}

// Mutate applies the action to local state immediately and returns the intent
// that can confirm or undo it. A mutation on an entity that already has an
// in-flight intent is queued behind it.
func (c *Collection) Mutate(a Action) (*models.MutationIntent, error) {
	if !a.Op.Valid() {
		return nil, fmt.Errorf("%w: unknown operation %q", ErrInvalidAction, a.Op)
	}

	intent := &models.MutationIntent{
		ID:         c.newID(),
		Collection: c.name,
		Operation:  a.Op,
		CreatedAt:  c.now(),
	}

	if a.Op == models.OpCreate {
		return c.create(intent, a)
	}

	e, ok := c.find(a.TargetID, a.TargetID)
	if !ok || e.hidden {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, a.TargetID)
	}
	intent.TargetID = e.entity.ID

	switch a.Op {
	case models.OpUpdate:
		if len(a.Fields) == 0 {
			return nil, fmt.Errorf("%w: update without fields", ErrInvalidAction)
		}
		intent.PreviousSnapshot = e.entity.Payload.Pick(a.Fields.Keys())
		intent.ProposedValue = a.Fields.Clone()
		e.entity.Payload = e.entity.Payload.Merge(a.Fields)
	case models.OpToggle:
		if a.Field == "" {
			return nil, fmt.Errorf("%w: toggle without field", ErrInvalidAction)
		}
		intent.Field = a.Field
		intent.PreviousSnapshot = e.entity.Payload.Pick([]string{a.Field})
		// на сервер уходит явное значение, а не "переключи"
		intent.ProposedValue = models.Payload{a.Field: !e.entity.Payload.Bool(a.Field)}
		e.entity.Payload = e.entity.Payload.Merge(intent.ProposedValue)
	case models.OpDelete:
		intent.PreviousSnapshot = e.entity.Payload.Clone()
		e.hidden = true
	}

	c.attach(e, intent)
	return intent.Clone(), nil
}

func (c *Collection) create(intent *models.MutationIntent, a Action) (*models.MutationIntent, error) {
	id := a.TargetID
	if id == "" {
		id = models.TempIDPrefix + c.newID()
	}
	if _, exists := c.entries[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	intent.TargetID = id
	intent.ProposedValue = a.Fields.Clone()
	if intent.ProposedValue == nil {
		intent.ProposedValue = models.Payload{}
	}

	e := &entry{
		entity: &models.Entity{
			ID:       id,
			ClientID: id,
			Payload:  intent.ProposedValue.Clone(),
		},
	}
	c.entries[id] = e
	c.order = append(c.order, id)
	c.byClientID[id] = id
	c.attach(e, intent)
	return intent.Clone(), nil
}

func (c *Collection) attach(e *entry, intent *models.MutationIntent) {
	e.intents = append(e.intents, intent)
	e.entity.Origin = models.OriginPending
	c.byIntent[intent.ID] = e.entity.ID
}

// Confirm applies a successful server response for intentID. server carries the
// record as stored by the server; it is nil for deletes. Unknown or already
// resolved intents are a no-op and Confirm returns false.
func (c *Collection) Confirm(intentID string, server *models.Entity) bool {
	if _, done := c.resolved[intentID]; done {
		return false
	}
	c.resolved[intentID] = struct{}{}

	id, ok := c.byIntent[intentID]
	if !ok {
		return false
	}
	delete(c.byIntent, intentID)

	e := c.entries[id]
	idx := e.indexOf(intentID)
	if idx < 0 {
		return false
	}
	intent := e.intents[idx]
	e.intents = slices.Delete(e.intents, idx, idx+1)

	if intent.Operation == models.OpDelete {
		c.remove(id, versionOf(server))
		return true
	}

	if server != nil {
		if intent.Operation == models.OpCreate && server.ID != "" && server.ID != id {
			c.rename(e, server.ID)
		}
		c.mergeServer(e, server.Payload, server.Version)
	}

	if len(e.intents) == 0 {
		e.entity.Origin = models.OriginConfirmed
	}
	return true
}

// rename swaps the temporary id for the server id everywhere it is referenced.
func (c *Collection) rename(e *entry, serverID string) {
	oldID := e.entity.ID

	// realtime мог успеть добавить запись под серверным id
	if dup, ok := c.entries[serverID]; ok && dup != e {
		c.order = slices.DeleteFunc(c.order, func(id string) bool { return id == serverID })
		delete(c.entries, serverID)
	}

	delete(c.entries, oldID)
	c.entries[serverID] = e
	e.entity.ID = serverID
	for i, id := range c.order {
		if id == oldID {
			c.order[i] = serverID
		}
	}
	for _, in := range e.intents {
		in.TargetID = serverID
		c.byIntent[in.ID] = serverID
	}
	if e.entity.ClientID != "" {
		c.byClientID[e.entity.ClientID] = serverID
	}
}

// mergeServer writes server values for unmasked fields. Masked fields feed the
// snapshot of the earliest intent touching them, so a later rollback lands on
// the confirmed value. A response older than what the entity already reflects
// only advances bookkeeping.
func (c *Collection) mergeServer(e *entry, fields models.Payload, version int64) {
	stale := version > 0 && version < e.entity.Version
	for f, v := range fields {
		if stale {
			break
		}
		if first := firstTouching(e.intents, f); first != nil {
			switch first.Operation {
			case models.OpUpdate, models.OpToggle:
				first.PreviousSnapshot[f] = v
			case models.OpDelete:
				// сущность скрыта, откат удаления только вернет ее в список
				e.entity.Payload[f] = v
			}
			continue
		}
		e.entity.Payload[f] = v
	}
	if version > e.entity.Version {
		e.entity.Version = version
	}
	c.flushDeferred(e)
}

// flushDeferred applies remote values that were held back while masked. Values
// older than the entity's current version are dropped.
func (c *Collection) flushDeferred(e *entry) {
	for f, v := range e.deferred {
		if e.masks(f) {
			continue
		}
		if e.deferredVersion >= e.entity.Version {
			e.entity.Payload[f] = v
		}
		delete(e.deferred, f)
	}
	if len(e.deferred) == 0 {
		e.deferredVersion = 0
	}
}

// Rollback reverts intentID and every later intent on the same entity, newest
// first, and marks the entity optimistic-failed.
func (c *Collection) Rollback(intentID string) RollbackResult {
	if _, done := c.resolved[intentID]; done {
		return RollbackResult{Status: RollbackDuplicate}
	}

	id, ok := c.byIntent[intentID]
	if !ok {
		c.resolved[intentID] = struct{}{}
		return RollbackResult{Status: RollbackEntityGone}
	}

	e := c.entries[id]
	idx := e.indexOf(intentID)
	rolled := e.intents[idx:]
	e.intents = e.intents[:idx:idx]

	res := RollbackResult{EntityID: id, Status: RollbackApplied}
	for i := len(rolled) - 1; i >= 0; i-- {
		in := rolled[i]
		c.revert(e, in)
		c.resolved[in.ID] = struct{}{}
		delete(c.byIntent, in.ID)
		if i > 0 {
			res.Cancelled = append(res.Cancelled, in.Clone())
		}
	}

	e.entity.Origin = models.OriginFailed
	c.flushDeferred(e)
	return res
}

func (c *Collection) revert(e *entry, in *models.MutationIntent) {
	switch in.Operation {
	case models.OpDelete:
		e.hidden = false
	case models.OpCreate:
		// неподтвержденное создание остается в списке как failed, убрать его можно через Discard
	default:
		for f, v := range in.PreviousSnapshot {
			if v == nil {
				delete(e.entity.Payload, f)
				continue
			}
			e.entity.Payload[f] = v
		}
	}
}

// ApplyEvent merges a realtime change into the collection.
func (c *Collection) ApplyEvent(ev models.RealtimeEvent) EventOutcome {
	if ev.Collection != "" && ev.Collection != c.name {
		return EventIgnored
	}

	switch ev.Type {
	case models.EventInsert, models.EventUpdate:
		return c.applyUpsert(ev)
	case models.EventDelete:
		return c.applyDelete(ev)
	default:
		return EventIgnored
	}
}

func (c *Collection) find(id, clientID string) (*entry, bool) {
	if e, ok := c.entries[id]; ok {
		return e, true
	}
	if clientID == "" {
		return nil, false
	}
	if cur, ok := c.byClientID[clientID]; ok {
		e, ok := c.entries[cur]
		return e, ok
	}
	return nil, false
}

func (c *Collection) applyUpsert(ev models.RealtimeEvent) EventOutcome {
	if v, ok := c.tombstones[ev.EntityID]; ok && ev.Version <= v {
		return EventStale
	}

	e, ok := c.find(ev.EntityID, ev.ClientID)
	if !ok {
		e = &entry{entity: &models.Entity{
			ID:       ev.EntityID,
			ClientID: ev.ClientID,
			Payload:  ev.NewValue.Clone(),
			Origin:   models.OriginConfirmed,
			Version:  ev.Version,
		}}
		if e.entity.Payload == nil {
			e.entity.Payload = models.Payload{}
		}
		c.entries[ev.EntityID] = e
		c.order = append(c.order, ev.EntityID)
		if ev.ClientID != "" {
			c.byClientID[ev.ClientID] = ev.EntityID
		}
		return EventApplied
	}

	// эхо нашего же создания: ждем подтверждения от сервера
	if ev.Type == models.EventInsert && len(e.intents) > 0 {
		return EventSuppressed
	}
	if ev.Version > 0 && ev.Version <= e.entity.Version {
		if ev.Type == models.EventInsert {
			return EventSuppressed
		}
		return EventStale
	}

	held := false
	for f, v := range ev.NewValue {
		if e.masks(f) {
			if e.deferred == nil {
				e.deferred = models.Payload{}
			}
			e.deferred[f] = v
			held = true
			continue
		}
		e.entity.Payload[f] = v
	}
	if held && ev.Version > e.deferredVersion {
		e.deferredVersion = ev.Version
	}
	if ev.Version > e.entity.Version {
		e.entity.Version = ev.Version
	}
	return EventApplied
}

func (c *Collection) applyDelete(ev models.RealtimeEvent) EventOutcome {
	e, ok := c.find(ev.EntityID, ev.ClientID)
	if !ok {
		if ev.Version > c.tombstones[ev.EntityID] {
			c.tombstones[ev.EntityID] = ev.Version
		}
		return EventIgnored
	}
	if ev.Version > 0 && ev.Version < e.entity.Version {
		return EventStale
	}

	if e.hidden {
		// удаление уже было нашим намерением
		c.resolveAll(e)
		c.remove(e.entity.ID, ev.Version)
		return EventApplied
	}

	if len(e.intents) > 0 {
		c.resolveAll(e)
		e.entity.Origin = models.OriginFailed
		return EventConflict
	}

	c.remove(e.entity.ID, ev.Version)
	return EventApplied
}

func (c *Collection) resolveAll(e *entry) {
	for _, in := range e.intents {
		c.resolved[in.ID] = struct{}{}
		delete(c.byIntent, in.ID)
	}
	e.intents = nil
}

func (c *Collection) remove(id string, version int64) {
	e, ok := c.entries[id]
	if !ok {
		return
	}
	delete(c.entries, id)
	c.order = slices.DeleteFunc(c.order, func(x string) bool { return x == id })
	if e.entity.ClientID != "" {
		delete(c.byClientID, e.entity.ClientID)
	}
	if version > c.tombstones[id] {
		c.tombstones[id] = version
	}
}

// Reset replaces confirmed state with a full server snapshot. Entities with
// in-flight intents stay authoritative for their masked fields, and failed
// creates that never reached the server are kept.
func (c *Collection) Reset(records []*models.Entity) {
	prev := c.entries
	prevOrder := c.order
	prevClient := c.byClientID

	c.entries = make(map[string]*entry, len(records))
	c.order = make([]string, 0, len(records))
	c.byClientID = make(map[string]string)

	for _, r := range records {
		if v, ok := c.tombstones[r.ID]; ok && r.Version <= v {
			continue
		}
		if r.ClientID != "" {
			if cur, ok := prevClient[r.ClientID]; ok && cur != r.ID {
				if p := prev[cur]; p != nil && len(p.intents) > 0 {
					// создание еще не подтверждено, ждем ответа сервера
					continue
				}
			}
		}

		if p, ok := prev[r.ID]; ok && (len(p.intents) > 0 || p.hidden) {
			// снимок старше уже примененных событий mergeServer пропустит
			c.mergeServer(p, r.Payload, r.Version)
			c.keep(p)
			continue
		}

		if p, ok := prev[r.ID]; ok && p.entity.Version > r.Version {
			// снимок получен раньше, чем пришли более новые события
			c.keep(p)
			continue
		}

		e := &entry{entity: r.Clone()}
		e.entity.Origin = models.OriginConfirmed
		if e.entity.Payload == nil {
			e.entity.Payload = models.Payload{}
		}
		c.keep(e)
	}

	for _, id := range prevOrder {
		p := prev[id]
		if _, kept := c.entries[p.entity.ID]; kept {
			continue
		}
		if len(p.intents) > 0 || (p.entity.Origin == models.OriginFailed && models.IsTempID(p.entity.ID)) {
			c.keep(p)
		}
	}
}

func (c *Collection) keep(e *entry) {
	c.entries[e.entity.ID] = e
	c.order = append(c.order, e.entity.ID)
	if e.entity.ClientID != "" {
		c.byClientID[e.entity.ClientID] = e.entity.ID
	}
}

// Restore re-attaches an intent persisted by the outbox before a restart.
// Returns false if the intent cannot be applied to the current state.
func (c *Collection) Restore(intent *models.MutationIntent) bool {
	if _, done := c.resolved[intent.ID]; done {
		return false
	}
	if _, known := c.byIntent[intent.ID]; known {
		return false
	}
	in := intent.Clone()

	if in.Operation == models.OpCreate {
		if e, ok := c.find(in.TargetID, in.TargetID); ok {
			// сервер уже знает запись, созданную этим интентом
			c.attach(e, in)
			return true
		}
		e := &entry{entity: &models.Entity{
			ID:       in.TargetID,
			ClientID: in.TargetID,
			Payload:  in.ProposedValue.Clone(),
		}}
		c.entries[in.TargetID] = e
		c.order = append(c.order, in.TargetID)
		c.byClientID[in.TargetID] = in.TargetID
		c.attach(e, in)
		return true
	}

	e, ok := c.find(in.TargetID, in.TargetID)
	if !ok || e.hidden {
		return false
	}
	in.TargetID = e.entity.ID
	switch in.Operation {
	case models.OpDelete:
		e.hidden = true
	default:
		e.entity.Payload = e.entity.Payload.Merge(in.ProposedValue)
	}
	c.attach(e, in)
	return true
}

// Discard removes a failed entity that has nothing in flight.
func (c *Collection) Discard(id string) bool {
	e, ok := c.entries[id]
	if !ok || len(e.intents) > 0 || e.entity.Origin != models.OriginFailed {
		return false
	}
	c.remove(id, 0)
	return true
}

// Entities returns a snapshot of visible entities in display order.
func (c *Collection) Entities() []*models.Entity {
	out := make([]*models.Entity, 0, len(c.order))
	for _, id := range c.order {
		e := c.entries[id]
		if e.hidden {
			continue
		}
		out = append(out, e.entity.Clone())
	}
	return out
}

// Get returns a copy of the entity with id, including entities pending deletion.
func (c *Collection) Get(id string) (*models.Entity, bool) {
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	return e.entity.Clone(), true
}

// Pending returns the number of unresolved intents.
func (c *Collection) Pending() int {
	return len(c.byIntent)
}

func firstTouching(intents []*models.MutationIntent, field string) *models.MutationIntent {
	for _, in := range intents {
		if in.Touches(field) {
			return in
		}
	}
	return nil
}

func versionOf(e *models.Entity) int64 {
	if e == nil {
		return 0
	}
	return e.Version
}

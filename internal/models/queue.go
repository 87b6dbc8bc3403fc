package models

import "time"

// QueueStatus состояние операции в офлайн-очереди
type QueueStatus string

const (
	StatusPending         QueueStatus = "pending"
	StatusInFlight        QueueStatus = "in-flight"
	StatusAcknowledged    QueueStatus = "acknowledged"
	StatusFailedRetryable QueueStatus = "failed-retryable"
	StatusFailedPermanent QueueStatus = "failed-permanent"
)

// Terminal reports whether no further transitions are possible.
func (s QueueStatus) Terminal() bool {
	return s == StatusAcknowledged || s == StatusFailedPermanent
}

// QueuedOperation представляет мутацию в персистентной очереди
type QueuedOperation struct {
	EnqueuedAt time.Time `json:"enqueued_at"`
	MutationIntent
	LastError  string      `json:"last_error,omitempty"`
	Status     QueueStatus `json:"status"`
	Seq        uint64      `json:"seq"` // порядковый номер из bbolt NextSequence
	RetryCount int         `json:"retry_count"`
}

// MutationResult is the final outcome of a queued operation, reported by the outbox.
type MutationResult struct {
	Server *Entity // запись в том виде, как ее сохранил сервер; nil для delete и при ошибке
	Err    error
	Op     QueuedOperation
}

// Succeeded reports whether the operation was acknowledged.
func (r MutationResult) Succeeded() bool {
	return r.Err == nil
}

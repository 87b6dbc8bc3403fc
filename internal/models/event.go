package models

// EventType тип события realtime ленты изменений
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// RealtimeEvent представляет изменение записи, полученное из ленты изменений
type RealtimeEvent struct {
	NewValue   Payload   `json:"new_value,omitempty"`
	OldValue   Payload   `json:"old_value,omitempty"`
	Collection string    `json:"collection"`
	EntityID   string    `json:"entity_id"`
	ClientID   string    `json:"client_id,omitempty"` // эхо временного id создателя записи
	Type       EventType `json:"type"`
	Version    int64     `json:"version"`
}

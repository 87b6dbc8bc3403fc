package api

import "encoding/json"

// Типы сообщений realtime канала
const (
	MessageSubscribe   = "subscribe"
	MessageUnsubscribe = "unsubscribe"
	MessageBroadcast   = "broadcast"
	MessageSubscribed  = "subscribed"
	MessageChange      = "change"
	MessageError       = "error"
)

// Типы событий изменения данных
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
)

// Envelope is the single frame format exchanged over the realtime websocket.
type Envelope struct {
	Filter  map[string]string `json:"filter,omitempty"`
	Type    string            `json:"type"`
	Channel string            `json:"channel"`
	Table   string            `json:"table,omitempty"`
	Event   string            `json:"event,omitempty"`
	Error   string            `json:"error,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

// ChangePayload описывает изменение строки таблицы
type ChangePayload struct {
	New       *Record `json:"new,omitempty"`
	Old       *Record `json:"old,omitempty"`
	EventType string  `json:"event_type"`
	Table     string  `json:"table"`
}

// Validate проверяет payload изменения
func (p *ChangePayload) Validate() error {
	switch p.EventType {
	case EventInsert, EventUpdate:
		if err := p.New.Validate(); err != nil {
			return err
		}
	case EventDelete:
		if p.Old == nil || p.Old.ID == "" {
			return newValidationError("delete event without old record")
		}
	default:
		return newValidationError("unknown event type " + p.EventType)
	}
	return nil
}

// TypingPayload is broadcast on typing:<conversation> channels.
type TypingPayload struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
}

// Package realtime подписывается на изменения таблиц и broadcast-каналы сервера
// через websocket и доставляет их подписчикам в виде типизированных событий.
package realtime

import (
	"encoding/json"

	"github.com/iudanet/campusmarket/internal/models"
)

// EventKind тип события подписки
type EventKind int

const (
	// EventChange несет изменение строки таблицы
	EventChange EventKind = iota
	// EventBroadcast несет эфемерное сообщение канала (typing и т.п.)
	EventBroadcast
	// EventResync означает, что часть событий могла быть потеряна и состояние надо перечитать
	EventResync
)

func (k EventKind) String() string {
	switch k {
	case EventChange:
		return "change"
	case EventBroadcast:
		return "broadcast"
	case EventResync:
		return "resync"
	default:
		return "unknown"
	}
}

// Broadcast is an ephemeral message relayed by the server to other subscribers of a channel.
type Broadcast struct {
	Payload json.RawMessage
	Channel string
	Event   string
}

// Decode распаковывает payload в v
func (b *Broadcast) Decode(v any) error {
	return json.Unmarshal(b.Payload, v)
}

// Event is delivered on a Subscription channel.
type Event struct {
	Change    *models.RealtimeEvent
	Broadcast *Broadcast
	Kind      EventKind
}

// Resync returns the event that tells a consumer to refetch its state.
func Resync() Event {
	return Event{Kind: EventResync}
}

package realtime

import "github.com/iudanet/campusmarket/pkg/api"

// Subscription is one channel subscription. Events are buffered; when the
// consumer falls behind, events are dropped and a single Resync is delivered
// as soon as there is room again.
type Subscription struct {
	listener *Listener
	events   chan Event
	filter   map[string]string
	channel  string
	table    string
	lagged   bool
	closed   bool
}

// Events возвращает канал событий. Канал закрывается при Close.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Channel возвращает имя канала
func (s *Subscription) Channel() string {
	return s.channel
}

// Close отменяет подписку
func (s *Subscription) Close() {
	s.listener.unsubscribe(s)
}

func (s *Subscription) frame() api.Envelope {
	return api.Envelope{
		Type:    api.MessageSubscribe,
		Channel: s.channel,
		Table:   s.table,
		Filter:  s.filter,
	}
}

// deliverLocked вызывается под listener.mu
func (s *Subscription) deliverLocked(ev Event) {
	if s.closed {
		return
	}
	if s.lagged {
		select {
		case s.events <- Resync():
			s.lagged = false
		default:
		}
		// событие покрывается перечитыванием
		return
	}
	select {
	case s.events <- ev:
	default:
		s.lagged = true
		s.listener.logger.Warn("subscription lagging, events dropped")
	}
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

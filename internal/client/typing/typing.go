// Package typing implements ephemeral typing indicators over realtime broadcast channels.
package typing

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iudanet/campusmarket/internal/client/realtime"
	"github.com/iudanet/campusmarket/pkg/api"
)

// EventTyping is the broadcast event name.
const EventTyping = "typing"

const (
	DefaultThrottle = 3 * time.Second
	DefaultExpiry   = 3 * time.Second
)

// Channel возвращает имя broadcast канала беседы
func Channel(conversationID string) string {
	return "typing:" + conversationID
}

// Publisher отправляет broadcast без подтверждения доставки
type Publisher interface {
	Publish(channel, event string, payload any) error
}

// Sender throttles outgoing typing signals per conversation.
type Sender struct {
	pub      Publisher
	logger   *zap.Logger
	now      func() time.Time
	last     map[string]time.Time
	userID   string
	throttle time.Duration
	mu       sync.Mutex
}

// NewSender создает отправителя сигналов от имени userID
func NewSender(pub Publisher, userID string, throttle time.Duration, logger *zap.Logger) *Sender {
	if throttle <= 0 {
		throttle = DefaultThrottle
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		pub:      pub,
		userID:   userID,
		throttle: throttle,
		logger:   logger,
		now:      time.Now,
		last:     make(map[string]time.Time),
	}
}

// Typing sends a signal for the conversation unless one was sent within the
// throttle window. It reports whether a signal went out. Failures are logged
// and dropped.
func (s *Sender) Typing(conversationID string) bool {
	s.mu.Lock()
	now := s.now()
	if last, ok := s.last[conversationID]; ok && now.Sub(last) < s.throttle {
		s.mu.Unlock()
		return false
	}
	s.last[conversationID] = now
	s.mu.Unlock()

	err := s.pub.Publish(Channel(conversationID), EventTyping, api.TypingPayload{
		UserID:         s.userID,
		ConversationID: conversationID,
	})
	if err != nil {
		s.logger.Debug("typing signal dropped", zap.String("conversation", conversationID), zap.Error(err))
		s.mu.Lock()
		delete(s.last, conversationID)
		s.mu.Unlock()
		return false
	}
	return true
}

// Indicator tracks which peers are typing in one conversation. A peer's flag
// clears expiry after its last signal.
type Indicator struct {
	logger         *zap.Logger
	peers          map[string]*peerTimer
	onChange       func(typing []string)
	conversationID string
	selfID         string
	expiry         time.Duration
	mu             sync.Mutex
	stopped        bool
}

// NewIndicator создает индикатор беседы. Сигналы от selfID игнорируются.
func NewIndicator(conversationID, selfID string, expiry time.Duration, logger *zap.Logger) *Indicator {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indicator{
		conversationID: conversationID,
		selfID:         selfID,
		expiry:         expiry,
		logger:         logger,
		peers:          make(map[string]*peerTimer),
		onChange:       func([]string) {},
	}
}

// OnChange задает обработчик изменения списка печатающих
func (i *Indicator) OnChange(fn func(typing []string)) {
	i.mu.Lock()
	i.onChange = fn
	i.mu.Unlock()
}

// Receive отмечает, что пир печатает
func (i *Indicator) Receive(sig api.TypingPayload) {
	if sig.UserID == "" || sig.UserID == i.selfID {
		return
	}
	if sig.ConversationID != "" && sig.ConversationID != i.conversationID {
		return
	}

	i.mu.Lock()
	if i.stopped {
		i.mu.Unlock()
		return
	}
	deadline := time.Now().Add(i.expiry)
	if pt, ok := i.peers[sig.UserID]; ok {
		pt.deadline = deadline
		pt.timer.Reset(i.expiry)
		i.mu.Unlock()
		return
	}

	peer := sig.UserID
	pt := &peerTimer{deadline: deadline}
	pt.timer = time.AfterFunc(i.expiry, func() { i.expire(peer, pt) })
	i.peers[peer] = pt
	typing, fn := i.typingLocked(), i.onChange
	i.mu.Unlock()

	fn(typing)
}

type peerTimer struct {
	deadline time.Time
	timer    *time.Timer
}

func (i *Indicator) expire(peer string, pt *peerTimer) {
	i.mu.Lock()
	// таймер мог быть перезапущен сигналом, пришедшим одновременно со срабатыванием
	if cur, ok := i.peers[peer]; !ok || cur != pt || time.Now().Before(pt.deadline) {
		i.mu.Unlock()
		return
	}
	delete(i.peers, peer)
	typing, fn := i.typingLocked(), i.onChange
	i.mu.Unlock()

	fn(typing)
}

// Typing возвращает отсортированный список печатающих пиров
func (i *Indicator) Typing() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.typingLocked()
}

// IsTyping reports whether peer is typing.
func (i *Indicator) IsTyping(peer string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.peers[peer]
	return ok
}

func (i *Indicator) typingLocked() []string {
	out := make([]string, 0, len(i.peers))
	for p := range i.peers {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Consume reads broadcasts from a typing subscription until the channel
// closes or ctx ends.
func (i *Indicator) Consume(ctx context.Context, events <-chan realtime.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != realtime.EventBroadcast || ev.Broadcast == nil || ev.Broadcast.Event != EventTyping {
				continue
			}
			var sig api.TypingPayload
			if err := ev.Broadcast.Decode(&sig); err != nil {
				i.logger.Debug("invalid typing payload", zap.Error(err))
				continue
			}
			i.Receive(sig)
		}
	}
}

// Stop cancels all expiry timers.
func (i *Indicator) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.stopped = true
	for p, pt := range i.peers {
		pt.timer.Stop()
		delete(i.peers, p)
	}
}

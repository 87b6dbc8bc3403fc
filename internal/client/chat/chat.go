// Package chat builds conversations on top of a messages collection engine:
// optimistic send, delivery status and read receipts, plus typing signals.
package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/iudanet/campusmarket/internal/client/reconcile"
	"github.com/iudanet/campusmarket/internal/client/typing"
	"github.com/iudanet/campusmarket/internal/errs"
	"github.com/iudanet/campusmarket/internal/models"
)

// Table is the relational table that stores chat messages.
const Table = "messages"

// Status доставки сообщения
type Status string

const (
	StatusPending Status = "pending" // еще не принято сервером
	StatusSent    Status = "sent"    // одна галочка
	StatusRead    Status = "read"    // две галочки
	StatusFailed  Status = "failed"
)

// Message is a chat message as shown to the user.
type Message struct {
	CreatedAt      time.Time
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	Status         Status
}

// Mine reports whether selfID sent the message.
func (m Message) Mine(selfID string) bool {
	return m.SenderID == selfID
}

// Channel возвращает realtime канал сообщений беседы
func Channel(conversationID string) string {
	return Table + ":" + conversationID
}

// Filter возвращает фильтр снимка и подписки для беседы
func Filter(conversationID string) map[string]string {
	return map[string]string{"conversation_id": conversationID}
}

// Engine is the subset of reconcile.Engine a conversation needs.
type Engine interface {
	Mutate(ctx context.Context, a reconcile.Action) (*models.MutationIntent, error)
	Snapshot(ctx context.Context) ([]*models.Entity, error)
	Watch(ctx context.Context) (<-chan []*models.Entity, error)
}

// Conversation is one chat thread.
type Conversation struct {
	engine    Engine
	sender    *typing.Sender
	indicator *typing.Indicator
	now       func() time.Time
	id        string
	selfID    string
}

// NewConversation создает беседу. sender и indicator могут быть nil, тогда typing не работает.
func NewConversation(id, selfID string, engine Engine, sender *typing.Sender, indicator *typing.Indicator) *Conversation {
	return &Conversation{
		id:        id,
		selfID:    selfID,
		engine:    engine,
		sender:    sender,
		indicator: indicator,
		now:       time.Now,
	}
}

// ID возвращает идентификатор беседы
func (c *Conversation) ID() string {
	return c.id
}

// Send shows the message immediately as pending and queues it for delivery.
func (c *Conversation) Send(ctx context.Context, content string) (*Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: message is empty", errs.ErrValidation)
	}

	intent, err := c.engine.Mutate(ctx, reconcile.Action{
		Op: models.OpCreate,
		Fields: models.Payload{
			"conversation_id": c.id,
			"sender_id":       c.selfID,
			"content":         content,
			"is_read":         false,
			"sent_at":         c.now().UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	msg := c.toMessage(&models.Entity{
		ID:      intent.TargetID,
		Payload: intent.ProposedValue,
		Origin:  models.OriginPending,
	})
	return &msg, nil
}

// MarkRead sends a read receipt for a peer's message. Own and already read
// messages are skipped; the result reports whether a receipt was queued.
func (c *Conversation) MarkRead(ctx context.Context, messageID string) (bool, error) {
	msgs, err := c.Messages(ctx)
	if err != nil {
		return false, err
	}
	for _, m := range msgs {
		if m.ID != messageID {
			continue
		}
		return c.markRead(ctx, m)
	}
	return false, fmt.Errorf("%w: message %s", reconcile.ErrEntityNotFound, messageID)
}

// MarkAllRead отмечает прочитанными все входящие сообщения
func (c *Conversation) MarkAllRead(ctx context.Context) (int, error) {
	msgs, err := c.Messages(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range msgs {
		ok, err := c.markRead(ctx, m)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (c *Conversation) markRead(ctx context.Context, m Message) (bool, error) {
	if m.Mine(c.selfID) || m.Status != StatusSent {
		return false, nil
	}
	_, err := c.engine.Mutate(ctx, reconcile.Action{
		Op:       models.OpUpdate,
		TargetID: m.ID,
		Fields:   models.Payload{"is_read": true},
	})
	if err != nil {
		return false, fmt.Errorf("failed to mark message read: %w", err)
	}
	return true, nil
}

// Messages возвращает сообщения беседы в порядке отображения
func (c *Conversation) Messages(ctx context.Context) ([]Message, error) {
	snap, err := c.engine.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return c.convert(snap), nil
}

// Watch streams the conversation after every change.
func (c *Conversation) Watch(ctx context.Context) (<-chan []Message, error) {
	in, err := c.engine.Watch(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan []Message, 1)
	go func() {
		defer close(out)
		for snap := range in {
			msgs := c.convert(snap)
			// берем только последний снимок, если читатель не успевает
			select {
			case <-out:
			default:
			}
			select {
			case out <- msgs:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Typing отправляет сигнал "печатает" (не чаще раза в окно троттлинга)
func (c *Conversation) Typing() bool {
	if c.sender == nil {
		return false
	}
	return c.sender.Typing(c.id)
}

// PeersTyping возвращает id собеседников, которые сейчас печатают
func (c *Conversation) PeersTyping() []string {
	if c.indicator == nil {
		return nil
	}
	return c.indicator.Typing()
}

func (c *Conversation) convert(snap []*models.Entity) []Message {
	out := make([]Message, 0, len(snap))
	for _, e := range snap {
		if cid := e.Payload.String("conversation_id"); cid != "" && cid != c.id {
			continue
		}
		out = append(out, c.toMessage(e))
	}
	return out
}

func (c *Conversation) toMessage(e *models.Entity) Message {
	m := Message{
		ID:             e.ID,
		ConversationID: e.Payload.String("conversation_id"),
		SenderID:       e.Payload.String("sender_id"),
		Content:        e.Payload.String("content"),
	}
	if ts, err := time.Parse(time.RFC3339Nano, e.Payload.String("sent_at")); err == nil {
		m.CreatedAt = ts
	}

	unsent := models.IsTempID(e.ID)
	switch {
	case unsent && e.Origin == models.OriginFailed:
		m.Status = StatusFailed
	case unsent:
		m.Status = StatusPending
	case e.Payload.Bool("is_read"):
		m.Status = StatusRead
	default:
		m.Status = StatusSent
	}
	return m
}

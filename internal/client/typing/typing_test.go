package typing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/campusmarket/internal/client/realtime"
	"github.com/iudanet/campusmarket/pkg/api"
)

type mockPublisher struct {
	err   error
	sent  []api.TypingPayload
	chans []string
	mu    sync.Mutex
}

func (p *mockPublisher) Publish(channel, event string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.chans = append(p.chans, channel)
	p.sent = append(p.sent, payload.(api.TypingPayload))
	return nil
}

func TestSender_Throttle(t *testing.T) {
	pub := &mockPublisher{}
	s := NewSender(pub, "u1", 3*time.Second, nil)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	assert.True(t, s.Typing("c1"))
	now = now.Add(time.Second)
	assert.False(t, s.Typing("c1"))
	// другая беседа троттлится отдельно
	assert.True(t, s.Typing("c2"))
	now = now.Add(2 * time.Second)
	assert.True(t, s.Typing("c1"))

	require.Len(t, pub.sent, 3)
	assert.Equal(t, []string{"typing:c1", "typing:c2", "typing:c1"}, pub.chans)
	assert.Equal(t, "u1", pub.sent[0].UserID)
}

func TestSender_FailureIsNotThrottled(t *testing.T) {
	pub := &mockPublisher{err: errors.New("offline")}
	s := NewSender(pub, "u1", time.Minute, nil)

	assert.False(t, s.Typing("c1"))

	pub.mu.Lock()
	pub.err = nil
	pub.mu.Unlock()
	assert.True(t, s.Typing("c1"))
}

func TestIndicator_Expiry(t *testing.T) {
	ind := NewIndicator("c1", "me", 50*time.Millisecond, nil)
	defer ind.Stop()

	ind.Receive(api.TypingPayload{UserID: "bob", ConversationID: "c1"})
	assert.True(t, ind.IsTyping("bob"))
	assert.Equal(t, []string{"bob"}, ind.Typing())

	assert.Eventually(t, func() bool { return !ind.IsTyping("bob") }, time.Second, 5*time.Millisecond)
}

func TestIndicator_SignalExtendsFlag(t *testing.T) {
	ind := NewIndicator("c1", "me", 150*time.Millisecond, nil)
	defer ind.Stop()

	ind.Receive(api.TypingPayload{UserID: "bob"})
	time.Sleep(100 * time.Millisecond)
	ind.Receive(api.TypingPayload{UserID: "bob"})
	time.Sleep(100 * time.Millisecond)

	// с первого сигнала прошло больше expiry, но флаг продлен вторым
	assert.True(t, ind.IsTyping("bob"))
	assert.Eventually(t, func() bool { return !ind.IsTyping("bob") }, time.Second, 5*time.Millisecond)
}

func TestIndicator_IgnoresOwnAndForeignSignals(t *testing.T) {
	ind := NewIndicator("c1", "me", time.Second, nil)
	defer ind.Stop()

	ind.Receive(api.TypingPayload{UserID: "me", ConversationID: "c1"})
	ind.Receive(api.TypingPayload{UserID: "bob", ConversationID: "c2"})
	ind.Receive(api.TypingPayload{ConversationID: "c1"})

	assert.Empty(t, ind.Typing())
}

func TestIndicator_OnChange(t *testing.T) {
	ind := NewIndicator("c1", "me", 30*time.Millisecond, nil)
	defer ind.Stop()

	var mu sync.Mutex
	var changes [][]string
	ind.OnChange(func(typing []string) {
		mu.Lock()
		changes = append(changes, typing)
		mu.Unlock()
	})

	ind.Receive(api.TypingPayload{UserID: "carol"})
	ind.Receive(api.TypingPayload{UserID: "bob"})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 4 && len(changes[3]) == 0
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"carol"}, changes[0])
	assert.Equal(t, []string{"bob", "carol"}, changes[1])
}

func TestIndicator_Consume(t *testing.T) {
	ind := NewIndicator("c1", "me", time.Second, nil)
	defer ind.Stop()

	events := make(chan realtime.Event, 4)
	payload, err := json.Marshal(api.TypingPayload{UserID: "bob", ConversationID: "c1"})
	require.NoError(t, err)

	events <- realtime.Resync()
	events <- realtime.Event{Kind: realtime.EventBroadcast, Broadcast: &realtime.Broadcast{
		Channel: Channel("c1"), Event: "other", Payload: payload,
	}}
	events <- realtime.Event{Kind: realtime.EventBroadcast, Broadcast: &realtime.Broadcast{
		Channel: Channel("c1"), Event: EventTyping, Payload: payload,
	}}
	close(events)

	ind.Consume(context.Background(), events)
	assert.True(t, ind.IsTyping("bob"))
}

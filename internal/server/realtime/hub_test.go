package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/campusmarket/internal/server/jwt"
	"github.com/iudanet/campusmarket/pkg/api"
)

type testHub struct {
	hub    *Hub
	server *httptest.Server
	jwt    *jwt.Service
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	svc := jwt.NewService("test-secret", time.Minute, time.Hour)
	hub := NewHub(svc, Options{PingInterval: time.Second})
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &testHub{hub: hub, server: srv, jwt: svc}
}

func (th *testHub) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	token, _, err := th.jwt.GenerateAccessToken(userID, userID)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(th.server.URL, "http") + "?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) api.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env api.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func subscribe(t *testing.T, conn *websocket.Conn, channel, table string, filter map[string]string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(api.Envelope{Type: api.MessageSubscribe, Channel: channel, Table: table, Filter: filter}))
	env := read(t, conn)
	require.Equal(t, api.MessageSubscribed, env.Type)
	require.Equal(t, channel, env.Channel)
}

func message(id, conv string) *api.Record {
	return &api.Record{
		ID:      id,
		Table:   "messages",
		Version: 1,
		Fields:  map[string]any{"conversation_id": conv, "content": "hi", "is_read": false},
	}
}

func TestHub_RejectsInvalidToken(t *testing.T) {
	th := newTestHub(t)

	url := "ws" + strings.TrimPrefix(th.server.URL, "http") + "?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHub_PublishChangeHonoursFilter(t *testing.T) {
	th := newTestHub(t)
	conn := th.dial(t, "u1")
	subscribe(t, conn, "messages:c1", "messages", map[string]string{"conversation_id": "c1"})

	// Не совпадает с фильтром - не доставляется
	th.hub.PublishChange(api.ChangePayload{EventType: api.EventInsert, Table: "messages", New: message("m1", "c2")})
	th.hub.PublishChange(api.ChangePayload{EventType: api.EventInsert, Table: "products", New: &api.Record{ID: "p1", Table: "products", Fields: map[string]any{"conversation_id": "c1"}}})
	th.hub.PublishChange(api.ChangePayload{EventType: api.EventInsert, Table: "messages", New: message("m2", "c1")})

	env := read(t, conn)
	assert.Equal(t, api.MessageChange, env.Type)
	assert.Equal(t, "messages:c1", env.Channel)
	assert.Equal(t, api.EventInsert, env.Event)

	var change api.ChangePayload
	require.NoError(t, json.Unmarshal(env.Payload, &change))
	require.NoError(t, change.Validate())
	assert.Equal(t, "m2", change.New.ID)

	// Удаление сопоставляется по старой версии строки
	th.hub.PublishChange(api.ChangePayload{EventType: api.EventDelete, Table: "messages", Old: message("m2", "c1")})
	env = read(t, conn)
	require.NoError(t, json.Unmarshal(env.Payload, &change))
	assert.Equal(t, api.EventDelete, change.EventType)
	assert.Equal(t, "m2", change.Old.ID)
}

func TestHub_BroadcastSkipsSender(t *testing.T) {
	th := newTestHub(t)
	alice := th.dial(t, "alice")
	bob := th.dial(t, "bob")
	subscribe(t, alice, "typing:c1", "", nil)
	subscribe(t, bob, "typing:c1", "", nil)

	payload, err := json.Marshal(api.TypingPayload{UserID: "alice", ConversationID: "c1"})
	require.NoError(t, err)
	require.NoError(t, alice.WriteJSON(api.Envelope{Type: api.MessageBroadcast, Channel: "typing:c1", Event: "typing", Payload: payload}))

	env := read(t, bob)
	assert.Equal(t, api.MessageBroadcast, env.Type)
	assert.Equal(t, "typing", env.Event)
	assert.JSONEq(t, string(payload), string(env.Payload))

	// Свой broadcast отправитель не получает
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err = alice.ReadMessage()
	assert.Error(t, err)
}

func TestHub_UnknownTableAndFrame(t *testing.T) {
	th := newTestHub(t)
	conn := th.dial(t, "u1")

	require.NoError(t, conn.WriteJSON(api.Envelope{Type: api.MessageSubscribe, Channel: "x", Table: "secrets"}))
	env := read(t, conn)
	assert.Equal(t, api.MessageError, env.Type)
	assert.Contains(t, env.Error, "unknown table")

	require.NoError(t, conn.WriteJSON(api.Envelope{Type: "dance", Channel: "x"}))
	env = read(t, conn)
	assert.Equal(t, api.MessageError, env.Type)
}

func TestHub_Unsubscribe(t *testing.T) {
	th := newTestHub(t)
	conn := th.dial(t, "u1")
	subscribe(t, conn, "products", "products", nil)
	subscribe(t, conn, "messages", "messages", nil)

	require.NoError(t, conn.WriteJSON(api.Envelope{Type: api.MessageUnsubscribe, Channel: "products"}))
	// подписка на messages подтверждает, что unsubscribe уже обработан
	subscribe(t, conn, "messages", "messages", nil)

	th.hub.PublishChange(api.ChangePayload{EventType: api.EventInsert, Table: "products", New: &api.Record{ID: "p1", Table: "products", Fields: map[string]any{"title": "x"}}})
	th.hub.PublishChange(api.ChangePayload{EventType: api.EventInsert, Table: "messages", New: message("m1", "c1")})

	env := read(t, conn)
	assert.Equal(t, "messages", env.Channel)
	assert.Equal(t, 1, th.hub.Clients())
}

func TestMatches(t *testing.T) {
	fields := map[string]any{"conversation_id": "c1", "is_read": true, "price": 12.5}

	tests := []struct {
		filter map[string]string
		name   string
		want   bool
	}{
		{name: "empty filter", filter: nil, want: true},
		{name: "string", filter: map[string]string{"conversation_id": "c1"}, want: true},
		{name: "bool", filter: map[string]string{"is_read": "true"}, want: true},
		{name: "number", filter: map[string]string{"price": "12.5"}, want: true},
		{name: "mismatch", filter: map[string]string{"conversation_id": "c2"}, want: false},
		{name: "missing field", filter: map[string]string{"seller_id": "u1"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matches(fields, tt.filter))
		})
	}
}

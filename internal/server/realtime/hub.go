// Package realtime рассылает изменения записей и broadcast сообщения
// подписчикам по websocket.
package realtime

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/iudanet/campusmarket/internal/server/jwt"
	"github.com/iudanet/campusmarket/internal/validation"
	"github.com/iudanet/campusmarket/pkg/api"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
	sendBuffer     = 64
)

// TokenValidator проверяет access token при подключении
type TokenValidator interface {
	ValidateAccessToken(token string) (*jwt.Claims, error)
}

// Options настройки хаба
type Options struct {
	Logger       *zap.Logger
	PingInterval time.Duration
}

// Hub держит websocket соединения и их подписки
type Hub struct {
	tokens   TokenValidator
	logger   *zap.Logger
	clients  map[*client]struct{}
	upgrader websocket.Upgrader
	ping     time.Duration
	mu       sync.RWMutex
	closed   bool
}

// NewHub создает хаб
func NewHub(tokens TokenValidator, opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	return &Hub{
		tokens:  tokens,
		logger:  opts.Logger,
		clients: make(map[*client]struct{}),
		ping:    opts.PingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// клиенты не браузерные, Origin не проверяем
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP обрабатывает GET /api/v1/realtime?token=<access token>
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := h.tokens.ValidateAccessToken(r.URL.Query().Get("token"))
	if err != nil {
		h.logger.Warn("realtime handshake rejected", zap.Error(err))
		http.Error(w, "invalid or expired access token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade уже ответил клиенту
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		userID: claims.UserID,
		send:   make(chan []byte, sendBuffer),
		subs:   make(map[string]subscription),
	}
	if !h.register(c) {
		_ = conn.Close()
		return
	}

	h.logger.Info("realtime client connected", zap.String("user_id", c.userID))
	go c.writePump()
	c.readPump()
}

// Clients возвращает число подключенных клиентов
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PublishChange рассылает изменение строки всем подпискам на ее таблицу,
// фильтр которых совпадает с новой или старой версией строки
func (h *Hub) PublishChange(change api.ChangePayload) {
	payload, err := json.Marshal(change)
	if err != nil {
		h.logger.Error("failed to marshal change", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		for _, channel := range c.matching(change) {
			c.enqueue(api.Envelope{
				Type:    api.MessageChange,
				Channel: channel,
				Table:   change.Table,
				Event:   change.EventType,
				Payload: payload,
			})
		}
	}
}

// broadcast пересылает сообщение подписчикам канала кроме отправителя
func (h *Hub) broadcast(from *client, env api.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c == from || !c.subscribed(env.Channel) {
			continue
		}
		c.enqueue(env)
	}
}

// Close закрывает все соединения и перестает принимать новые
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if ok {
		h.logger.Info("realtime client disconnected", zap.String("user_id", c.userID))
	}
}

type subscription struct {
	filter map[string]string
	table  string
}

type client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	subs      map[string]subscription
	userID    string
	mu        sync.Mutex
	closeOnce sync.Once
	done      bool
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	pongWait := 2 * c.hub.ping
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Debug("realtime read failed", zap.String("user_id", c.userID), zap.Error(err))
			}
			return
		}
		// любой кадр продлевает жизнь соединения
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env api.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.enqueue(api.Envelope{Type: api.MessageError, Error: "invalid frame"})
			continue
		}
		c.handle(env)
	}
}

func (c *client) handle(env api.Envelope) {
	if env.Channel == "" {
		c.enqueue(api.Envelope{Type: api.MessageError, Error: "channel is required"})
		return
	}

	switch env.Type {
	case api.MessageSubscribe:
		// без таблицы канал служит только для broadcast
		if env.Table != "" {
			if err := validation.ValidateTable(env.Table); err != nil {
				c.enqueue(api.Envelope{Type: api.MessageError, Channel: env.Channel, Error: err.Error()})
				return
			}
		}
		c.mu.Lock()
		c.subs[env.Channel] = subscription{table: env.Table, filter: env.Filter}
		c.mu.Unlock()
		c.enqueue(api.Envelope{Type: api.MessageSubscribed, Channel: env.Channel, Table: env.Table})
	case api.MessageUnsubscribe:
		c.mu.Lock()
		delete(c.subs, env.Channel)
		c.mu.Unlock()
	case api.MessageBroadcast:
		c.hub.broadcast(c, api.Envelope{
			Type:    api.MessageBroadcast,
			Channel: env.Channel,
			Event:   env.Event,
			Payload: env.Payload,
		})
	default:
		c.enqueue(api.Envelope{Type: api.MessageError, Channel: env.Channel, Error: "unknown frame type " + env.Type})
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.ping)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue не блокируется: медленный клиент отключается, после переподключения
// он перечитает состояние сам
func (c *client) enqueue(env api.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		c.hub.logger.Error("failed to marshal frame", zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.logger.Warn("realtime client too slow, disconnecting", zap.String("user_id", c.userID))
		c.done = true
		close(c.send)
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if !c.done {
			c.done = true
			close(c.send)
		}
		c.mu.Unlock()
	})
}

func (c *client) subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[channel]
	return ok
}

func (c *client) matching(change api.ChangePayload) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var channels []string
	for channel, sub := range c.subs {
		if sub.table != change.Table {
			continue
		}
		if (change.New != nil && matches(change.New.Fields, sub.filter)) ||
			(change.Old != nil && matches(change.Old.Fields, sub.filter)) {
			channels = append(channels, channel)
		}
	}
	return channels
}

// matches сравнивает поля строки с фильтром равенства в текстовом виде
func matches(fields map[string]any, filter map[string]string) bool {
	for k, want := range filter {
		got, ok := fields[k]
		if !ok || text(got) != want {
			return false
		}
	}
	return true
}

func text(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

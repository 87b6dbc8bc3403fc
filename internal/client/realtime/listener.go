package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	clientapi "github.com/iudanet/campusmarket/internal/client/api"
	"github.com/iudanet/campusmarket/internal/errs"
	"github.com/iudanet/campusmarket/pkg/api"
)

// ErrNotConnected is returned by Publish while the socket is down.
var ErrNotConnected = errors.New("realtime: not connected")

const (
	defaultBuffer = 64
	writeWait     = 10 * time.Second
)

// Options настройки Listener
type Options struct {
	Logger        *zap.Logger
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	PingInterval  time.Duration
	Buffer        int // размер буфера каждой подписки
}

// Listener держит одно websocket соединение и мультиплексирует по нему подписки.
// Подписки переживают переподключения.
type Listener struct {
	tokens  clientapi.TokenSource
	dialer  *websocket.Dialer
	logger  *zap.Logger
	subs    map[string]*Subscription
	conn    *websocket.Conn
	onState []func(online bool)
	url     string
	opts    Options
	mu      sync.Mutex
	writeMu sync.Mutex
}

// NewListener создает Listener для сервера baseURL (http/https адрес API)
func NewListener(baseURL string, tokens clientapi.TokenSource, opts Options) (*Listener, error) {
	wsURL, err := socketURL(baseURL)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = 500 * time.Millisecond
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	return &Listener{
		url:    wsURL,
		tokens: tokens,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: opts.Logger,
		opts:   opts,
		subs:   make(map[string]*Subscription),
	}, nil
}

func socketURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid server url scheme %q", u.Scheme)
	}
	u.Path += "/api/v1/realtime"
	return u.String(), nil
}

// OnConnectivity регистрирует обработчик смены состояния соединения.
// Обработчик вызывается из горутины Run и не должен блокироваться.
func (l *Listener) OnConnectivity(fn func(online bool)) {
	l.mu.Lock()
	l.onState = append(l.onState, fn)
	l.mu.Unlock()
}

// Connected reports whether the socket is currently up.
func (l *Listener) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// Subscribe регистрирует подписку на канал. table пустой для чисто broadcast каналов
// (typing:<conversation>). Повторная подписка на тот же канал заменяет предыдущую.
func (l *Listener) Subscribe(channel, table string, filter map[string]string) *Subscription {
	sub := &Subscription{
		listener: l,
		channel:  channel,
		table:    table,
		filter:   filter,
		events:   make(chan Event, l.opts.Buffer),
	}

	l.mu.Lock()
	if old, ok := l.subs[channel]; ok {
		old.closeLocked()
	}
	l.subs[channel] = sub
	conn := l.conn
	if conn != nil {
		// подписка появилась на живом соединении, начальное состояние могло устареть
		sub.deliverLocked(Resync())
	}
	l.mu.Unlock()

	if conn != nil {
		if err := l.write(conn, sub.frame()); err != nil {
			l.logger.Warn("failed to send subscribe", zap.String("channel", channel), zap.Error(err))
		}
	}
	return sub
}

func (l *Listener) unsubscribe(sub *Subscription) {
	l.mu.Lock()
	if l.subs[sub.channel] != sub {
		l.mu.Unlock()
		return
	}
	delete(l.subs, sub.channel)
	sub.closeLocked()
	conn := l.conn
	l.mu.Unlock()

	if conn != nil {
		_ = l.write(conn, api.Envelope{Type: api.MessageUnsubscribe, Channel: sub.channel})
	}
}

// Publish отправляет broadcast в канал. Доставка не гарантируется и не повторяется.
func (l *Listener) Publish(channel, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast payload: %w", err)
	}

	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return errs.Transient(ErrNotConnected)
	}

	return l.write(conn, api.Envelope{
		Type:    api.MessageBroadcast,
		Channel: channel,
		Event:   event,
		Payload: data,
	})
}

func (l *Listener) write(conn *websocket.Conn, env api.Envelope) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(env); err != nil {
		return errs.Transient(fmt.Errorf("failed to write frame: %w", err))
	}
	return nil
}

// Run держит соединение до отмены ctx. Обрыв соединения приводит к переподключению
// с экспоненциальной задержкой; после каждого подключения подписки восстанавливаются,
// а подписчики получают Resync.
func (l *Listener) Run(ctx context.Context) error {
	// одна задержка на весь цикл: соединение, которое сразу рвется, не должно
	// переподключаться без паузы
	b := l.backoff()
	for {
		conn, err := l.connect(ctx, b)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		started := time.Now()
		err = l.serve(ctx, conn)
		l.setConn(nil)
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn("realtime connection lost", zap.Error(err))

		// сбрасываем задержку только после стабильного соединения
		if time.Since(started) >= l.opts.PingInterval {
			b = l.backoff()
		}
		delay, _ := b.Next()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (l *Listener) backoff() retry.Backoff {
	b := retry.NewExponential(l.opts.ReconnectBase)
	b = retry.WithCappedDuration(l.opts.ReconnectMax, b)
	return retry.WithJitterPercent(20, b)
}

func (l *Listener) connect(ctx context.Context, b retry.Backoff) (*websocket.Conn, error) {
	var conn *websocket.Conn
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		token, err := l.tokens.AccessToken(ctx)
		if err != nil {
			if errs.Retryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}

		c, resp, err := l.dialer.DialContext(ctx, l.url+"?token="+url.QueryEscape(token), nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return fmt.Errorf("%w: realtime handshake rejected", errs.ErrAuth)
			}
			l.logger.Debug("realtime dial failed", zap.Error(err))
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.setConn(conn)
	l.logger.Info("realtime connected", zap.String("url", l.url))
	return conn, nil
}

func (l *Listener) setConn(conn *websocket.Conn) {
	l.mu.Lock()
	prev := l.conn
	l.conn = conn
	var subs []*Subscription
	if conn != nil {
		subs = make([]*Subscription, 0, len(l.subs))
		for _, s := range l.subs {
			subs = append(subs, s)
		}
	}
	handlers := append([]func(bool){}, l.onState...)
	l.mu.Unlock()

	if (prev == nil) == (conn == nil) {
		return
	}

	for _, s := range subs {
		if err := l.write(conn, s.frame()); err != nil {
			l.logger.Warn("failed to resubscribe", zap.String("channel", s.channel), zap.Error(err))
		}
	}

	for _, fn := range handlers {
		fn(conn != nil)
	}

	// Все, что происходило пока сокета не было, потеряно
	if conn != nil {
		l.mu.Lock()
		for _, s := range subs {
			s.deliverLocked(Resync())
		}
		l.mu.Unlock()
	}
}

func (l *Listener) serve(ctx context.Context, conn *websocket.Conn) error {
	pongWait := 2 * l.opts.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(l.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				l.writeMu.Lock()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				l.writeMu.Unlock()
				_ = conn.Close()
				return
			case <-done:
				_ = conn.Close()
				return
			case <-ticker.C:
				l.writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				l.writeMu.Unlock()
				if err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env api.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			l.logger.Warn("invalid realtime frame", zap.Error(err))
			continue
		}
		l.dispatch(env)
	}
}

func (l *Listener) dispatch(env api.Envelope) {
	var ev Event
	switch env.Type {
	case api.MessageChange:
		var p api.ChangePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			l.logger.Warn("invalid change payload", zap.String("channel", env.Channel), zap.Error(err))
			return
		}
		if err := p.Validate(); err != nil {
			l.logger.Warn("rejected change payload", zap.String("channel", env.Channel), zap.Error(err))
			return
		}
		change := clientapi.EventFromChange(&p)
		ev = Event{Kind: EventChange, Change: &change}
	case api.MessageBroadcast:
		ev = Event{Kind: EventBroadcast, Broadcast: &Broadcast{
			Channel: env.Channel,
			Event:   env.Event,
			Payload: env.Payload,
		}}
	case api.MessageSubscribed:
		l.logger.Debug("subscribed", zap.String("channel", env.Channel))
		return
	case api.MessageError:
		l.logger.Warn("realtime server error", zap.String("channel", env.Channel), zap.String("error", env.Error))
		return
	default:
		l.logger.Debug("unknown realtime frame", zap.String("type", env.Type))
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if sub, ok := l.subs[env.Channel]; ok {
		sub.deliverLocked(ev)
	}
}

// Close закрывает все подписки
func (l *Listener) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ch, s := range l.subs {
		s.closeLocked()
		delete(l.subs, ch)
	}
}

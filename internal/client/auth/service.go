// Package auth manages the client session: sign-in, token refresh ahead of
// expiry and state-change notifications.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/iudanet/campusmarket/internal/client/storage"
	"github.com/iudanet/campusmarket/internal/errs"
	"github.com/iudanet/campusmarket/internal/validation"
	"github.com/iudanet/campusmarket/pkg/api"
)

const (
	// refreshSkew: токен обновляется заранее, чтобы не отправлять почти истекший
	refreshSkew = 30 * time.Second
	// refreshTTL срок жизни refresh token, если сервер его не сообщает
	refreshTTL = 30 * 24 * time.Hour
)

// Service предоставляет функции авторизации
type Service struct {
	api     API
	store   storage.SessionStorage
	logger  *zap.Logger
	now     func() time.Time
	subs    map[int]chan Event
	refresh singleflight.Group
	nextSub int
	mu      sync.Mutex
}

// NewService создает новый сервис авторизации
func NewService(apiClient API, store storage.SessionStorage, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		api:    apiClient,
		store:  store,
		logger: logger,
		now:    time.Now,
		subs:   make(map[int]chan Event),
	}
}

// Register регистрирует нового пользователя и открывает сессию
func (s *Service) Register(ctx context.Context, email, username, password string) (*Session, error) {
	email = validation.NormalizeEmail(email)
	if err := validation.ValidateEmail(email); err != nil {
		return nil, fmt.Errorf("invalid email: %w", err)
	}
	if err := validation.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("invalid username: %w", err)
	}
	if err := validation.ValidatePassword(password); err != nil {
		return nil, fmt.Errorf("invalid password: %w", err)
	}

	resp, err := s.api.Register(ctx, api.RegisterRequest{Email: email, Username: username, Password: password})
	if err != nil {
		return nil, fmt.Errorf("registration failed: %w", err)
	}

	return s.open(ctx, resp, SignedIn)
}

// Login выполняет аутентификацию пользователя
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	email = validation.NormalizeEmail(email)
	if err := validation.ValidateEmail(email); err != nil {
		return nil, fmt.Errorf("invalid email: %w", err)
	}
	if password == "" {
		return nil, fmt.Errorf("invalid password: %w: password cannot be empty", errs.ErrValidation)
	}

	resp, err := s.api.Login(ctx, api.LoginRequest{Email: email, Password: password})
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}

	return s.open(ctx, resp, SignedIn)
}

func (s *Service) open(ctx context.Context, resp *api.SessionResponse, change StateChange) (*Session, error) {
	now := s.now()
	data := &storage.SessionData{
		UserID:       resp.User.ID,
		Email:        resp.User.Email,
		Username:     resp.User.Username,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(resp.ExpiresIn) * time.Second).Unix(),
		RefreshUntil: now.Add(refreshTTL).Unix(),
	}
	if err := s.store.SaveSession(ctx, data); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	session := sessionFrom(data)
	s.logger.Info("session opened", zap.String("user_id", session.User.ID), zap.String("change", string(change)))
	s.emit(Event{Change: change, Session: session})
	return session, nil
}

// CurrentSession возвращает текущую сессию или nil, если пользователь не вошел
func (s *Service) CurrentSession(ctx context.Context) (*Session, error) {
	data, err := s.store.LoadSession(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNoSession) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if !data.Refreshable(s.now()) {
		return nil, nil
	}
	return sessionFrom(data), nil
}

// AccessToken returns a valid access token, refreshing it when it expires
// within refreshSkew. Concurrent callers share one refresh request.
func (s *Service) AccessToken(ctx context.Context) (string, error) {
	data, err := s.store.LoadSession(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNoSession) {
			return "", fmt.Errorf("%w: not logged in", errs.ErrAuth)
		}
		return "", fmt.Errorf("failed to load session: %w", err)
	}

	if data.AccessValid(s.now(), refreshSkew) {
		return data.AccessToken, nil
	}

	v, err, _ := s.refresh.Do("refresh", func() (any, error) {
		return s.refreshToken(context.WithoutCancel(ctx), data)
	})
	if err != nil {
		// временная ошибка, а токен еще жив: пользуемся им
		if errs.Retryable(err) && data.AccessValid(s.now(), 0) {
			return data.AccessToken, nil
		}
		return "", err
	}
	return v.(string), nil
}

func (s *Service) refreshToken(ctx context.Context, data *storage.SessionData) (string, error) {
	// другой вызов мог уже обновить токен
	if cur, err := s.store.LoadSession(ctx); err == nil && cur.AccessValid(s.now(), refreshSkew) {
		return cur.AccessToken, nil
	}

	resp, err := s.api.Refresh(ctx, data.RefreshToken)
	if err != nil {
		if errors.Is(err, errs.ErrAuth) {
			s.logger.Warn("refresh token rejected, signing out", zap.Error(err))
			if derr := s.store.DeleteSession(ctx); derr != nil && !errors.Is(derr, storage.ErrNoSession) {
				s.logger.Error("failed to delete session", zap.Error(derr))
			}
			s.emit(Event{Change: SignedOut})
		}
		return "", fmt.Errorf("token refresh failed: %w", err)
	}

	session, err := s.open(ctx, resp, TokenRefreshed)
	if err != nil {
		return "", err
	}
	return session.AccessToken, nil
}

// Logout выполняет выход из системы
// Удаляет локальные данные авторизации и уведомляет сервер (best effort)
func (s *Service) Logout(ctx context.Context) error {
	data, err := s.store.LoadSession(ctx)
	if err != nil {
		s.logger.Debug("no auth data found during logout", zap.Error(err))
	} else if logoutErr := s.api.Logout(ctx, data.AccessToken); logoutErr != nil {
		// Не прерываем процесс, если сервер недоступен
		s.logger.Warn("failed to logout on server", zap.Error(logoutErr))
	}

	// Всегда удаляем локальные данные, даже если сервер недоступен
	if err := s.store.DeleteSession(ctx); err != nil && !errors.Is(err, storage.ErrNoSession) {
		return fmt.Errorf("failed to delete local auth data: %w", err)
	}

	s.emit(Event{Change: SignedOut})
	return nil
}

// Subscribe returns a channel of session state changes and a function that
// unsubscribes. Slow subscribers miss events rather than block the service.
func (s *Service) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 8)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *Service) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("auth subscriber is slow, event dropped", zap.String("change", string(ev.Change)))
		}
	}
}

func sessionFrom(data *storage.SessionData) *Session {
	return &Session{
		User: api.UserInfo{
			ID:       data.UserID,
			Email:    data.Email,
			Username: data.Username,
		},
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		ExpiresAt:    data.ExpiresAt,
	}
}

package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/campusmarket/internal/client/storage"
	"github.com/iudanet/campusmarket/internal/errs"
	"github.com/iudanet/campusmarket/pkg/api"
)

// mockSessionStorage implements storage.SessionStorage for testing
type mockSessionStorage struct {
	data    *storage.SessionData
	saveErr error
	mu      sync.Mutex
}

func (m *mockSessionStorage) SaveSession(ctx context.Context, data *storage.SessionData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	cp := *data
	m.data = &cp
	return nil
}

func (m *mockSessionStorage) LoadSession(ctx context.Context) (*storage.SessionData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, storage.ErrNoSession
	}
	cp := *m.data
	return &cp, nil
}

func (m *mockSessionStorage) DeleteSession(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	return nil
}

// mockAPI implements API for testing
type mockAPI struct {
	loginErr    error
	refreshErr  error
	logoutErr   error
	refreshes   atomic.Int32
	logoutToken string
}

func sessionResponse(access string) *api.SessionResponse {
	return &api.SessionResponse{
		User:         api.UserInfo{ID: "user-1", Email: "alice@campus.edu", Username: "alice"},
		AccessToken:  access,
		RefreshToken: "refresh-" + access,
		ExpiresIn:    900,
	}
}

func (m *mockAPI) Register(ctx context.Context, req api.RegisterRequest) (*api.SessionResponse, error) {
	return sessionResponse("access-1"), nil
}

func (m *mockAPI) Login(ctx context.Context, req api.LoginRequest) (*api.SessionResponse, error) {
	if m.loginErr != nil {
		return nil, m.loginErr
	}
	return sessionResponse("access-1"), nil
}

func (m *mockAPI) Refresh(ctx context.Context, refreshToken string) (*api.SessionResponse, error) {
	m.refreshes.Add(1)
	time.Sleep(10 * time.Millisecond)
	if m.refreshErr != nil {
		return nil, m.refreshErr
	}
	return sessionResponse("access-2"), nil
}

func (m *mockAPI) Logout(ctx context.Context, accessToken string) error {
	m.logoutToken = accessToken
	return m.logoutErr
}

func newTestService() (*Service, *mockAPI, *mockSessionStorage) {
	a := &mockAPI{}
	st := &mockSessionStorage{}
	return NewService(a, st, nil), a, st
}

func TestService_RegisterValidates(t *testing.T) {
	s, _, _ := newTestService()
	ctx := context.Background()

	_, err := s.Register(ctx, "not-an-email", "alice", "password123")
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = s.Register(ctx, "alice@campus.edu", "a", "password123")
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = s.Register(ctx, "alice@campus.edu", "alice", "short")
	assert.ErrorIs(t, err, errs.ErrValidation)

	session, err := s.Register(ctx, "Alice@Campus.edu", "alice", "password123")
	require.NoError(t, err)
	assert.Equal(t, "user-1", session.User.ID)
}

func TestService_LoginAndCurrentSession(t *testing.T) {
	s, _, _ := newTestService()
	ctx := context.Background()

	current, err := s.CurrentSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, current)

	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	session, err := s.Login(ctx, "alice@campus.edu", "password123")
	require.NoError(t, err)
	assert.Equal(t, "access-1", session.AccessToken)

	ev := <-events
	assert.Equal(t, SignedIn, ev.Change)
	assert.Equal(t, "alice", ev.Session.User.Username)

	current, err = s.CurrentSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, "refresh-access-1", current.RefreshToken)
}

func TestService_CurrentSessionEndsWithRefreshWindow(t *testing.T) {
	s, _, st := newTestService()
	ctx := context.Background()

	_, err := s.Login(ctx, "alice@campus.edu", "password123")
	require.NoError(t, err)

	// access token истек, но refresh еще годен: сессия жива
	st.data.ExpiresAt = time.Now().Add(-time.Minute).Unix()
	current, err := s.CurrentSession(ctx)
	require.NoError(t, err)
	assert.NotNil(t, current)

	st.data.RefreshUntil = time.Now().Add(-time.Second).Unix()
	current, err = s.CurrentSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestService_LoginFailure(t *testing.T) {
	s, a, st := newTestService()
	a.loginErr = errors.Join(errs.ErrAuth, errors.New("invalid credentials"))

	_, err := s.Login(context.Background(), "alice@campus.edu", "wrong-password")
	assert.ErrorIs(t, err, errs.ErrAuth)
	assert.Nil(t, st.data)
}

func TestService_AccessTokenRefreshesOnce(t *testing.T) {
	s, a, st := newTestService()
	ctx := context.Background()

	_, err := s.Login(ctx, "alice@campus.edu", "password123")
	require.NoError(t, err)

	token, err := s.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)
	assert.Equal(t, int32(0), a.refreshes.Load())

	// токен истекает через 10 секунд: меньше запаса обновления
	st.mu.Lock()
	st.data.ExpiresAt = time.Now().Add(10 * time.Second).Unix()
	st.mu.Unlock()

	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	var wg sync.WaitGroup
	tokens := make([]string, 5)
	for i := range tokens {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens[i], _ = s.AccessToken(ctx)
		}()
	}
	wg.Wait()

	for _, tok := range tokens {
		assert.Equal(t, "access-2", tok)
	}
	assert.Equal(t, int32(1), a.refreshes.Load())
	assert.Equal(t, TokenRefreshed, (<-events).Change)
}

func TestService_RefreshTransientKeepsLiveToken(t *testing.T) {
	s, a, st := newTestService()
	ctx := context.Background()
	_, err := s.Login(ctx, "alice@campus.edu", "password123")
	require.NoError(t, err)

	a.refreshErr = errs.Transient(errors.New("connection refused"))
	st.mu.Lock()
	st.data.ExpiresAt = time.Now().Add(10 * time.Second).Unix()
	st.mu.Unlock()

	token, err := s.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)

	// токен уже истек - временная ошибка отдается вызывающему
	st.mu.Lock()
	st.data.ExpiresAt = time.Now().Add(-time.Second).Unix()
	st.mu.Unlock()
	_, err = s.AccessToken(ctx)
	assert.True(t, errs.Retryable(err))
}

func TestService_RefreshRejectedSignsOut(t *testing.T) {
	s, a, st := newTestService()
	ctx := context.Background()
	_, err := s.Login(ctx, "alice@campus.edu", "password123")
	require.NoError(t, err)

	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	a.refreshErr = errs.ErrAuth
	st.mu.Lock()
	st.data.ExpiresAt = time.Now().Unix()
	st.mu.Unlock()

	_, err = s.AccessToken(ctx)
	assert.ErrorIs(t, err, errs.ErrAuth)
	assert.Equal(t, SignedOut, (<-events).Change)

	_, err = s.AccessToken(ctx)
	assert.ErrorIs(t, err, errs.ErrAuth)
}

func TestService_Logout(t *testing.T) {
	s, a, st := newTestService()
	ctx := context.Background()
	_, err := s.Login(ctx, "alice@campus.edu", "password123")
	require.NoError(t, err)

	// сервер недоступен, но локальная сессия все равно удаляется
	a.logoutErr = errs.Transient(errors.New("offline"))
	require.NoError(t, s.Logout(ctx))
	assert.Equal(t, "access-1", a.logoutToken)
	assert.Nil(t, st.data)

	// повторный выход не ошибка
	require.NoError(t, s.Logout(ctx))
}

func TestService_UnsubscribeClosesChannel(t *testing.T) {
	s, _, _ := newTestService()
	events, unsubscribe := s.Subscribe()
	unsubscribe()
	unsubscribe()

	_, ok := <-events
	assert.False(t, ok)
}

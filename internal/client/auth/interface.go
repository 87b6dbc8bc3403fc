package auth

import (
	"context"

	"github.com/iudanet/campusmarket/pkg/api"
)

// API is the subset of the HTTP client the auth service needs
type API interface {
	Register(ctx context.Context, req api.RegisterRequest) (*api.SessionResponse, error)
	Login(ctx context.Context, req api.LoginRequest) (*api.SessionResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*api.SessionResponse, error)
	Logout(ctx context.Context, accessToken string) error
}

// StateChange тип изменения сессии
type StateChange string

const (
	SignedIn       StateChange = "signed-in"
	SignedOut      StateChange = "signed-out"
	TokenRefreshed StateChange = "token-refreshed"
)

// Session is the authenticated user and its tokens.
type Session struct {
	User         api.UserInfo
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64 // unix time истечения access token
}

// Event delivered to subscribers.
type Event struct {
	Session *Session // nil для SignedOut
	Change  StateChange
}

package storage

import (
	"context"
	"time"
)

// SessionStorage хранит текущую сессию клиента. Сессия одна: сохранение заменяет предыдущую.
type SessionStorage interface {
	SaveSession(ctx context.Context, s *SessionData) error
	// LoadSession returns ErrNoSession when nobody is signed in.
	LoadSession(ctx context.Context) (*SessionData, error)
	DeleteSession(ctx context.Context) error
}

// SessionData is the persisted form of a signed-in session.
type SessionData struct {
	UserID       string `json:"user_id"`
	Email        string `json:"email"`
	Username     string `json:"username"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	// ExpiresAt unix time истечения access token
	ExpiresAt int64 `json:"expires_at"`
	// RefreshUntil unix time, до которого refresh token считается годным
	RefreshUntil int64 `json:"refresh_until,omitempty"`
}

// AccessValid reports whether the access token is still good for at least skew.
func (d *SessionData) AccessValid(now time.Time, skew time.Duration) bool {
	return now.Add(skew).Unix() < d.ExpiresAt
}

// Refreshable сообщает, можно ли еще продлить сессию. Сессии без RefreshUntil
// живут до истечения access token.
func (d *SessionData) Refreshable(now time.Time) bool {
	until := d.RefreshUntil
	if until == 0 {
		until = d.ExpiresAt
	}
	return now.Unix() < until
}

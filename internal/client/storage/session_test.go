package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionData_Validity(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name        string
		data        SessionData
		skew        time.Duration
		access      bool
		refreshable bool
	}{
		{
			name:        "fresh",
			data:        SessionData{ExpiresAt: now.Add(time.Hour).Unix(), RefreshUntil: now.Add(24 * time.Hour).Unix()},
			skew:        30 * time.Second,
			access:      true,
			refreshable: true,
		},
		{
			name:        "access inside skew",
			data:        SessionData{ExpiresAt: now.Add(10 * time.Second).Unix(), RefreshUntil: now.Add(24 * time.Hour).Unix()},
			skew:        30 * time.Second,
			access:      false,
			refreshable: true,
		},
		{
			name:        "refresh expired",
			data:        SessionData{ExpiresAt: now.Add(-time.Hour).Unix(), RefreshUntil: now.Add(-time.Minute).Unix()},
			access:      false,
			refreshable: false,
		},
		{
			name:        "no refresh deadline falls back to access expiry",
			data:        SessionData{ExpiresAt: now.Add(time.Minute).Unix()},
			access:      true,
			refreshable: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.access, tt.data.AccessValid(now, tt.skew))
			assert.Equal(t, tt.refreshable, tt.data.Refreshable(now))
		})
	}
}

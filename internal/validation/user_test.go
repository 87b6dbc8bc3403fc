package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/campusmarket/internal/errs"
)

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name     string
		username string
		wantErr  bool
		errMsg   string
	}{
		{name: "valid username - lowercase", username: "alice"},
		{name: "valid username - mixed case", username: "AliceSmith"},
		{name: "valid username - with underscore", username: "alice_smith"},
		{name: "valid username - max length", username: "a1234567890123456789012345678901"},
		{name: "invalid - empty username", username: "", wantErr: true, errMsg: "username cannot be empty"},
		{name: "invalid - too short (2 chars)", username: "ab", wantErr: true, errMsg: "must be at least 3 characters"},
		{name: "invalid - too long", username: "a12345678901234567890123456789012", wantErr: true, errMsg: "must not exceed 32 characters"},
		{name: "invalid - hyphen", username: "alice-smith", wantErr: true, errMsg: "can only contain letters"},
		{name: "invalid - cyrillic", username: "алиса", wantErr: true, errMsg: "can only contain letters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUsername(tt.username)

			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, errs.ErrValidation)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
		errMsg   string
	}{
		{name: "valid password - exactly 8 chars", password: "pass1234"},
		{name: "valid password - unicode", password: "пароль12"},
		{name: "invalid - empty password", password: "", wantErr: true, errMsg: "password cannot be empty"},
		{name: "invalid - too short (7 chars)", password: "pass123", wantErr: true, errMsg: "must be at least 8 characters"},
		{name: "invalid - over bcrypt limit", password: string(make([]byte, 73)), wantErr: true, errMsg: "must not exceed 72 bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePassword(tt.password)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		email   string
		wantErr bool
	}{
		{email: "alice@campus.edu"},
		{email: "a.b+tag@uni.example.org"},
		{email: "", wantErr: true},
		{email: "alice", wantErr: true},
		{email: "alice@localhost", wantErr: true},
		{email: "Alice <alice@campus.edu>", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			err := ValidateEmail(tt.email)
			if tt.wantErr {
				assert.ErrorIs(t, err, errs.ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "alice@campus.edu", NormalizeEmail("  Alice@Campus.EDU "))
}

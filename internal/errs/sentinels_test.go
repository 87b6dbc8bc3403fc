package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		name string
		want Kind
	}{
		{name: "nil", err: nil, want: KindNone},
		{name: "wrapped transient", err: fmt.Errorf("create: %w", ErrTransient), want: KindTransient},
		{name: "deadline", err: fmt.Errorf("do: %w", context.DeadlineExceeded), want: KindTransient},
		{name: "validation", err: ErrValidation, want: KindValidation},
		{name: "conflict", err: ErrConflict, want: KindConflict},
		{name: "not found maps to conflict", err: ErrNotFound, want: KindConflict},
		{name: "auth", err: ErrAuth, want: KindAuth},
		{name: "forbidden", err: ErrForbidden, want: KindForbidden},
		{name: "cancelled wins", err: fmt.Errorf("%w: %w", ErrCancelled, ErrTransient), want: KindCancelled},
		{name: "unknown", err: errors.New("boom"), want: KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Transient(errors.New("connection reset"))))
	assert.False(t, Retryable(ErrValidation))
	assert.False(t, Retryable(fmt.Errorf("%w: %w", ErrRetriesExhausted, ErrTransient)))
	assert.Nil(t, Transient(nil))
}

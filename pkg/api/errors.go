package api

import (
	"errors"
	"fmt"
)

// ErrInvalidPayload is returned by DTO validators when a server payload is malformed.
var ErrInvalidPayload = errors.New("invalid payload")

func newValidationError(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, msg)
}

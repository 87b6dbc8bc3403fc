package storage

import "errors"

// Common storage errors
var (
	// ErrUserNotFound indicates that user was not found in storage
	ErrUserNotFound = errors.New("user not found")

	// ErrUserAlreadyExists indicates that user with this email already exists
	ErrUserAlreadyExists = errors.New("user already exists")

	// ErrTokenNotFound indicates that refresh token was not found
	ErrTokenNotFound = errors.New("refresh token not found")

	// ErrRecordNotFound indicates that the record does not exist or was deleted
	ErrRecordNotFound = errors.New("record not found")

	// ErrInvalidFilter indicates a filter key that cannot be used as a JSON path
	ErrInvalidFilter = errors.New("invalid filter")
)

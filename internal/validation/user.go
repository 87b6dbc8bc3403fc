// Package validation содержит правила проверки учетных данных и полей записей.
// Все ошибки оборачивают errs.ErrValidation.
package validation

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/iudanet/campusmarket/internal/errs"
)

// UsernamePattern определяет допустимый формат username
// Только латинские буквы (a-z, A-Z), цифры (0-9), нижнее подчеркивание (_)
var UsernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{3,32}$`)

const (
	// MinUsernameLen минимальная длина username
	MinUsernameLen = 3
	// MaxUsernameLen максимальная длина username
	MaxUsernameLen = 32
	// MinPasswordLen минимальная длина пароля в символах
	MinPasswordLen = 8
	// MaxPasswordBytes ограничение bcrypt
	MaxPasswordBytes = 72
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errs.ErrValidation, fmt.Sprintf(format, args...))
}

// ValidateUsername проверяет, что username соответствует требованиям
func ValidateUsername(username string) error {
	if username == "" {
		return invalid("username cannot be empty")
	}

	if len(username) < MinUsernameLen {
		return invalid("username must be at least %d characters long", MinUsernameLen)
	}

	if len(username) > MaxUsernameLen {
		return invalid("username must not exceed %d characters", MaxUsernameLen)
	}

	if !UsernamePattern.MatchString(username) {
		return invalid("username can only contain letters (a-z, A-Z), numbers (0-9), and underscores (_)")
	}

	return nil
}

// ValidatePassword проверяет минимальные требования к паролю
func ValidatePassword(password string) error {
	if password == "" {
		return invalid("password cannot be empty")
	}

	if utf8.RuneCountInString(password) < MinPasswordLen {
		return invalid("password must be at least %d characters long", MinPasswordLen)
	}

	if len(password) > MaxPasswordBytes {
		return invalid("password must not exceed %d bytes", MaxPasswordBytes)
	}

	return nil
}

// ValidateEmail проверяет адрес почты. Допускается только голый адрес без имени.
func ValidateEmail(email string) error {
	if email == "" {
		return invalid("email cannot be empty")
	}

	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return invalid("email %q is not a valid address", email)
	}

	at := strings.LastIndexByte(email, '@')
	if !strings.Contains(email[at+1:], ".") {
		return invalid("email %q has no domain", email)
	}

	return nil
}

// NormalizeEmail приводит адрес к виду, в котором он хранится
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

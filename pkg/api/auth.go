package api

// RegisterRequest представляет запрос на регистрацию нового пользователя
type RegisterRequest struct {
	Email    string `json:"email"`    // email студента, используется как логин
	Username string `json:"username"` // отображаемое имя
	Password string `json:"password"` // пароль в открытом виде (только по TLS)
}

// LoginRequest представляет запрос на аутентификацию
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// UserInfo описывает пользователя в ответах auth API
type UserInfo struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// SessionResponse представляет ответ с токенами доступа и данными пользователя
type SessionResponse struct {
	User         UserInfo `json:"user"`
	AccessToken  string   `json:"access_token"`  // JWT access token
	RefreshToken string   `json:"refresh_token"` // refresh token
	ExpiresIn    int64    `json:"expires_in"`    // время жизни access token в секундах
}

// Validate проверяет, что ответ сервера содержит всё необходимое для сессии
func (r *SessionResponse) Validate() error {
	if r.AccessToken == "" {
		return newValidationError("access_token is empty")
	}
	if r.RefreshToken == "" {
		return newValidationError("refresh_token is empty")
	}
	if r.User.ID == "" {
		return newValidationError("user.id is empty")
	}
	if r.ExpiresIn <= 0 {
		return newValidationError("expires_in must be positive")
	}
	return nil
}

// ErrorResponse представляет ответ с ошибкой
type ErrorResponse struct {
	Error   string `json:"error"`             // описание ошибки
	Message string `json:"message,omitempty"` // дополнительное сообщение
}

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iudanet/campusmarket/internal/crypto"
	"github.com/iudanet/campusmarket/internal/models"
	"github.com/iudanet/campusmarket/internal/server/jwt"
	"github.com/iudanet/campusmarket/internal/server/storage"
	"github.com/iudanet/campusmarket/internal/validation"
	"github.com/iudanet/campusmarket/pkg/api"
)

// AuthHandler обрабатывает запросы авторизации
type AuthHandler struct {
	logger       *zap.Logger
	userStorage  storage.UserStorage
	tokenStorage storage.TokenStorage
	jwt          *jwt.Service
}

// NewAuthHandler создает новый handler для авторизации
func NewAuthHandler(logger *zap.Logger, userStorage storage.UserStorage, tokenStorage storage.TokenStorage, jwtService *jwt.Service) *AuthHandler {
	return &AuthHandler{
		logger:       logger,
		userStorage:  userStorage,
		tokenStorage: tokenStorage,
		jwt:          jwtService,
	}
}

// Register обрабатывает POST /api/v1/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode register request", zap.Error(err))
		sendError(h.logger, w, "invalid request body", http.StatusBadRequest)
		return
	}

	email := validation.NormalizeEmail(req.Email)
	for _, err := range []error{
		validation.ValidateEmail(email),
		validation.ValidateUsername(req.Username),
		validation.ValidatePassword(req.Password),
	} {
		if err != nil {
			h.logger.Warn("invalid registration", zap.Error(err))
			sendError(h.logger, w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	hash, err := crypto.HashPassword(req.Password)
	if err != nil {
		h.logger.Error("failed to hash password", zap.Error(err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	user := &models.User{
		ID:           uuid.New().String(),
		Email:        email,
		Username:     req.Username,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}

	if err := h.userStorage.CreateUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrUserAlreadyExists) {
			h.logger.Warn("user already exists", zap.String("email", email))
			sendError(h.logger, w, "email already registered", http.StatusConflict)
			return
		}
		h.logger.Error("failed to create user", zap.Error(err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.Info("user registered successfully", zap.String("user_id", user.ID))

	resp, err := h.issueSession(r, user)
	if err != nil {
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}
	sendJSON(h.logger, w, resp, http.StatusCreated)
}

// Login обрабатывает POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode login request", zap.Error(err))
		sendError(h.logger, w, "invalid request body", http.StatusBadRequest)
		return
	}

	email := validation.NormalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		sendError(h.logger, w, "email and password are required", http.StatusBadRequest)
		return
	}

	user, err := h.userStorage.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			h.logger.Warn("login failed: user not found")
			sendError(h.logger, w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		h.logger.Error("failed to get user", zap.Error(err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	if err := crypto.VerifyPassword(req.Password, user.PasswordHash); err != nil {
		if errors.Is(err, crypto.ErrPasswordMismatch) {
			h.logger.Warn("login failed: wrong password", zap.String("user_id", user.ID))
			sendError(h.logger, w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		h.logger.Error("failed to verify password", zap.Error(err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	resp, err := h.issueSession(r, user)
	if err != nil {
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	if err := h.userStorage.UpdateLastLogin(ctx, user.ID, time.Now().UTC()); err != nil {
		// Не критичная ошибка, логируем но не прерываем
		h.logger.Warn("failed to update last login", zap.Error(err))
	}

	h.logger.Info("user logged in successfully", zap.String("user_id", user.ID))
	sendJSON(h.logger, w, resp, http.StatusOK)
}

// Refresh обрабатывает POST /api/v1/auth/refresh.
// Refresh token передается в Authorization и после обмена становится недействительным.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	refreshToken, ok := bearerToken(r)
	if !ok {
		sendError(h.logger, w, "refresh token is required", http.StatusUnauthorized)
		return
	}

	storedToken, err := h.tokenStorage.GetRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			h.logger.Warn("refresh token not found")
			sendError(h.logger, w, "invalid refresh token", http.StatusUnauthorized)
			return
		}
		h.logger.Error("failed to get refresh token", zap.Error(err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	if time.Now().After(storedToken.ExpiresAt) {
		h.logger.Warn("refresh token expired", zap.String("user_id", storedToken.UserID))
		_ = h.tokenStorage.DeleteRefreshToken(ctx, refreshToken)
		sendError(h.logger, w, "refresh token expired", http.StatusUnauthorized)
		return
	}

	// Удаляем старый токен до выдачи нового: повторный refresh тем же токеном не пройдет
	if err := h.tokenStorage.DeleteRefreshToken(ctx, refreshToken); err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			sendError(h.logger, w, "invalid refresh token", http.StatusUnauthorized)
			return
		}
		h.logger.Error("failed to delete old refresh token", zap.Error(err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	user, err := h.userStorage.GetUserByID(ctx, storedToken.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			sendError(h.logger, w, "invalid refresh token", http.StatusUnauthorized)
			return
		}
		h.logger.Error("failed to get user", zap.Error(err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	resp, err := h.issueSession(r, user)
	if err != nil {
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.Info("tokens refreshed successfully", zap.String("user_id", user.ID))
	sendJSON(h.logger, w, resp, http.StatusOK)
}

// Logout обрабатывает POST /api/v1/auth/logout.
// Отзывает все refresh токены пользователя. Требует AuthMiddleware.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		sendError(h.logger, w, "unauthorized", http.StatusUnauthorized)
		return
	}

	deletedCount, err := h.tokenStorage.DeleteUserTokens(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to delete user tokens", zap.Error(err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.Info("user logged out successfully",
		zap.String("user_id", userID),
		zap.Int("tokens_deleted", deletedCount))

	w.WriteHeader(http.StatusNoContent)
}

// Session обрабатывает GET /api/v1/auth/session. Требует AuthMiddleware.
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		sendError(h.logger, w, "unauthorized", http.StatusUnauthorized)
		return
	}

	user, err := h.userStorage.GetUserByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			// токен пережил пользователя
			sendError(h.logger, w, "user not found", http.StatusUnauthorized)
			return
		}
		h.logger.Error("failed to get user", zap.Error(err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	sendJSON(h.logger, w, userInfo(user), http.StatusOK)
}

// issueSession выпускает пару токенов и сохраняет refresh token
func (h *AuthHandler) issueSession(r *http.Request, user *models.User) (*api.SessionResponse, error) {
	accessToken, expiresIn, err := h.jwt.GenerateAccessToken(user.ID, user.Username)
	if err != nil {
		h.logger.Error("failed to generate access token", zap.Error(err))
		return nil, err
	}

	refreshToken, expiresAt, err := h.jwt.GenerateRefreshToken()
	if err != nil {
		h.logger.Error("failed to generate refresh token", zap.Error(err))
		return nil, err
	}

	token := &models.RefreshToken{
		Token:     refreshToken,
		UserID:    user.ID,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}
	if err := h.tokenStorage.SaveRefreshToken(r.Context(), token); err != nil {
		h.logger.Error("failed to save refresh token", zap.Error(err))
		return nil, err
	}

	return &api.SessionResponse{
		User:         userInfo(user),
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    expiresIn,
	}, nil
}

func userInfo(user *models.User) api.UserInfo {
	return api.UserInfo{ID: user.ID, Email: user.Email, Username: user.Username}
}

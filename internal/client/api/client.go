package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iudanet/campusmarket/internal/errs"
	"github.com/iudanet/campusmarket/internal/models"
	"github.com/iudanet/campusmarket/pkg/api"
)

// TokenSource выдает актуальный access token (обновляя его при необходимости)
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Client представляет HTTP клиент для взаимодействия с сервером
type Client struct {
	httpClient *http.Client
	tokens     TokenSource
	logger     *zap.Logger
	baseURL    string
}

// Option настраивает Client
type Option func(*Client)

// WithTimeout задает таймаут одного запроса
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithLogger задает логгер
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithHTTPClient подменяет http.Client (например, в тестах)
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient создает новый API клиент
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  zap.NewNop(),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
			// Настройка обработки редиректов
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				// Копируем заголовки Authorization при редиректе
				if len(via) > 0 && via[0].Header.Get("Authorization") != "" {
					req.Header.Set("Authorization", via[0].Header.Get("Authorization"))
				}
				return nil
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetTokenSource подключает источник токенов. Вызывается после создания auth сервиса,
// который сам зависит от Client.
func (c *Client) SetTokenSource(ts TokenSource) {
	c.tokens = ts
}

// BaseURL возвращает адрес сервера
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Register регистрирует нового пользователя
func (c *Client) Register(ctx context.Context, req api.RegisterRequest) (*api.SessionResponse, error) {
	var resp api.SessionResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/auth/register", "", req, &resp); err != nil {
		return nil, fmt.Errorf("register request failed: %w", err)
	}
	if err := resp.Validate(); err != nil {
		return nil, fmt.Errorf("register: %w: %w", errs.ErrValidation, err)
	}
	return &resp, nil
}

// Login выполняет аутентификацию пользователя
func (c *Client) Login(ctx context.Context, req api.LoginRequest) (*api.SessionResponse, error) {
	var resp api.SessionResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/auth/login", "", req, &resp); err != nil {
		return nil, fmt.Errorf("login request failed: %w", err)
	}
	if err := resp.Validate(); err != nil {
		return nil, fmt.Errorf("login: %w: %w", errs.ErrValidation, err)
	}
	return &resp, nil
}

// Refresh обменивает refresh token на новую пару токенов
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*api.SessionResponse, error) {
	var resp api.SessionResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/auth/refresh", refreshToken, nil, &resp); err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	if err := resp.Validate(); err != nil {
		return nil, fmt.Errorf("refresh: %w: %w", errs.ErrValidation, err)
	}
	return &resp, nil
}

// Logout отзывает refresh токены пользователя на сервере
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/auth/logout", accessToken, nil, nil); err != nil {
		return fmt.Errorf("logout request failed: %w", err)
	}
	return nil
}

// Me возвращает пользователя текущей сессии
func (c *Client) Me(ctx context.Context) (*api.UserInfo, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}
	var resp api.UserInfo
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/auth/session", token, nil, &resp); err != nil {
		return nil, fmt.Errorf("session request failed: %w", err)
	}
	return &resp, nil
}

// List загружает записи таблицы, удовлетворяющие фильтру равенства
func (c *Client) List(ctx context.Context, table string, filter map[string]string) ([]*models.Entity, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	path := "/api/v1/records/" + url.PathEscape(table)
	if len(filter) > 0 {
		q := url.Values{}
		for k, v := range filter {
			q.Set(k, v)
		}
		path += "?" + q.Encode()
	}

	var resp api.ListRecordsResponse
	if err := c.doRequest(ctx, http.MethodGet, path, token, nil, &resp); err != nil {
		return nil, fmt.Errorf("list %s failed: %w", table, err)
	}
	if err := resp.Validate(); err != nil {
		return nil, fmt.Errorf("list %s: %w: %w", table, errs.ErrValidation, err)
	}

	out := make([]*models.Entity, 0, len(resp.Records))
	for i := range resp.Records {
		out = append(out, EntityFromRecord(&resp.Records[i]))
	}
	return out, nil
}

// Send отправляет операцию из офлайн-очереди на сервер.
// Возвращает запись в том виде, как ее сохранил сервер (nil для delete).
func (c *Client) Send(ctx context.Context, op *models.QueuedOperation) (*models.Entity, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	base := "/api/v1/records/" + url.PathEscape(op.Collection)
	var rec api.Record

	switch op.Operation {
	case models.OpCreate:
		req := api.CreateRecordRequest{ClientID: op.TargetID, Fields: op.ProposedValue}
		err = c.doRequestWithKey(ctx, http.MethodPost, base, token, op.ID, req, &rec)
	case models.OpUpdate, models.OpToggle:
		if models.IsTempID(op.TargetID) {
			return nil, fmt.Errorf("%w: target %s has no server id yet", errs.ErrConflict, op.TargetID)
		}
		req := api.UpdateRecordRequest{Fields: op.ProposedValue}
		err = c.doRequestWithKey(ctx, http.MethodPatch, base+"/"+url.PathEscape(op.TargetID), token, op.ID, req, &rec)
	case models.OpDelete:
		err = c.doRequestWithKey(ctx, http.MethodDelete, base+"/"+url.PathEscape(op.TargetID), token, op.ID, nil, nil)
		if errors.Is(err, errs.ErrNotFound) {
			// запись уже удалена - желаемое состояние достигнуто
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("delete %s/%s failed: %w", op.Collection, op.TargetID, err)
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown operation %q", errs.ErrValidation, op.Operation)
	}

	if err != nil {
		return nil, fmt.Errorf("%s %s/%s failed: %w", op.Operation, op.Collection, op.TargetID, err)
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("%s %s: %w: %w", op.Operation, op.Collection, errs.ErrValidation, err)
	}
	return EntityFromRecord(&rec), nil
}

// Upload загружает файл в объектное хранилище и возвращает публичную ссылку
func (c *Client) Upload(ctx context.Context, bucket, path, contentType string, body io.Reader) (*api.UploadResponse, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/api/v1/storage/%s/%s", c.baseURL, url.PathEscape(bucket), strings.TrimLeft(path, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	var resp api.UploadResponse
	if err := c.do(req, &resp); err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	if resp.PublicURL == "" {
		return nil, fmt.Errorf("upload: %w: empty public_url", errs.ErrValidation)
	}
	return &resp, nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return "", fmt.Errorf("%w: no session", errs.ErrAuth)
	}
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return "", err
	}
	return token, nil
}

// doRequest выполняет HTTP запрос
func (c *Client) doRequest(ctx context.Context, method, path, bearer string, body, result any) error {
	return c.doRequestWithKey(ctx, method, path, bearer, "", body, result)
}

func (c *Client) doRequestWithKey(ctx context.Context, method, path, bearer, idempotencyKey string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result any) error {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// обрыв соединения и таймаут - временные ошибки
		return errs.Transient(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.Transient(fmt.Errorf("failed to read response body: %w", err))
	}

	c.logger.Debug("api request",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(respBody))
		var errResp api.ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Message != "" {
			msg = errResp.Message
		}
		return StatusError(resp.StatusCode, msg)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: failed to decode response: %w", errs.ErrValidation, err)
		}
	}
	return nil
}

// StatusError classifies a non-2xx response into the error taxonomy.
func StatusError(code int, msg string) error {
	var kind error
	switch {
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity, code == http.StatusRequestEntityTooLarge:
		kind = errs.ErrValidation
	case code == http.StatusUnauthorized:
		kind = errs.ErrAuth
	case code == http.StatusForbidden:
		kind = errs.ErrForbidden
	case code == http.StatusNotFound, code == http.StatusGone:
		return fmt.Errorf("%w: %w: server error (%d): %s", errs.ErrConflict, errs.ErrNotFound, code, msg)
	case code == http.StatusConflict:
		kind = errs.ErrConflict
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		kind = errs.ErrTransient
	default:
		return fmt.Errorf("server error (%d): %s", code, msg)
	}
	return fmt.Errorf("%w: server error (%d): %s", kind, code, msg)
}

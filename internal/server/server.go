// Package server собирает backend: хранилище, обработчики, realtime хаб и маршруты.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iudanet/campusmarket/internal/config"
	applog "github.com/iudanet/campusmarket/internal/logger"
	"github.com/iudanet/campusmarket/internal/server/handlers"
	"github.com/iudanet/campusmarket/internal/server/jwt"
	"github.com/iudanet/campusmarket/internal/server/middleware"
	"github.com/iudanet/campusmarket/internal/server/realtime"
	"github.com/iudanet/campusmarket/internal/server/storage/sqlite"
)

// tokenCleanupInterval период удаления просроченных refresh токенов
const tokenCleanupInterval = time.Hour

// Server backend сервис
type Server struct {
	logger  *zap.Logger
	store   *sqlite.Storage
	hub     *realtime.Hub
	limiter *middleware.RateLimiter
	handler http.Handler
	cfg     config.Server
}

// New открывает хранилище и собирает маршруты
func New(ctx context.Context, cfg config.Server, logger *zap.Logger, version string) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	logger = applog.OrNop(logger)

	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}

	store, err := sqlite.New(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	jwtService := jwt.NewService(cfg.JWTSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	hub := realtime.NewHub(jwtService, realtime.Options{Logger: logger.Named("realtime")})

	authHandler := handlers.NewAuthHandler(logger.Named("auth"), store, store, jwtService)
	recordsHandler := handlers.NewRecordsHandler(logger.Named("records"), store, hub)
	objectHandler := handlers.NewObjectHandler(logger.Named("objects"), cfg.StorageDir, cfg.PublicBaseURL, cfg.MaxUploadBytes)
	healthHandler := handlers.NewHealthHandler(logger, store, version)

	requireAuth := middleware.AuthMiddleware(logger, jwtService)
	rateLimit, limiter := middleware.RateLimitMiddleware(cfg.RateLimit.Requests, cfg.RateLimit.Window, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", healthHandler.Health)

	// Публичные auth эндпоинты под rate limit
	mux.Handle("POST /api/v1/auth/register", rateLimit(http.HandlerFunc(authHandler.Register)))
	mux.Handle("POST /api/v1/auth/login", rateLimit(http.HandlerFunc(authHandler.Login)))
	mux.Handle("POST /api/v1/auth/refresh", rateLimit(http.HandlerFunc(authHandler.Refresh)))
	mux.Handle("POST /api/v1/auth/logout", requireAuth(http.HandlerFunc(authHandler.Logout)))
	mux.Handle("GET /api/v1/auth/session", requireAuth(http.HandlerFunc(authHandler.Session)))

	mux.Handle("GET /api/v1/records/{table}", requireAuth(http.HandlerFunc(recordsHandler.List)))
	mux.Handle("POST /api/v1/records/{table}", requireAuth(http.HandlerFunc(recordsHandler.Create)))
	mux.Handle("GET /api/v1/records/{table}/{id}", requireAuth(http.HandlerFunc(recordsHandler.Get)))
	mux.Handle("PATCH /api/v1/records/{table}/{id}", requireAuth(http.HandlerFunc(recordsHandler.Update)))
	mux.Handle("DELETE /api/v1/records/{table}/{id}", requireAuth(http.HandlerFunc(recordsHandler.Delete)))

	mux.Handle("POST /api/v1/storage/{bucket}/{path...}", requireAuth(http.HandlerFunc(objectHandler.Upload)))
	mux.HandleFunc("GET /public/{bucket}/{path...}", objectHandler.Download)

	// токен передается в query, websocket клиенты не умеют заголовки
	mux.Handle("GET /api/v1/realtime", hub)

	handler := middleware.LoggingWithSkip(logger.Named("http"), []string{"/api/v1/health"})(mux)
	handler = middleware.RecoveryMiddleware(logger)(handler)

	return &Server{
		logger:  logger,
		store:   store,
		hub:     hub,
		limiter: limiter,
		handler: handler,
		cfg:     cfg,
	}, nil
}

// Handler возвращает корневой http.Handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run обслуживает запросы до отмены ctx, затем корректно останавливается
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("server listening", zap.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.cleanupTokens(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		// websocket соединения Shutdown не закрывает
		s.hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Close освобождает ресурсы сервера
func (s *Server) Close() error {
	s.hub.Close()
	s.limiter.Stop()
	return s.store.Close()
}

func (s *Server) cleanupTokens(ctx context.Context) {
	ticker := time.NewTicker(tokenCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.DeleteExpiredTokens(ctx)
			if err != nil {
				s.logger.Warn("failed to delete expired tokens", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("expired refresh tokens deleted", zap.Int("count", n))
			}
		}
	}
}

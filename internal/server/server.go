// Пакет server — HTTP-сервер Client Module с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на API Gateway.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/godedupstore/client-module/internal/api/handlers"
	"github.com/bigkaa/godedupstore/client-module/internal/api/middleware"
	"github.com/bigkaa/godedupstore/client-module/internal/config"
)

// Server — HTTP-сервер Client Module.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// Роли и скоупы доступа к API.
var (
	readRoles   = []string{"readonly", "admin"}
	readScopes  = []string{"files:read"}
	writeRoles  = []string{"admin"}
	writeScopes = []string{"files:write"}
)

// New создаёт новый HTTP-сервер с настроенными routes и middleware.
// auth — JWT middleware; nil, если аутентификация отключена
// (CM_KEYCLOAK_URL не задан) — тогда RBAC не применяется.
// middlewares — дополнительные middleware (metrics, logging,
// OpenAPI-валидация), добавляются в порядке переданного среза.
func New(cfg *config.Config, logger *slog.Logger, handler *handlers.APIHandler, auth *middleware.JWTAuth, middlewares ...func(http.Handler) http.Handler) *Server {
	router := chi.NewRouter()

	// Применяем переданные middleware
	for _, mw := range middlewares {
		router.Use(mw)
	}

	// Health endpoints и метрики — без аутентификации
	router.Get("/health/live", handler.HealthLive)
	router.Get("/health/ready", handler.HealthReady)
	router.Get("/metrics", handler.GetMetrics)

	requireRead := passthrough
	requireWrite := passthrough
	if auth != nil {
		requireRead = middleware.RequireRoleOrScope(readRoles, readScopes)
		requireWrite = middleware.RequireRoleOrScope(writeRoles, writeScopes)
	}

	router.Route("/api/v1", func(r chi.Router) {
		if auth != nil {
			r.Use(auth.Middleware())
		}

		// Чтения — роль readonly/admin или scope files:read
		r.Group(func(r chi.Router) {
			r.Use(requireRead)
			r.Get("/files", handler.ListFiles)
			r.Get("/files/{file_id}/duplicates", handler.GetDuplicates)
			r.Get("/files/{file_id}/duplicates/watch", handler.WatchDuplicates)
			r.Get("/files/{file_id}/download", handler.DownloadFile)
			r.Get("/stats", handler.GetStats)
			r.Get("/preferences", handler.ListPreferences)
			r.Get("/preferences/{key}", handler.GetPreference)
		})

		// Мутации — роль admin или scope files:write
		r.Group(func(r chi.Router) {
			r.Use(requireWrite)
			r.Post("/files", handler.UploadFile)
			r.Post("/files/bulk-delete", handler.BulkDeleteFiles)
			r.Delete("/files/{file_id}", handler.DeleteFile)
			r.Put("/preferences/{key}", handler.PutPreference)
			r.Delete("/preferences/{key}", handler.DeletePreference)
		})
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// passthrough — no-op middleware при отключённой аутентификации.
func passthrough(next http.Handler) http.Handler {
	return next
}

// MiddlewareWithExclusions оборачивает middleware, пропуская указанные пути.
// Запросы к путям, начинающимся с любого из excludePrefixes, проходят без middleware.
func MiddlewareWithExclusions(mw func(http.Handler) http.Handler, excludePrefixes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Проверяем, начинается ли путь с исключённого префикса
			for _, prefix := range excludePrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}

			// Применяем middleware
			mw(next).ServeHTTP(w, r)
		})
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}

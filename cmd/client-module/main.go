// Точка входа Client Module — клиентский модуль дедуплицирующего
// файлового хранилища. Загружает конфигурацию, создаёт клиент dedup
// store, кэш чтений и сервисный слой, опционально подключается к
// PostgreSQL (персистентные предпочтения) и Keycloak (JWT),
// запускает topologymetrics и HTTP-сервер с graceful shutdown.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/godedupstore/client-module/internal/api/handlers"
	"github.com/bigkaa/godedupstore/client-module/internal/api/middleware"
	"github.com/bigkaa/godedupstore/client-module/internal/config"
	"github.com/bigkaa/godedupstore/client-module/internal/database"
	"github.com/bigkaa/godedupstore/client-module/internal/repository"
	"github.com/bigkaa/godedupstore/client-module/internal/server"
	"github.com/bigkaa/godedupstore/client-module/internal/service"
	"github.com/bigkaa/godedupstore/client-module/internal/storeclient"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Client Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("store_url", cfg.StoreURL),
	)

	if os.Getenv("CM_DEPHEALTH_GROUP") == "" {
		logger.Warn("CM_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	ctx := context.Background()

	// 3. Клиент dedup store backend
	storeClient, err := storeclient.New(cfg.StoreURL, cfg.StoreCACertPath, cfg.StoreTimeout, logger)
	if err != nil {
		logger.Error("Ошибка создания клиента dedup store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Кэш чтений и сервисный слой
	queryCache, err := service.NewQueryCache(cfg.CacheMaxEntries, cfg.CacheMaxAge, logger)
	if err != nil {
		logger.Error("Ошибка создания кэша чтений", slog.String("error", err.Error()))
		os.Exit(1)
	}
	queries := service.NewQueryService(storeClient, queryCache, logger)
	mutations := service.NewMutationService(storeClient, queryCache, logger)

	// 5. PostgreSQL (опционально: персистентные предпочтения).
	// Без CM_DB_HOST предпочтения хранятся в памяти процесса.
	var (
		prefsRepo repository.PreferencesRepository
		pgChecker handlers.ReadinessChecker
		pgDB      *sql.DB
	)
	if cfg.DatabaseConfigured() {
		logger.Info("Применение миграций БД...")
		if err := database.Migrate(cfg, logger); err != nil {
			logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
			os.Exit(1)
		}

		pool, err := database.Connect(ctx, cfg, logger)
		if err != nil {
			logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer pool.Close()

		// Адаптер pgxpool → *sql.DB для topologymetrics: проверка
		// здоровья идёт через существующий пул соединений
		pgDB = stdlib.OpenDBFromPool(pool)
		defer pgDB.Close()

		prefsRepo = repository.NewPreferencesRepository(pool)
		pgChecker = database.NewReadinessChecker(pool)
	} else {
		logger.Info("CM_DB_HOST не задан, предпочтения хранятся в памяти")
		prefsRepo = repository.NewMemoryPreferencesRepository()
	}

	// 6. JWT middleware (опционально: CM_KEYCLOAK_URL)
	var (
		jwtAuth   *middleware.JWTAuth
		kcChecker handlers.ReadinessChecker
	)
	if cfg.AuthConfigured() {
		jwtAuth, err = middleware.NewJWTAuth(middleware.AuthOptions{
			JWKSURL:         cfg.JWTJWKSURL,
			CACertPath:      cfg.KeycloakCACertPath,
			Issuer:          cfg.JWTIssuer,
			AdminGroups:     cfg.RoleAdminGroups,
			ReadonlyGroups:  cfg.RoleReadonlyGroups,
			ClientTimeout:   cfg.JWKSClientTimeout,
			RefreshInterval: cfg.JWKSRefreshInterval,
			Leeway:          cfg.JWTLeeway,
		}, logger)
		if err != nil {
			logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer jwtAuth.Close()
		logger.Info("JWT middleware инициализирован",
			slog.String("jwks_url", cfg.JWTJWKSURL),
			slog.String("issuer", cfg.JWTIssuer),
		)

		kcChecker, err = middleware.NewKeycloakReadinessChecker(
			cfg.JWTJWKSURL, cfg.KeycloakCACertPath, cfg.JWKSClientTimeout)
		if err != nil {
			logger.Error("Ошибка создания Keycloak readiness checker", slog.String("error", err.Error()))
			os.Exit(1)
		}
	} else {
		logger.Warn("CM_KEYCLOAK_URL не задан, аутентификация отключена")
	}

	// 7. Health handler (dedup store + опциональные PostgreSQL и Keycloak)
	storeChecker := storeclient.NewReadinessChecker(storeClient, cfg.StoreTimeout)
	healthHandler := handlers.NewHealthHandler(storeChecker, pgChecker, kcChecker)

	// 8. API handler
	apiHandler := handlers.NewAPIHandler(queries, mutations, prefsRepo, healthHandler, logger)

	// 9. Middleware: метрики, логирование, OpenAPI-валидация
	middlewares := []func(http.Handler) http.Handler{
		middleware.MetricsMiddleware(),
		middleware.RequestLogger(logger),
	}
	if cfg.OpenAPIValidation {
		validator, err := middleware.NewOpenAPIValidator()
		if err != nil {
			logger.Error("Ошибка создания OpenAPI-валидатора", slog.String("error", err.Error()))
			os.Exit(1)
		}
		middlewares = append(middlewares,
			server.MiddlewareWithExclusions(validator, "/health", "/metrics"))
	}

	// 10. topologymetrics — мониторинг зависимостей
	var dephealthSvc *service.DephealthService
	if cfg.DephealthEnabled {
		dephealthSvc, err = service.NewDephealthService(
			"client-module",
			cfg.DephealthGroup,
			cfg.StoreURL,
			pgDB,
			cfg.DatabaseDSN(),
			cfg.DephealthCheckInterval,
			cfg.DephealthIsEntry,
			logger,
		)
		if err != nil {
			logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
				slog.String("error", err.Error()),
			)
		} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
			dephealthSvc = nil
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 11. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, apiHandler, jwtAuth, middlewares...)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 12. Graceful shutdown фоновых задач
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	logger.Info("Client Module остановлен")
}

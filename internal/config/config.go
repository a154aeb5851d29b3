// Пакет config — загрузка и валидация конфигурации Client Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Client Module.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера (диапазон 8040-8049)
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- HTTP Server Timeouts ---

	// Таймаут чтения HTTP-сервера (по умолчанию 30s)
	HTTPReadTimeout time.Duration
	// Таймаут записи HTTP-сервера (по умолчанию 0 — отключён,
	// иначе обрываются долгие downloads и SSE-потоки)
	HTTPWriteTimeout time.Duration
	// Таймаут простоя HTTP-сервера (по умолчанию 120s)
	HTTPIdleTimeout time.Duration

	// --- Dedup store backend ---

	// Базовый URL API dedup store (например http://localhost:8000/api)
	StoreURL string
	// Путь к CA-сертификату для TLS к store (опционально)
	StoreCACertPath string
	// Таймаут запросов к store (по умолчанию 30s)
	StoreTimeout time.Duration

	// --- Кэш чтений ---

	// Максимальное число записей кэша (по умолчанию 1024)
	CacheMaxEntries int
	// Возрастное устаревание FRESH-записей (0 — только явная инвалидация)
	CacheMaxAge time.Duration

	// --- PostgreSQL (опционально: предпочтения UI) ---

	// Хост PostgreSQL; пустая строка — in-memory предпочтения
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// --- Keycloak / JWT (опционально) ---

	// URL Keycloak; пустая строка — аутентификация отключена
	KeycloakURL   string
	KeycloakRealm string
	// Ожидаемый issuer JWT (авто-вычисляется из KeycloakURL)
	JWTIssuer string
	// URL JWKS endpoint (авто-вычисляется из KeycloakURL)
	JWTJWKSURL string
	// Путь к CA-сертификату Keycloak (опционально)
	KeycloakCACertPath string
	// Таймаут HTTP-клиента JWKS (по умолчанию 10s)
	JWKSClientTimeout time.Duration
	// Интервал обновления JWKS-ключей (по умолчанию 1h)
	JWKSRefreshInterval time.Duration
	// Допустимое отклонение времени при проверке JWT (по умолчанию 30s)
	JWTLeeway time.Duration
	// Группы IdP для роли admin
	RoleAdminGroups []string
	// Группы IdP для роли readonly
	RoleReadonlyGroups []string

	// --- OpenAPI-валидация запросов ---

	// Валидация входящих запросов по embedded контракту (по умолчанию true)
	OpenAPIValidation bool

	// --- Dephealth ---

	// Мониторинг зависимостей topologymetrics (по умолчанию true)
	DephealthEnabled bool
	// Имя группы в метриках dephealth
	DephealthGroup string
	// Интервал проверки зависимостей (по умолчанию 15s)
	DephealthCheckInterval time.Duration
	// Лейбл isentry=yes (сервис — входная точка графа)
	DephealthIsEntry bool

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown (по умолчанию 5s)
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения.
// Возвращает ошибку, если обязательные переменные не заданы
// или значения некорректны.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// CM_PORT — порт HTTP-сервера (по умолчанию 8040)
	cfg.Port, err = getEnvInt("CM_PORT", 8040)
	if err != nil {
		return nil, fmt.Errorf("CM_PORT: %w", err)
	}
	if cfg.Port < 8040 || cfg.Port > 8049 {
		return nil, fmt.Errorf("CM_PORT: значение %d вне допустимого диапазона 8040-8049", cfg.Port)
	}

	// CM_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("CM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("CM_LOG_LEVEL: %w", err)
	}

	// CM_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("CM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("CM_LOG_FORMAT: недопустимый формат %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- HTTP Server Timeouts ---

	// CM_HTTP_READ_TIMEOUT — таймаут чтения (по умолчанию 30s)
	cfg.HTTPReadTimeout, err = getEnvDuration("CM_HTTP_READ_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CM_HTTP_READ_TIMEOUT: %w", err)
	}

	// CM_HTTP_WRITE_TIMEOUT — таймаут записи (по умолчанию 0:
	// streaming downloads и SSE живут дольше любого разумного лимита)
	cfg.HTTPWriteTimeout, err = getEnvDuration("CM_HTTP_WRITE_TIMEOUT", 0)
	if err != nil {
		return nil, fmt.Errorf("CM_HTTP_WRITE_TIMEOUT: %w", err)
	}

	// CM_HTTP_IDLE_TIMEOUT — таймаут простоя (по умолчанию 120s)
	cfg.HTTPIdleTimeout, err = getEnvDuration("CM_HTTP_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CM_HTTP_IDLE_TIMEOUT: %w", err)
	}

	// --- Dedup store backend ---

	// CM_STORE_URL — базовый URL API store (по умолчанию локальный backend)
	cfg.StoreURL = getEnvDefault("CM_STORE_URL", "http://localhost:8000/api")

	// CM_STORE_CA_CERT_PATH — CA-сертификат для TLS к store (опционально)
	cfg.StoreCACertPath = getEnvDefault("CM_STORE_CA_CERT_PATH", "")

	// CM_STORE_TIMEOUT — таймаут запросов к store (по умолчанию 30s)
	cfg.StoreTimeout, err = getEnvDuration("CM_STORE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CM_STORE_TIMEOUT: %w", err)
	}

	// --- Кэш чтений ---

	// CM_CACHE_MAX_ENTRIES — максимальное число записей (по умолчанию 1024)
	cfg.CacheMaxEntries, err = getEnvInt("CM_CACHE_MAX_ENTRIES", 1024)
	if err != nil {
		return nil, fmt.Errorf("CM_CACHE_MAX_ENTRIES: %w", err)
	}
	if cfg.CacheMaxEntries < 1 {
		return nil, fmt.Errorf("CM_CACHE_MAX_ENTRIES: значение должно быть >= 1")
	}

	// CM_CACHE_MAX_AGE — возрастное устаревание записей
	// (по умолчанию 0 — записи устаревают только по явной инвалидации)
	cfg.CacheMaxAge, err = getEnvDuration("CM_CACHE_MAX_AGE", 0)
	if err != nil {
		return nil, fmt.Errorf("CM_CACHE_MAX_AGE: %w", err)
	}

	// --- PostgreSQL (опционально) ---

	// CM_DB_HOST — хост PostgreSQL; не задан — in-memory предпочтения
	cfg.DBHost = getEnvDefault("CM_DB_HOST", "")
	if cfg.DBHost != "" {
		cfg.DBPort, err = getEnvInt("CM_DB_PORT", 5432)
		if err != nil {
			return nil, fmt.Errorf("CM_DB_PORT: %w", err)
		}
		cfg.DBName, err = getEnvRequired("CM_DB_NAME")
		if err != nil {
			return nil, err
		}
		cfg.DBUser, err = getEnvRequired("CM_DB_USER")
		if err != nil {
			return nil, err
		}
		cfg.DBPassword, err = getEnvRequired("CM_DB_PASSWORD")
		if err != nil {
			return nil, err
		}
		// CM_DB_SSL_MODE — режим SSL (по умолчанию disable)
		cfg.DBSSLMode = getEnvDefault("CM_DB_SSL_MODE", "disable")
		switch cfg.DBSSLMode {
		case "disable", "require", "verify-ca", "verify-full":
		default:
			return nil, fmt.Errorf("CM_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
		}
	}

	// --- Keycloak / JWT (опционально) ---

	// CM_KEYCLOAK_URL — URL Keycloak; не задан — аутентификация отключена
	cfg.KeycloakURL = strings.TrimRight(getEnvDefault("CM_KEYCLOAK_URL", ""), "/")
	if cfg.KeycloakURL != "" {
		// CM_KEYCLOAK_REALM — realm (по умолчанию godedupstore)
		cfg.KeycloakRealm = getEnvDefault("CM_KEYCLOAK_REALM", "godedupstore")

		// CM_JWT_ISSUER — авто-вычисляется из KeycloakURL, если не задан
		cfg.JWTIssuer = getEnvDefault("CM_JWT_ISSUER",
			fmt.Sprintf("%s/realms/%s", cfg.KeycloakURL, cfg.KeycloakRealm))

		// CM_JWT_JWKS_URL — авто-вычисляется из KeycloakURL, если не задан
		cfg.JWTJWKSURL = getEnvDefault("CM_JWT_JWKS_URL",
			fmt.Sprintf("%s/realms/%s/protocol/openid-connect/certs", cfg.KeycloakURL, cfg.KeycloakRealm))

		// CM_KEYCLOAK_CA_CERT_PATH — CA-сертификат Keycloak (опционально)
		cfg.KeycloakCACertPath = getEnvDefault("CM_KEYCLOAK_CA_CERT_PATH", "")

		// CM_JWKS_CLIENT_TIMEOUT — таймаут HTTP-клиента JWKS (по умолчанию 10s)
		cfg.JWKSClientTimeout, err = getEnvDuration("CM_JWKS_CLIENT_TIMEOUT", 10*time.Second)
		if err != nil {
			return nil, fmt.Errorf("CM_JWKS_CLIENT_TIMEOUT: %w", err)
		}

		// CM_JWKS_REFRESH_INTERVAL — интервал обновления ключей (по умолчанию 1h)
		cfg.JWKSRefreshInterval, err = getEnvDuration("CM_JWKS_REFRESH_INTERVAL", time.Hour)
		if err != nil {
			return nil, fmt.Errorf("CM_JWKS_REFRESH_INTERVAL: %w", err)
		}

		// CM_JWT_LEEWAY — допустимое отклонение времени (по умолчанию 30s)
		cfg.JWTLeeway, err = getEnvDuration("CM_JWT_LEEWAY", 30*time.Second)
		if err != nil {
			return nil, fmt.Errorf("CM_JWT_LEEWAY: %w", err)
		}

		// CM_ROLE_ADMIN_GROUPS — группы для роли admin
		cfg.RoleAdminGroups = parseCSV(getEnvDefault("CM_ROLE_ADMIN_GROUPS", "godedupstore-admins"))

		// CM_ROLE_READONLY_GROUPS — группы для роли readonly
		cfg.RoleReadonlyGroups = parseCSV(getEnvDefault("CM_ROLE_READONLY_GROUPS", "godedupstore-viewers"))
	}

	// --- OpenAPI-валидация ---

	// CM_OPENAPI_VALIDATION — валидация запросов по контракту (по умолчанию true)
	cfg.OpenAPIValidation, err = getEnvBool("CM_OPENAPI_VALIDATION", true)
	if err != nil {
		return nil, fmt.Errorf("CM_OPENAPI_VALIDATION: %w", err)
	}

	// --- Dephealth ---

	// CM_DEPHEALTH_ENABLED — мониторинг зависимостей (по умолчанию true)
	cfg.DephealthEnabled, err = getEnvBool("CM_DEPHEALTH_ENABLED", true)
	if err != nil {
		return nil, fmt.Errorf("CM_DEPHEALTH_ENABLED: %w", err)
	}

	// CM_DEPHEALTH_GROUP — имя группы в метриках (по умолчанию godedupstore)
	cfg.DephealthGroup = getEnvDefault("CM_DEPHEALTH_GROUP", "godedupstore")

	// CM_DEPHEALTH_CHECK_INTERVAL — интервал проверки (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("CM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// DEPHEALTH_ISENTRY — лейбл входной точки графа (общий для всех модулей)
	cfg.DephealthIsEntry, err = getEnvBool("DEPHEALTH_ISENTRY", false)
	if err != nil {
		return nil, fmt.Errorf("DEPHEALTH_ISENTRY: %w", err)
	}

	// --- Graceful shutdown ---

	// CM_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("CM_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CM_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseConfigured сообщает, настроено ли персистентное хранилище
// предпочтений.
func (c *Config) DatabaseConfigured() bool {
	return c.DBHost != ""
}

// AuthConfigured сообщает, настроена ли JWT-аутентификация.
func (c *Config) AuthConfigured() bool {
	return c.KeycloakURL != ""
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q (допустимые: true, false, 1, 0)", val)
	}
	return b, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку со списком значений через запятую.
func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// handler.go — основной обработчик REST API Client Module.
// Объединяет health и бизнес-обработчики, делегируя запросы
// в сервисный слой.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	openapi_types "github.com/oapi-codegen/runtime/types"

	apierrors "github.com/bigkaa/godedupstore/client-module/internal/api/errors"
	"github.com/bigkaa/godedupstore/client-module/internal/repository"
	"github.com/bigkaa/godedupstore/client-module/internal/service"
)

// APIHandler — основной обработчик API Client Module.
type APIHandler struct {
	queries   *service.QueryService
	mutations *service.MutationService
	prefs     repository.PreferencesRepository
	health    *HealthHandler
	logger    *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(
	queries *service.QueryService,
	mutations *service.MutationService,
	prefs repository.PreferencesRepository,
	health *HealthHandler,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		queries:   queries,
		mutations: mutations,
		prefs:     prefs,
		health:    health,
		logger:    logger.With(slog.String("component", "api_handler")),
	}
}

// --- Health endpoints (делегируются в HealthHandler) ---

// HealthLive — liveness probe.
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness probe.
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики.
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// fileIDParam извлекает и валидирует path-параметр file_id.
// Некорректный UUID — ошибка вызывающего (400), ok == false,
// ответ уже записан.
func fileIDParam(w http.ResponseWriter, r *http.Request) (openapi_types.UUID, bool) {
	raw := chi.URLParam(r, "file_id")
	id, err := uuid.Parse(raw)
	if err != nil {
		apierrors.ValidationError(w, "file_id: ожидается UUID")
		return openapi_types.UUID{}, false
	}
	return openapi_types.UUID(id), true
}

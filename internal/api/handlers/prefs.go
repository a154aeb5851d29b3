// prefs.go — сохранённые предпочтения клиента (фильтры, настройки UI).
// Предпочтения привязаны к субъекту JWT; при отключённой
// аутентификации все запросы работают от имени "anonymous".
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/godedupstore/client-module/internal/api/errors"
	"github.com/bigkaa/godedupstore/client-module/internal/api/middleware"
	"github.com/bigkaa/godedupstore/client-module/internal/repository"
)

// maxPreferenceBytes — предел размера одного значения предпочтения.
const maxPreferenceBytes = 64 * 1024

// allowedPreferenceKeys — допустимые ключи предпочтений.
var allowedPreferenceKeys = map[string]bool{
	"filters": true,
	"ui":      true,
}

// preferenceResponse — ответ GET /api/v1/preferences/{key}.
type preferenceResponse struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// prefSubject возвращает субъект для привязки предпочтений.
func prefSubject(r *http.Request) string {
	if sub := middleware.SubjectFromContext(r.Context()); sub != "" {
		return sub
	}
	return "anonymous"
}

// prefKeyParam извлекает и валидирует path-параметр key.
func prefKeyParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := chi.URLParam(r, "key")
	if !allowedPreferenceKeys[key] {
		apierrors.ValidationError(w, "неизвестный ключ предпочтений: "+key)
		return "", false
	}
	return key, true
}

// ListPreferences — GET /api/v1/preferences.
// Возвращает все предпочтения субъекта.
func (h *APIHandler) ListPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := h.prefs.List(r.Context(), prefSubject(r))
	if err != nil {
		h.logger.Error("Ошибка чтения предпочтений", slog.String("error", err.Error()))
		apierrors.InternalError(w, "ошибка чтения предпочтений")
		return
	}

	resp := make([]preferenceResponse, 0, len(prefs))
	for _, p := range prefs {
		resp = append(resp, preferenceResponse{
			Key:       p.Key,
			Value:     json.RawMessage(p.Value),
			UpdatedAt: p.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPreference — GET /api/v1/preferences/{key}.
func (h *APIHandler) GetPreference(w http.ResponseWriter, r *http.Request) {
	key, ok := prefKeyParam(w, r)
	if !ok {
		return
	}

	pref, err := h.prefs.Get(r.Context(), prefSubject(r), key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			apierrors.NotFound(w, "предпочтение не найдено: "+key)
			return
		}
		h.logger.Error("Ошибка чтения предпочтения", slog.String("error", err.Error()))
		apierrors.InternalError(w, "ошибка чтения предпочтения")
		return
	}

	writeJSON(w, http.StatusOK, preferenceResponse{
		Key:       pref.Key,
		Value:     json.RawMessage(pref.Value),
		UpdatedAt: pref.UpdatedAt,
	})
}

// PutPreference — PUT /api/v1/preferences/{key}.
// Тело запроса — произвольный JSON-документ; сохраняется как есть.
func (h *APIHandler) PutPreference(w http.ResponseWriter, r *http.Request) {
	key, ok := prefKeyParam(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPreferenceBytes+1))
	if err != nil {
		apierrors.ValidationError(w, "не удалось прочитать тело запроса")
		return
	}
	if len(body) > maxPreferenceBytes {
		apierrors.ValidationError(w, "значение предпочтения слишком велико")
		return
	}
	if !json.Valid(body) {
		apierrors.ValidationError(w, "тело запроса не является корректным JSON")
		return
	}

	if err := h.prefs.Set(r.Context(), prefSubject(r), key, body); err != nil {
		h.logger.Error("Ошибка сохранения предпочтения", slog.String("error", err.Error()))
		apierrors.InternalError(w, "ошибка сохранения предпочтения")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeletePreference — DELETE /api/v1/preferences/{key}.
// Удаление отсутствующего предпочтения — идемпотентный успех.
func (h *APIHandler) DeletePreference(w http.ResponseWriter, r *http.Request) {
	key, ok := prefKeyParam(w, r)
	if !ok {
		return
	}

	err := h.prefs.Delete(r.Context(), prefSubject(r), key)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		h.logger.Error("Ошибка удаления предпочтения", slog.String("error", err.Error()))
		apierrors.InternalError(w, "ошибка удаления предпочтения")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// files.go — обработчики операций над файлами: список, удаление,
// массовое удаление.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/oapi-codegen/runtime"

	apierrors "github.com/bigkaa/godedupstore/client-module/internal/api/errors"
	"github.com/bigkaa/godedupstore/client-module/internal/domain/model"
	"github.com/bigkaa/godedupstore/client-module/internal/filter"
	"github.com/bigkaa/godedupstore/client-module/internal/service"
)

// maxBulkDeleteIDs — предел размера одной bulk-операции.
const maxBulkDeleteIDs = 500

// listFilesResponse — ответ GET /api/v1/files.
type listFilesResponse struct {
	Files []model.FileRecord `json:"files"`
	Count int                `json:"count"`
}

// ListFiles — GET /api/v1/files.
// Параметры фильтра совпадают с wire-форматом dedup store (search,
// file_type, hard_filter, min_size, max_size, start_date, end_date,
// unique_only). Дополнительный параметр allow_stale=true разрешает
// отдать последний известный результат, если store недоступен.
// Происхождение данных сообщается заголовком X-Cache: hit|miss|stale.
func (h *APIHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	spec, err := filter.ParseWireParams(r.URL.Query())
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	var allowStale bool
	if r.URL.Query().Has("allow_stale") {
		if err := runtime.BindQueryParameter("form", true, false, "allow_stale", r.URL.Query(), &allowStale); err != nil {
			apierrors.ValidationError(w, "allow_stale: ожидается true или false")
			return
		}
	}

	// Диагностика происхождения данных до fetch: FRESH-запись
	// обслужится из кэша
	cacheState := "miss"
	if _, status, ok := h.queries.ListFilesStale(spec); ok && status == service.StatusFresh {
		cacheState = "hit"
	}

	records, err := h.queries.ListFiles(r.Context(), spec)
	if err != nil {
		if allowStale {
			if stale, _, ok := h.queries.ListFilesStale(spec); ok {
				h.logger.Warn("Store недоступен, отдаём устаревший список",
					slog.String("error", err.Error()),
				)
				w.Header().Set("X-Cache", "stale")
				writeJSON(w, http.StatusOK, listFilesResponse{Files: stale, Count: len(stale)})
				return
			}
		}
		h.writeServiceError(w, err)
		return
	}

	if records == nil {
		records = []model.FileRecord{}
	}
	w.Header().Set("X-Cache", cacheState)
	writeJSON(w, http.StatusOK, listFilesResponse{Files: records, Count: len(records)})
}

// DeleteFile — DELETE /api/v1/files/{file_id}.
// Удаление отсутствующей записи — идемпотентный успех (204).
func (h *APIHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	id, ok := fileIDParam(w, r)
	if !ok {
		return
	}

	if err := h.mutations.Delete(r.Context(), id.String()); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// bulkDeleteRequest — тело POST /api/v1/files/bulk-delete.
type bulkDeleteRequest struct {
	IDs []string `json:"ids"`
}

// bulkDeleteFailure — описание неудачного удаления одного id.
type bulkDeleteFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// bulkDeleteResponse — поэлементный результат bulk delete.
type bulkDeleteResponse struct {
	Succeeded []string            `json:"succeeded"`
	Failed    []bulkDeleteFailure `json:"failed"`
}

// BulkDeleteFiles — POST /api/v1/files/bulk-delete.
// Операция не атомарна: каждый id пробуется ровно один раз,
// частичный отказ возвращается как поэлементный результат (200),
// а не как общая ошибка.
func (h *APIHandler) BulkDeleteFiles(w http.ResponseWriter, r *http.Request) {
	var req bulkDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "некорректное тело запроса: ожидается {\"ids\": [...]}")
		return
	}
	if len(req.IDs) == 0 {
		apierrors.ValidationError(w, "список ids пуст")
		return
	}
	if len(req.IDs) > maxBulkDeleteIDs {
		apierrors.ValidationError(w, "слишком много ids в одном запросе")
		return
	}

	result := h.mutations.DeleteMany(r.Context(), req.IDs)

	resp := bulkDeleteResponse{
		Succeeded: result.SucceededIDs(),
		Failed:    []bulkDeleteFailure{},
	}
	for _, o := range result.Outcomes {
		if o.Err != nil {
			resp.Failed = append(resp.Failed, bulkDeleteFailure{ID: o.ID, Error: o.Err.Error()})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeServiceError транслирует ошибки сервисного слоя в HTTP-ответы.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, err.Error())
	case errors.Is(err, service.ErrNotOriginal):
		apierrors.Conflict(w, err.Error())
	default:
		h.logger.Error("Ошибка обращения к dedup store", slog.String("error", err.Error()))
		apierrors.BadGateway(w, "dedup store недоступен")
	}
}

// stats.go — обработчик агрегированной статистики хранилища.
package handlers

import (
	"log/slog"
	"net/http"
)

// GetStats — GET /api/v1/stats.
// Параметр allow_stale=true разрешает отдать последнюю известную
// статистику при недоступности store (X-Cache: stale).
func (h *APIHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queries.Stats(r.Context())
	if err != nil {
		if r.URL.Query().Get("allow_stale") == "true" {
			if stale, _, ok := h.queries.StatsStale(); ok {
				h.logger.Warn("Store недоступен, отдаём устаревшую статистику",
					slog.String("error", err.Error()),
				)
				w.Header().Set("X-Cache", "stale")
				writeJSON(w, http.StatusOK, stale)
				return
			}
		}
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

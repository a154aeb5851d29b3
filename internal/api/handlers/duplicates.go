// duplicates.go — группа дубликатов: разовое чтение и SSE-поток
// живых обновлений.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	apierrors "github.com/bigkaa/godedupstore/client-module/internal/api/errors"
	"github.com/bigkaa/godedupstore/client-module/internal/service"
)

// watchHeartbeat — интервал keep-alive комментариев SSE-потока.
const watchHeartbeat = 30 * time.Second

// GetDuplicates — GET /api/v1/files/{file_id}/duplicates.
// file_id обязан быть id записи-оригинала: id дубликата — 409.
func (h *APIHandler) GetDuplicates(w http.ResponseWriter, r *http.Request) {
	id, ok := fileIDParam(w, r)
	if !ok {
		return
	}

	group, err := h.queries.DuplicateGroup(r.Context(), id.String())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

// WatchDuplicates — GET /api/v1/files/{file_id}/duplicates/watch.
// SSE-поток снимков состояния группы дубликатов. Первый снимок
// отправляется сразу после открытия; последующие — при каждом
// изменении (инвалидация кэша после upload/delete перезагружает
// группу). Поток живёт до разрыва соединения клиентом.
func (h *APIHandler) WatchDuplicates(w http.ResponseWriter, r *http.Request) {
	id, ok := fileIDParam(w, r)
	if !ok {
		return
	}

	view := service.NewDuplicateView(h.queries, h.logger)
	err := view.Open(r.Context(), id.String())
	switch {
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
		return
	case errors.Is(err, service.ErrNotOriginal):
		apierrors.Conflict(w, err.Error())
		return
	case errors.Is(err, service.ErrNotFound):
		view.Close()
		apierrors.NotFound(w, err.Error())
		return
	}
	// Транспортная ошибка оставляет view в состоянии error —
	// поток открывается, клиент увидит восстановление после
	// инвалидации ключа
	defer view.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	if err := h.writeSnapshot(w, rc, view); err != nil {
		return
	}

	heartbeat := time.NewTicker(watchHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug("SSE-поток закрыт клиентом",
				slog.String("file_id", id.String()),
			)
			return
		case <-view.Updates():
			if err := h.writeSnapshot(w, rc, view); err != nil {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// writeSnapshot отправляет текущий снимок view одним SSE-событием.
func (h *APIHandler) writeSnapshot(w http.ResponseWriter, rc *http.ResponseController, view *service.DuplicateView) error {
	data, err := json.Marshal(view.Snapshot())
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data); err != nil {
		return err
	}
	return rc.Flush()
}

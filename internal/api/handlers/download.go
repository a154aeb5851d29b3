// download.go — проксирование скачивания байтов файла из dedup store.
package handlers

import (
	"net/http"
)

// DownloadFile — GET /api/v1/files/{file_id}/download.
// Streaming proxy: байты передаются клиенту по мере получения от
// store, Range-заголовок пробрасывается для докачки. Заголовки
// ответа (Content-Type, Content-Range, ETag) копирует сервисный слой.
func (h *APIHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	id, ok := fileIDParam(w, r)
	if !ok {
		return
	}

	err := h.mutations.Download(r.Context(), w, id.String(), r.Header.Get("Range"))
	if err != nil {
		// Ошибка до отправки заголовков — можно вернуть JSON
		h.writeServiceError(w, err)
	}
}

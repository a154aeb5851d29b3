// upload.go — обработчик загрузки файлов.
package handlers

import (
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/godedupstore/client-module/internal/api/errors"
)

// UploadFile — POST /api/v1/files (multipart/form-data, поле "file").
// Файл стримится в dedup store без буферизации в памяти; backend
// сам выявляет дубликаты по содержимому. Ответ 201 содержит запись
// и признак duplicate_detected.
func (h *APIHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	reader, err := r.MultipartReader()
	if err != nil {
		apierrors.ValidationError(w, "ожидается multipart/form-data")
		return
	}

	part, err := reader.NextPart()
	if err != nil {
		apierrors.ValidationError(w, "пустое multipart-тело")
		return
	}
	defer part.Close()

	if part.FormName() != "file" {
		apierrors.ValidationError(w, "ожидается поле формы \"file\"")
		return
	}
	filename := part.FileName()
	if filename == "" {
		apierrors.ValidationError(w, "имя файла не задано")
		return
	}
	contentType := part.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	outcome, err := h.mutations.Upload(r.Context(), filename, contentType, part)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.logger.Info("Загрузка принята",
		slog.String("file_id", outcome.Record.ID),
		slog.Bool("duplicate_detected", outcome.DuplicateDetected),
	)
	writeJSON(w, http.StatusCreated, outcome)
}

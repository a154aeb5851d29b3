// Пакет errors — единый формат ошибок REST API Client Module.
// Все ошибки возвращаются JSON-конвертом {"error": {"code", "message"}}.
package errors

import (
	"encoding/json"
	"net/http"
)

// ErrorBody — тело ошибки.
type ErrorBody struct {
	// Code — машиночитаемый код ошибки (VALIDATION_ERROR, NOT_FOUND, ...)
	Code string `json:"code"`
	// Message — человекочитаемое описание
	Message string `json:"message"`
}

// ErrorResponse — конверт ошибки API.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// WriteError записывает ошибку в стандартном формате.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorBody{Code: code, Message: message},
	})
}

// ValidationError — 400 Bad Request: некорректный ввод вызывающего.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", message)
}

// Unauthorized — 401: отсутствует или невалиден токен.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", message)
}

// Forbidden — 403: токен валиден, но прав недостаточно.
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, "FORBIDDEN", message)
}

// NotFound — 404: ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, "NOT_FOUND", message)
}

// Conflict — 409: конфликт состояния ресурса.
func Conflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, "CONFLICT", message)
}

// BadGateway — 502: dedup store backend недоступен или вернул ошибку.
func BadGateway(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadGateway, "STORE_UNAVAILABLE", message)
}

// InternalError — 500: внутренняя ошибка сервиса.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", message)
}

// logging.go — access-лог HTTP-запросов Client Module через slog.
package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// responseWriter — обёртка для перехвата статус-кода и объёма ответа.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// RequestLogger возвращает middleware access-лога: метод, путь,
// статус, длительность, объём ответа, remote_addr. Списочные чтения
// дополняются атрибутом cache (заголовок X-Cache: hit/miss/stale).
// Уровень записи: INFO для успешных, WARN для 4xx, ERROR для 5xx;
// health-пробы и /metrics пишутся на DEBUG — kubelet и Prometheus
// опрашивают их постоянно и на INFO заглушают остальной лог.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := newResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", wrapped.statusCode),
				slog.Duration("duration", time.Since(start)),
				slog.Int64("bytes", wrapped.written),
				slog.String("remote_addr", r.RemoteAddr),
			}
			if cache := wrapped.Header().Get("X-Cache"); cache != "" {
				attrs = append(attrs, slog.String("cache", cache))
			}

			logger.LogAttrs(r.Context(), levelFor(wrapped.statusCode, r.URL.Path),
				"HTTP запрос", attrs...)
		})
	}
}

// levelFor выбирает уровень записи по статусу ответа и пути запроса.
func levelFor(status int, path string) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	case quietPath(path):
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// quietPath сообщает, что путь опрашивается пробами или сборщиком
// метрик и не должен заполнять лог.
func quietPath(path string) bool {
	return path == "/metrics" || strings.HasPrefix(path, "/health/")
}

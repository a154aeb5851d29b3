// mutation.go — координатор мутаций: upload, delete, bulk delete,
// download. Выполняет операции против dedup store backend и держит
// кэш чтений консистентным через точечную инвалидацию.
//
// Мутации не сериализуются глобально друг относительно друга
// (upload и delete могут идти одновременно); инвалидация каждой
// мутации атомарна относительно чтений того же ключа — это
// гарантирует мьютекс QueryCache.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/godedupstore/client-module/internal/domain/model"
	"github.com/bigkaa/godedupstore/client-module/internal/storeclient"
)

// Prometheus-метрики мутаций.
var (
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cm_uploads_total",
		Help: "Количество загрузок по результату (success, error) и признаку дубликата.",
	}, []string{"status", "duplicate"})

	deletesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cm_deletes_total",
		Help: "Количество удалений по результату (success, noop, error).",
	}, []string{"status"})

	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cm_downloads_total",
		Help: "Количество запросов на скачивание по результату.",
	}, []string{"status"})

	downloadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cm_download_bytes_total",
		Help: "Общее количество переданных байт при скачивании.",
	})

	activeDownloads = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cm_active_downloads",
		Help: "Количество активных (in-progress) proxy downloads.",
	})
)

// UploadOutcome — результат загрузки для presentation-слоя.
// Координатор только сообщает исход; тайминги уведомлений и их
// закрытие — политика presentation-слоя, не часть ядра.
type UploadOutcome struct {
	// Record — созданная или связанная с оригиналом запись
	Record model.FileRecord `json:"record"`
	// DuplicateDetected — содержимое совпало с существующим оригиналом
	DuplicateDetected bool `json:"duplicate_detected"`
}

// DeleteOutcome — исход удаления одного id в bulk-операции.
type DeleteOutcome struct {
	// ID — идентификатор записи
	ID string `json:"id"`
	// Err — ошибка удаления (nil — успех, включая идемпотентный no-op)
	Err error `json:"-"`
}

// BulkDeleteResult — структурированный результат bulk delete.
// Операция не атомарна: частичный отказ — ожидаемый исход,
// а не единая ошибка.
type BulkDeleteResult struct {
	// Outcomes — исход каждого id в порядке входного списка
	Outcomes []DeleteOutcome
}

// SucceededIDs возвращает id успешно удалённых записей — ровно те,
// для которых вызывающий код очищает selection-состояние.
func (r *BulkDeleteResult) SucceededIDs() []string {
	ids := make([]string, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		if o.Err == nil {
			ids = append(ids, o.ID)
		}
	}
	return ids
}

// FailedIDs возвращает id, удаление которых не выполнено.
func (r *BulkDeleteResult) FailedIDs() []string {
	var ids []string
	for _, o := range r.Outcomes {
		if o.Err != nil {
			ids = append(ids, o.ID)
		}
	}
	return ids
}

// MutationService — координатор мутаций Client Module.
type MutationService struct {
	store  FileStore
	cache  *QueryCache
	logger *slog.Logger
}

// NewMutationService создаёт координатор мутаций.
func NewMutationService(store FileStore, cache *QueryCache, logger *slog.Logger) *MutationService {
	return &MutationService{
		store:  store,
		cache:  cache,
		logger: logger.With(slog.String("component", "mutation_service")),
	}
}

// Upload загружает файл в dedup store.
// Независимо от исхода инвалидирует ключи списков и статистики:
// неуспешный ответ не гарантирует, что состояние backend не
// изменилось. Группы дубликатов других файлов не затрагиваются.
func (ms *MutationService) Upload(ctx context.Context, filename, contentType string, body io.Reader) (*UploadOutcome, error) {
	result, err := ms.store.Upload(ctx, filename, contentType, body)

	ms.cache.InvalidateLists()
	ms.cache.InvalidateStats()

	if err != nil {
		uploadsTotal.WithLabelValues("error", "false").Inc()
		return nil, fmt.Errorf("загрузка файла %s: %w", filename, err)
	}

	if result.DuplicateDetected {
		// Содержимое связано с существующим оригиналом: у него
		// изменился reference_count и состав группы
		if result.Record.OriginalFileID != nil {
			ms.cache.InvalidateGroup(*result.Record.OriginalFileID)
		}
		uploadsTotal.WithLabelValues("success", "true").Inc()
	} else {
		uploadsTotal.WithLabelValues("success", "false").Inc()
	}

	ms.logger.Info("Файл загружен",
		slog.String("file_id", result.Record.ID),
		slog.String("filename", filename),
		slog.Bool("duplicate_detected", result.DuplicateDetected),
	)

	return &UploadOutcome{
		Record:            result.Record,
		DuplicateDetected: result.DuplicateDetected,
	}, nil
}

// Delete удаляет одну запись.
// 404 от backend (запись уже удалена конкурентным актором) —
// успешный no-op, не ошибка: это сохраняет идемпотентность bulk
// delete. На успехе инвалидируются списки, статистика и все
// закэшированные группы, содержащие запись.
func (ms *MutationService) Delete(ctx context.Context, fileID string) error {
	if _, err := uuid.Parse(fileID); err != nil {
		return fmt.Errorf("%w: некорректный id файла %q", ErrValidation, fileID)
	}

	err := ms.store.Delete(ctx, fileID)
	switch {
	case err == nil:
		deletesTotal.WithLabelValues("success").Inc()
	case errors.Is(err, storeclient.ErrNotFound):
		deletesTotal.WithLabelValues("noop").Inc()
		ms.logger.Debug("Удаление отсутствующей записи — идемпотентный no-op",
			slog.String("file_id", fileID),
		)
	default:
		deletesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("удаление файла %s: %w", fileID, err)
	}

	ms.cache.InvalidateLists()
	ms.cache.InvalidateStats()
	if originals := ms.cache.InvalidateGroupsWith(fileID); len(originals) > 0 {
		ms.logger.Debug("Инвалидированы группы дубликатов",
			slog.String("file_id", fileID),
			slog.Int("groups", len(originals)),
		)
	}
	return nil
}

// DeleteMany удаляет набор записей. Операция НЕ атомарна.
// Каждый id пробуется ровно один раз независимо от предыдущих
// ошибок; возвращается поэлементный результат в порядке входного
// списка, а не первая ошибка. Удаления идут последовательно —
// детерминированный порядок исходов без шквала запросов к backend.
func (ms *MutationService) DeleteMany(ctx context.Context, fileIDs []string) *BulkDeleteResult {
	result := &BulkDeleteResult{
		Outcomes: make([]DeleteOutcome, 0, len(fileIDs)),
	}

	for _, id := range fileIDs {
		err := ms.Delete(ctx, id)
		result.Outcomes = append(result.Outcomes, DeleteOutcome{ID: id, Err: err})
	}

	if failed := result.FailedIDs(); len(failed) > 0 {
		ms.logger.Warn("Bulk delete завершён с частичным отказом",
			slog.Int("total", len(fileIDs)),
			slog.Int("failed", len(failed)),
		)
	}
	return result
}

// Download выполняет streaming proxy download байтов файла.
// Ошибки сообщаются, но не повторяются автоматически.
//
// Pipeline:
//  1. Получить FileRecord по id (storage ref)
//  2. Запросить байты по storage ref (проброс Range header)
//  3. Streaming copy в ResponseWriter с пробросом заголовков
func (ms *MutationService) Download(ctx context.Context, w http.ResponseWriter, fileID, rangeHeader string) error {
	start := time.Now()
	activeDownloads.Inc()
	defer activeDownloads.Dec()

	record, err := ms.store.GetFile(ctx, fileID)
	if err != nil {
		if errors.Is(err, storeclient.ErrNotFound) {
			downloadsTotal.WithLabelValues("not_found").Inc()
			return ErrNotFound
		}
		downloadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("получение записи файла: %w", err)
	}

	resp, err := ms.store.Download(ctx, record.StorageRef, rangeHeader)
	if err != nil {
		downloadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("скачивание файла %s: %w", fileID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		downloadsTotal.WithLabelValues("not_found").Inc()
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		downloadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("store вернул неожиданный статус %d для файла %s", resp.StatusCode, fileID)
	}

	ms.copyHeaders(w, resp, record)
	w.WriteHeader(resp.StatusCode)

	written, err := io.Copy(w, resp.Body)
	if err != nil {
		// Заголовки уже отправлены — ошибку клиенту вернуть нельзя
		ms.logger.Error("Ошибка streaming download",
			slog.String("file_id", fileID),
			slog.Int64("bytes_written", written),
			slog.String("error", err.Error()),
		)
		downloadsTotal.WithLabelValues("stream_error").Inc()
		return nil
	}

	downloadsTotal.WithLabelValues("success").Inc()
	downloadBytesTotal.Add(float64(written))

	ms.logger.Debug("Download завершён",
		slog.String("file_id", fileID),
		slog.Int64("bytes", written),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// copyHeaders пробрасывает заголовки ответа store и выставляет
// Content-Disposition с оригинальным именем файла.
func (ms *MutationService) copyHeaders(w http.ResponseWriter, resp *http.Response, record *model.FileRecord) {
	headersToProxy := []string{
		"Content-Type",
		"Content-Length",
		"Content-Range",
		"Accept-Ranges",
		"ETag",
		"Last-Modified",
	}
	for _, h := range headersToProxy {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	if w.Header().Get("Content-Type") == "" && record.FileType != "" {
		w.Header().Set("Content-Type", record.FileType)
	}
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", record.OriginalFilename))
}

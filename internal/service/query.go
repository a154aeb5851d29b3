// query.go — сервис чтений: списки файлов, группы дубликатов,
// агрегированная статистика. Типизированный фасад над QueryCache
// с reader-функциями, делегирующими в storeclient.
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
	"github.com/bigkaa/godedupstore/client-module/internal/filter"
	"github.com/bigkaa/godedupstore/client-module/internal/storeclient"
)

// Ошибки сервисного слоя.
var (
	// ErrNotFound — запись не найдена в dedup store.
	ErrNotFound = errors.New("файл не найден")
	// ErrValidation — некорректный ввод вызывающего кода.
	ErrValidation = filter.ErrValidation
	// ErrNotOriginal — запрошена группа дубликатов по id записи,
	// которая сама является дубликатом.
	ErrNotOriginal = errors.New("запись не является оригиналом")
)

// FileStore — шлюз к dedup store backend.
// Реализуется storeclient.Client; в тестах — мок.
type FileStore interface {
	// ListFiles возвращает список файлов по каноническому фильтру.
	ListFiles(ctx context.Context, spec filter.Spec) ([]model.FileRecord, error)
	// GetFile возвращает одну запись по id.
	GetFile(ctx context.Context, fileID string) (*model.FileRecord, error)
	// GetDuplicates возвращает группу дубликатов оригинала.
	GetDuplicates(ctx context.Context, fileID string) (*model.DuplicateGroup, error)
	// GetStats возвращает агрегированную статистику хранилища.
	GetStats(ctx context.Context) (*model.StorageStats, error)
	// Upload загружает файл; backend сам выявляет дубликаты.
	Upload(ctx context.Context, filename, contentType string, body io.Reader) (*storeclient.UploadResult, error)
	// Delete удаляет запись; 404 транслируется в storeclient.ErrNotFound.
	Delete(ctx context.Context, fileID string) error
	// Download выполняет streaming-загрузку байтов по storage ref.
	Download(ctx context.Context, storageRef, rangeHeader string) (*http.Response, error)
}

// Prometheus-метрики чтений.
var (
	queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cm_queries_total",
		Help: "Количество запросов чтения по семействам (list, group, stats).",
	}, []string{"family"})
	queryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cm_query_duration_seconds",
		Help:    "Длительность запросов чтения (включая fetch при промахе).",
		Buckets: prometheus.DefBuckets,
	})
)

// QueryService — сервис чтений Client Module.
type QueryService struct {
	store  FileStore
	cache  *QueryCache
	logger *slog.Logger
}

// NewQueryService создаёт сервис чтений.
func NewQueryService(store FileStore, cache *QueryCache, logger *slog.Logger) *QueryService {
	return &QueryService{
		store:  store,
		cache:  cache,
		logger: logger.With(slog.String("component", "query_service")),
	}
}

// Cache возвращает кэш чтений (для подписок view и инвалидаций
// координатора мутаций).
func (s *QueryService) Cache() *QueryCache {
	return s.cache
}

// ListFiles возвращает список файлов по фильтру (fetch-or-serve).
func (s *QueryService) ListFiles(ctx context.Context, spec filter.Spec) ([]model.FileRecord, error) {
	start := time.Now()
	queriesTotal.WithLabelValues("list").Inc()

	value, err := s.cache.GetOrFetch(ctx, ListKey(spec), func(ctx context.Context) (any, error) {
		return s.store.ListFiles(ctx, spec)
	})
	if err != nil {
		return nil, fmt.Errorf("список файлов: %w", err)
	}
	queryDuration.Observe(time.Since(start).Seconds())

	records, _ := value.([]model.FileRecord)
	return records, nil
}

// ListFilesStale возвращает последний известный список по фильтру
// без инициирования fetch (allow-stale режим).
func (s *QueryService) ListFilesStale(spec filter.Spec) ([]model.FileRecord, EntryStatus, bool) {
	value, status, ok := s.cache.Peek(ListKey(spec))
	if !ok {
		return nil, status, false
	}
	records, _ := value.([]model.FileRecord)
	return records, status, true
}

// DuplicateGroup возвращает группу дубликатов оригинала.
// fileID обязан быть UUID записи-оригинала: id дубликата — ошибка
// вызывающего кода (ErrNotOriginal), без молчаливого исправления.
func (s *QueryService) DuplicateGroup(ctx context.Context, fileID string) (*model.DuplicateGroup, error) {
	if _, err := uuid.Parse(fileID); err != nil {
		return nil, fmt.Errorf("%w: некорректный id файла %q", ErrValidation, fileID)
	}

	start := time.Now()
	queriesTotal.WithLabelValues("group").Inc()

	value, err := s.cache.GetOrFetch(ctx, GroupKey(fileID), func(ctx context.Context) (any, error) {
		group, err := s.store.GetDuplicates(ctx, fileID)
		if err != nil {
			if errors.Is(err, storeclient.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		if group.Original.ID != fileID || group.Original.IsDuplicate {
			return nil, fmt.Errorf("%w: %s", ErrNotOriginal, fileID)
		}
		return group, nil
	})
	if err != nil {
		return nil, err
	}
	queryDuration.Observe(time.Since(start).Seconds())

	group, _ := value.(*model.DuplicateGroup)
	return group, nil
}

// Stats возвращает агрегированную статистику хранилища.
func (s *QueryService) Stats(ctx context.Context) (*model.StorageStats, error) {
	start := time.Now()
	queriesTotal.WithLabelValues("stats").Inc()

	value, err := s.cache.GetOrFetch(ctx, StatsKey, func(ctx context.Context) (any, error) {
		return s.store.GetStats(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("статистика хранилища: %w", err)
	}
	queryDuration.Observe(time.Since(start).Seconds())

	stats, _ := value.(*model.StorageStats)
	return stats, nil
}

// StatsStale возвращает последнюю известную статистику без fetch.
func (s *QueryService) StatsStale() (*model.StorageStats, EntryStatus, bool) {
	value, status, ok := s.cache.Peek(StatsKey)
	if !ok {
		return nil, status, false
	}
	stats, _ := value.(*model.StorageStats)
	return stats, status, true
}

package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/bigkaa/godedupstore/client-module/internal/domain/model"
	"github.com/bigkaa/godedupstore/client-module/internal/filter"
	"github.com/bigkaa/godedupstore/client-module/internal/storeclient"
)

// TestQueryService_ListFiles проверяет fetch-or-serve: первый запрос
// идёт в store, повторный с тем же фильтром обслуживается из кэша.
func TestQueryService_ListFiles(t *testing.T) {
	callCount := 0
	store := &mockFileStore{
		listFilesFn: func(_ context.Context, spec filter.Spec) ([]model.FileRecord, error) {
			callCount++
			if spec.SearchQuery != "report" {
				t.Errorf("SearchQuery = %q, ожидался report", spec.SearchQuery)
			}
			return []model.FileRecord{{ID: idOriginal, OriginalFilename: "report.pdf"}}, nil
		},
	}
	cache := newTestCache(t, 100)
	svc := NewQueryService(store, cache, slog.Default())

	spec := filter.Spec{SearchQuery: "report"}

	records, err := svc.ListFiles(context.Background(), spec)
	if err != nil {
		t.Fatalf("ListFiles ошибка: %v", err)
	}
	if len(records) != 1 || records[0].OriginalFilename != "report.pdf" {
		t.Errorf("записи = %v, ожидался report.pdf", records)
	}

	// Повторный запрос — из кэша
	if _, err := svc.ListFiles(context.Background(), spec); err != nil {
		t.Fatalf("ListFiles (hit) ошибка: %v", err)
	}
	if callCount != 1 {
		t.Errorf("store вызван %d раз, ожидался 1", callCount)
	}
}

// TestQueryService_ListFiles_EquivalentFilters проверяет, что
// эквивалентные фильтры (разный порядок типов) делят запись кэша.
func TestQueryService_ListFiles_EquivalentFilters(t *testing.T) {
	callCount := 0
	store := &mockFileStore{
		listFilesFn: func(_ context.Context, _ filter.Spec) ([]model.FileRecord, error) {
			callCount++
			return nil, nil
		},
	}
	cache := newTestCache(t, 100)
	svc := NewQueryService(store, cache, slog.Default())

	a := filter.Spec{FileTypes: []string{"image/png", "application/pdf"}}.Normalized()
	b := filter.Spec{FileTypes: []string{"application/pdf", "image/png"}}.Normalized()

	if _, err := svc.ListFiles(context.Background(), a); err != nil {
		t.Fatalf("ListFiles(a) ошибка: %v", err)
	}
	if _, err := svc.ListFiles(context.Background(), b); err != nil {
		t.Fatalf("ListFiles(b) ошибка: %v", err)
	}
	if callCount != 1 {
		t.Errorf("store вызван %d раз, ожидался 1 (один ключ кэша)", callCount)
	}
}

// TestQueryService_ListFilesStale проверяет allow-stale чтение после
// инвалидации: значение доступно со статусом stale без fetch.
func TestQueryService_ListFilesStale(t *testing.T) {
	store := &mockFileStore{
		listFilesFn: func(_ context.Context, _ filter.Spec) ([]model.FileRecord, error) {
			return []model.FileRecord{{ID: idOriginal}}, nil
		},
	}
	cache := newTestCache(t, 100)
	svc := NewQueryService(store, cache, slog.Default())

	spec := filter.Spec{SearchQuery: "x"}

	// До первого fetch значения нет
	if _, _, ok := svc.ListFilesStale(spec); ok {
		t.Error("ListFilesStale до fetch: ok = true, ожидался false")
	}

	if _, err := svc.ListFiles(context.Background(), spec); err != nil {
		t.Fatalf("ListFiles ошибка: %v", err)
	}
	cache.InvalidateLists()

	records, st, ok := svc.ListFilesStale(spec)
	if !ok {
		t.Fatal("ListFilesStale: значение потеряно при инвалидации")
	}
	if st != StatusStale {
		t.Errorf("статус = %s, ожидался stale", st)
	}
	if len(records) != 1 {
		t.Errorf("записей %d, ожидалась 1", len(records))
	}
}

// TestQueryService_DuplicateGroup проверяет получение группы дубликатов
// оригинала с кэшированием.
func TestQueryService_DuplicateGroup(t *testing.T) {
	callCount := 0
	store := &mockFileStore{
		getDuplicatesFn: func(_ context.Context, fileID string) (*model.DuplicateGroup, error) {
			callCount++
			return &model.DuplicateGroup{
				Original:   model.FileRecord{ID: fileID},
				Count:      1,
				Duplicates: []model.FileRecord{{ID: idDupX, IsDuplicate: true}},
			}, nil
		},
	}
	cache := newTestCache(t, 100)
	svc := NewQueryService(store, cache, slog.Default())

	group, err := svc.DuplicateGroup(context.Background(), idOriginal)
	if err != nil {
		t.Fatalf("DuplicateGroup ошибка: %v", err)
	}
	if group.Count != 1 || group.Original.ID != idOriginal {
		t.Errorf("группа = %+v, ожидался оригинал %s с одним дубликатом", group, idOriginal)
	}

	if _, err := svc.DuplicateGroup(context.Background(), idOriginal); err != nil {
		t.Fatalf("DuplicateGroup (hit) ошибка: %v", err)
	}
	if callCount != 1 {
		t.Errorf("store вызван %d раз, ожидался 1", callCount)
	}
}

// TestQueryService_DuplicateGroup_InvalidID проверяет отклонение
// не-UUID без обращения к backend.
func TestQueryService_DuplicateGroup_InvalidID(t *testing.T) {
	store := &mockFileStore{
		getDuplicatesFn: func(_ context.Context, _ string) (*model.DuplicateGroup, error) {
			t.Error("backend не должен вызываться для некорректного id")
			return nil, nil
		},
	}
	cache := newTestCache(t, 100)
	svc := NewQueryService(store, cache, slog.Default())

	_, err := svc.DuplicateGroup(context.Background(), "not-a-uuid")
	if !errors.Is(err, ErrValidation) {
		t.Errorf("ошибка = %v, ожидалась ErrValidation", err)
	}
}

// TestQueryService_DuplicateGroup_NotOriginal проверяет ошибку
// вызывающего кода при запросе группы по id записи-дубликата.
func TestQueryService_DuplicateGroup_NotOriginal(t *testing.T) {
	original := idOriginal
	store := &mockFileStore{
		getDuplicatesFn: func(_ context.Context, _ string) (*model.DuplicateGroup, error) {
			// Backend резолвит группу оригинала даже по id дубликата —
			// CM считает это ошибкой вызывающего кода
			return &model.DuplicateGroup{
				Original: model.FileRecord{ID: original},
			}, nil
		},
	}
	cache := newTestCache(t, 100)
	svc := NewQueryService(store, cache, slog.Default())

	_, err := svc.DuplicateGroup(context.Background(), idDupX)
	if !errors.Is(err, ErrNotOriginal) {
		t.Errorf("ошибка = %v, ожидалась ErrNotOriginal", err)
	}
}

// TestQueryService_DuplicateGroup_NotFound проверяет трансляцию 404.
func TestQueryService_DuplicateGroup_NotFound(t *testing.T) {
	store := &mockFileStore{
		getDuplicatesFn: func(_ context.Context, _ string) (*model.DuplicateGroup, error) {
			return nil, storeclient.ErrNotFound
		},
	}
	cache := newTestCache(t, 100)
	svc := NewQueryService(store, cache, slog.Default())

	_, err := svc.DuplicateGroup(context.Background(), idOriginal)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("ошибка = %v, ожидалась ErrNotFound", err)
	}
}

// TestQueryService_Stats проверяет получение статистики с кэшированием
// и allow-stale чтение.
func TestQueryService_Stats(t *testing.T) {
	callCount := 0
	store := &mockFileStore{
		getStatsFn: func(_ context.Context) (*model.StorageStats, error) {
			callCount++
			return &model.StorageStats{
				TotalFiles:        10,
				UniqueFiles:       7,
				DuplicateFiles:    3,
				StorageEfficiency: "12.34%",
			}, nil
		},
	}
	cache := newTestCache(t, 100)
	svc := NewQueryService(store, cache, slog.Default())

	stats, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats ошибка: %v", err)
	}
	if stats.TotalFiles != 10 || stats.StorageEfficiency != "12.34%" {
		t.Errorf("статистика = %+v", stats)
	}

	if _, err := svc.Stats(context.Background()); err != nil {
		t.Fatalf("Stats (hit) ошибка: %v", err)
	}
	if callCount != 1 {
		t.Errorf("store вызван %d раз, ожидался 1", callCount)
	}

	cache.InvalidateStats()
	staleStats, st, ok := svc.StatsStale()
	if !ok || st != StatusStale {
		t.Errorf("StatsStale: ok=%v статус=%s, ожидались true/stale", ok, st)
	}
	if staleStats.TotalFiles != 10 {
		t.Errorf("stale-статистика = %+v, ожидалось прежнее значение", staleStats)
	}
}

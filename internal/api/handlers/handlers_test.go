package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/godedupstore/client-module/internal/domain/model"
	"github.com/bigkaa/godedupstore/client-module/internal/filter"
	"github.com/bigkaa/godedupstore/client-module/internal/repository"
	"github.com/bigkaa/godedupstore/client-module/internal/service"
	"github.com/bigkaa/godedupstore/client-module/internal/storeclient"
)

const (
	idOriginal = "11111111-1111-1111-1111-111111111111"
	idDup      = "22222222-2222-2222-2222-222222222222"
)

// mockFileStore — мок шлюза к dedup store с настраиваемыми функциями.
type mockFileStore struct {
	listFilesFunc     func(ctx context.Context, spec filter.Spec) ([]model.FileRecord, error)
	getFileFunc       func(ctx context.Context, fileID string) (*model.FileRecord, error)
	getDuplicatesFunc func(ctx context.Context, fileID string) (*model.DuplicateGroup, error)
	getStatsFunc      func(ctx context.Context) (*model.StorageStats, error)
	uploadFunc        func(ctx context.Context, filename, contentType string, body io.Reader) (*storeclient.UploadResult, error)
	deleteFunc        func(ctx context.Context, fileID string) error
	downloadFunc      func(ctx context.Context, storageRef, rangeHeader string) (*http.Response, error)
}

func (m *mockFileStore) ListFiles(ctx context.Context, spec filter.Spec) ([]model.FileRecord, error) {
	return m.listFilesFunc(ctx, spec)
}

func (m *mockFileStore) GetFile(ctx context.Context, fileID string) (*model.FileRecord, error) {
	return m.getFileFunc(ctx, fileID)
}

func (m *mockFileStore) GetDuplicates(ctx context.Context, fileID string) (*model.DuplicateGroup, error) {
	return m.getDuplicatesFunc(ctx, fileID)
}

func (m *mockFileStore) GetStats(ctx context.Context) (*model.StorageStats, error) {
	return m.getStatsFunc(ctx)
}

func (m *mockFileStore) Upload(ctx context.Context, filename, contentType string, body io.Reader) (*storeclient.UploadResult, error) {
	return m.uploadFunc(ctx, filename, contentType, body)
}

func (m *mockFileStore) Delete(ctx context.Context, fileID string) error {
	return m.deleteFunc(ctx, fileID)
}

func (m *mockFileStore) Download(ctx context.Context, storageRef, rangeHeader string) (*http.Response, error) {
	return m.downloadFunc(ctx, storageRef, rangeHeader)
}

// newTestRouter создаёт APIHandler поверх мока store и chi-роутер
// с маршрутами API (без auth и валидации).
func newTestRouter(t *testing.T, store *mockFileStore) http.Handler {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cache, err := service.NewQueryCache(64, 0, logger)
	if err != nil {
		t.Fatalf("NewQueryCache вернул ошибку: %v", err)
	}
	queries := service.NewQueryService(store, cache, logger)
	mutations := service.NewMutationService(store, cache, logger)
	prefs := repository.NewMemoryPreferencesRepository()
	health := NewHealthHandler(nil, nil, nil)

	h := NewAPIHandler(queries, mutations, prefs, health, logger)

	router := chi.NewRouter()
	router.Get("/api/v1/files", h.ListFiles)
	router.Post("/api/v1/files", h.UploadFile)
	router.Post("/api/v1/files/bulk-delete", h.BulkDeleteFiles)
	router.Delete("/api/v1/files/{file_id}", h.DeleteFile)
	router.Get("/api/v1/files/{file_id}/duplicates", h.GetDuplicates)
	router.Get("/api/v1/stats", h.GetStats)
	router.Get("/api/v1/preferences", h.ListPreferences)
	router.Get("/api/v1/preferences/{key}", h.GetPreference)
	router.Put("/api/v1/preferences/{key}", h.PutPreference)
	router.Delete("/api/v1/preferences/{key}", h.DeletePreference)
	return router
}

func TestListFiles(t *testing.T) {
	store := &mockFileStore{
		listFilesFunc: func(_ context.Context, spec filter.Spec) ([]model.FileRecord, error) {
			if spec.SearchQuery != "report" {
				t.Errorf("SearchQuery = %q, ожидался %q", spec.SearchQuery, "report")
			}
			return []model.FileRecord{
				{ID: idOriginal, OriginalFilename: "report.pdf", Size: 1024},
			}, nil
		},
	}
	router := newTestRouter(t, store)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/files?search=report", nil)
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("статус = %d, ожидался 200, тело: %s", rec.Code, rec.Body.String())
	}

	var resp listFilesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("некорректный JSON ответа: %v", err)
	}
	if resp.Count != 1 || len(resp.Files) != 1 {
		t.Fatalf("Count = %d, len(Files) = %d, ожидался 1 файл", resp.Count, len(resp.Files))
	}
	if resp.Files[0].OriginalFilename != "report.pdf" {
		t.Errorf("OriginalFilename = %q, ожидался %q", resp.Files[0].OriginalFilename, "report.pdf")
	}
	if got := rec.Header().Get("X-Cache"); got != "miss" {
		t.Errorf("X-Cache = %q, ожидался miss", got)
	}

	// Повторный запрос обслуживается из кэша
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/files?search=report", nil))
	if got := rec.Header().Get("X-Cache"); got != "hit" {
		t.Errorf("X-Cache повторного запроса = %q, ожидался hit", got)
	}
}

func TestListFiles_InvalidFilter(t *testing.T) {
	router := newTestRouter(t, &mockFileStore{})

	// min_size > max_size — ошибка вызывающего, store не вызывается
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/files?min_size=2048&max_size=1024", nil)
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("статус = %d, ожидался 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "VALIDATION_ERROR") {
		t.Errorf("в теле нет кода VALIDATION_ERROR: %s", rec.Body.String())
	}
}

func TestListFiles_StoreUnavailable(t *testing.T) {
	store := &mockFileStore{
		listFilesFunc: func(_ context.Context, _ filter.Spec) ([]model.FileRecord, error) {
			return nil, errors.New("connection refused")
		},
	}
	router := newTestRouter(t, store)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/files", nil)
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("статус = %d, ожидался 502", rec.Code)
	}
}

func TestListFiles_AllowStale(t *testing.T) {
	failing := false
	store := &mockFileStore{
		listFilesFunc: func(_ context.Context, _ filter.Spec) ([]model.FileRecord, error) {
			if failing {
				return nil, errors.New("connection refused")
			}
			return []model.FileRecord{{ID: idOriginal, OriginalFilename: "a.txt"}}, nil
		},
		deleteFunc: func(_ context.Context, _ string) error {
			return nil
		},
	}
	router := newTestRouter(t, store)

	// Первый запрос наполняет кэш
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/files", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("статус первого запроса = %d, ожидался 200", rec.Code)
	}

	// Мутация помечает списки STALE, store падает
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/files/"+idDup, nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("статус удаления = %d, ожидался 204", rec.Code)
	}
	failing = true

	// Без allow_stale — 502
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/files", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("статус без allow_stale = %d, ожидался 502", rec.Code)
	}

	// С allow_stale — 200 с устаревшими данными и X-Cache-Status
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/files?allow_stale=true", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("статус с allow_stale = %d, ожидался 200, тело: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-Cache"); got != "stale" {
		t.Errorf("X-Cache = %q, ожидался stale", got)
	}

	var resp listFilesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("некорректный JSON ответа: %v", err)
	}
	if resp.Count != 1 {
		t.Errorf("Count = %d, ожидался 1 (последний известный список)", resp.Count)
	}

	// Промах кэша — stale-данных нет, 502 даже с allow_stale
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/files?search=other&allow_stale=true", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("статус = %d, ожидался 502 (stale-данных для фильтра нет)", rec.Code)
	}
}

func TestDeleteFile(t *testing.T) {
	deleted := ""
	store := &mockFileStore{
		deleteFunc: func(_ context.Context, fileID string) error {
			deleted = fileID
			return nil
		},
	}
	router := newTestRouter(t, store)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/files/"+idOriginal, nil)
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("статус = %d, ожидался 204", rec.Code)
	}
	if deleted != idOriginal {
		t.Errorf("удалён id %q, ожидался %q", deleted, idOriginal)
	}
}

func TestDeleteFile_InvalidID(t *testing.T) {
	router := newTestRouter(t, &mockFileStore{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/files/not-a-uuid", nil)
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("статус = %d, ожидался 400", rec.Code)
	}
}

func TestBulkDeleteFiles_PartialFailure(t *testing.T) {
	store := &mockFileStore{
		deleteFunc: func(_ context.Context, fileID string) error {
			if fileID == idDup {
				return errors.New("internal error")
			}
			return nil
		},
	}
	router := newTestRouter(t, store)

	body, _ := json.Marshal(bulkDeleteRequest{IDs: []string{idOriginal, idDup}})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/files/bulk-delete", bytes.NewReader(body))
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("статус = %d, ожидался 200 (частичный отказ — не общая ошибка)", rec.Code)
	}

	var resp bulkDeleteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("некорректный JSON ответа: %v", err)
	}
	if len(resp.Succeeded) != 1 || resp.Succeeded[0] != idOriginal {
		t.Errorf("Succeeded = %v, ожидался [%s]", resp.Succeeded, idOriginal)
	}
	if len(resp.Failed) != 1 || resp.Failed[0].ID != idDup {
		t.Errorf("Failed = %v, ожидался отказ для %s", resp.Failed, idDup)
	}
}

func TestBulkDeleteFiles_EmptyIDs(t *testing.T) {
	router := newTestRouter(t, &mockFileStore{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/files/bulk-delete", strings.NewReader(`{"ids": []}`))
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("статус = %d, ожидался 400", rec.Code)
	}
}

func TestGetDuplicates(t *testing.T) {
	store := &mockFileStore{
		getDuplicatesFunc: func(_ context.Context, fileID string) (*model.DuplicateGroup, error) {
			return &model.DuplicateGroup{
				Original:   model.FileRecord{ID: fileID},
				Count:      1,
				Duplicates: []model.FileRecord{{ID: idDup, IsDuplicate: true}},
			}, nil
		},
	}
	router := newTestRouter(t, store)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/files/"+idOriginal+"/duplicates", nil)
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("статус = %d, ожидался 200, тело: %s", rec.Code, rec.Body.String())
	}

	var group model.DuplicateGroup
	if err := json.Unmarshal(rec.Body.Bytes(), &group); err != nil {
		t.Fatalf("некорректный JSON ответа: %v", err)
	}
	if group.Count != 1 || group.Original.ID != idOriginal {
		t.Errorf("Count = %d, Original.ID = %q", group.Count, group.Original.ID)
	}
}

func TestGetDuplicates_NotOriginal(t *testing.T) {
	store := &mockFileStore{
		getDuplicatesFunc: func(_ context.Context, _ string) (*model.DuplicateGroup, error) {
			// Backend разрешает группу по id дубликата — CM отклоняет
			return &model.DuplicateGroup{
				Original: model.FileRecord{ID: idOriginal},
			}, nil
		},
	}
	router := newTestRouter(t, store)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/files/"+idDup+"/duplicates", nil)
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("статус = %d, ожидался 409", rec.Code)
	}
}

func TestGetStats(t *testing.T) {
	store := &mockFileStore{
		getStatsFunc: func(_ context.Context) (*model.StorageStats, error) {
			return &model.StorageStats{
				TotalFiles:        10,
				UniqueFiles:       8,
				DuplicateFiles:    2,
				StorageEfficiency: "20.00%",
			}, nil
		},
	}
	router := newTestRouter(t, store)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("статус = %d, ожидался 200", rec.Code)
	}

	var stats model.StorageStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("некорректный JSON ответа: %v", err)
	}
	if stats.TotalFiles != 10 || stats.StorageEfficiency != "20.00%" {
		t.Errorf("TotalFiles = %d, StorageEfficiency = %q", stats.TotalFiles, stats.StorageEfficiency)
	}
}

func TestUploadFile(t *testing.T) {
	store := &mockFileStore{
		uploadFunc: func(_ context.Context, filename, contentType string, body io.Reader) (*storeclient.UploadResult, error) {
			content, _ := io.ReadAll(body)
			if string(content) != "hello" {
				t.Errorf("содержимое = %q, ожидалось %q", content, "hello")
			}
			if filename != "doc.txt" {
				t.Errorf("filename = %q, ожидался %q", filename, "doc.txt")
			}
			return &storeclient.UploadResult{
				Record:            model.FileRecord{ID: idOriginal, OriginalFilename: filename},
				DuplicateDetected: false,
			}, nil
		},
	}
	router := newTestRouter(t, store)

	var buf bytes.Buffer
	buf.WriteString("--boundary\r\n")
	buf.WriteString("Content-Disposition: form-data; name=\"file\"; filename=\"doc.txt\"\r\n")
	buf.WriteString("Content-Type: text/plain\r\n\r\n")
	buf.WriteString("hello\r\n")
	buf.WriteString("--boundary--\r\n")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/files", &buf)
	req.Header.Set("Content-Type", "multipart/form-data; boundary=boundary")
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("статус = %d, ожидался 201, тело: %s", rec.Code, rec.Body.String())
	}

	var outcome service.UploadOutcome
	if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("некорректный JSON ответа: %v", err)
	}
	if outcome.Record.ID != idOriginal || outcome.DuplicateDetected {
		t.Errorf("Record.ID = %q, DuplicateDetected = %v", outcome.Record.ID, outcome.DuplicateDetected)
	}
}

func TestUploadFile_NotMultipart(t *testing.T) {
	router := newTestRouter(t, &mockFileStore{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/files", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("статус = %d, ожидался 400", rec.Code)
	}
}

func TestPreferences_CRUD(t *testing.T) {
	router := newTestRouter(t, &mockFileStore{})

	// GET до записи — 404
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/preferences/filters", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET до записи: статус = %d, ожидался 404", rec.Code)
	}

	// PUT сохраняет
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/api/v1/preferences/filters", strings.NewReader(`{"search": "report"}`))
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("PUT: статус = %d, ожидался 204, тело: %s", rec.Code, rec.Body.String())
	}

	// GET возвращает сохранённое
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/preferences/filters", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET: статус = %d, ожидался 200", rec.Code)
	}
	var pref preferenceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &pref); err != nil {
		t.Fatalf("некорректный JSON ответа: %v", err)
	}
	if pref.Key != "filters" || !strings.Contains(string(pref.Value), "report") {
		t.Errorf("Key = %q, Value = %s", pref.Key, pref.Value)
	}

	// Список предпочтений субъекта
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/preferences", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET списка: статус = %d, ожидался 200", rec.Code)
	}
	var prefs []preferenceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &prefs); err != nil {
		t.Fatalf("некорректный JSON ответа: %v", err)
	}
	if len(prefs) != 1 {
		t.Errorf("len(prefs) = %d, ожидался 1", len(prefs))
	}

	// DELETE идемпотентен
	for i := 0; i < 2; i++ {
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/preferences/filters", nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("DELETE #%d: статус = %d, ожидался 204", i+1, rec.Code)
		}
	}
}

func TestPreferences_UnknownKey(t *testing.T) {
	router := newTestRouter(t, &mockFileStore{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/api/v1/preferences/unknown", strings.NewReader(`{}`))
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("статус = %d, ожидался 400", rec.Code)
	}
}

func TestPreferences_InvalidJSON(t *testing.T) {
	router := newTestRouter(t, &mockFileStore{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/api/v1/preferences/ui", strings.NewReader(`{broken`))
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("статус = %d, ожидался 400", rec.Code)
	}
}

func TestHealthLive(t *testing.T) {
	h := NewHealthHandler(nil, nil, nil)

	rec := httptest.NewRecorder()
	h.HealthLive(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("статус = %d, ожидался 200", rec.Code)
	}

	var resp healthLiveResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("некорректный JSON ответа: %v", err)
	}
	if resp.Status != "ok" || resp.Service != "client-module" {
		t.Errorf("Status = %q, Service = %q", resp.Status, resp.Service)
	}
}

// staticChecker — checker с фиксированным результатом.
type staticChecker struct {
	status  string
	message string
}

func (c *staticChecker) CheckReady() (string, string) {
	return c.status, c.message
}

func TestHealthReady(t *testing.T) {
	tests := []struct {
		name       string
		store      ReadinessChecker
		pg         ReadinessChecker
		kc         ReadinessChecker
		wantStatus string
		wantCode   int
	}{
		{
			name:       "все зависимости доступны",
			store:      &staticChecker{status: "ok"},
			pg:         &staticChecker{status: "ok"},
			wantStatus: "ok",
			wantCode:   http.StatusOK,
		},
		{
			name:       "store недоступен",
			store:      &staticChecker{status: "fail", message: "connection refused"},
			pg:         &staticChecker{status: "ok"},
			wantStatus: "fail",
			wantCode:   http.StatusServiceUnavailable,
		},
		{
			name:       "БД не настроена — проверяется только store",
			store:      &staticChecker{status: "ok"},
			pg:         nil,
			wantStatus: "ok",
			wantCode:   http.StatusOK,
		},
		{
			name:       "Keycloak degraded — итог degraded, но 200",
			store:      &staticChecker{status: "ok"},
			kc:         &staticChecker{status: "degraded", message: "нет ключей"},
			wantStatus: "degraded",
			wantCode:   http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.store, tt.pg, tt.kc)

			rec := httptest.NewRecorder()
			h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			if rec.Code != tt.wantCode {
				t.Fatalf("статус = %d, ожидался %d", rec.Code, tt.wantCode)
			}

			var resp healthReadyResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("некорректный JSON ответа: %v", err)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("Status = %q, ожидался %q", resp.Status, tt.wantStatus)
			}
			if tt.pg == nil && resp.Checks.PostgreSQL != nil {
				t.Error("Checks.PostgreSQL задан при отключённой БД")
			}
		})
	}
}

func TestWatchDuplicates_SSE(t *testing.T) {
	store := &mockFileStore{
		getDuplicatesFunc: func(_ context.Context, fileID string) (*model.DuplicateGroup, error) {
			return &model.DuplicateGroup{
				Original:   model.FileRecord{ID: fileID},
				Count:      1,
				Duplicates: []model.FileRecord{{ID: idDup, IsDuplicate: true}},
			}, nil
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cache, err := service.NewQueryCache(64, 0, logger)
	if err != nil {
		t.Fatalf("NewQueryCache вернул ошибку: %v", err)
	}
	queries := service.NewQueryService(store, cache, logger)
	mutations := service.NewMutationService(store, cache, logger)
	h := NewAPIHandler(queries, mutations, repository.NewMemoryPreferencesRepository(), NewHealthHandler(nil, nil, nil), logger)

	router := chi.NewRouter()
	router.Get("/api/v1/files/{file_id}/duplicates/watch", h.WatchDuplicates)
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/files/"+idOriginal+"/duplicates/watch", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("запрос SSE завершился ошибкой: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("статус = %d, ожидался 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, ожидался text/event-stream", ct)
	}

	// Читаем первый снимок
	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	if err != nil {
		t.Fatalf("чтение первого события: %v", err)
	}
	event := string(buf[:n])
	if !strings.Contains(event, "event: snapshot") {
		t.Errorf("в первом событии нет заголовка snapshot: %q", event)
	}
	if !strings.Contains(event, `"state":"ready"`) {
		t.Errorf("в первом снимке нет состояния ready: %q", event)
	}
}

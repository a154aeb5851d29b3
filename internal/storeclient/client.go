// Пакет storeclient — HTTP-клиент dedup store backend.
// Backend владеет алгоритмом дедупликации и метаданными файлов;
// CM полагается только на его wire-контракт: стабильные id записей,
// поля is_duplicate / reference_count / original_file.
package storeclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/bigkaa/godedupstore/client-module/internal/domain/model"
	"github.com/bigkaa/godedupstore/client-module/internal/filter"
)

// Ошибки клиента backend.
var (
	// ErrNotFound — backend вернул 404 для записи.
	ErrNotFound = errors.New("запись не найдена в dedup store")
)

// UploadResult — результат загрузки файла.
type UploadResult struct {
	// Record — созданная (или связанная с оригиналом) запись
	Record model.FileRecord
	// DuplicateDetected — backend обнаружил байт-идентичное содержимое
	// и связал запись с существующим оригиналом
	DuplicateDetected bool
}

// Client — HTTP-клиент dedup store backend.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	logger     *slog.Logger
}

// New создаёт клиент backend.
// storeURL — базовый URL API backend (например, http://localhost:8000/api),
// разрешается один раз при старте процесса.
// caCertPath — путь к CA-сертификату для TLS (пустая строка — стандартный пул).
// timeout — таймаут HTTP-запросов (из конфигурации CM_STORE_TIMEOUT).
func New(storeURL, caCertPath string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(storeURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("некорректный URL dedup store %q: %w", storeURL, err)
	}

	transport := &http.Transport{
		// Пул idle-соединений для переиспользования
		MaxIdleConnsPerHost: 10,
	}

	if caCertPath != "" {
		tlsConfig, err := buildTLSConfig(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата store: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
		logger.Info("CA-сертификат store добавлен в пул доверия",
			slog.String("ca_cert", caCertPath),
		)
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		baseURL:    base,
		logger:     logger.With(slog.String("component", "store_client")),
	}, nil
}

// ListFiles запрашивает список файлов по каноническому фильтру.
// GET /files/?search=…&file_type=…&…
func (c *Client) ListFiles(ctx context.Context, spec filter.Spec) ([]model.FileRecord, error) {
	reqURL := c.baseURL.String() + "/files/"
	if params := spec.WireParams().Encode(); params != "" {
		reqURL += "?" + params
	}

	var records []model.FileRecord
	if err := c.getJSON(ctx, reqURL, &records); err != nil {
		return nil, fmt.Errorf("запрос списка файлов: %w", err)
	}
	return records, nil
}

// GetFile запрашивает одну запись по id.
// GET /files/{id}/
func (c *Client) GetFile(ctx context.Context, fileID string) (*model.FileRecord, error) {
	reqURL := fmt.Sprintf("%s/files/%s/", c.baseURL, fileID)

	record := &model.FileRecord{}
	if err := c.getJSON(ctx, reqURL, record); err != nil {
		return nil, fmt.Errorf("запрос записи %s: %w", fileID, err)
	}
	return record, nil
}

// GetDuplicates запрашивает группу дубликатов для оригинала.
// GET /files/{id}/duplicates/
func (c *Client) GetDuplicates(ctx context.Context, fileID string) (*model.DuplicateGroup, error) {
	reqURL := fmt.Sprintf("%s/files/%s/duplicates/", c.baseURL, fileID)

	group := &model.DuplicateGroup{}
	if err := c.getJSON(ctx, reqURL, group); err != nil {
		return nil, fmt.Errorf("запрос группы дубликатов %s: %w", fileID, err)
	}
	return group, nil
}

// GetStats запрашивает агрегированную статистику хранилища.
// GET /files/stats/
func (c *Client) GetStats(ctx context.Context) (*model.StorageStats, error) {
	reqURL := c.baseURL.String() + "/files/stats/"

	stats := &model.StorageStats{}
	if err := c.getJSON(ctx, reqURL, stats); err != nil {
		return nil, fmt.Errorf("запрос статистики хранилища: %w", err)
	}
	return stats, nil
}

// Upload загружает файл в dedup store (multipart, одно поле file).
// POST /files/
// Backend сам определяет дубликаты по содержимому; клиент получает
// готовую запись и флаг duplicate_detected.
func (c *Client) Upload(ctx context.Context, filename, contentType string, body io.Reader) (*UploadResult, error) {
	pr, pw := io.Pipe()
	mpWriter := multipart.NewWriter(pw)

	// Streaming multipart: пишем тело в pipe параллельно с запросом,
	// чтобы не буферизовать файл целиком в памяти.
	go func() {
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		header.Set("Content-Type", contentType)

		part, err := mpWriter.CreatePart(header)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, body); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mpWriter.Close())
	}()

	reqURL := c.baseURL.String() + "/files/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, pr)
	if err != nil {
		return nil, fmt.Errorf("создание запроса Upload: %w", err)
	}
	req.Header.Set("Content-Type", mpWriter.FormDataContentType())

	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: URL из конфигурации
	if err != nil {
		return nil, fmt.Errorf("запрос Upload к %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("store вернул статус %d при загрузке: %s", resp.StatusCode, string(respBody))
	}

	var decoded struct {
		model.FileRecord
		DuplicateDetected bool `json:"duplicate_detected"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("декодирование ответа Upload: %w", err)
	}

	c.logger.Debug("Файл загружен в store",
		slog.String("file_id", decoded.ID),
		slog.Bool("duplicate_detected", decoded.DuplicateDetected),
	)

	return &UploadResult{
		Record:            decoded.FileRecord,
		DuplicateDetected: decoded.DuplicateDetected,
	}, nil
}

// Delete удаляет запись по id.
// DELETE /files/{id}/
// 404 транслируется в ErrNotFound — решение об идемпотентности
// принимает вызывающий слой.
func (c *Client) Delete(ctx context.Context, fileID string) error {
	reqURL := fmt.Sprintf("%s/files/%s/", c.baseURL, fileID)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, reqURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("создание запроса Delete: %w", err)
	}

	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: URL из конфигурации
	if err != nil {
		return fmt.Errorf("запрос Delete %s: %w", fileID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrNotFound
	default:
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("store вернул статус %d при удалении %s: %s", resp.StatusCode, fileID, string(respBody))
	}
}

// Download выполняет streaming-загрузку байтов по storage ref.
// Возвращает *http.Response — вызывающий код ОБЯЗАН закрыть resp.Body.
//
// storageRef — opaque-локатор из FileRecord.StorageRef: абсолютный URL
// или путь относительно origin backend (без /api префикса).
// rangeHeader — значение Range от клиента (пустая строка — без Range).
func (c *Client) Download(ctx context.Context, storageRef, rangeHeader string) (*http.Response, error) {
	refURL, err := c.resolveStorageRef(storageRef)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, refURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("создание запроса Download: %w", err)
	}

	// Пробрасываем Range header от клиента
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: URL из конфигурации
	if err != nil {
		return nil, fmt.Errorf("запрос Download %s: %w", refURL, err)
	}

	// Не закрываем resp.Body — вызывающий код отвечает за это (streaming)
	return resp, nil
}

// resolveStorageRef разрешает storage ref относительно origin backend.
func (c *Client) resolveStorageRef(storageRef string) (string, error) {
	ref, err := url.Parse(storageRef)
	if err != nil {
		return "", fmt.Errorf("некорректный storage ref %q: %w", storageRef, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}

	// Относительный путь — от origin (scheme + host), не от /api
	origin := &url.URL{Scheme: c.baseURL.Scheme, Host: c.baseURL.Host}
	return origin.ResolveReference(ref).String(), nil
}

// getJSON выполняет GET-запрос и декодирует JSON-ответ в dst.
func (c *Client) getJSON(ctx context.Context, reqURL string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("создание запроса: %w", err)
	}

	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: URL из конфигурации
	if err != nil {
		return fmt.Errorf("запрос к %s: %w", reqURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("store вернул статус %d: %s", resp.StatusCode, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("декодирование ответа: %w", err)
	}
	return nil
}

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA-сертификатом.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	caCertPool.AppendCertsFromPEM(caCert)

	return &tls.Config{
		RootCAs: caCertPool,
	}, nil
}

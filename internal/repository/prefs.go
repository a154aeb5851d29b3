package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// Preference — сохранённые предпочтения UI одного пользователя.
// Value — произвольный JSON-документ (сохранённые фильтры, настройки
// отображения); CM его не интерпретирует, только хранит.
type Preference struct {
	// Subject — идентификатор пользователя (sub из JWT)
	Subject string `json:"subject"`
	// Key — ключ предпочтений (например "filters" или "ui")
	Key string `json:"key"`
	// Value — JSON-документ как есть
	Value []byte `json:"value"`
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time `json:"updated_at"`
}

// PreferencesRepository — хранилище предпочтений UI.
// PostgreSQL-реализация используется при настроенной БД;
// in-memory — деградация без персистентности.
type PreferencesRepository interface {
	// Get возвращает предпочтения по (subject, key). Если нет — ErrNotFound.
	Get(ctx context.Context, subject, key string) (*Preference, error)
	// Set создаёт или обновляет предпочтения (upsert).
	Set(ctx context.Context, subject, key string, value []byte) error
	// List возвращает все предпочтения пользователя.
	List(ctx context.Context, subject string) ([]Preference, error)
	// Delete удаляет предпочтения по (subject, key).
	Delete(ctx context.Context, subject, key string) error
}

// prefsRepo — PostgreSQL-реализация PreferencesRepository.
type prefsRepo struct {
	db DBTX
}

// NewPreferencesRepository создаёт репозиторий предпочтений.
func NewPreferencesRepository(db DBTX) PreferencesRepository {
	return &prefsRepo{db: db}
}

// Get возвращает предпочтения по (subject, key).
func (r *prefsRepo) Get(ctx context.Context, subject, key string) (*Preference, error) {
	query := `
		SELECT subject, key, value, updated_at
		FROM preferences
		WHERE subject = $1 AND key = $2`

	p := &Preference{}
	err := r.db.QueryRow(ctx, query, subject, key).Scan(
		&p.Subject, &p.Key, &p.Value, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения preferences[%s/%s]: %w", subject, key, err)
	}
	return p, nil
}

// Set создаёт или обновляет предпочтения (INSERT ... ON CONFLICT DO UPDATE).
func (r *prefsRepo) Set(ctx context.Context, subject, key string, value []byte) error {
	query := `
		INSERT INTO preferences (subject, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (subject, key) DO UPDATE
		SET value = EXCLUDED.value,
			updated_at = NOW()`

	_, err := r.db.Exec(ctx, query, subject, key, value)
	if err != nil {
		return fmt.Errorf("ошибка сохранения preferences[%s/%s]: %w", subject, key, err)
	}
	return nil
}

// List возвращает все предпочтения пользователя, отсортированные по ключу.
func (r *prefsRepo) List(ctx context.Context, subject string) ([]Preference, error) {
	query := `
		SELECT subject, key, value, updated_at
		FROM preferences
		WHERE subject = $1
		ORDER BY key`

	rows, err := r.db.Query(ctx, query, subject)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка preferences[%s]: %w", subject, err)
	}
	defer rows.Close()

	var prefs []Preference
	for rows.Next() {
		var p Preference
		if err := rows.Scan(&p.Subject, &p.Key, &p.Value, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования preferences: %w", err)
		}
		prefs = append(prefs, p)
	}
	return prefs, rows.Err()
}

// Delete удаляет предпочтения по (subject, key).
func (r *prefsRepo) Delete(ctx context.Context, subject, key string) error {
	query := `DELETE FROM preferences WHERE subject = $1 AND key = $2`
	tag, err := r.db.Exec(ctx, query, subject, key)
	if err != nil {
		return fmt.Errorf("ошибка удаления preferences[%s/%s]: %w", subject, key, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// memoryPrefsRepo — in-memory реализация для запуска без PostgreSQL.
// Предпочтения живут до перезапуска процесса.
type memoryPrefsRepo struct {
	mu    sync.RWMutex
	prefs map[string]Preference
}

// NewMemoryPreferencesRepository создаёт in-memory репозиторий.
func NewMemoryPreferencesRepository() PreferencesRepository {
	return &memoryPrefsRepo{prefs: make(map[string]Preference)}
}

func memKey(subject, key string) string {
	return subject + "\x00" + key
}

func (r *memoryPrefsRepo) Get(_ context.Context, subject, key string) (*Preference, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.prefs[memKey(subject, key)]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (r *memoryPrefsRepo) Set(_ context.Context, subject, key string, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	r.prefs[memKey(subject, key)] = Preference{
		Subject:   subject,
		Key:       key,
		Value:     stored,
		UpdatedAt: time.Now(),
	}
	return nil
}

func (r *memoryPrefsRepo) List(_ context.Context, subject string) ([]Preference, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var prefs []Preference
	for _, p := range r.prefs {
		if p.Subject == subject {
			prefs = append(prefs, p)
		}
	}
	return prefs, nil
}

func (r *memoryPrefsRepo) Delete(_ context.Context, subject, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := memKey(subject, key)
	if _, ok := r.prefs[k]; !ok {
		return ErrNotFound
	}
	delete(r.prefs, k)
	return nil
}

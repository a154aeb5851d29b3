// Пакет service — бизнес-логика Client Module.
// QueryCache — кэш чтений с явной инвалидацией для трёх семейств
// ключей: списки файлов (ключ — канонический фильтр), группы
// дубликатов (ключ — file id) и агрегированная статистика.
// Ограничен LRU-хранилищем (hashicorp/golang-lru/v2).
//
// Политика:
//   - не более одного in-flight fetch на ключ: повторный запрос
//     присоединяется к уже идущему, а не порождает второй;
//   - инвалидация помечает запись STALE, сохраняя последнее известное
//     значение (stale-while-revalidate);
//   - неудачный fetch оставляет запись STALE и возвращает ошибку
//     вызывающему, без автоматического retry;
//   - транспорт кэшу не принадлежит: fetch делегируется инжектируемой
//     функции на семейство ключей.
package service

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/godedupstore/client-module/internal/domain/model"
	"github.com/bigkaa/godedupstore/client-module/internal/filter"
)

// Prometheus-метрики кэша.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cm_cache_hits_total",
		Help: "Количество чтений, обслуженных из FRESH-записей кэша.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cm_cache_misses_total",
		Help: "Количество чтений, потребовавших fetch (отсутствие или STALE).",
	})
	cacheJoinedWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cm_cache_joined_waits_total",
		Help: "Количество чтений, присоединившихся к уже идущему fetch.",
	})
	cacheInvalidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cm_cache_invalidations_total",
		Help: "Количество инвалидаций записей кэша по семействам ключей.",
	}, []string{"family"})
	cacheFetchErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cm_cache_fetch_errors_total",
		Help: "Количество fetch, завершившихся ошибкой (запись остаётся STALE).",
	})
)

// EntryStatus — статус записи кэша.
type EntryStatus int

const (
	// StatusFresh — значение актуально, обслуживается без fetch.
	StatusFresh EntryStatus = iota
	// StatusStale — значение устарело (инвалидация или ошибка fetch),
	// но сохранено как placeholder до следующего успешного fetch.
	StatusStale
	// StatusPending — fetch для ключа выполняется прямо сейчас.
	StatusPending
)

// String возвращает текстовое представление статуса.
func (s EntryStatus) String() string {
	switch s {
	case StatusFresh:
		return "fresh"
	case StatusStale:
		return "stale"
	case StatusPending:
		return "pending"
	default:
		return "unknown"
	}
}

// Семейства ключей кэша.
const (
	listKeyPrefix  = "list:"
	groupKeyPrefix = "group:"
	// StatsKey — единственный ключ агрегированной статистики.
	StatsKey = "stats"
)

// ListKey возвращает ключ кэша для списка файлов по фильтру.
func ListKey(spec filter.Spec) string {
	return listKeyPrefix + spec.Key()
}

// GroupKey возвращает ключ кэша для группы дубликатов файла.
func GroupKey(fileID string) string {
	return groupKeyPrefix + fileID
}

// keyFamily возвращает семейство ключа для лейблов метрик.
func keyFamily(key string) string {
	switch {
	case strings.HasPrefix(key, listKeyPrefix):
		return "list"
	case strings.HasPrefix(key, groupKeyPrefix):
		return "group"
	default:
		return "stats"
	}
}

// FetchFunc — инжектируемая функция получения значения для ключа.
type FetchFunc func(ctx context.Context) (any, error)

// cacheEntry — запись кэша.
// Жизненный цикл: PENDING (первый fetch) → FRESH → STALE (инвалидация
// или ошибка) → PENDING (refetch) → …
// Последнее известное значение переживает инвалидацию и ошибки fetch.
type cacheEntry struct {
	value     any
	hasValue  bool
	fetchedAt time.Time
	status    EntryStatus
}

// inflight — один выполняющийся fetch. Живёт в отдельной от LRU карте:
// вытеснение записи не теряет ни идущий fetch, ни его ожидающих.
// value и err заполняются до закрытия done и после не меняются,
// поэтому присоединившиеся читают их без блокировки.
type inflight struct {
	done  chan struct{}
	value any
	err   error
	// invalidated — инвалидация пришла во время fetch: результат
	// коммитится сразу как STALE
	invalidated bool
}

// subscription — подписка view на инвалидации ключей с данным префиксом.
type subscription struct {
	prefix string
	ch     chan string
}

// QueryCache — кэш чтений Client Module.
// Все переходы состояний выполняются под одним мьютексом: чтение
// видит состояние либо до, либо после инвалидации, никогда частичное.
type QueryCache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *cacheEntry]
	// fetches — идущие fetch по ключам. Карта отдельная от LRU:
	// PENDING нельзя вытеснить, single-flight держится на ней
	fetches map[string]*inflight
	// maxAge — возраст, после которого FRESH-запись считается STALE
	// при чтении (0 — только явная инвалидация)
	maxAge time.Duration
	logger *slog.Logger

	subs      map[int]*subscription
	nextSubID int
}

// NewQueryCache создаёт кэш с указанным максимальным числом записей.
// maxAge — опциональное возрастное устаревание FRESH-записей
// (0 отключает его: записи устаревают только по явной инвалидации).
func NewQueryCache(maxEntries int, maxAge time.Duration, logger *slog.Logger) (*QueryCache, error) {
	entries, err := lru.New[string, *cacheEntry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &QueryCache{
		entries: entries,
		fetches: make(map[string]*inflight),
		maxAge:  maxAge,
		logger:  logger.With(slog.String("component", "query_cache")),
		subs:    make(map[int]*subscription),
	}, nil
}

// GetOrFetch возвращает значение для ключа.
//   - FRESH → немедленно из кэша;
//   - PENDING → ожидание уже идущего fetch (второй транспортный
//     вызов не выполняется);
//   - отсутствие или STALE → fetch с переходом в PENDING; вызывающий
//     приостанавливается до разрешения.
//
// Ошибка fetch оставляет запись STALE с прежним значением и
// возвращается вызывающему как есть.
func (c *QueryCache) GetOrFetch(ctx context.Context, key string, fetch FetchFunc) (any, error) {
	c.mu.Lock()

	if f, ok := c.fetches[key]; ok {
		c.mu.Unlock()
		cacheJoinedWaitsTotal.Inc()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.done:
		}

		// Результат читается из inflight этого fetch, а не из записи:
		// к моменту пробуждения запись мог занять следующий fetch
		if f.err != nil {
			return nil, f.err
		}
		return f.value, nil
	}

	if e, ok := c.entries.Get(key); ok {
		if e.status == StatusFresh && !c.aged(e) {
			value := e.value
			c.mu.Unlock()
			cacheHitsTotal.Inc()
			return value, nil
		}
		e.status = StatusPending
	}

	// Отсутствие или STALE — начинаем fetch
	f := &inflight{done: make(chan struct{})}
	c.fetches[key] = f
	c.mu.Unlock()

	cacheMissesTotal.Inc()
	value, err := fetch(ctx)
	c.commit(key, f, value, err)

	if err != nil {
		return nil, err
	}
	return value, nil
}

// commit фиксирует результат fetch: заполняет inflight (ожидающие
// разблокируются закрытием done) и обновляет запись в LRU.
// Выполняется инициатором fetch.
func (c *QueryCache) commit(key string, f *inflight, value any, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f.value = value
	f.err = err
	delete(c.fetches, key)

	if err != nil {
		// Запись остаётся STALE с прежним значением; retry — решение
		// вызывающего кода
		if e, ok := c.entries.Peek(key); ok {
			e.status = StatusStale
		}
		cacheFetchErrorsTotal.Inc()
		c.logger.Debug("Fetch завершился ошибкой",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		close(f.done)
		return
	}

	e, ok := c.entries.Peek(key)
	if !ok {
		// Запись могла быть вытеснена LRU, пока шёл fetch
		e = &cacheEntry{}
		c.entries.Add(key, e)
	}
	e.value = value
	e.hasValue = true
	e.fetchedAt = time.Now()
	if f.invalidated {
		// Инвалидация пришла во время fetch: значение отдаётся
		// ожидающим, но следующее чтение выполнит refetch
		e.status = StatusStale
	} else {
		e.status = StatusFresh
	}

	close(f.done)
}

// Peek возвращает последнее известное значение без инициирования
// fetch (режим allow-stale). ok == false, если значения ещё не было.
func (c *QueryCache) Peek(key string) (value any, status EntryStatus, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.entries.Get(key)
	if !found || !e.hasValue {
		return nil, StatusStale, false
	}
	status = e.status
	if status == StatusFresh && c.aged(e) {
		status = StatusStale
	}
	return e.value, status, true
}

// InvalidateLists помечает STALE все закэшированные списки файлов
// (любой ключ семейства list). Значения не вытесняются.
func (c *QueryCache) InvalidateLists() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range c.entries.Keys() {
		if strings.HasPrefix(key, listKeyPrefix) {
			c.invalidateLocked(key)
		}
	}
}

// InvalidateStats помечает STALE запись статистики.
func (c *QueryCache) InvalidateStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked(StatsKey)
}

// InvalidateGroup помечает STALE группу дубликатов файла.
func (c *QueryCache) InvalidateGroup(fileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked(GroupKey(fileID))
}

// InvalidateGroupsWith помечает STALE все закэшированные группы,
// содержащие указанный файл (как оригинал или как дубликат).
// Возвращает id оригиналов инвалидированных групп.
// Группы, не содержащие файл, не затрагиваются.
func (c *QueryCache) InvalidateGroupsWith(fileID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var originals []string
	for _, key := range c.entries.Keys() {
		if !strings.HasPrefix(key, groupKeyPrefix) {
			continue
		}
		e, ok := c.entries.Peek(key)
		if !ok || !e.hasValue {
			continue
		}
		group, ok := e.value.(*model.DuplicateGroup)
		if !ok || !groupContains(group, fileID) {
			continue
		}
		c.invalidateLocked(key)
		originals = append(originals, group.Original.ID)
	}
	return originals
}

// Subscribe регистрирует подписку на инвалидации ключей с данным
// префиксом. View объявляет ключи, от которых зависит, и реагирует
// на уведомления (pull-модель вместо цепочки UI-событий).
// Возвращённый канал буферизован; cancel снимает подписку.
func (c *QueryCache) Subscribe(prefix string) (<-chan string, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSubID
	c.nextSubID++
	sub := &subscription{
		prefix: prefix,
		ch:     make(chan string, 16),
	}
	c.subs[id] = sub

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if s, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// invalidateLocked помечает одну запись STALE, сохраняя значение,
// и уведомляет подписчиков. Вызывается под mu.
func (c *QueryCache) invalidateLocked(key string) {
	if f, ok := c.fetches[key]; ok {
		f.invalidated = true
	}
	if e, ok := c.entries.Peek(key); ok && e.hasValue {
		e.status = StatusStale
	}
	cacheInvalidationsTotal.WithLabelValues(keyFamily(key)).Inc()

	for _, sub := range c.subs {
		if !strings.HasPrefix(key, sub.prefix) {
			continue
		}
		// Неблокирующая отправка: медленный подписчик теряет
		// промежуточные уведомления, но не блокирует мутации
		select {
		case sub.ch <- key:
		default:
		}
	}
}

// aged сообщает, истёк ли возраст FRESH-записи. Вызывается под mu.
func (c *QueryCache) aged(e *cacheEntry) bool {
	return c.maxAge > 0 && time.Since(e.fetchedAt) > c.maxAge
}

// groupContains проверяет принадлежность файла группе дубликатов.
func groupContains(group *model.DuplicateGroup, fileID string) bool {
	if group.Original.ID == fileID {
		return true
	}
	for _, d := range group.Duplicates {
		if d.ID == fileID {
			return true
		}
	}
	return false
}

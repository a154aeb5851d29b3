// Пакет filter — канонический дескриптор запроса к dedup store.
// Spec — value type: нормализованный фильтр служит ключом кэша,
// два Spec с равными полями взаимозаменяемы независимо от порядка
// построения. Пакет чистый: никаких side effects и сетевых вызовов.
package filter

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrValidation — некорректный фильтр (ошибка вызывающего кода,
// отклоняется до любого сетевого вызова).
var ErrValidation = errors.New("некорректный фильтр")

// MatchMode — режим сопоставления токенов file_type при фильтрации.
// Не путать с identity-сопоставлением содержимого при дедупликации:
// это два независимых понятия "совпадения".
type MatchMode string

const (
	// MatchExact — точное совпадение полного MIME-токена.
	MatchExact MatchMode = "exact"
	// MatchLoose — широкое совпадение по подтипу (текст после "/").
	MatchLoose MatchMode = "loose"
)

// isoDate — формат инклюзивных границ дат фильтра.
const isoDate = "2006-01-02"

// Spec — канонический, иммутабельный дескриптор запроса файлов.
// Размеры — всегда в байтах: конвертация КБ↔байты выполняется
// presentation-слоем (FromForm), не здесь.
type Spec struct {
	// SearchQuery — поиск по имени файла; пустая строка = фильтр не задан
	SearchQuery string
	// FileTypes — множество MIME-токенов; канонический вид — без
	// дубликатов, отсортировано
	FileTypes []string
	// MatchMode — режим сопоставления FileTypes (по умолчанию loose)
	MatchMode MatchMode
	// MinSize, MaxSize — границы размера в байтах; nil = не задано
	MinSize *int64
	MaxSize *int64
	// StartDate, EndDate — инклюзивные ISO-даты (YYYY-MM-DD); nil = не задано
	StartDate *string
	EndDate   *string
	// UniqueOnly — исключить дубликаты из результатов
	UniqueOnly bool
}

// Form — сырой ввод UI-контролов (presentation adapter).
// Размеры — строки в килобайтах, пустая строка = поле не заполнено.
type Form struct {
	Search     string
	FileTypes  []string
	HardFilter bool
	MinSizeKB  string
	MaxSizeKB  string
	StartDate  string
	EndDate    string
	UniqueOnly bool
}

// FromForm нормализует сырой ввод UI в канонический Spec.
// Пустые числовые поля приводятся к nil, значения КБ переводятся
// в байты. Пара min > max отклоняется как ошибка вызывающего кода,
// без молчаливой перестановки.
func FromForm(f Form) (Spec, error) {
	s := Spec{
		SearchQuery: f.Search,
		FileTypes:   f.FileTypes,
		MatchMode:   MatchLoose,
		UniqueOnly:  f.UniqueOnly,
	}
	if f.HardFilter {
		s.MatchMode = MatchExact
	}

	minSize, err := parseSizeKB("min_size", f.MinSizeKB)
	if err != nil {
		return Spec{}, err
	}
	maxSize, err := parseSizeKB("max_size", f.MaxSizeKB)
	if err != nil {
		return Spec{}, err
	}
	s.MinSize = minSize
	s.MaxSize = maxSize

	if d := strings.TrimSpace(f.StartDate); d != "" {
		s.StartDate = &d
	}
	if d := strings.TrimSpace(f.EndDate); d != "" {
		s.EndDate = &d
	}

	s = s.Normalized()
	if err := s.Validate(); err != nil {
		return Spec{}, err
	}
	return s, nil
}

// Normalized возвращает канонический вид Spec: обрезанный поиск,
// отсортированное множество типов без дубликатов и пустых токенов,
// режим сопоставления по умолчанию. Идемпотентно:
// s.Normalized().Normalized() == s.Normalized().
func (s Spec) Normalized() Spec {
	n := s
	n.SearchQuery = strings.TrimSpace(s.SearchQuery)

	seen := make(map[string]bool, len(s.FileTypes))
	types := make([]string, 0, len(s.FileTypes))
	for _, t := range s.FileTypes {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		types = append(types, t)
	}
	sort.Strings(types)
	n.FileTypes = types

	if n.MatchMode != MatchExact {
		n.MatchMode = MatchLoose
	}

	n.StartDate = trimDatePtr(s.StartDate)
	n.EndDate = trimDatePtr(s.EndDate)
	return n
}

// Validate проверяет инварианты Spec.
// min > max и отрицательные размеры — ошибка вызывающего кода.
// Даты проверяются только на формат: порядок границ — зона
// ответственности backend.
func (s Spec) Validate() error {
	if s.MinSize != nil && *s.MinSize < 0 {
		return fmt.Errorf("%w: min_size не может быть отрицательным", ErrValidation)
	}
	if s.MaxSize != nil && *s.MaxSize < 0 {
		return fmt.Errorf("%w: max_size не может быть отрицательным", ErrValidation)
	}
	if s.MinSize != nil && s.MaxSize != nil && *s.MinSize > *s.MaxSize {
		return fmt.Errorf("%w: min_size не может быть больше max_size", ErrValidation)
	}
	if err := validateDate("start_date", s.StartDate); err != nil {
		return err
	}
	if err := validateDate("end_date", s.EndDate); err != nil {
		return err
	}
	return nil
}

// WireParams сериализует Spec в query-параметры backend.
// Пустые и nil-поля опускаются полностью. В режиме loose каждый
// токен file_type переписывается в подтип (часть после первого "/";
// токен без "/" передаётся как есть), hard_filter не отправляется.
// В режиме exact передаются полные токены и hard_filter=true.
func (s Spec) WireParams() url.Values {
	n := s.Normalized()
	v := url.Values{}

	if n.SearchQuery != "" {
		v.Set("search", n.SearchQuery)
	}
	for _, t := range n.FileTypes {
		if n.MatchMode == MatchLoose {
			t = subtype(t)
		}
		v.Add("file_type", t)
	}
	if n.MatchMode == MatchExact && len(n.FileTypes) > 0 {
		v.Set("hard_filter", "true")
	}
	if n.MinSize != nil {
		v.Set("min_size", strconv.FormatInt(*n.MinSize, 10))
	}
	if n.MaxSize != nil {
		v.Set("max_size", strconv.FormatInt(*n.MaxSize, 10))
	}
	if n.StartDate != nil {
		v.Set("start_date", *n.StartDate)
	}
	if n.EndDate != nil {
		v.Set("end_date", *n.EndDate)
	}
	if n.UniqueOnly {
		v.Set("unique_only", "true")
	}
	return v
}

// ParseWireParams восстанавливает Spec из query-параметров.
// Используется API-обработчиками CM (входные параметры совпадают
// с wire-форматом backend) и round-trip тестами.
func ParseWireParams(v url.Values) (Spec, error) {
	s := Spec{
		SearchQuery: v.Get("search"),
		FileTypes:   v["file_type"],
		MatchMode:   MatchLoose,
		UniqueOnly:  strings.EqualFold(v.Get("unique_only"), "true"),
	}
	if strings.EqualFold(v.Get("hard_filter"), "true") {
		s.MatchMode = MatchExact
	}

	minSize, err := parseSizeBytes("min_size", v.Get("min_size"))
	if err != nil {
		return Spec{}, err
	}
	maxSize, err := parseSizeBytes("max_size", v.Get("max_size"))
	if err != nil {
		return Spec{}, err
	}
	s.MinSize = minSize
	s.MaxSize = maxSize

	if d := v.Get("start_date"); d != "" {
		s.StartDate = &d
	}
	if d := v.Get("end_date"); d != "" {
		s.EndDate = &d
	}

	s = s.Normalized()
	if err := s.Validate(); err != nil {
		return Spec{}, err
	}
	return s, nil
}

// Equal — структурное равенство двух Spec независимо от порядка
// полей и токенов. Используется как компаратор ключей кэша.
func Equal(a, b Spec) bool {
	return a.Key() == b.Key()
}

// Key возвращает детерминированное строковое представление
// нормализованного Spec — ключ кэша списков файлов.
func (s Spec) Key() string {
	n := s.Normalized()

	var b strings.Builder
	b.WriteString("q=")
	b.WriteString(url.QueryEscape(n.SearchQuery))
	b.WriteString("|t=")
	for i, t := range n.FileTypes {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(url.QueryEscape(t))
	}
	b.WriteString("|m=")
	b.WriteString(string(n.MatchMode))
	b.WriteString("|min=")
	b.WriteString(formatSizePtr(n.MinSize))
	b.WriteString("|max=")
	b.WriteString(formatSizePtr(n.MaxSize))
	b.WriteString("|from=")
	b.WriteString(formatDatePtr(n.StartDate))
	b.WriteString("|to=")
	b.WriteString(formatDatePtr(n.EndDate))
	b.WriteString("|u=")
	b.WriteString(strconv.FormatBool(n.UniqueOnly))
	return b.String()
}

// --- Вспомогательные функции ---

// subtype возвращает подтип MIME-токена (часть после первого "/").
// Токен без "/" возвращается без изменений.
func subtype(token string) string {
	if i := strings.Index(token, "/"); i >= 0 {
		return token[i+1:]
	}
	return token
}

// parseSizeKB парсит строковое значение размера в КБ из UI-формы.
// Пустая строка → nil. Возвращает значение в байтах.
func parseSizeKB(field, raw string) (*int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	kb, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: некорректное число %q", ErrValidation, field, raw)
	}
	if kb < 0 {
		return nil, fmt.Errorf("%w: %s не может быть отрицательным", ErrValidation, field)
	}
	bytes := kb * 1024
	return &bytes, nil
}

// parseSizeBytes парсит wire-значение размера в байтах.
func parseSizeBytes(field, raw string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: некорректное число %q", ErrValidation, field, raw)
	}
	return &n, nil
}

// validateDate проверяет формат ISO-даты (YYYY-MM-DD).
func validateDate(field string, d *string) error {
	if d == nil {
		return nil
	}
	if _, err := time.Parse(isoDate, *d); err != nil {
		return fmt.Errorf("%w: %s: ожидается дата в формате YYYY-MM-DD, получено %q", ErrValidation, field, *d)
	}
	return nil
}

func trimDatePtr(d *string) *string {
	if d == nil {
		return nil
	}
	t := strings.TrimSpace(*d)
	if t == "" {
		return nil
	}
	return &t
}

func formatSizePtr(n *int64) string {
	if n == nil {
		return "-"
	}
	return strconv.FormatInt(*n, 10)
}

func formatDatePtr(d *string) string {
	if d == nil {
		return "-"
	}
	return *d
}

// dupview.go — view группы дубликатов одного оригинала.
// Машина состояний: CLOSED → LOADING → {READY, ERROR};
// READY → LOADING при любой инвалидации своего ключа; ERROR
// восстанавливается ручным Retry.
//
// View подписывается на инвалидации своего ключа кэша (pull-модель:
// view декларирует зависимость, а не встраивается в цепочку
// UI-событий). Поздний ответ закрытого или перезапущенного fetch
// отбрасывается по токену поколения — результат никогда не
// применяется к состоянию, которым view уже не владеет.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/bigkaa/godedupstore/client-module/internal/domain/model"
)

// Ошибки view.
var (
	// ErrViewOpen — view уже открыт для другого файла.
	ErrViewOpen = errors.New("view уже открыт")
	// ErrViewClosed — операция над закрытым view.
	ErrViewClosed = errors.New("view закрыт")
)

// ViewState — состояние view группы дубликатов.
type ViewState int

const (
	// ViewClosed — view не открыт.
	ViewClosed ViewState = iota
	// ViewLoading — идёт загрузка группы.
	ViewLoading
	// ViewReady — группа получена (в том числе пустая: count 0).
	ViewReady
	// ViewError — загрузка завершилась ошибкой; восстановимо через Retry.
	ViewError
)

// String возвращает текстовое представление состояния.
func (s ViewState) String() string {
	switch s {
	case ViewClosed:
		return "closed"
	case ViewLoading:
		return "loading"
	case ViewReady:
		return "ready"
	case ViewError:
		return "error"
	default:
		return "unknown"
	}
}

// ViewSnapshot — снимок состояния view для presentation-слоя.
type ViewSnapshot struct {
	// State — текущее состояние (closed, loading, ready, error)
	State string `json:"state"`
	// FileID — id оригинала, для которого открыт view
	FileID string `json:"file_id,omitempty"`
	// Group — группа дубликатов (только в состоянии ready)
	Group *model.DuplicateGroup `json:"group,omitempty"`
	// Error — текст ошибки (только в состоянии error)
	Error string `json:"error,omitempty"`
}

// DuplicateView — контроллер view группы дубликатов.
// Потокобезопасен; одно открытие — один файл.
type DuplicateView struct {
	queries *QueryService
	logger  *slog.Logger

	mu      sync.Mutex
	state   ViewState
	fileID  string
	group   *model.DuplicateGroup
	lastErr error
	// gen — токен поколения текущей загрузки: поздние результаты
	// с несовпадающим токеном отбрасываются
	gen string

	cancelSub func()
	updates   chan struct{}
}

// NewDuplicateView создаёт закрытый view.
func NewDuplicateView(queries *QueryService, logger *slog.Logger) *DuplicateView {
	return &DuplicateView{
		queries: queries,
		logger:  logger.With(slog.String("component", "duplicate_view")),
		state:   ViewClosed,
		updates: make(chan struct{}, 1),
	}
}

// Open открывает view для оригинала fileID и выполняет первую загрузку.
// Передача id дубликата — ошибка вызывающего кода (ErrNotOriginal):
// view возвращается в CLOSED, ничего не угадывается и не исправляется.
// Ошибка транспорта оставляет view в состоянии ERROR (восстановимо
// через Retry). Подписка на инвалидации ключа оформляется ДО первой
// загрузки: инвалидация, пришедшая пока загрузка идёт, не теряется
// (от самоуведомления защищает токен поколения).
func (v *DuplicateView) Open(ctx context.Context, fileID string) error {
	v.mu.Lock()
	if v.state != ViewClosed {
		v.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrViewOpen, v.fileID)
	}
	v.state = ViewLoading
	v.fileID = fileID
	v.gen = uuid.NewString()
	gen := v.gen
	v.mu.Unlock()

	v.subscribe(fileID)

	group, err := v.queries.DuplicateGroup(ctx, fileID)

	v.mu.Lock()
	if v.state == ViewClosed {
		v.mu.Unlock()
		return ErrViewClosed
	}
	if v.gen != gen {
		// Загрузку перегнала более новая (фоновая перезагрузка по
		// инвалидации) — её результат уже применён или применится
		v.mu.Unlock()
		return nil
	}

	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotOriginal):
		// Ошибка вызывающего кода — view не открывается
		v.state = ViewClosed
		v.fileID = ""
		cancel := v.cancelSub
		v.cancelSub = nil
		v.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return err
	case err != nil:
		v.state = ViewError
		v.lastErr = err
		v.mu.Unlock()
		v.signal()
		return err
	default:
		v.state = ViewReady
		v.group = group
		v.lastErr = nil
		v.mu.Unlock()
		v.signal()
		v.ensureFresh(fileID)
		return nil
	}
}

// subscribe подписывает view на инвалидации его ключа кэша.
// Перезагрузка выполняется в фоне; горутина завершается при Close
// (cancel закрывает канал подписки).
func (v *DuplicateView) subscribe(fileID string) {
	ch, cancel := v.queries.Cache().Subscribe(GroupKey(fileID))

	v.mu.Lock()
	if v.state == ViewClosed {
		// View закрыли, пока оформлялась подписка
		v.mu.Unlock()
		cancel()
		return
	}
	v.cancelSub = cancel
	v.mu.Unlock()

	go func() {
		for range ch {
			if err := v.Refresh(context.Background()); err != nil {
				v.logger.Debug("Перезагрузка view после инвалидации не удалась",
					slog.String("file_id", fileID),
					slog.String("error", err.Error()),
				)
			}
		}
	}()
}

// ensureFresh перезапускает загрузку, если запись кэша успела стать
// STALE, пока применялся результат (инвалидация во время fetch
// коммитится как STALE, а её уведомление могло уйти загрузке,
// присоединившейся к тому же fetch).
func (v *DuplicateView) ensureFresh(fileID string) {
	if _, status, ok := v.queries.Cache().Peek(GroupKey(fileID)); ok && status == StatusStale {
		go func() {
			_ = v.Refresh(context.Background())
		}()
	}
}

// Refresh перезагружает группу: READY/ERROR → LOADING → {READY, ERROR}.
// Пустая группа (последний дубликат удалён) — это READY с count 0 и
// пустым списком: view НЕ закрывается, закрытие — решение вызывающего.
func (v *DuplicateView) Refresh(ctx context.Context) error {
	v.mu.Lock()
	if v.state == ViewClosed {
		v.mu.Unlock()
		return ErrViewClosed
	}
	v.state = ViewLoading
	v.gen = uuid.NewString()
	gen := v.gen
	fileID := v.fileID
	v.mu.Unlock()

	group, err := v.queries.DuplicateGroup(ctx, fileID)

	v.mu.Lock()
	if v.gen != gen || v.state == ViewClosed {
		// Поздний ответ: ключ уже не принадлежит этой загрузке
		v.mu.Unlock()
		v.logger.Debug("Поздний результат загрузки отброшен",
			slog.String("file_id", fileID),
		)
		return nil
	}

	if err != nil {
		v.state = ViewError
		v.lastErr = err
		v.mu.Unlock()
		v.signal()
		return err
	}

	v.state = ViewReady
	v.group = group
	v.lastErr = nil
	v.mu.Unlock()

	v.signal()
	v.ensureFresh(fileID)
	return nil
}

// OnMemberDeleted обрабатывает удаление участника группы: группа
// перезагружается, чтобы count и состав отражали удаление. Если
// удалён последний дубликат, view переходит в READY с пустой группой.
func (v *DuplicateView) OnMemberDeleted(ctx context.Context, _ string) error {
	return v.Refresh(ctx)
}

// Retry повторяет загрузку из состояния ERROR (ручное решение
// вызывающего — автоматических retry нет).
func (v *DuplicateView) Retry(ctx context.Context) error {
	v.mu.Lock()
	if v.state != ViewError {
		state := v.state
		v.mu.Unlock()
		return fmt.Errorf("retry доступен только из состояния error, текущее: %s", state)
	}
	v.mu.Unlock()
	return v.Refresh(ctx)
}

// Close закрывает view и снимает подписку. Явная операция:
// view никогда не закрывает себя сам.
func (v *DuplicateView) Close() {
	v.mu.Lock()
	if v.state == ViewClosed {
		v.mu.Unlock()
		return
	}
	v.state = ViewClosed
	// Смена поколения: результаты незавершённых загрузок отбрасываются
	v.gen = uuid.NewString()
	v.group = nil
	v.lastErr = nil
	v.fileID = ""
	cancel := v.cancelSub
	v.cancelSub = nil
	v.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Snapshot возвращает снимок текущего состояния view.
func (v *DuplicateView) Snapshot() ViewSnapshot {
	v.mu.Lock()
	defer v.mu.Unlock()

	snap := ViewSnapshot{
		State:  v.state.String(),
		FileID: v.fileID,
	}
	switch v.state {
	case ViewReady:
		snap.Group = v.group
	case ViewError:
		if v.lastErr != nil {
			snap.Error = v.lastErr.Error()
		}
	}
	return snap
}

// Updates возвращает канал уведомлений о смене состояния view
// (буферизован на одно уведомление; промежуточные схлопываются).
func (v *DuplicateView) Updates() <-chan struct{} {
	return v.updates
}

// signal отправляет неблокирующее уведомление о смене состояния.
func (v *DuplicateView) signal() {
	select {
	case v.updates <- struct{}{}:
	default:
	}
}

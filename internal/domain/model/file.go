// Пакет model — доменные модели Client Module.
// FileRecord — запись файла в dedup store (wire-контракт backend).
// Записи никогда не мутируются на стороне клиента: CM заменяет
// закэшированную копию целиком при refetch.
package model

import "time"

// FileRecord — запись одного логического файла в dedup store.
// Backend связывает байт-идентичные загрузки: дубликат ссылается
// на оригинал через OriginalFileID и не хранит байты повторно.
type FileRecord struct {
	// ID — UUID записи (стабильный, неизменяемый)
	ID string `json:"id"`
	// StorageRef — opaque-локатор байтов файла (CM не интерпретирует)
	StorageRef string `json:"file"`
	// OriginalFilename — оригинальное имя файла
	OriginalFilename string `json:"original_filename"`
	// FileType — MIME-тип файла
	FileType string `json:"file_type"`
	// Size — размер файла в байтах
	Size int64 `json:"size"`
	// UploadedAt — время загрузки
	UploadedAt time.Time `json:"uploaded_at"`
	// FileHash — контрольная сумма содержимого (backend-owned)
	FileHash string `json:"file_hash,omitempty"`
	// IsDuplicate — true, если запись ссылается на оригинал
	IsDuplicate bool `json:"is_duplicate"`
	// OriginalFileID — UUID оригинала; задан тогда и только тогда,
	// когда IsDuplicate == true
	OriginalFileID *string `json:"original_file"`
	// ReferenceCount — количество логических загрузок этого содержимого (>= 1)
	ReferenceCount int `json:"reference_count"`
	// StorageSaved — байты, не сохранённые повторно благодаря dedup
	// (0 для дубликатов и оригиналов без ссылок)
	StorageSaved int64 `json:"storage_saved"`
	// Version — монотонный счётчик версий в рамках имени файла
	// (backend возвращает 1, если не задан)
	Version int `json:"version,omitempty"`
}

// DuplicateGroup — группа дубликатов одного оригинала.
// Инвариант: Count == len(Duplicates), Original.IsDuplicate == false.
type DuplicateGroup struct {
	// Original — каноническая запись-владелец содержимого
	Original FileRecord `json:"original_file"`
	// Count — количество дубликатов
	Count int `json:"duplicate_count"`
	// Duplicates — записи-дубликаты в порядке, возвращённом backend
	Duplicates []FileRecord `json:"duplicates"`
}

// StorageStats — агрегированная статистика хранилища.
type StorageStats struct {
	// TotalFiles — общее количество записей (оригиналы + дубликаты)
	TotalFiles int `json:"total_files"`
	// UniqueFiles — количество оригиналов
	UniqueFiles int `json:"unique_files"`
	// DuplicateFiles — количество дубликатов
	DuplicateFiles int `json:"duplicate_files"`
	// TotalStorage — физически занятые байты (только оригиналы)
	TotalStorage int64 `json:"total_storage"`
	// StorageSaved — байты, сэкономленные дедупликацией
	StorageSaved int64 `json:"storage_saved"`
	// StorageEfficiency — отформатированный процент экономии (например "12.34%")
	StorageEfficiency string `json:"storage_efficiency"`
}

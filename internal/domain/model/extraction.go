// Пакет model — доменные модели конвейера извлечения изображений из PDF.
package model

import "time"

// Status — статус жизненного цикла извлечения.
type Status string

const (
	// StatusPending — запись создана, обработка ещё не начата
	StatusPending Status = "pending"
	// StatusProcessing — идёт рендеринг страниц
	StatusProcessing Status = "processing"
	// StatusCompleted — изображения и архив готовы
	StatusCompleted Status = "completed"
	// StatusFailed — обработка завершилась ошибкой (ErrorMessage заполнен)
	StatusFailed Status = "failed"
)

// Valid проверяет, является ли статус допустимым значением.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Extraction — запись об извлечении, одна на уникальный хэш содержимого.
type Extraction struct {
	ID               string     `json:"id"`
	ContentHash      string     `json:"content_hash"`
	OriginalFilename string     `json:"original_filename"`
	SizeBytes        int64      `json:"size_bytes"`
	PageCount        int        `json:"page_count"`
	ImageCount       int        `json:"image_count"`
	Status           Status     `json:"status"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`

	Images     []Image     `json:"images"`
	ShareLinks []ShareLink `json:"share_links"`
}

// IsExpired проверяет, истёк ли срок хранения на момент now.
// Запись без ExpiresAt не истекает никогда.
func (e *Extraction) IsExpired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// ActiveShareLink возвращает первую ссылку, по которой запись доступна на
// момент now, либо nil.
func (e *Extraction) ActiveShareLink(now time.Time) *ShareLink {
	for i := range e.ShareLinks {
		if e.ShareLinks[i].IsResolvable(now) {
			return &e.ShareLinks[i]
		}
	}
	return nil
}

// Image — одно изображение, полученное рендерингом страницы.
type Image struct {
	ID           string    `json:"id"`
	ExtractionID string    `json:"extraction_id"`
	Filename     string    `json:"filename"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	MimeType     string    `json:"mime_type"`
	SizeBytes    int64     `json:"size_bytes"`
	PageNumber   int       `json:"page_number"`
	SortOrder    int       `json:"sort_order"`
	CreatedAt    time.Time `json:"created_at"`
}

// ShareLink — токен доступа на чтение к одному извлечению.
type ShareLink struct {
	ID             string     `json:"id"`
	ExtractionID   string     `json:"extraction_id"`
	Token          string     `json:"token"`
	IsPublic       bool       `json:"is_public"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	AccessCount    int64      `json:"access_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// IsResolvable — предикат доступа по ссылке: ссылка публичная и не истекла.
// Приватная и просроченная ссылки для вызывающего неотличимы от несуществующей.
func (l *ShareLink) IsResolvable(now time.Time) bool {
	if !l.IsPublic {
		return false
	}
	return l.ExpiresAt == nil || l.ExpiresAt.After(now)
}

// ShareLinkPatch — частичное обновление ссылки. nil-поля не изменяются.
type ShareLinkPatch struct {
	IsPublic *bool
	// ExpiresAt задаёт новый срок действия ссылки.
	ExpiresAt *time.Time
	// ClearExpiry снимает срок действия (ссылка становится бессрочной).
	ClearExpiry bool
}

// Empty проверяет, что патч ничего не меняет.
func (p ShareLinkPatch) Empty() bool {
	return p.IsPublic == nil && p.ExpiresAt == nil && !p.ClearExpiry
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/domain/model"
)

// ExtractionRepository — хранилище записей извлечения.
// Уникальность content_hash обеспечивается базой данных.
type ExtractionRepository interface {
	// FindByHash возвращает запись по хэшу содержимого вместе с изображениями и ссылками.
	FindByHash(ctx context.Context, contentHash string) (*model.Extraction, error)
	// GetByID возвращает запись по ID вместе с изображениями и ссылками.
	GetByID(ctx context.Context, id string) (*model.Extraction, error)
	// Create создаёт запись. ErrDuplicateHash — хэш уже занят.
	Create(ctx context.Context, e *model.Extraction) error
	// UpdateStatus переводит запись в новый статус.
	UpdateStatus(ctx context.Context, id string, status model.Status) error
	// MarkFailed переводит запись из processing в failed с сообщением.
	MarkFailed(ctx context.Context, id, message string) error
	// Complete сохраняет изображения и переводит запись из processing в completed.
	Complete(ctx context.Context, id string, pageCount int, images []model.Image) error
	// ResetForRetry удаляет изображения и возвращает запись из from в processing.
	ResetForRetry(ctx context.Context, id string, from model.Status, reset RetryReset) error
	// Delete удаляет запись; изображения и ссылки удаляются каскадно.
	Delete(ctx context.Context, id string) error
	// DeleteExpired удаляет запись, только если её срок хранения истёк на момент now.
	// ErrStateChanged — срок продлён параллельно (например, повторной обработкой).
	DeleteExpired(ctx context.Context, id string, now time.Time) error
	// ListExpired возвращает записи с expires_at <= now.
	ListExpired(ctx context.Context, now time.Time) ([]*model.Extraction, error)
	// ListStaleProcessing возвращает записи processing, не обновлявшиеся с before.
	ListStaleProcessing(ctx context.Context, before time.Time) ([]*model.Extraction, error)
	// DeleteMany удаляет записи по списку ID. Возвращает количество удалённых.
	DeleteMany(ctx context.Context, ids []string) (int, error)
	// SetExpiryMany задаёт срок хранения для списка записей (nil — бессрочно).
	SetExpiryMany(ctx context.Context, ids []string, expiresAt *time.Time) (int, error)
}

// RetryReset — новые значения полей при повторной обработке.
type RetryReset struct {
	OriginalFilename string
	SizeBytes        int64
	ExpiresAt        *time.Time
}

// extractionRepo — реализация ExtractionRepository.
type extractionRepo struct {
	db DBTX
}

// NewExtractionRepository создаёт репозиторий извлечений.
func NewExtractionRepository(db DBTX) ExtractionRepository {
	return &extractionRepo{db: db}
}

const extractionColumns = `id, content_hash, original_filename, size_bytes, page_count,
	image_count, status, error_message, created_at, updated_at, expires_at`

func scanExtraction(row pgx.Row) (*model.Extraction, error) {
	e := &model.Extraction{}
	err := row.Scan(
		&e.ID, &e.ContentHash, &e.OriginalFilename, &e.SizeBytes, &e.PageCount,
		&e.ImageCount, &e.Status, &e.ErrorMessage, &e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *extractionRepo) FindByHash(ctx context.Context, contentHash string) (*model.Extraction, error) {
	query := `SELECT ` + extractionColumns + ` FROM extractions WHERE content_hash = $1`
	return r.getOne(ctx, query, contentHash)
}

func (r *extractionRepo) GetByID(ctx context.Context, id string) (*model.Extraction, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	query := `SELECT ` + extractionColumns + ` FROM extractions WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// getOne читает запись и её дочерние строки.
func (r *extractionRepo) getOne(ctx context.Context, query string, arg any) (*model.Extraction, error) {
	e, err := scanExtraction(r.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения извлечения: %w", err)
	}

	if e.Images, err = r.listImages(ctx, e.ID); err != nil {
		return nil, err
	}
	if e.ShareLinks, err = listShareLinks(ctx, r.db, e.ID); err != nil {
		return nil, err
	}
	return e, nil
}

func (r *extractionRepo) listImages(ctx context.Context, extractionID string) ([]model.Image, error) {
	query := `
		SELECT id, extraction_id, filename, width, height, mime_type, size_bytes,
			page_number, sort_order, created_at
		FROM extraction_images
		WHERE extraction_id = $1
		ORDER BY sort_order, page_number`

	rows, err := r.db.Query(ctx, query, extractionID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения изображений: %w", err)
	}
	defer rows.Close()

	images := []model.Image{}
	for rows.Next() {
		var img model.Image
		if err := rows.Scan(
			&img.ID, &img.ExtractionID, &img.Filename, &img.Width, &img.Height, &img.MimeType,
			&img.SizeBytes, &img.PageNumber, &img.SortOrder, &img.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования изображения: %w", err)
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

func (r *extractionRepo) Create(ctx context.Context, e *model.Extraction) error {
	query := `
		INSERT INTO extractions (id, content_hash, original_filename, size_bytes, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		e.ID, e.ContentHash, e.OriginalFilename, e.SizeBytes, e.Status, e.ExpiresAt,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			if uniqueConstraint(err) == "extractions_content_hash_key" {
				return ErrDuplicateHash
			}
			return fmt.Errorf("%w: извлечение с таким ID уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка создания извлечения: %w", err)
	}
	return nil
}

func (r *extractionRepo) UpdateStatus(ctx context.Context, id string, status model.Status) error {
	query := `UPDATE extractions SET status = $2, updated_at = NOW() WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("ошибка обновления статуса: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *extractionRepo) MarkFailed(ctx context.Context, id, message string) error {
	query := `
		UPDATE extractions
		SET status = 'failed', error_message = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`

	tag, err := r.db.Exec(ctx, query, id, message)
	if err != nil {
		return fmt.Errorf("ошибка перевода в failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrChanged(ctx, id)
	}
	return nil
}

func (r *extractionRepo) Complete(ctx context.Context, id string, pageCount int, images []model.Image) error {
	extractionID, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}

	return runInTx(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE extractions
			SET status = 'completed', page_count = $2, image_count = $3,
				error_message = NULL, updated_at = NOW()
			WHERE id = $1 AND status = 'processing'`,
			id, pageCount, len(images),
		)
		if err != nil {
			return fmt.Errorf("ошибка перевода в completed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrStateChanged
		}

		rows := make([][]any, 0, len(images))
		for _, img := range images {
			imageID, err := uuid.Parse(img.ID)
			if err != nil {
				imageID = uuid.New()
			}
			rows = append(rows, []any{
				imageID, extractionID, img.Filename, int32(img.Width), int32(img.Height),
				img.MimeType, img.SizeBytes, int32(img.PageNumber), int32(img.SortOrder),
			})
		}

		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"extraction_images"},
			[]string{"id", "extraction_id", "filename", "width", "height",
				"mime_type", "size_bytes", "page_number", "sort_order"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("ошибка вставки изображений: %w", err)
		}
		return nil
	})
}

func (r *extractionRepo) ResetForRetry(ctx context.Context, id string, from model.Status, reset RetryReset) error {
	return runInTx(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE extractions
			SET status = 'processing', error_message = NULL, original_filename = $3,
				size_bytes = $4, page_count = 0, image_count = 0, expires_at = $5,
				updated_at = NOW()
			WHERE id = $1 AND status = $2`,
			id, from, reset.OriginalFilename, reset.SizeBytes, reset.ExpiresAt,
		)
		if err != nil {
			return fmt.Errorf("ошибка сброса извлечения: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrStateChanged
		}

		if _, err := tx.Exec(ctx, `DELETE FROM extraction_images WHERE extraction_id = $1`, id); err != nil {
			return fmt.Errorf("ошибка удаления устаревших изображений: %w", err)
		}
		return nil
	})
}

func (r *extractionRepo) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}

	tag, err := r.db.Exec(ctx, `DELETE FROM extractions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления извлечения: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *extractionRepo) DeleteExpired(ctx context.Context, id string, now time.Time) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}

	tag, err := r.db.Exec(ctx, `
		DELETE FROM extractions
		WHERE id = $1 AND expires_at IS NOT NULL AND expires_at <= $2`,
		id, now,
	)
	if err != nil {
		return fmt.Errorf("ошибка удаления просроченного извлечения: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrChanged(ctx, id)
	}
	return nil
}

func (r *extractionRepo) ListExpired(ctx context.Context, now time.Time) ([]*model.Extraction, error) {
	query := `SELECT ` + extractionColumns + `
		FROM extractions
		WHERE expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at`
	return r.list(ctx, query, now)
}

func (r *extractionRepo) ListStaleProcessing(ctx context.Context, before time.Time) ([]*model.Extraction, error) {
	query := `SELECT ` + extractionColumns + `
		FROM extractions
		WHERE status = 'processing' AND updated_at < $1
		ORDER BY updated_at`
	return r.list(ctx, query, before)
}

func (r *extractionRepo) list(ctx context.Context, query string, args ...any) ([]*model.Extraction, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка извлечений: %w", err)
	}
	defer rows.Close()

	var result []*model.Extraction
	for rows.Next() {
		e, err := scanExtraction(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования извлечения: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (r *extractionRepo) DeleteMany(ctx context.Context, ids []string) (int, error) {
	valid := validIDs(ids)
	if len(valid) == 0 {
		return 0, nil
	}

	tag, err := r.db.Exec(ctx, `DELETE FROM extractions WHERE id = ANY($1)`, valid)
	if err != nil {
		return 0, fmt.Errorf("ошибка пакетного удаления: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *extractionRepo) SetExpiryMany(ctx context.Context, ids []string, expiresAt *time.Time) (int, error) {
	valid := validIDs(ids)
	if len(valid) == 0 {
		return 0, nil
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE extractions SET expires_at = $2, updated_at = NOW() WHERE id = ANY($1)`,
		valid, expiresAt,
	)
	if err != nil {
		return 0, fmt.Errorf("ошибка пакетного обновления срока хранения: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// missingOrChanged различает удалённую запись и запись в другом статусе.
func (r *extractionRepo) missingOrChanged(ctx context.Context, id string) error {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM extractions WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("ошибка проверки извлечения: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStateChanged
}

// validIDs отбрасывает значения, не являющиеся UUID.
func validIDs(ids []string) []uuid.UUID {
	result := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if u, err := uuid.Parse(id); err == nil {
			result = append(result, u)
		}
	}
	return result
}

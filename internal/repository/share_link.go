package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/domain/model"
)

// ShareLinkRepository — хранилище ссылок доступа.
type ShareLinkRepository interface {
	// Create создаёт ссылку. ErrConflict — токен уже занят.
	Create(ctx context.Context, l *model.ShareLink) error
	// GetByToken возвращает ссылку без проверки доступности.
	GetByToken(ctx context.Context, token string) (*model.ShareLink, error)
	// Resolve атомарно проверяет доступность ссылки и учитывает обращение.
	// Приватная, просроченная и несуществующая ссылки — ErrNotFound.
	Resolve(ctx context.Context, token string, now time.Time) (*model.ShareLink, error)
	// Rotate заменяет токен ссылки одним UPDATE.
	Rotate(ctx context.Context, oldToken, newToken string) (*model.ShareLink, error)
	// Update применяет частичное обновление.
	Update(ctx context.Context, token string, patch model.ShareLinkPatch) (*model.ShareLink, error)
	// ListByExtraction возвращает ссылки извлечения в порядке создания.
	ListByExtraction(ctx context.Context, extractionID string) ([]model.ShareLink, error)
}

// shareLinkRepo — реализация ShareLinkRepository.
type shareLinkRepo struct {
	db DBTX
}

// NewShareLinkRepository создаёт репозиторий ссылок доступа.
func NewShareLinkRepository(db DBTX) ShareLinkRepository {
	return &shareLinkRepo{db: db}
}

const shareLinkColumns = `id, extraction_id, token, is_public, expires_at,
	access_count, last_accessed_at, created_at`

func scanShareLink(row pgx.Row) (*model.ShareLink, error) {
	l := &model.ShareLink{}
	err := row.Scan(
		&l.ID, &l.ExtractionID, &l.Token, &l.IsPublic, &l.ExpiresAt,
		&l.AccessCount, &l.LastAccessedAt, &l.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// scanOne приводит pgx.ErrNoRows к ErrNotFound.
func scanOne(row pgx.Row, op string) (*model.ShareLink, error) {
	l, err := scanShareLink(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: токен уже используется", ErrConflict)
		}
		return nil, fmt.Errorf("ошибка %s: %w", op, err)
	}
	return l, nil
}

func (r *shareLinkRepo) Create(ctx context.Context, l *model.ShareLink) error {
	query := `
		INSERT INTO share_links (id, extraction_id, token, is_public, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING access_count, created_at`

	err := r.db.QueryRow(ctx, query,
		l.ID, l.ExtractionID, l.Token, l.IsPublic, l.ExpiresAt,
	).Scan(&l.AccessCount, &l.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: ссылка с таким токеном уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка создания ссылки: %w", err)
	}
	return nil
}

func (r *shareLinkRepo) GetByToken(ctx context.Context, token string) (*model.ShareLink, error) {
	query := `SELECT ` + shareLinkColumns + ` FROM share_links WHERE token = $1`
	return scanOne(r.db.QueryRow(ctx, query, token), "получения ссылки")
}

func (r *shareLinkRepo) Resolve(ctx context.Context, token string, now time.Time) (*model.ShareLink, error) {
	query := `
		UPDATE share_links
		SET access_count = access_count + 1, last_accessed_at = $2
		WHERE token = $1
			AND is_public
			AND (expires_at IS NULL OR expires_at > $2)
		RETURNING ` + shareLinkColumns

	return scanOne(r.db.QueryRow(ctx, query, token, now), "разрешения ссылки")
}

func (r *shareLinkRepo) Rotate(ctx context.Context, oldToken, newToken string) (*model.ShareLink, error) {
	query := `
		UPDATE share_links
		SET token = $2
		WHERE token = $1
		RETURNING ` + shareLinkColumns

	return scanOne(r.db.QueryRow(ctx, query, oldToken, newToken), "ротации токена")
}

func (r *shareLinkRepo) Update(ctx context.Context, token string, patch model.ShareLinkPatch) (*model.ShareLink, error) {
	if patch.Empty() {
		return r.GetByToken(ctx, token)
	}

	sets := make([]string, 0, 2)
	args := []any{token}

	if patch.IsPublic != nil {
		args = append(args, *patch.IsPublic)
		sets = append(sets, fmt.Sprintf("is_public = $%d", len(args)))
	}
	switch {
	case patch.ClearExpiry:
		sets = append(sets, "expires_at = NULL")
	case patch.ExpiresAt != nil:
		args = append(args, *patch.ExpiresAt)
		sets = append(sets, fmt.Sprintf("expires_at = $%d", len(args)))
	}

	query := fmt.Sprintf(`
		UPDATE share_links
		SET %s
		WHERE token = $1
		RETURNING %s`, strings.Join(sets, ", "), shareLinkColumns)

	return scanOne(r.db.QueryRow(ctx, query, args...), "обновления ссылки")
}

func (r *shareLinkRepo) ListByExtraction(ctx context.Context, extractionID string) ([]model.ShareLink, error) {
	return listShareLinks(ctx, r.db, extractionID)
}

func listShareLinks(ctx context.Context, db DBTX, extractionID string) ([]model.ShareLink, error) {
	query := `SELECT ` + shareLinkColumns + `
		FROM share_links
		WHERE extraction_id = $1
		ORDER BY created_at, id`

	rows, err := db.Query(ctx, query, extractionID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения ссылок: %w", err)
	}
	defer rows.Close()

	links := []model.ShareLink{}
	for rows.Next() {
		l, err := scanShareLink(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования ссылки: %w", err)
		}
		links = append(links, *l)
	}
	return links, rows.Err()
}

package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/domain/model"
	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/repository"
)

// tokenBytes — энтропия токена ссылки.
const tokenBytes = 32

// maxTokenAttempts — попытки при коллизии токена.
const maxTokenAttempts = 3

// SharedExtraction — извлечение, доступное по ссылке.
type SharedExtraction struct {
	Link       *model.ShareLink
	Extraction *model.Extraction
}

// ShareLinkService — выдача и разрешение ссылок доступа.
type ShareLinkService struct {
	links       repository.ShareLinkRepository
	extractions repository.ExtractionRepository
	cache       *StatusCache
	now         func() time.Time
	logger      *slog.Logger
}

// NewShareLinkService создаёт сервис ссылок доступа. cache может быть nil.
func NewShareLinkService(
	links repository.ShareLinkRepository,
	extractions repository.ExtractionRepository,
	cache *StatusCache,
	logger *slog.Logger,
) *ShareLinkService {
	return &ShareLinkService{
		links:       links,
		extractions: extractions,
		cache:       cache,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger.With(slog.String("component", "share_links")),
	}
}

// GenerateToken создаёт непредсказуемый URL-safe токен.
func GenerateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("ошибка генерации токена: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Create выдаёт новую ссылку на извлечение.
func (s *ShareLinkService) Create(ctx context.Context, extractionID string, isPublic bool, expiresAt *time.Time) (*model.ShareLink, error) {
	if _, err := s.extractions.GetByID(ctx, extractionID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	link, err := s.create(ctx, extractionID, isPublic, expiresAt)
	if err != nil {
		return nil, err
	}
	s.cache.Delete(extractionID)
	return link, nil
}

func (s *ShareLinkService) create(ctx context.Context, extractionID string, isPublic bool, expiresAt *time.Time) (*model.ShareLink, error) {
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		token, err := GenerateToken()
		if err != nil {
			return nil, err
		}

		link := &model.ShareLink{
			ID:           uuid.NewString(),
			ExtractionID: extractionID,
			Token:        token,
			IsPublic:     isPublic,
			ExpiresAt:    expiresAt,
		}
		err = s.links.Create(ctx, link)
		if err == nil {
			s.logger.Info("Ссылка доступа создана",
				slog.String("extraction_id", extractionID),
				slog.Bool("is_public", isPublic),
			)
			return link, nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: не удалось выдать уникальный токен", ErrConflict)
}

// EnsureForExtraction возвращает первую ссылку извлечения, создавая
// публичную бессрочную, если ссылок ещё нет. Вызывается только владельцем
// записи в статусе processing, поэтому гонки создания нет.
func (s *ShareLinkService) EnsureForExtraction(ctx context.Context, extractionID string) (*model.ShareLink, error) {
	links, err := s.links.ListByExtraction(ctx, extractionID)
	if err != nil {
		return nil, err
	}
	if len(links) > 0 {
		return &links[0], nil
	}
	return s.create(ctx, extractionID, true, nil)
}

// Resolve разрешает токен: ссылка публична и не истекла. Каждое успешное
// разрешение увеличивает счётчик обращений. Приватная, просроченная и
// неизвестная ссылки неразличимы: ErrNotFound.
func (s *ShareLinkService) Resolve(ctx context.Context, token string) (*SharedExtraction, error) {
	if token == "" {
		shareResolutionsTotal.WithLabelValues("not_found").Inc()
		return nil, ErrNotFound
	}

	link, err := s.links.Resolve(ctx, token, s.now())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			shareResolutionsTotal.WithLabelValues("not_found").Inc()
			return nil, ErrNotFound
		}
		return nil, err
	}

	e, err := s.extractions.GetByID(ctx, link.ExtractionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			shareResolutionsTotal.WithLabelValues("not_found").Inc()
			return nil, ErrNotFound
		}
		return nil, err
	}

	shareResolutionsTotal.WithLabelValues("ok").Inc()
	return &SharedExtraction{Link: link, Extraction: e}, nil
}

// Rotate заменяет токен ссылки. Старый токен перестаёт действовать сразу.
func (s *ShareLinkService) Rotate(ctx context.Context, token string) (*model.ShareLink, error) {
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		newToken, err := GenerateToken()
		if err != nil {
			return nil, err
		}

		link, err := s.links.Rotate(ctx, token, newToken)
		switch {
		case err == nil:
			s.cache.Delete(link.ExtractionID)
			s.logger.Info("Токен ссылки заменён", slog.String("link_id", link.ID))
			return link, nil
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrNotFound
		case !errors.Is(err, repository.ErrConflict):
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: не удалось выдать уникальный токен", ErrConflict)
}

// Update применяет частичное обновление ссылки.
func (s *ShareLinkService) Update(ctx context.Context, token string, patch model.ShareLinkPatch) (*model.ShareLink, error) {
	link, err := s.links.Update(ctx, token, patch)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.cache.Delete(link.ExtractionID)
	return link, nil
}

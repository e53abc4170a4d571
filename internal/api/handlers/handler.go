// handler.go — основной обработчик HTTP API.
// Делегирует запросы в сервисный слой и преобразует доменные модели в JSON.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	apierrors "github.com/Mpratama260304/pdf-image-extractor-sub000/internal/api/errors"
	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/domain/model"
	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/service"
)

// ExtractionService — операции оркестратора, используемые API.
type ExtractionService interface {
	Submit(ctx context.Context, data []byte, filename string) (*service.SubmitResult, error)
	Status(ctx context.Context, id string) (*service.StatusResult, error)
	Delete(ctx context.Context, id string) error
	BulkDelete(ctx context.Context, ids []string) (int, error)
	BulkSetExpiry(ctx context.Context, ids []string, expiresAt *time.Time) (int, error)
}

// ShareService — операции ссылок доступа.
type ShareService interface {
	Create(ctx context.Context, extractionID string, isPublic bool, expiresAt *time.Time) (*model.ShareLink, error)
	Resolve(ctx context.Context, token string) (*service.SharedExtraction, error)
	Rotate(ctx context.Context, token string) (*model.ShareLink, error)
	Update(ctx context.Context, token string, patch model.ShareLinkPatch) (*model.ShareLink, error)
}

// Sweeper — ручной запуск очистки.
type Sweeper interface {
	RunOnce(ctx context.Context) *service.SweepResult
}

// ArtifactStore — чтение артефактов для скачивания.
type ArtifactStore interface {
	OpenImage(extractionID, filename string) (*os.File, error)
	OpenArchive(extractionID string) (*os.File, error)
}

// APIHandler — обработчик бизнес-endpoints.
type APIHandler struct {
	extractions ExtractionService
	shares      ShareService
	sweeper     Sweeper
	store       ArtifactStore
	maxFileSize int64
	logger      *slog.Logger
}

// NewAPIHandler создаёт обработчик API.
// maxFileSize — предел размера загружаемого файла в байтах.
func NewAPIHandler(
	extractions ExtractionService,
	shares ShareService,
	sweeper Sweeper,
	store ArtifactStore,
	maxFileSize int64,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		extractions: extractions,
		shares:      shares,
		sweeper:     sweeper,
		store:       store,
		maxFileSize: maxFileSize,
		logger:      logger.With(slog.String("component", "api_handler")),
	}
}

// writeServiceError преобразует ошибку сервисного слоя в HTTP-ответ.
// notFound — сообщение для ErrNotFound; op — операция для лога 5xx.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, err error, notFound, op string) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, notFound)
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrConflict):
		apierrors.Conflict(w, err.Error())
	case errors.Is(err, service.ErrShuttingDown):
		apierrors.Unavailable(w, "Сервис останавливается, повторите запрос позже")
	default:
		h.logger.Error("Ошибка "+op, slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
	}
}

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// maxJSONBody — предел размера JSON-тела admin-запросов.
const maxJSONBody = 1 << 20

// decodeJSON читает JSON-тело запроса. Неизвестные поля — ошибка.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		apierrors.ValidationError(w, "Некорректное тело запроса: "+err.Error())
		return false
	}
	return true
}

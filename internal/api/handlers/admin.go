// admin.go — администрирование извлечений и ссылок доступа.
// Авторизация: JWTAuth + RequireAdmin — на уровне middleware.
package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/Mpratama260304/pdf-image-extractor-sub000/internal/api/errors"
	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/api/middleware"
	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/domain/model"
)

// maxBulkIDs — предел размера пакетной операции.
const maxBulkIDs = 1000

type bulkIDsRequest struct {
	IDs []string `json:"ids"`
}

type bulkExpiryRequest struct {
	IDs []string `json:"ids"`
	// ExpiresAt — новый срок хранения; null — бессрочно
	ExpiresAt *time.Time `json:"expires_at"`
}

type createShareLinkRequest struct {
	IsPublic  *bool      `json:"is_public"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type updateShareLinkRequest struct {
	IsPublic    *bool      `json:"is_public"`
	ExpiresAt   *time.Time `json:"expires_at"`
	ClearExpiry bool       `json:"clear_expiry"`
}

type sweepResponse struct {
	DeletedCount     int   `json:"deleted_count"`
	StaleFailedCount int   `json:"stale_failed_count"`
	Errors           int   `json:"errors"`
	DurationMs       int64 `json:"duration_ms"`
}

// validateIDs проверяет набор ID пакетной операции.
func validateIDs(w http.ResponseWriter, ids []string) bool {
	if len(ids) == 0 {
		apierrors.ValidationError(w, "Список ids не может быть пустым")
		return false
	}
	if len(ids) > maxBulkIDs {
		apierrors.ValidationError(w, fmt.Sprintf("Не более %d ids за запрос", maxBulkIDs))
		return false
	}
	return true
}

// RunCleanup обрабатывает POST /api/v1/admin/cleanup — внеплановый проход очистки.
func (h *APIHandler) RunCleanup(w http.ResponseWriter, r *http.Request) {
	result := h.sweeper.RunOnce(r.Context())

	h.logger.Info("Очистка запущена вручную",
		slog.String("subject", middleware.SubjectFromContext(r.Context())),
		slog.Int("deleted", result.DeletedCount),
	)

	writeJSON(w, http.StatusOK, sweepResponse{
		DeletedCount:     result.DeletedCount,
		StaleFailedCount: result.StaleFailedCount,
		Errors:           result.Errors,
		DurationMs:       result.Duration.Milliseconds(),
	})
}

// DeleteExtraction обрабатывает DELETE /api/v1/admin/extractions/{id}.
func (h *APIHandler) DeleteExtraction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.extractions.Delete(r.Context(), id); err != nil {
		h.writeServiceError(w, err, "Извлечение не найдено", "удаления извлечения")
		return
	}

	h.logger.Info("Извлечение удалено администратором",
		slog.String("extraction_id", id),
		slog.String("subject", middleware.SubjectFromContext(r.Context())),
	)
	w.WriteHeader(http.StatusNoContent)
}

// BulkDelete обрабатывает POST /api/v1/admin/extractions/bulk-delete.
func (h *APIHandler) BulkDelete(w http.ResponseWriter, r *http.Request) {
	var req bulkIDsRequest
	if !decodeJSON(w, r, &req) || !validateIDs(w, req.IDs) {
		return
	}

	n, err := h.extractions.BulkDelete(r.Context(), req.IDs)
	if err != nil {
		h.writeServiceError(w, err, "Извлечения не найдены", "пакетного удаления")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// BulkExpiry обрабатывает POST /api/v1/admin/extractions/bulk-expiry.
func (h *APIHandler) BulkExpiry(w http.ResponseWriter, r *http.Request) {
	var req bulkExpiryRequest
	if !decodeJSON(w, r, &req) || !validateIDs(w, req.IDs) {
		return
	}

	n, err := h.extractions.BulkSetExpiry(r.Context(), req.IDs, req.ExpiresAt)
	if err != nil {
		h.writeServiceError(w, err, "Извлечения не найдены", "пакетной смены срока хранения")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

// CreateShareLink обрабатывает POST /api/v1/admin/extractions/{id}/share-links.
// Тело необязательно; по умолчанию ссылка публичная и бессрочная.
func (h *APIHandler) CreateShareLink(w http.ResponseWriter, r *http.Request) {
	var req createShareLinkRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	isPublic := true
	if req.IsPublic != nil {
		isPublic = *req.IsPublic
	}

	link, err := h.shares.Create(r.Context(), chi.URLParam(r, "id"), isPublic, req.ExpiresAt)
	if err != nil {
		h.writeServiceError(w, err, "Извлечение не найдено", "создания ссылки")
		return
	}
	writeJSON(w, http.StatusCreated, toShareLink(*link))
}

// UpdateShareLink обрабатывает PATCH /api/v1/admin/share-links/{token}.
func (h *APIHandler) UpdateShareLink(w http.ResponseWriter, r *http.Request) {
	var req updateShareLinkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ClearExpiry && req.ExpiresAt != nil {
		apierrors.ValidationError(w, "expires_at и clear_expiry взаимоисключающие")
		return
	}

	patch := model.ShareLinkPatch{
		IsPublic:    req.IsPublic,
		ExpiresAt:   req.ExpiresAt,
		ClearExpiry: req.ClearExpiry,
	}
	if patch.Empty() {
		apierrors.ValidationError(w, "Нет полей для обновления")
		return
	}

	link, err := h.shares.Update(r.Context(), chi.URLParam(r, "token"), patch)
	if err != nil {
		h.writeServiceError(w, err, linkNotFound, "обновления ссылки")
		return
	}
	writeJSON(w, http.StatusOK, toShareLink(*link))
}

// RotateShareLink обрабатывает POST /api/v1/admin/share-links/{token}/rotate.
func (h *APIHandler) RotateShareLink(w http.ResponseWriter, r *http.Request) {
	link, err := h.shares.Rotate(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.writeServiceError(w, err, linkNotFound, "замены токена")
		return
	}
	writeJSON(w, http.StatusOK, toShareLink(*link))
}

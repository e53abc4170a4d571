// share.go — доступ к извлечению по токену ссылки.
// Приватная, просроченная и неизвестная ссылки неразличимы: 404.
package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/Mpratama260304/pdf-image-extractor-sub000/internal/api/errors"
	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/domain/model"
	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/service"
	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/storage/artifacts"
)

const linkNotFound = "Ссылка не найдена"

// resolve разрешает токен из URL. false — ответ уже записан.
func (h *APIHandler) resolve(w http.ResponseWriter, r *http.Request) (*service.SharedExtraction, bool) {
	shared, err := h.shares.Resolve(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.writeServiceError(w, err, linkNotFound, "разрешения ссылки")
		return nil, false
	}
	return shared, true
}

// GetShared обрабатывает GET /api/v1/share/{token}.
func (h *APIHandler) GetShared(w http.ResponseWriter, r *http.Request) {
	shared, ok := h.resolve(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toSharedExtraction(shared.Extraction, shared.Link.Token))
}

// DownloadArchive обрабатывает GET /api/v1/share/{token}/archive.
func (h *APIHandler) DownloadArchive(w http.ResponseWriter, r *http.Request) {
	shared, ok := h.resolve(w, r)
	if !ok {
		return
	}
	e := shared.Extraction
	if e.Status != model.StatusCompleted {
		apierrors.Conflict(w, fmt.Sprintf("Извлечение в статусе %s, архив недоступен", e.Status))
		return
	}

	f, err := h.store.OpenArchive(e.ID)
	if err != nil {
		h.writeArtifactError(w, e.ID, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", archiveName(e.OriginalFilename)))
	serveFile(w, r, f)
}

// DownloadImage обрабатывает GET /api/v1/share/{token}/images/{filename}.
// Отдаются только файлы, перечисленные в записи.
func (h *APIHandler) DownloadImage(w http.ResponseWriter, r *http.Request) {
	shared, ok := h.resolve(w, r)
	if !ok {
		return
	}
	e := shared.Extraction
	filename := chi.URLParam(r, "filename")

	var img *model.Image
	for i := range e.Images {
		if e.Images[i].Filename == filename {
			img = &e.Images[i]
			break
		}
	}
	if img == nil {
		apierrors.NotFound(w, "Изображение не найдено")
		return
	}

	f, err := h.store.OpenImage(e.ID, img.Filename)
	if err != nil {
		h.writeArtifactError(w, e.ID, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", img.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", img.Filename))
	serveFile(w, r, f)
}

// writeArtifactError — артефакт отсутствует на диске или не читается.
func (h *APIHandler) writeArtifactError(w http.ResponseWriter, extractionID string, err error) {
	if errors.Is(err, artifacts.ErrArtifactsMissing) || errors.Is(err, artifacts.ErrInvalidName) {
		apierrors.NotFound(w, "Файл извлечения недоступен")
		return
	}
	h.logger.Error("Ошибка открытия артефакта",
		slog.String("extraction_id", extractionID),
		slog.String("error", err.Error()),
	)
	apierrors.InternalError(w, "Ошибка чтения файла")
}

// serveFile отдаёт файл с поддержкой Range и If-Modified-Since.
func serveFile(w http.ResponseWriter, r *http.Request, f *os.File) {
	info, err := f.Stat()
	if err != nil {
		apierrors.InternalError(w, "Ошибка чтения файла")
		return
	}
	http.ServeContent(w, r, "", info.ModTime(), f)
}

// archiveName — имя архива для скачивания: report.pdf → report_images.zip.
func archiveName(original string) string {
	base := original
	if i := strings.LastIndex(strings.ToLower(base), ".pdf"); i > 0 {
		base = base[:i]
	}
	if base == "" {
		base = "document"
	}
	return base + "_images.zip"
}

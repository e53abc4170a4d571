// extractions.go — загрузка PDF и опрос статуса извлечения.
package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/Mpratama260304/pdf-image-extractor-sub000/internal/api/errors"
	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/service"
)

// multipartOverhead — запас на заголовки multipart сверх размера файла.
const multipartOverhead = 1 << 20

// multipartMemory — сколько multipart-данных держать в памяти до сброса на диск.
const multipartMemory = 32 << 20

// SubmitExtraction обрабатывает POST /api/v1/extractions.
// Multipart form: file (обязательно). Ответ: 201 — запущена обработка
// (новая запись или повтор), 200 — готовый результат, 202 — обработка уже идёт.
func (h *APIHandler) SubmitExtraction(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxFileSize+multipartOverhead)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierrors.PayloadTooLarge(w, fmt.Sprintf("Размер файла превышает %d байт", h.maxFileSize))
			return
		}
		apierrors.ValidationError(w, fmt.Sprintf("Ошибка парсинга multipart: %s", err.Error()))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		apierrors.ValidationError(w, "Поле 'file' обязательно")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxFileSize+1))
	if err != nil {
		apierrors.ValidationError(w, "Ошибка чтения файла")
		return
	}
	if int64(len(data)) > h.maxFileSize {
		apierrors.PayloadTooLarge(w, fmt.Sprintf("Размер файла превышает %d байт", h.maxFileSize))
		return
	}

	res, err := h.extractions.Submit(r.Context(), data, header.Filename)
	if err != nil {
		h.writeServiceError(w, err, "Извлечение не найдено", "загрузки PDF")
		return
	}

	resp := submitResponse{
		Extraction: toExtraction(res.Extraction, false),
		ShareToken: res.ShareToken,
		Cached:     res.Cached,
		Status:     res.Status,
		Outcome:    string(res.Outcome),
	}
	if res.ShareToken != "" {
		resp.ShareURL = sharePath(res.ShareToken)
	}

	writeJSON(w, submitStatusCode(res.Outcome), resp)
}

// submitStatusCode — HTTP-статус по исходу загрузки.
func submitStatusCode(outcome service.Outcome) int {
	switch outcome {
	case service.OutcomeCached:
		return http.StatusOK
	case service.OutcomeProcessing:
		return http.StatusAccepted
	default:
		return http.StatusCreated
	}
}

// GetExtraction обрабатывает GET /api/v1/extractions/{id}.
// Возвращает запись, изображения, ссылки и последнее событие прогресса.
func (h *APIHandler) GetExtraction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	status, err := h.extractions.Status(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "Извлечение не найдено", "получения статуса")
		return
	}

	resp := toExtraction(status.Extraction, true)
	resp.Progress = status.Progress
	writeJSON(w, http.StatusOK, resp)
}

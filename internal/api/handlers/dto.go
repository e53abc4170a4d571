// dto.go — JSON-представления доменных моделей.
package handlers

import (
	"net/url"
	"time"

	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/domain/model"
	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/render"
)

type imageResponse struct {
	ID         string `json:"id"`
	Filename   string `json:"filename"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	MimeType   string `json:"mime_type"`
	SizeBytes  int64  `json:"size_bytes"`
	PageNumber int    `json:"page_number"`
	SortOrder  int    `json:"sort_order"`
	// URL — путь скачивания; заполняется только в ответах по ссылке доступа
	URL string `json:"url,omitempty"`
}

type shareLinkResponse struct {
	ID             string     `json:"id"`
	ExtractionID   string     `json:"extraction_id"`
	Token          string     `json:"token"`
	URL            string     `json:"url"`
	IsPublic       bool       `json:"is_public"`
	ExpiresAt      *time.Time `json:"expires_at"`
	AccessCount    int64      `json:"access_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at"`
	CreatedAt      time.Time  `json:"created_at"`
}

type extractionResponse struct {
	ID               string              `json:"id"`
	ContentHash      string              `json:"content_hash"`
	OriginalFilename string              `json:"original_filename"`
	SizeBytes        int64               `json:"size_bytes"`
	PageCount        int                 `json:"page_count"`
	ImageCount       int                 `json:"image_count"`
	Status           model.Status        `json:"status"`
	ErrorMessage     *string             `json:"error_message"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
	ExpiresAt        *time.Time          `json:"expires_at"`
	Images           []imageResponse     `json:"images"`
	ShareLinks       []shareLinkResponse `json:"share_links,omitempty"`
	Progress         *render.Progress    `json:"progress,omitempty"`
	ArchiveURL       string              `json:"archive_url,omitempty"`
}

type submitResponse struct {
	Extraction extractionResponse `json:"extraction"`
	ShareToken string             `json:"share_token,omitempty"`
	ShareURL   string             `json:"share_url,omitempty"`
	Cached     bool               `json:"cached"`
	Status     model.Status       `json:"status"`
	Outcome    string             `json:"outcome"`
}

// sharePath — путь ресурса ссылки доступа.
func sharePath(token string) string {
	return "/api/v1/share/" + url.PathEscape(token)
}

func toImage(img model.Image) imageResponse {
	return imageResponse{
		ID:         img.ID,
		Filename:   img.Filename,
		Width:      img.Width,
		Height:     img.Height,
		MimeType:   img.MimeType,
		SizeBytes:  img.SizeBytes,
		PageNumber: img.PageNumber,
		SortOrder:  img.SortOrder,
	}
}

func toShareLink(l model.ShareLink) shareLinkResponse {
	return shareLinkResponse{
		ID:             l.ID,
		ExtractionID:   l.ExtractionID,
		Token:          l.Token,
		URL:            sharePath(l.Token),
		IsPublic:       l.IsPublic,
		ExpiresAt:      l.ExpiresAt,
		AccessCount:    l.AccessCount,
		LastAccessedAt: l.LastAccessedAt,
		CreatedAt:      l.CreatedAt,
	}
}

// toExtraction — представление записи. includeLinks управляет выдачей токенов.
func toExtraction(e *model.Extraction, includeLinks bool) extractionResponse {
	resp := extractionResponse{
		ID:               e.ID,
		ContentHash:      e.ContentHash,
		OriginalFilename: e.OriginalFilename,
		SizeBytes:        e.SizeBytes,
		PageCount:        e.PageCount,
		ImageCount:       e.ImageCount,
		Status:           e.Status,
		ErrorMessage:     e.ErrorMessage,
		CreatedAt:        e.CreatedAt,
		UpdatedAt:        e.UpdatedAt,
		ExpiresAt:        e.ExpiresAt,
		Images:           make([]imageResponse, 0, len(e.Images)),
	}
	for _, img := range e.Images {
		resp.Images = append(resp.Images, toImage(img))
	}
	if includeLinks {
		resp.ShareLinks = make([]shareLinkResponse, 0, len(e.ShareLinks))
		for _, l := range e.ShareLinks {
			resp.ShareLinks = append(resp.ShareLinks, toShareLink(l))
		}
	}
	return resp
}

// toSharedExtraction — представление записи, открытой по ссылке:
// без списка ссылок, с путями скачивания.
func toSharedExtraction(e *model.Extraction, token string) extractionResponse {
	resp := toExtraction(e, false)
	base := sharePath(token)
	for i := range resp.Images {
		resp.Images[i].URL = base + "/images/" + url.PathEscape(resp.Images[i].Filename)
	}
	if e.Status == model.StatusCompleted {
		resp.ArchiveURL = base + "/archive"
	}
	return resp
}

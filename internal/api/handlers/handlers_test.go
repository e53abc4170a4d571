package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/domain/model"
	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/service"
	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/storage/artifacts"
)

// --- Заглушки сервисного слоя ---

type stubExtractions struct {
	submitRes   *service.SubmitResult
	submitErr   error
	submitted   []byte
	status      map[string]*model.Extraction
	deleted     []string
	bulkIDs     []string
	bulkExpires *time.Time
}

func (s *stubExtractions) Submit(_ context.Context, data []byte, _ string) (*service.SubmitResult, error) {
	s.submitted = data
	return s.submitRes, s.submitErr
}

func (s *stubExtractions) Status(_ context.Context, id string) (*service.StatusResult, error) {
	e, ok := s.status[id]
	if !ok {
		return nil, service.ErrNotFound
	}
	return &service.StatusResult{Extraction: e}, nil
}

func (s *stubExtractions) Delete(_ context.Context, id string) error {
	if _, ok := s.status[id]; !ok {
		return service.ErrNotFound
	}
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *stubExtractions) BulkDelete(_ context.Context, ids []string) (int, error) {
	s.bulkIDs = ids
	return len(ids), nil
}

func (s *stubExtractions) BulkSetExpiry(_ context.Context, ids []string, expiresAt *time.Time) (int, error) {
	s.bulkIDs = ids
	s.bulkExpires = expiresAt
	return len(ids), nil
}

type stubShares struct {
	shared map[string]*service.SharedExtraction
	patch  model.ShareLinkPatch
}

func (s *stubShares) Create(_ context.Context, extractionID string, isPublic bool, expiresAt *time.Time) (*model.ShareLink, error) {
	return &model.ShareLink{ID: "l1", ExtractionID: extractionID, Token: "new-token", IsPublic: isPublic, ExpiresAt: expiresAt}, nil
}

func (s *stubShares) Resolve(_ context.Context, token string) (*service.SharedExtraction, error) {
	shared, ok := s.shared[token]
	if !ok {
		return nil, service.ErrNotFound
	}
	return shared, nil
}

func (s *stubShares) Rotate(_ context.Context, token string) (*model.ShareLink, error) {
	if _, ok := s.shared[token]; !ok {
		return nil, service.ErrNotFound
	}
	return &model.ShareLink{Token: "rotated", IsPublic: true}, nil
}

func (s *stubShares) Update(_ context.Context, token string, patch model.ShareLinkPatch) (*model.ShareLink, error) {
	s.patch = patch
	return &model.ShareLink{Token: token, IsPublic: patch.IsPublic == nil || *patch.IsPublic}, nil
}

type stubSweeper struct{ calls int }

func (s *stubSweeper) RunOnce(context.Context) *service.SweepResult {
	s.calls++
	return &service.SweepResult{DeletedCount: 2, Duration: 5 * time.Millisecond}
}

type stubChecker struct{ status string }

func (c stubChecker) CheckReady() (string, string) { return c.status, "" }

type stubDeps map[string]bool

func (d stubDeps) Health() map[string]bool { return d }

// --- Окружение ---

type apiEnv struct {
	router      http.Handler
	extractions *stubExtractions
	shares      *stubShares
	sweeper     *stubSweeper
	store       *artifacts.Store
}

const testMaxFileSize = 1024

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	store, err := artifacts.New(t.TempDir())
	if err != nil {
		t.Fatalf("artifacts.New: %v", err)
	}
	env := &apiEnv{
		extractions: &stubExtractions{status: map[string]*model.Extraction{}},
		shares:      &stubShares{shared: map[string]*service.SharedExtraction{}},
		sweeper:     &stubSweeper{},
		store:       store,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	api := NewAPIHandler(env.extractions, env.shares, env.sweeper, store, testMaxFileSize, logger)
	health := NewHealthHandler(stubChecker{status: "ok"}, nil)

	router := chi.NewRouter()
	// В тестах admin API без аутентификации
	RegisterRoutes(router, api, health, func(next http.Handler) http.Handler { return next })
	env.router = router
	return env
}

func (env *apiEnv) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

// completedExtraction создаёт завершённую запись с артефактами на диске.
func (env *apiEnv) completedExtraction(t *testing.T, token string) *model.Extraction {
	t.Helper()
	id := uuid.NewString()
	dir, err := env.store.Prepare(id)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "page_001.png"), []byte("png-data"), 0o640); err != nil {
		t.Fatalf("запись изображения: %v", err)
	}
	if err := os.WriteFile(env.store.ArchivePath(id), []byte("zip-data"), 0o640); err != nil {
		t.Fatalf("запись архива: %v", err)
	}
	e := &model.Extraction{
		ID:               id,
		OriginalFilename: "report.pdf",
		Status:           model.StatusCompleted,
		ImageCount:       1,
		Images: []model.Image{{
			ID: "img1", ExtractionID: id, Filename: "page_001.png", MimeType: "image/png", PageNumber: 1,
		}},
	}
	env.shares.shared[token] = &service.SharedExtraction{
		Link:       &model.ShareLink{Token: token, IsPublic: true},
		Extraction: e,
	}
	env.extractions.status[id] = e
	return e
}

func multipartBody(t *testing.T, field string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, "doc.pdf")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	_, _ = fw.Write(content)
	if err := mw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("тело ошибки не JSON: %v (%s)", err, rec.Body.String())
	}
	return body.Error.Code
}

// --- Загрузка ---

func TestSubmitExtraction_StatusCodes(t *testing.T) {
	tests := []struct {
		outcome  service.Outcome
		token    string
		wantCode int
	}{
		{service.OutcomeNew, "", http.StatusCreated},
		{service.OutcomeRetry, "", http.StatusCreated},
		{service.OutcomeCached, "tok", http.StatusOK},
		{service.OutcomeProcessing, "", http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			env := newAPIEnv(t)
			env.extractions.submitRes = &service.SubmitResult{
				Extraction: &model.Extraction{ID: "e1", Status: model.StatusProcessing},
				ShareToken: tt.token,
				Cached:     tt.outcome == service.OutcomeCached,
				Status:     model.StatusProcessing,
				Outcome:    tt.outcome,
			}

			body, ct := multipartBody(t, "file", []byte("%PDF-1.4 test"))
			rec := env.do(t, http.MethodPost, "/api/v1/extractions", body, ct)
			if rec.Code != tt.wantCode {
				t.Fatalf("код = %d, ожидалось %d: %s", rec.Code, tt.wantCode, rec.Body.String())
			}

			var resp submitResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("ответ не JSON: %v", err)
			}
			if resp.Outcome != string(tt.outcome) {
				t.Errorf("outcome = %q, ожидалось %q", resp.Outcome, tt.outcome)
			}
			if tt.token != "" && resp.ShareURL != "/api/v1/share/"+tt.token {
				t.Errorf("share_url = %q", resp.ShareURL)
			}
			if tt.token == "" && resp.ShareURL != "" {
				t.Errorf("share_url должен быть пустым, получено %q", resp.ShareURL)
			}
			if string(env.extractions.submitted) != "%PDF-1.4 test" {
				t.Errorf("в сервис переданы другие данные: %q", env.extractions.submitted)
			}
		})
	}
}

func TestSubmitExtraction_MissingFile(t *testing.T) {
	env := newAPIEnv(t)
	body, ct := multipartBody(t, "other", []byte("x"))
	rec := env.do(t, http.MethodPost, "/api/v1/extractions", body, ct)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("код = %d, ожидалось 400", rec.Code)
	}
	if code := errorCode(t, rec); code != "VALIDATION_ERROR" {
		t.Errorf("code = %q", code)
	}
}

func TestSubmitExtraction_TooLarge(t *testing.T) {
	env := newAPIEnv(t)
	body, ct := multipartBody(t, "file", bytes.Repeat([]byte("a"), testMaxFileSize+1))
	rec := env.do(t, http.MethodPost, "/api/v1/extractions", body, ct)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("код = %d, ожидалось 413", rec.Code)
	}
	if env.extractions.submitted != nil {
		t.Error("слишком большой файл не должен попадать в сервис")
	}
}

func TestSubmitExtraction_ServiceErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"validation", service.ErrValidation, http.StatusBadRequest},
		{"shutting down", service.ErrShuttingDown, http.StatusServiceUnavailable},
		{"internal", io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newAPIEnv(t)
			env.extractions.submitErr = tt.err
			body, ct := multipartBody(t, "file", []byte("data"))
			rec := env.do(t, http.MethodPost, "/api/v1/extractions", body, ct)
			if rec.Code != tt.wantCode {
				t.Errorf("код = %d, ожидалось %d", rec.Code, tt.wantCode)
			}
		})
	}
}

// --- Статус ---

func TestGetExtraction(t *testing.T) {
	env := newAPIEnv(t)
	e := env.completedExtraction(t, "tok")
	e.ShareLinks = []model.ShareLink{{Token: "tok", IsPublic: true}}

	rec := env.do(t, http.MethodGet, "/api/v1/extractions/"+e.ID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("код = %d", rec.Code)
	}
	var resp extractionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("ответ не JSON: %v", err)
	}
	if len(resp.Images) != 1 || len(resp.ShareLinks) != 1 {
		t.Errorf("images = %d, share_links = %d", len(resp.Images), len(resp.ShareLinks))
	}
	if resp.Images[0].URL != "" {
		t.Error("URL изображения выдаётся только по ссылке доступа")
	}

	rec = env.do(t, http.MethodGet, "/api/v1/extractions/unknown", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("неизвестная запись: код = %d, ожидалось 404", rec.Code)
	}
}

// --- Доступ по ссылке ---

func TestGetShared(t *testing.T) {
	env := newAPIEnv(t)
	env.completedExtraction(t, "tok")

	rec := env.do(t, http.MethodGet, "/api/v1/share/tok", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("код = %d", rec.Code)
	}
	var resp extractionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("ответ не JSON: %v", err)
	}
	if resp.ArchiveURL != "/api/v1/share/tok/archive" {
		t.Errorf("archive_url = %q", resp.ArchiveURL)
	}
	if resp.Images[0].URL != "/api/v1/share/tok/images/page_001.png" {
		t.Errorf("url = %q", resp.Images[0].URL)
	}
	if resp.ShareLinks != nil {
		t.Error("ответ по ссылке не должен раскрывать другие токены")
	}

	rec = env.do(t, http.MethodGet, "/api/v1/share/missing", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("неизвестный токен: код = %d, ожидалось 404", rec.Code)
	}
}

func TestDownloadArchive(t *testing.T) {
	env := newAPIEnv(t)
	env.completedExtraction(t, "tok")

	rec := env.do(t, http.MethodGet, "/api/v1/share/tok/archive", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("код = %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "zip-data" {
		t.Errorf("тело = %q", rec.Body.String())
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "report_images.zip") {
		t.Errorf("Content-Disposition = %q", cd)
	}
}

func TestDownloadArchive_NotCompleted(t *testing.T) {
	env := newAPIEnv(t)
	e := env.completedExtraction(t, "tok")
	e.Status = model.StatusProcessing

	rec := env.do(t, http.MethodGet, "/api/v1/share/tok/archive", nil, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("код = %d, ожидалось 409", rec.Code)
	}
}

func TestDownloadArchive_MissingOnDisk(t *testing.T) {
	env := newAPIEnv(t)
	e := env.completedExtraction(t, "tok")
	if err := env.store.Remove(e.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/share/tok/archive", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("код = %d, ожидалось 404", rec.Code)
	}
}

func TestDownloadImage(t *testing.T) {
	env := newAPIEnv(t)
	e := env.completedExtraction(t, "tok")
	// Файл существует на диске, но не перечислен в записи
	if err := os.WriteFile(filepath.Join(env.store.ImagesDir(e.ID), "extra.png"), []byte("x"), 0o640); err != nil {
		t.Fatalf("запись файла: %v", err)
	}

	tests := []struct {
		name     string
		filename string
		wantCode int
	}{
		{"перечисленный файл", "page_001.png", http.StatusOK},
		{"файл вне записи", "extra.png", http.StatusNotFound},
		{"выход за директорию", "..%2Farchive.zip", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/api/v1/share/tok/images/"+tt.filename, nil, "")
			if rec.Code != tt.wantCode {
				t.Fatalf("код = %d, ожидалось %d", rec.Code, tt.wantCode)
			}
			if tt.wantCode == http.StatusOK {
				if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
					t.Errorf("Content-Type = %q", ct)
				}
				if rec.Body.String() != "png-data" {
					t.Errorf("тело = %q", rec.Body.String())
				}
			}
		})
	}
}

// --- Администрирование ---

func TestAdmin_Cleanup(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/admin/cleanup", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("код = %d", rec.Code)
	}
	var resp sweepResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("ответ не JSON: %v", err)
	}
	if resp.DeletedCount != 2 || resp.DurationMs != 5 || env.sweeper.calls != 1 {
		t.Errorf("ответ = %+v, вызовов = %d", resp, env.sweeper.calls)
	}
}

func TestAdmin_DeleteExtraction(t *testing.T) {
	env := newAPIEnv(t)
	e := env.completedExtraction(t, "tok")

	rec := env.do(t, http.MethodDelete, "/api/v1/admin/extractions/"+e.ID, nil, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("код = %d, ожидалось 204", rec.Code)
	}
	rec = env.do(t, http.MethodDelete, "/api/v1/admin/extractions/unknown", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("код = %d, ожидалось 404", rec.Code)
	}
}

func TestAdmin_BulkValidation(t *testing.T) {
	many := make([]string, maxBulkIDs+1)
	for i := range many {
		many[i] = "id"
	}
	tooMany, _ := json.Marshal(bulkIDsRequest{IDs: many})

	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
	}{
		{"пустой список", "/api/v1/admin/extractions/bulk-delete", `{"ids":[]}`, http.StatusBadRequest},
		{"слишком много", "/api/v1/admin/extractions/bulk-delete", string(tooMany), http.StatusBadRequest},
		{"неизвестное поле", "/api/v1/admin/extractions/bulk-delete", `{"ids":["a"],"x":1}`, http.StatusBadRequest},
		{"удаление", "/api/v1/admin/extractions/bulk-delete", `{"ids":["a","b"]}`, http.StatusOK},
		{"срок хранения", "/api/v1/admin/extractions/bulk-expiry", `{"ids":["a"],"expires_at":"2030-01-01T00:00:00Z"}`, http.StatusOK},
		{"бессрочно", "/api/v1/admin/extractions/bulk-expiry", `{"ids":["a"],"expires_at":null}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newAPIEnv(t)
			rec := env.do(t, http.MethodPost, tt.path, strings.NewReader(tt.body), "application/json")
			if rec.Code != tt.wantCode {
				t.Fatalf("код = %d, ожидалось %d: %s", rec.Code, tt.wantCode, rec.Body.String())
			}
		})
	}
}

func TestAdmin_ShareLinks(t *testing.T) {
	env := newAPIEnv(t)
	e := env.completedExtraction(t, "tok")

	// Без тела: публичная бессрочная ссылка
	rec := env.do(t, http.MethodPost, "/api/v1/admin/extractions/"+e.ID+"/share-links", nil, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("создание: код = %d: %s", rec.Code, rec.Body.String())
	}
	var link shareLinkResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &link); err != nil {
		t.Fatalf("ответ не JSON: %v", err)
	}
	if !link.IsPublic || link.ExpiresAt != nil {
		t.Errorf("ссылка по умолчанию: %+v", link)
	}

	rec = env.do(t, http.MethodPatch, "/api/v1/admin/share-links/tok",
		strings.NewReader(`{"expires_at":"2030-01-01T00:00:00Z","clear_expiry":true}`), "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("взаимоисключающие поля: код = %d", rec.Code)
	}

	rec = env.do(t, http.MethodPatch, "/api/v1/admin/share-links/tok", strings.NewReader(`{}`), "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("пустой патч: код = %d", rec.Code)
	}

	rec = env.do(t, http.MethodPatch, "/api/v1/admin/share-links/tok", strings.NewReader(`{"is_public":false}`), "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("обновление: код = %d", rec.Code)
	}
	if env.shares.patch.IsPublic == nil || *env.shares.patch.IsPublic {
		t.Error("is_public=false не передан в сервис")
	}

	rec = env.do(t, http.MethodPost, "/api/v1/admin/share-links/tok/rotate", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("замена токена: код = %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/v1/admin/share-links/unknown/rotate", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("неизвестный токен: код = %d", rec.Code)
	}
}

func TestAdminRoutes_DisabledWithoutAuth(t *testing.T) {
	store, err := artifacts.New(t.TempDir())
	if err != nil {
		t.Fatalf("artifacts.New: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	api := NewAPIHandler(&stubExtractions{}, &stubShares{}, &stubSweeper{}, store, testMaxFileSize, logger)

	router := chi.NewRouter()
	RegisterRoutes(router, api, NewHealthHandler(nil, nil), nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/admin/cleanup", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("admin API без аутентификации: код = %d, ожидалось 404", rec.Code)
	}
}

// --- Health ---

func TestHealthReady(t *testing.T) {
	tests := []struct {
		name       string
		pg         ReadinessChecker
		deps       DependencyHealth
		wantCode   int
		wantStatus string
	}{
		{"всё доступно", stubChecker{"ok"}, stubDeps{"postgres": true}, http.StatusOK, "ok"},
		{"IdP недоступен", stubChecker{"ok"}, stubDeps{"postgres": true, "idp-jwks": false}, http.StatusOK, "degraded"},
		{"PostgreSQL недоступен", stubChecker{"fail"}, nil, http.StatusServiceUnavailable, "fail"},
		{"без проверки", nil, nil, http.StatusServiceUnavailable, "fail"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.pg, tt.deps)
			rec := httptest.NewRecorder()
			h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
			if rec.Code != tt.wantCode {
				t.Fatalf("код = %d, ожидалось %d", rec.Code, tt.wantCode)
			}
			var resp healthReadyResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("ответ не JSON: %v", err)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("status = %q, ожидалось %q", resp.Status, tt.wantStatus)
			}
		})
	}
}

func TestHealthLive(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, http.MethodGet, "/health/live", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("код = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), serviceName) {
		t.Errorf("тело = %s", rec.Body.String())
	}
}

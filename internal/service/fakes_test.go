package service

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/domain/model"
	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/render"
	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/repository"
	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/storage/artifacts"
)

// fakeDB — in-memory база с теми же гарантиями, что и PostgreSQL:
// уникальный content_hash, уникальный token, условные переходы статуса.
type fakeDB struct {
	mu          sync.Mutex
	extractions map[string]*model.Extraction
	byHash      map[string]string
	links       []*model.ShareLink
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		extractions: make(map[string]*model.Extraction),
		byHash:      make(map[string]string),
	}
}

// fakeExtractionRepo реализует repository.ExtractionRepository.
// beforeDeleteExpired, если задан, вызывается перед условным удалением.
type fakeExtractionRepo struct {
	db                  *fakeDB
	beforeDeleteExpired func(id string)
}

// pgID приводит ID к виду, в котором его хранит колонка uuid: PostgreSQL
// принимает верхний регистр, {...} и запись без дефисов.
func pgID(id string) string {
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return id
}

// fakeShareLinkRepo реализует repository.ShareLinkRepository.
type fakeShareLinkRepo struct{ db *fakeDB }

// snapshot возвращает копию записи с изображениями и ссылками. Вызывается под mu.
func (d *fakeDB) snapshot(e *model.Extraction) *model.Extraction {
	cp := *e
	cp.Images = append([]model.Image{}, e.Images...)
	cp.ShareLinks = []model.ShareLink{}
	for _, l := range d.links {
		if l.ExtractionID == e.ID {
			cp.ShareLinks = append(cp.ShareLinks, *l)
		}
	}
	return &cp
}

func (r *fakeExtractionRepo) FindByHash(_ context.Context, hash string) (*model.Extraction, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	id, ok := r.db.byHash[hash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.db.snapshot(r.db.extractions[id]), nil
}

func (r *fakeExtractionRepo) GetByID(_ context.Context, id string) (*model.Extraction, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	e, ok := r.db.extractions[pgID(id)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.db.snapshot(e), nil
}

func (r *fakeExtractionRepo) Create(_ context.Context, e *model.Extraction) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.byHash[e.ContentHash]; ok {
		return fmt.Errorf("%w: %s", repository.ErrDuplicateHash, e.ContentHash)
	}
	now := time.Now().UTC()
	cp := *e
	cp.CreatedAt, cp.UpdatedAt = now, now
	cp.Images = nil
	r.db.extractions[e.ID] = &cp
	r.db.byHash[e.ContentHash] = e.ID
	e.CreatedAt, e.UpdatedAt = now, now
	return nil
}

// guarded находит запись и проверяет исходный статус. Вызывается под mu.
func (r *fakeExtractionRepo) guarded(id string, from model.Status) (*model.Extraction, error) {
	e, ok := r.db.extractions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if e.Status != from {
		return nil, repository.ErrStateChanged
	}
	return e, nil
}

func (r *fakeExtractionRepo) UpdateStatus(_ context.Context, id string, status model.Status) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	e, ok := r.db.extractions[id]
	if !ok {
		return repository.ErrNotFound
	}
	e.Status = status
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *fakeExtractionRepo) MarkFailed(_ context.Context, id, message string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	e, err := r.guarded(id, model.StatusProcessing)
	if err != nil {
		return err
	}
	e.Status = model.StatusFailed
	e.ErrorMessage = &message
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *fakeExtractionRepo) Complete(_ context.Context, id string, pageCount int, images []model.Image) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	e, err := r.guarded(id, model.StatusProcessing)
	if err != nil {
		return err
	}
	e.Status = model.StatusCompleted
	e.ErrorMessage = nil
	e.PageCount = pageCount
	e.ImageCount = len(images)
	e.Images = append([]model.Image{}, images...)
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *fakeExtractionRepo) ResetForRetry(_ context.Context, id string, from model.Status, reset repository.RetryReset) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	e, err := r.guarded(id, from)
	if err != nil {
		return err
	}
	e.Status = model.StatusProcessing
	e.ErrorMessage = nil
	e.OriginalFilename = reset.OriginalFilename
	e.SizeBytes = reset.SizeBytes
	e.ExpiresAt = reset.ExpiresAt
	e.PageCount = 0
	e.ImageCount = 0
	e.Images = nil
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// deleteLocked удаляет запись и её ссылки. Вызывается под mu.
func (d *fakeDB) deleteLocked(id string) bool {
	e, ok := d.extractions[id]
	if !ok {
		return false
	}
	delete(d.extractions, id)
	delete(d.byHash, e.ContentHash)
	kept := d.links[:0]
	for _, l := range d.links {
		if l.ExtractionID != id {
			kept = append(kept, l)
		}
	}
	d.links = kept
	return true
}

func (r *fakeExtractionRepo) Delete(_ context.Context, id string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if !r.db.deleteLocked(pgID(id)) {
		return repository.ErrNotFound
	}
	return nil
}

func (r *fakeExtractionRepo) DeleteExpired(_ context.Context, id string, now time.Time) error {
	if r.beforeDeleteExpired != nil {
		r.beforeDeleteExpired(id)
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	e, ok := r.db.extractions[pgID(id)]
	if !ok {
		return repository.ErrNotFound
	}
	if !e.IsExpired(now) {
		return repository.ErrStateChanged
	}
	r.db.deleteLocked(e.ID)
	return nil
}

func (r *fakeExtractionRepo) ListExpired(_ context.Context, now time.Time) ([]*model.Extraction, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []*model.Extraction
	for _, e := range r.db.extractions {
		if e.IsExpired(now) {
			out = append(out, r.db.snapshot(e))
		}
	}
	return out, nil
}

func (r *fakeExtractionRepo) ListStaleProcessing(_ context.Context, before time.Time) ([]*model.Extraction, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []*model.Extraction
	for _, e := range r.db.extractions {
		if e.Status == model.StatusProcessing && e.UpdatedAt.Before(before) {
			out = append(out, r.db.snapshot(e))
		}
	}
	return out, nil
}

func (r *fakeExtractionRepo) DeleteMany(_ context.Context, ids []string) (int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	n := 0
	for _, id := range ids {
		if r.db.deleteLocked(pgID(id)) {
			n++
		}
	}
	return n, nil
}

func (r *fakeExtractionRepo) SetExpiryMany(_ context.Context, ids []string, expiresAt *time.Time) (int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	n := 0
	for _, id := range ids {
		if e, ok := r.db.extractions[pgID(id)]; ok {
			e.ExpiresAt = expiresAt
			n++
		}
	}
	return n, nil
}

// setUpdatedAt сдвигает updated_at записи (для тестов зависших записей).
func (d *fakeDB) setUpdatedAt(id string, t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.extractions[id].UpdatedAt = t
}

// setExpiresAt задаёт срок хранения записи.
func (d *fakeDB) setExpiresAt(id string, t *time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.extractions[id].ExpiresAt = t
}

// insert добавляет запись напрямую, минуя сервис.
func (d *fakeDB) insert(e *model.Extraction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *e
	d.extractions[e.ID] = &cp
	d.byHash[e.ContentHash] = e.ID
}

func (r *fakeShareLinkRepo) findLocked(token string) *model.ShareLink {
	for _, l := range r.db.links {
		if l.Token == token {
			return l
		}
	}
	return nil
}

func (r *fakeShareLinkRepo) Create(_ context.Context, l *model.ShareLink) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.extractions[l.ExtractionID]; !ok {
		return repository.ErrNotFound
	}
	if r.findLocked(l.Token) != nil {
		return repository.ErrConflict
	}
	l.CreatedAt = time.Now().UTC()
	cp := *l
	r.db.links = append(r.db.links, &cp)
	return nil
}

func (r *fakeShareLinkRepo) GetByToken(_ context.Context, token string) (*model.ShareLink, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	l := r.findLocked(token)
	if l == nil {
		return nil, repository.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (r *fakeShareLinkRepo) Resolve(_ context.Context, token string, now time.Time) (*model.ShareLink, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	l := r.findLocked(token)
	if l == nil || !l.IsResolvable(now) {
		return nil, repository.ErrNotFound
	}
	l.AccessCount++
	accessed := now
	l.LastAccessedAt = &accessed
	cp := *l
	return &cp, nil
}

func (r *fakeShareLinkRepo) Rotate(_ context.Context, oldToken, newToken string) (*model.ShareLink, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	l := r.findLocked(oldToken)
	if l == nil {
		return nil, repository.ErrNotFound
	}
	if r.findLocked(newToken) != nil {
		return nil, repository.ErrConflict
	}
	l.Token = newToken
	cp := *l
	return &cp, nil
}

func (r *fakeShareLinkRepo) Update(_ context.Context, token string, patch model.ShareLinkPatch) (*model.ShareLink, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	l := r.findLocked(token)
	if l == nil {
		return nil, repository.ErrNotFound
	}
	if patch.IsPublic != nil {
		l.IsPublic = *patch.IsPublic
	}
	if patch.ClearExpiry {
		l.ExpiresAt = nil
	} else if patch.ExpiresAt != nil {
		t := *patch.ExpiresAt
		l.ExpiresAt = &t
	}
	cp := *l
	return &cp, nil
}

func (r *fakeShareLinkRepo) ListByExtraction(_ context.Context, extractionID string) ([]model.ShareLink, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []model.ShareLink
	for _, l := range r.db.links {
		if l.ExtractionID == extractionID {
			out = append(out, *l)
		}
	}
	return out, nil
}

// fakeRenderer пишет настоящие PNG для указанных страниц и считает вызовы.
type fakeRenderer struct {
	mu        sync.Mutex
	pages     []int
	pageCount int
	err       error
	// gate — если задан, рендеринг ждёт его закрытия
	gate chan struct{}

	calls atomic.Int32
}

func newFakeRenderer(pageCount int, pages ...int) *fakeRenderer {
	return &fakeRenderer{pageCount: pageCount, pages: pages}
}

func (f *fakeRenderer) setError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeRenderer) Render(ctx context.Context, _ []byte, _ int, imagesDir string, onProgress render.ProgressFunc) (*render.Result, error) {
	f.calls.Add(1)

	f.mu.Lock()
	pages, pageCount, failure, gate := f.pages, f.pageCount, f.err, f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failure != nil {
		return nil, failure
	}

	res := &render.Result{PageCount: pageCount}
	for i, n := range pages {
		name := render.PageFilename(n)
		size, err := artifacts.WriteFileAtomic(imagesDir, name, func(w io.Writer) error {
			return png.Encode(w, testImage())
		})
		if err != nil {
			return nil, err
		}
		res.Pages = append(res.Pages, render.RenderedPage{
			Filename:   name,
			Path:       filepath.Join(imagesDir, name),
			Width:      4,
			Height:     4,
			SizeBytes:  size,
			MimeType:   render.MimePNG,
			PageNumber: n,
			SortOrder:  i,
		})
	}
	if onProgress != nil {
		onProgress(render.Progress{Stage: render.StageComplete, Percent: 100, TotalPages: pageCount})
	}
	return res, nil
}

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	return img
}

// testEnv — окружение сервисных тестов.
type testEnv struct {
	db          *fakeDB
	extractions *fakeExtractionRepo
	links       *fakeShareLinkRepo
	store       *artifacts.Store
	renderer    *fakeRenderer
	cache       *StatusCache
	progress    *ProgressTracker
	shares      *ShareLinkService
	svc         *ExtractionService
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestEnv собирает сервис поверх in-memory репозиториев и временной директории.
func newTestEnv(t *testing.T, renderer *fakeRenderer) *testEnv {
	t.Helper()

	store, err := artifacts.New(t.TempDir())
	if err != nil {
		t.Fatalf("Ошибка создания хранилища артефактов: %v", err)
	}

	db := newFakeDB()
	env := &testEnv{
		db:          db,
		extractions: &fakeExtractionRepo{db: db},
		links:       &fakeShareLinkRepo{db: db},
		store:       store,
		renderer:    renderer,
		cache:       NewStatusCache(100, time.Minute),
		progress:    NewProgressTracker(100, time.Minute),
	}
	logger := testLogger()
	env.shares = NewShareLinkService(env.links, env.extractions, env.cache, logger)
	env.svc = NewExtractionService(env.extractions, env.shares, renderer, store, env.cache, env.progress, ExtractionConfig{
		MaxPages:         100,
		MaxFileSize:      1 << 20,
		Expiry:           7 * 24 * time.Hour,
		Workers:          2,
		CompressionLevel: 5,
	}, logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.svc.Shutdown(ctx)
	})
	return env
}

// pdfBytes возвращает данные с сигнатурой PDF, уникальные для tag.
func pdfBytes(tag string) []byte {
	return []byte("%PDF-1.7\n% " + tag + "\n%%EOF\n")
}

// submitAndWait загружает документ и дожидается конца рендеринга.
func submitAndWait(t *testing.T, svc *ExtractionService, data []byte, name string) *SubmitResult {
	t.Helper()
	res, err := svc.Submit(context.Background(), data, name)
	if err != nil {
		t.Fatalf("Submit: неожиданная ошибка: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = res.Wait(ctx)
	return res
}

// newStoredExtraction создаёт запись напрямую в базе.
func newStoredExtraction(status model.Status) *model.Extraction {
	id := uuid.NewString()
	now := time.Now().UTC()
	return &model.Extraction{
		ID:               id,
		ContentHash:      artifacts.ContentHash([]byte(id)),
		OriginalFilename: "stored.pdf",
		SizeBytes:        10,
		Status:           status,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

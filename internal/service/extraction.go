// extraction.go — идемпотентный конвейер извлечения изображений из PDF.
//
// Одна запись на хэш содержимого. Submit решает, что делать с загрузкой:
//   - записи нет — создать (processing) и запустить рендеринг
//   - completed с целыми артефактами — вернуть кэшированный результат
//   - processing — вернуть текущее состояние, работу не запускать
//   - failed или completed без артефактов — сбросить ту же запись и повторить
//
// Гонку одинаковых загрузок разрешает UNIQUE(content_hash) в базе:
// проигравший перечитывает запись и сходится к состоянию победителя.
// Рендеринг выполняется в фоне, отвязанно от контекста запроса.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/domain/lifecycle"
	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/domain/model"
	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/render"
	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/repository"
	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/storage/archive"
	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/storage/artifacts"
)

const (
	// maxSubmitAttempts — попытки согласовать состояние при гонках.
	maxSubmitAttempts = 5
	// pdfMagicWindow — в каких первых байтах ищется сигнатура %PDF-.
	pdfMagicWindow = 1024
	// maxFilenameLength — предел длины сохраняемого имени файла.
	maxFilenameLength = 200
	// defaultFilename — имя, если исходное пустое после очистки.
	defaultFilename = "document.pdf"
	// finalizeTimeout — таймаут записи терминального статуса.
	finalizeTimeout = 10 * time.Second
)

// Outcome — исход обработки загрузки.
type Outcome string

const (
	// OutcomeNew — создана новая запись, рендеринг запущен.
	OutcomeNew Outcome = "new"
	// OutcomeRetry — существующая запись сброшена, рендеринг запущен.
	OutcomeRetry Outcome = "retry"
	// OutcomeCached — готовый результат без повторной работы.
	OutcomeCached Outcome = "cached"
	// OutcomeProcessing — обработка уже идёт.
	OutcomeProcessing Outcome = "processing"
)

// PageRenderer — рендеринг документа в директорию изображений.
type PageRenderer interface {
	Render(ctx context.Context, data []byte, maxPages int, imagesDir string, onProgress render.ProgressFunc) (*render.Result, error)
}

// ExtractionConfig — параметры конвейера.
type ExtractionConfig struct {
	MaxPages         int
	MaxFileSize      int64
	Expiry           time.Duration // 0 — бессрочно
	Workers          int
	CompressionLevel int
}

// SubmitResult — результат Submit.
type SubmitResult struct {
	Extraction *model.Extraction
	// ShareToken — токен доступной ссылки; пуст, пока обработка не завершена.
	ShareToken string
	Cached     bool
	Status     model.Status
	Outcome    Outcome

	job *pipelineJob
}

// Wait ожидает завершения фонового рендеринга, связанного с результатом.
// Возвращает ошибку конвейера. Если рендеринг не выполняется, возвращает nil сразу.
func (r *SubmitResult) Wait(ctx context.Context) error {
	if r.job == nil {
		return nil
	}
	select {
	case <-r.job.done:
		return r.job.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StatusResult — состояние извлечения для опроса.
type StatusResult struct {
	Extraction *model.Extraction
	Progress   *render.Progress
}

// pipelineJob — выполняющийся конвейер рендеринга одной записи.
type pipelineJob struct {
	done chan struct{}
	err  error
}

// ExtractionService — оркестратор извлечения.
type ExtractionService struct {
	extractions repository.ExtractionRepository
	links       *ShareLinkService
	renderer    PageRenderer
	store       *artifacts.Store
	cache       *StatusCache
	progress    *ProgressTracker
	cfg         ExtractionConfig
	logger      *slog.Logger
	now         func() time.Time

	sem    *semaphore.Weighted
	ctx    context.Context // контекст фоновых конвейеров
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*pipelineJob
	closed bool
}

// NewExtractionService создаёт оркестратор.
func NewExtractionService(
	extractions repository.ExtractionRepository,
	links *ShareLinkService,
	renderer PageRenderer,
	store *artifacts.Store,
	cache *StatusCache,
	progress *ProgressTracker,
	cfg ExtractionConfig,
	logger *slog.Logger,
) *ExtractionService {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ExtractionService{
		extractions: extractions,
		links:       links,
		renderer:    renderer,
		store:       store,
		cache:       cache,
		progress:    progress,
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "extraction")),
		now:         func() time.Time { return time.Now().UTC() },
		sem:         semaphore.NewWeighted(int64(cfg.Workers)),
		ctx:         ctx,
		cancel:      cancel,
		jobs:        make(map[string]*pipelineJob),
	}
}

// Submit принимает загрузку. Гонки одинаковых загрузок разрешаются
// внутри и наружу не выходят.
func (s *ExtractionService) Submit(ctx context.Context, data []byte, filename string) (*SubmitResult, error) {
	if err := s.validate(data); err != nil {
		return nil, err
	}

	hash := artifacts.ContentHash(data)
	name := SanitizeFilename(filename)
	log := s.logger.With(slog.String("content_hash", hash))

	for attempt := 0; attempt < maxSubmitAttempts; attempt++ {
		existing, err := s.extractions.FindByHash(ctx, hash)
		if errors.Is(err, repository.ErrNotFound) {
			res, err := s.create(ctx, hash, name, data)
			if errors.Is(err, repository.ErrDuplicateHash) {
				duplicateRacesTotal.Inc()
				log.Debug("Гонка создания записи проиграна, перечитываем")
				continue
			}
			return s.record(res, err)
		}
		if err != nil {
			return nil, fmt.Errorf("ошибка поиска извлечения: %w", err)
		}

		res, err := s.resolveExisting(ctx, existing, name, data)
		if errors.Is(err, repository.ErrStateChanged) || errors.Is(err, repository.ErrNotFound) {
			log.Debug("Состояние записи изменилось, перечитываем",
				slog.String("extraction_id", existing.ID),
			)
			continue
		}
		return s.record(res, err)
	}

	return nil, fmt.Errorf("%w: хэш %s", ErrConflict, hash)
}

// record учитывает исход в метриках.
func (s *ExtractionService) record(res *SubmitResult, err error) (*SubmitResult, error) {
	if err != nil {
		return nil, err
	}
	submissionsTotal.WithLabelValues(string(res.Outcome)).Inc()
	return res, nil
}

// validate отклоняет пустые, слишком большие и не-PDF данные.
func (s *ExtractionService) validate(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: пустой файл", ErrValidation)
	}
	if s.cfg.MaxFileSize > 0 && int64(len(data)) > s.cfg.MaxFileSize {
		return fmt.Errorf("%w: размер файла %d превышает допустимый %d", ErrValidation, len(data), s.cfg.MaxFileSize)
	}
	head := data
	if len(head) > pdfMagicWindow {
		head = head[:pdfMagicWindow]
	}
	if !bytes.Contains(head, []byte("%PDF-")) {
		return fmt.Errorf("%w: файл не является PDF", ErrValidation)
	}
	return nil
}

// create создаёт запись и запускает рендеринг.
func (s *ExtractionService) create(ctx context.Context, hash, name string, data []byte) (*SubmitResult, error) {
	e := &model.Extraction{
		ID:               uuid.NewString(),
		ContentHash:      hash,
		OriginalFilename: name,
		SizeBytes:        int64(len(data)),
		Status:           model.StatusProcessing,
		ExpiresAt:        s.expiresAt(),
		Images:           []model.Image{},
		ShareLinks:       []model.ShareLink{},
	}
	job, _, err := s.reserveJob(e.ID)
	if err != nil {
		return nil, err
	}
	if err := s.extractions.Create(ctx, e); err != nil {
		s.abandonJob(e.ID, job)
		return nil, err
	}

	s.logger.Info("Извлечение создано",
		slog.String("extraction_id", e.ID),
		slog.String("content_hash", hash),
		slog.String("filename", name),
		slog.Int64("size_bytes", e.SizeBytes),
	)

	s.launch(e.ID, data, job)
	return &SubmitResult{
		Extraction: e,
		Status:     model.StatusProcessing,
		Outcome:    OutcomeNew,
		job:        job,
	}, nil
}

// resolveExisting ветвится по статусу найденной записи.
func (s *ExtractionService) resolveExisting(ctx context.Context, e *model.Extraction, name string, data []byte) (*SubmitResult, error) {
	switch e.Status {
	case model.StatusCompleted:
		if s.artifactsIntact(e) {
			s.cache.Set(e)
			return &SubmitResult{
				Extraction: e,
				ShareToken: shareToken(e, s.now()),
				Cached:     true,
				Status:     model.StatusCompleted,
				Outcome:    OutcomeCached,
			}, nil
		}
		s.logger.Warn("Артефакты завершённого извлечения утрачены, повторная обработка",
			slog.String("extraction_id", e.ID),
		)
		return s.retry(ctx, e, true, name, data)

	case model.StatusProcessing:
		return &SubmitResult{
			Extraction: e,
			ShareToken: shareToken(e, s.now()),
			Status:     model.StatusProcessing,
			Outcome:    OutcomeProcessing,
			job:        s.activeJob(e.ID),
		}, nil

	default:
		return s.retry(ctx, e, false, name, data)
	}
}

// artifactsIntact — строгая проверка: счётчик совпадает с числом изображений,
// изображения есть, и каждый файл вместе с архивом лежит на диске.
func (s *ExtractionService) artifactsIntact(e *model.Extraction) bool {
	if len(e.Images) == 0 || e.ImageCount != len(e.Images) {
		return false
	}
	names := make([]string, 0, len(e.Images))
	for _, img := range e.Images {
		names = append(names, img.Filename)
	}
	if err := s.store.Verify(e.ID, names); err != nil {
		s.logger.Debug("Проверка артефактов не пройдена",
			slog.String("extraction_id", e.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// retry возвращает существующую запись в processing и запускает рендеринг.
// Сброс условный (по исходному статусу): из параллельных попыток побеждает одна,
// остальные получают ErrStateChanged и перечитывают запись.
func (s *ExtractionService) retry(ctx context.Context, e *model.Extraction, artifactsMissing bool, name string, data []byte) (*SubmitResult, error) {
	from := e.Status
	if err := lifecycle.Transition(from, model.StatusProcessing, artifactsMissing); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConflict, err)
	}

	job, busy, err := s.reserveJob(e.ID)
	if busy != nil {
		// Конвейер этого процесса ещё финализирует запись
		select {
		case <-busy.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return nil, repository.ErrStateChanged
	}
	if err != nil {
		return nil, err
	}

	expiresAt := s.expiresAt()
	err = s.extractions.ResetForRetry(ctx, e.ID, from, repository.RetryReset{
		OriginalFilename: name,
		SizeBytes:        int64(len(data)),
		ExpiresAt:        expiresAt,
	})
	if err != nil {
		s.abandonJob(e.ID, job)
		return nil, err
	}
	s.cache.Delete(e.ID)

	s.logger.Info("Повторная обработка извлечения",
		slog.String("extraction_id", e.ID),
		slog.String("from", string(from)),
	)

	e.Status = model.StatusProcessing
	e.ErrorMessage = nil
	e.OriginalFilename = name
	e.SizeBytes = int64(len(data))
	e.PageCount = 0
	e.ImageCount = 0
	e.ExpiresAt = expiresAt
	e.Images = []model.Image{}

	s.launch(e.ID, data, job)
	return &SubmitResult{
		Extraction: e,
		ShareToken: shareToken(e, s.now()),
		Status:     model.StatusProcessing,
		Outcome:    OutcomeRetry,
		job:        job,
	}, nil
}

// reserveJob регистрирует конвейер записи до изменения её статуса в базе,
// чтобы параллельные Submit этого процесса видели его сразу.
// busy — конвейер записи, уже выполняющийся в этом процессе.
func (s *ExtractionService) reserveJob(id string) (job, busy *pipelineJob, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, ErrShuttingDown
	}
	if existing, ok := s.jobs[id]; ok {
		return nil, existing, nil
	}
	job = &pipelineJob{done: make(chan struct{})}
	s.jobs[id] = job
	s.wg.Add(1)
	return job, nil, nil
}

// abandonJob снимает резерв, если статус записи изменить не удалось.
func (s *ExtractionService) abandonJob(id string, job *pipelineJob) {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
	close(job.done)
	s.wg.Done()
}

// launch запускает зарезервированный конвейер.
func (s *ExtractionService) launch(id string, data []byte, job *pipelineJob) {
	if s.progress != nil {
		s.progress.Update(id, render.Progress{Stage: render.StageLoading, Message: "В очереди"})
	}
	go s.runPipeline(id, data, job)
}

// activeJob возвращает конвейер записи, если он выполняется в этом процессе.
func (s *ExtractionService) activeJob(id string) *pipelineJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

// IsProcessing сообщает, выполняется ли конвейер записи в этом процессе.
func (s *ExtractionService) IsProcessing(id string) bool {
	return s.activeJob(id) != nil
}

// runPipeline выполняет рендеринг. Любая ошибка, паника или отмена
// оставляют запись в failed с сообщением.
func (s *ExtractionService) runPipeline(id string, data []byte, job *pipelineJob) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.jobs, id)
		s.mu.Unlock()
		close(job.done)
	}()
	defer func() {
		if rec := recover(); rec != nil {
			job.err = fmt.Errorf("паника конвейера: %v", rec)
			s.fail(id, job.err)
		}
	}()

	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		job.err = fmt.Errorf("%w: %v", ErrShuttingDown, err)
		s.fail(id, job.err)
		return
	}
	defer s.sem.Release(1)

	pipelinesInFlight.Inc()
	defer pipelinesInFlight.Dec()

	start := time.Now()
	job.err = s.process(s.ctx, id, data)
	pipelineDurationSeconds.Observe(time.Since(start).Seconds())

	if job.err != nil {
		s.fail(id, job.err)
		return
	}
	pipelinesTotal.WithLabelValues("completed").Inc()
}

// process: рендеринг → архив → изображения и статус completed → ссылка.
// Архив строится до перевода в completed, чтобы completed-запись
// всегда указывала на полный набор артефактов.
func (s *ExtractionService) process(ctx context.Context, id string, data []byte) error {
	imagesDir, err := s.store.Prepare(id)
	if err != nil {
		return err
	}

	result, err := s.renderer.Render(ctx, data, s.cfg.MaxPages, imagesDir, func(p render.Progress) {
		if s.progress != nil {
			s.progress.Update(id, p)
		}
	})
	if err != nil {
		return err
	}

	images := make([]model.Image, 0, len(result.Pages))
	files := make([]archive.File, 0, len(result.Pages))
	for _, p := range result.Pages {
		images = append(images, model.Image{
			ID:           uuid.NewString(),
			ExtractionID: id,
			Filename:     p.Filename,
			Width:        p.Width,
			Height:       p.Height,
			MimeType:     p.MimeType,
			SizeBytes:    p.SizeBytes,
			PageNumber:   p.PageNumber,
			SortOrder:    p.SortOrder,
		})
		files = append(files, archive.File{Name: p.Filename, Path: p.Path})
	}

	if _, err := archive.Build(files, s.store.ArchivePath(id), s.cfg.CompressionLevel); err != nil {
		return fmt.Errorf("ошибка сборки архива: %w", err)
	}

	if err := s.extractions.Complete(ctx, id, result.PageCount, images); err != nil {
		return fmt.Errorf("ошибка сохранения результата: %w", err)
	}
	s.cache.Delete(id)
	imagesRenderedTotal.Add(float64(len(images)))

	if s.links != nil {
		if _, err := s.links.EnsureForExtraction(ctx, id); err != nil {
			// Запись уже completed; ссылку можно выдать вручную.
			s.logger.Error("Ошибка создания ссылки доступа",
				slog.String("extraction_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Info("Извлечение завершено",
		slog.String("extraction_id", id),
		slog.Int("page_count", result.PageCount),
		slog.Int("image_count", len(images)),
		slog.Bool("fallback", result.Fallback),
	)
	return nil
}

// fail переводит запись в failed и удаляет частичные артефакты.
// Использует собственный контекст: контекст конвейера может быть уже отменён.
func (s *ExtractionService) fail(id string, cause error) {
	pipelinesTotal.WithLabelValues("failed").Inc()

	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	message := cause.Error()
	if err := s.extractions.MarkFailed(ctx, id, message); err != nil {
		s.logger.Warn("Не удалось перевести извлечение в failed",
			slog.String("extraction_id", id),
			slog.String("error", err.Error()),
		)
	}
	if err := s.store.Remove(id); err != nil {
		s.logger.Warn("Не удалось удалить частичные артефакты",
			slog.String("extraction_id", id),
			slog.String("error", err.Error()),
		)
	}
	s.cache.Delete(id)
	if s.progress != nil {
		s.progress.Update(id, render.Progress{Stage: render.StageError, Message: message})
	}

	s.logger.Warn("Извлечение завершилось ошибкой",
		slog.String("extraction_id", id),
		slog.String("error", message),
	)
}

// Status возвращает запись с изображениями, ссылками и последним событием прогресса.
func (s *ExtractionService) Status(ctx context.Context, id string) (*StatusResult, error) {
	id, err := artifacts.CanonicalID(id)
	if err != nil {
		return nil, ErrNotFound
	}
	e, ok := s.cache.Get(id)
	if !ok {
		e, err = s.extractions.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		s.cache.Set(e)
	}

	res := &StatusResult{Extraction: e}
	if s.progress != nil {
		res.Progress = s.progress.Get(id)
	}
	return res, nil
}

// Delete удаляет извлечение: сначала артефакты на диске, затем запись.
// Повторный вызов после сбоя между шагами безопасен.
func (s *ExtractionService) Delete(ctx context.Context, id string) error {
	id, err := artifacts.CanonicalID(id)
	if err != nil {
		return ErrNotFound
	}
	err = deleteExtraction(ctx, s.store, s.extractions, id)
	s.forget(id)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	s.logger.Info("Извлечение удалено", slog.String("extraction_id", id))
	return nil
}

// BulkDelete удаляет набор извлечений. Записи, чьи артефакты не удалось
// удалить, остаются. Возвращает количество удалённых записей.
func (s *ExtractionService) BulkDelete(ctx context.Context, ids []string) (int, error) {
	removable := make([]string, 0, len(ids))
	for _, id := range canonicalIDs(ids) {
		if err := s.store.Remove(id); err != nil {
			s.logger.Warn("Не удалось удалить артефакты, запись пропущена",
				slog.String("extraction_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		removable = append(removable, id)
	}

	n, err := s.extractions.DeleteMany(ctx, removable)
	for _, id := range removable {
		s.forget(id)
	}
	if err != nil {
		return 0, err
	}

	s.logger.Info("Пакетное удаление выполнено",
		slog.Int("requested", len(ids)),
		slog.Int("deleted", n),
	)
	return n, nil
}

// BulkSetExpiry задаёт срок хранения набору извлечений; nil — бессрочно.
func (s *ExtractionService) BulkSetExpiry(ctx context.Context, ids []string, expiresAt *time.Time) (int, error) {
	ids = canonicalIDs(ids)
	n, err := s.extractions.SetExpiryMany(ctx, ids, expiresAt)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		s.cache.Delete(id)
	}
	return n, nil
}

// Shutdown прекращает приём новой работы и ждёт выполняющиеся конвейеры.
// По истечении ctx конвейеры отменяются; их записи переводятся в failed.
func (s *ExtractionService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.logger.Warn("Таймаут ожидания конвейеров, отмена")
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// forget инвалидирует кэши записи.
func (s *ExtractionService) forget(id string) {
	s.cache.Delete(id)
	if s.progress != nil {
		s.progress.Delete(id)
	}
}

func (s *ExtractionService) expiresAt() *time.Time {
	if s.cfg.Expiry <= 0 {
		return nil
	}
	t := s.now().Add(s.cfg.Expiry)
	return &t
}

// deleteExtraction удаляет артефакты, затем запись. Отсутствие артефактов
// не ошибка, поэтому повтор после частичного сбоя завершает удаление.
func deleteExtraction(ctx context.Context, store *artifacts.Store, extractions repository.ExtractionRepository, id string) error {
	if err := store.Remove(id); err != nil {
		return err
	}
	return extractions.Delete(ctx, id)
}

// canonicalIDs приводит идентификаторы к каноническому виду UUID,
// отбрасывая некорректные и повторы. Ключи кэша и имена директорий
// артефактов используют только каноническую запись.
func canonicalIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		c, err := artifacts.CanonicalID(id)
		if err != nil {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// shareToken возвращает токен первой доступной ссылки записи.
func shareToken(e *model.Extraction, now time.Time) string {
	if link := e.ActiveShareLink(now); link != nil {
		return link.Token
	}
	return ""
}

// SanitizeFilename приводит имя загруженного файла к безопасному виду:
// только базовое имя, символы [A-Za-z0-9._-], ограниченная длина.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(strings.TrimSpace(name))

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	clean := strings.Trim(b.String(), "._")
	if clean == "" {
		return defaultFilename
	}
	if !strings.HasSuffix(strings.ToLower(clean), ".pdf") {
		clean += ".pdf"
	}
	if len(clean) > maxFilenameLength {
		clean = clean[:maxFilenameLength-len(".pdf")] + ".pdf"
	}
	return clean
}

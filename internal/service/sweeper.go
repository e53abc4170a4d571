// sweeper.go — очистка просроченных извлечений.
//
// Один проход (RunOnce):
//  1. Удаляет записи с expires_at <= now: сначала артефакты, затем запись
//  2. Переводит в failed записи, зависшие в processing дольше staleAfter
//     (конвейер умер вместе с процессом), чтобы повторная загрузка их перезапустила
//
// Периодический запуск (Start/Stop) и ручной (admin API, CLI) вызывают один RunOnce.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/repository"
	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/storage/artifacts"
)

// Prometheus метрики очистки
var (
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pe_sweep_runs_total",
		Help: "Общее количество проходов очистки",
	})

	sweepDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pe_sweep_deleted_total",
		Help: "Общее количество извлечений, удалённых по сроку хранения",
	})

	sweepStaleFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pe_sweep_stale_failed_total",
		Help: "Общее количество зависших извлечений, переведённых в failed",
	})

	sweepErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pe_sweep_errors_total",
		Help: "Общее количество ошибок при очистке отдельных записей",
	})

	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pe_sweep_duration_seconds",
		Help:    "Длительность прохода очистки в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// staleMessage — сообщение для записей, зависших в processing.
const staleMessage = "обработка прервана: превышено время ожидания"

// SweepResult — результат одного прохода очистки.
type SweepResult struct {
	// DeletedCount — удалённые просроченные записи
	DeletedCount int `json:"deleted_count"`
	// StaleFailedCount — зависшие записи, переведённые в failed
	StaleFailedCount int `json:"stale_failed_count"`
	// Errors — ошибки по отдельным записям
	Errors int `json:"errors"`
	// Duration — длительность прохода
	Duration time.Duration `json:"-"`
}

// SweeperService — сервис очистки просроченных извлечений.
type SweeperService struct {
	extractions repository.ExtractionRepository
	store       *artifacts.Store
	cache       *StatusCache
	// isActive — выполняется ли конвейер записи в этом процессе (может быть nil)
	isActive   func(id string) bool
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger

	runMu   sync.Mutex // защита от параллельного запуска RunOnce
	mu      sync.Mutex // защита Start/Stop
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSweeperService создаёт сервис очистки.
// staleAfter <= 0 отключает обработку зависших записей.
func NewSweeperService(
	extractions repository.ExtractionRepository,
	store *artifacts.Store,
	cache *StatusCache,
	isActive func(id string) bool,
	interval time.Duration,
	staleAfter time.Duration,
	logger *slog.Logger,
) *SweeperService {
	return &SweeperService{
		extractions: extractions,
		store:       store,
		cache:       cache,
		isActive:    isActive,
		interval:    interval,
		staleAfter:  staleAfter,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger.With(slog.String("component", "sweeper")),
	}
}

// Start запускает периодическую очистку. Повторный вызов — no-op.
func (sw *SweeperService) Start(ctx context.Context) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.running {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	sw.cancel = cancel
	sw.done = make(chan struct{})
	sw.running = true

	go sw.run(runCtx, sw.done)

	sw.logger.Info("Очистка запущена",
		slog.String("interval", sw.interval.String()),
	)
}

// Stop останавливает периодическую очистку и дожидается текущего прохода.
func (sw *SweeperService) Stop() {
	sw.mu.Lock()
	if !sw.running {
		sw.mu.Unlock()
		return
	}
	cancel, done := sw.cancel, sw.done
	sw.running = false
	sw.mu.Unlock()

	cancel()
	<-done
	sw.logger.Info("Очистка остановлена")
}

// run — основной цикл фоновой горутины.
func (sw *SweeperService) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	// Первый проход — сразу после старта
	sw.RunOnce(ctx)

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один проход очистки.
// Ошибка по одной записи логируется и не прерывает проход.
func (sw *SweeperService) RunOnce(ctx context.Context) *SweepResult {
	sw.runMu.Lock()
	defer sw.runMu.Unlock()

	start := time.Now()
	result := &SweepResult{}
	now := sw.now()

	sw.logger.Debug("Проход очистки начат")

	deleted, errs := sw.deleteExpired(ctx, now)
	result.DeletedCount = deleted
	result.Errors += errs

	if sw.staleAfter > 0 {
		failed, errs := sw.failStale(ctx, now.Add(-sw.staleAfter))
		result.StaleFailedCount = failed
		result.Errors += errs
	}

	result.Duration = time.Since(start)

	sweepRunsTotal.Inc()
	sweepDeletedTotal.Add(float64(result.DeletedCount))
	sweepStaleFailedTotal.Add(float64(result.StaleFailedCount))
	sweepErrorsTotal.Add(float64(result.Errors))
	sweepDurationSeconds.Observe(result.Duration.Seconds())

	sw.logger.Info("Проход очистки завершён",
		slog.Int("deleted", result.DeletedCount),
		slog.Int("stale_failed", result.StaleFailedCount),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)

	return result
}

// deleteExpired удаляет записи с истёкшим сроком хранения.
func (sw *SweeperService) deleteExpired(ctx context.Context, now time.Time) (deleted, errs int) {
	expired, err := sw.extractions.ListExpired(ctx, now)
	if err != nil {
		sw.logger.Error("Ошибка получения просроченных извлечений",
			slog.String("error", err.Error()),
		)
		return 0, 1
	}

	for _, e := range expired {
		if sw.isActive != nil && sw.isActive(e.ID) {
			continue
		}
		if err := sw.store.Remove(e.ID); err != nil {
			sw.logger.Error("Ошибка удаления артефактов просроченного извлечения",
				slog.String("extraction_id", e.ID),
				slog.String("error", err.Error()),
			)
			errs++
			continue
		}
		// Срок перепроверяется в момент удаления: параллельная повторная
		// обработка продлевает его, и такая запись остаётся.
		if err := sw.extractions.DeleteExpired(ctx, e.ID, now); err != nil {
			if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrStateChanged) {
				sw.cache.Delete(e.ID)
				continue
			}
			sw.logger.Error("Ошибка удаления просроченного извлечения",
				slog.String("extraction_id", e.ID),
				slog.String("error", err.Error()),
			)
			errs++
			continue
		}
		sw.cache.Delete(e.ID)

		sw.logger.Debug("Просроченное извлечение удалено",
			slog.String("extraction_id", e.ID),
			slog.String("filename", e.OriginalFilename),
		)
		deleted++
	}
	return deleted, errs
}

// failStale переводит в failed записи, зависшие в processing.
func (sw *SweeperService) failStale(ctx context.Context, before time.Time) (failed, errs int) {
	stale, err := sw.extractions.ListStaleProcessing(ctx, before)
	if err != nil {
		sw.logger.Error("Ошибка получения зависших извлечений",
			slog.String("error", err.Error()),
		)
		return 0, 1
	}

	for _, e := range stale {
		if sw.isActive != nil && sw.isActive(e.ID) {
			continue
		}
		if err := sw.extractions.MarkFailed(ctx, e.ID, staleMessage); err != nil {
			if errors.Is(err, repository.ErrStateChanged) || errors.Is(err, repository.ErrNotFound) {
				continue
			}
			sw.logger.Error("Ошибка перевода зависшего извлечения в failed",
				slog.String("extraction_id", e.ID),
				slog.String("error", err.Error()),
			)
			errs++
			continue
		}
		if err := sw.store.Remove(e.ID); err != nil {
			sw.logger.Warn("Не удалось удалить частичные артефакты",
				slog.String("extraction_id", e.ID),
				slog.String("error", err.Error()),
			)
		}
		sw.cache.Delete(e.ID)

		sw.logger.Warn("Зависшее извлечение переведено в failed",
			slog.String("extraction_id", e.ID),
		)
		failed++
	}
	return failed, errs
}

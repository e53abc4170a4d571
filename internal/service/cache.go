// cache.go — in-memory кэши сервисного слоя поверх
// hashicorp/golang-lru/v2/expirable.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/domain/model"
	"github.com/Mpratama260304/pdf-image-extractor-sub000/internal/render"
)

// Prometheus-метрики кэша.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pe_status_cache_hits_total",
		Help: "Общее количество попаданий в кэш статусов.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pe_status_cache_misses_total",
		Help: "Общее количество промахов кэша статусов.",
	})
)

// StatusCache — LRU-кэш снимков завершённых извлечений с TTL.
// Кэшируются только записи в статусе completed; любые изменения записи
// (удаление, срок хранения, ссылки) инвалидируют снимок.
type StatusCache struct {
	cache *expirable.LRU[string, *model.Extraction]
}

// NewStatusCache создаёт кэш с указанным максимальным размером и TTL.
func NewStatusCache(maxSize int, ttl time.Duration) *StatusCache {
	return &StatusCache{cache: expirable.NewLRU[string, *model.Extraction](maxSize, nil, ttl)}
}

// Get возвращает снимок из кэша.
func (c *StatusCache) Get(id string) (*model.Extraction, bool) {
	if c == nil {
		return nil, false
	}
	val, ok := c.cache.Get(id)
	if ok {
		cacheHitsTotal.Inc()
		return val, true
	}
	cacheMissesTotal.Inc()
	return nil, false
}

// Set кэширует снимок, если запись завершена.
func (c *StatusCache) Set(e *model.Extraction) {
	if c == nil || e.Status != model.StatusCompleted {
		return
	}
	c.cache.Add(e.ID, e)
}

// Delete инвалидирует снимок.
func (c *StatusCache) Delete(id string) {
	if c == nil {
		return
	}
	c.cache.Remove(id)
}

// ProgressTracker хранит последнее событие прогресса каждого извлечения.
type ProgressTracker struct {
	events *expirable.LRU[string, render.Progress]
}

// NewProgressTracker создаёт трекер. Событие живёт ttl после последнего обновления.
func NewProgressTracker(maxSize int, ttl time.Duration) *ProgressTracker {
	return &ProgressTracker{events: expirable.NewLRU[string, render.Progress](maxSize, nil, ttl)}
}

// Update сохраняет событие.
func (t *ProgressTracker) Update(id string, p render.Progress) {
	t.events.Add(id, p)
}

// Get возвращает последнее событие или nil.
func (t *ProgressTracker) Get(id string) *render.Progress {
	p, ok := t.events.Peek(id)
	if !ok {
		return nil
	}
	return &p
}

// Delete удаляет событие.
func (t *ProgressTracker) Delete(id string) {
	t.events.Remove(id)
}

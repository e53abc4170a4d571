package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus-метрики конвейера извлечения.
var (
	// submissionsTotal — обращения Submit по исходу (new, retry, cached, processing).
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pe_submissions_total",
		Help: "Общее количество загрузок по исходу обработки",
	}, []string{"outcome"})

	// duplicateRacesTotal — проигранные гонки создания записи.
	duplicateRacesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pe_duplicate_races_total",
		Help: "Количество конфликтов уникальности хэша при создании записи",
	})

	// pipelinesTotal — завершённые конвейеры рендеринга по результату.
	pipelinesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pe_pipelines_total",
		Help: "Общее количество конвейеров рендеринга по результату",
	}, []string{"result"})

	// pipelineDurationSeconds — длительность конвейера рендеринга.
	pipelineDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pe_pipeline_duration_seconds",
		Help:    "Длительность конвейера рендеринга в секундах",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	// pipelinesInFlight — конвейеры, выполняющиеся сейчас.
	pipelinesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pe_pipelines_in_flight",
		Help: "Количество выполняющихся конвейеров рендеринга",
	})

	// imagesRenderedTotal — сохранённые изображения страниц.
	imagesRenderedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pe_images_rendered_total",
		Help: "Общее количество сохранённых изображений страниц",
	})

	// shareResolutionsTotal — разрешения ссылок по результату (ok, not_found).
	shareResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pe_share_resolutions_total",
		Help: "Общее количество обращений по ссылкам доступа",
	}, []string{"result"})
)

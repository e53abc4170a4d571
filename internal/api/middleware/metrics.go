// metrics.go — Prometheus HTTP метрики.
// Регистрирует метрики: pe_http_requests_total, pe_http_request_duration_seconds.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pe_http_requests_total",
			Help: "Общее количество HTTP-запросов",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pe_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := normalizePath(r.URL.Path)

			wrapped := newResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			status := strconv.Itoa(wrapped.statusCode)
			httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// dynamicRoutes — шаблоны путей с переменными сегментами.
// Сегмент в фигурных скобках совпадает с любым значением.
var dynamicRoutes = [][]string{
	{"api", "v1", "extractions", "{id}"},
	{"api", "v1", "share", "{token}"},
	{"api", "v1", "share", "{token}", "archive"},
	{"api", "v1", "share", "{token}", "images", "{filename}"},
	{"api", "v1", "admin", "extractions", "{id}"},
	{"api", "v1", "admin", "extractions", "{id}", "share-links"},
	{"api", "v1", "admin", "share-links", "{token}"},
	{"api", "v1", "admin", "share-links", "{token}", "rotate"},
}

// normalizePath заменяет идентификаторы и токены на имена параметров,
// чтобы ограничить кардинальность метрик и не писать токены в логи.
// /api/v1/share/abc123/archive → /api/v1/share/{token}/archive
func normalizePath(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")

	for _, route := range dynamicRoutes {
		if len(route) != len(segments) {
			continue
		}
		match := true
		for i, part := range route {
			if strings.HasPrefix(part, "{") {
				continue
			}
			if part != segments[i] {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		// Статические маршруты admin имеют приоритет над {id}
		if route[len(route)-1] == "{id}" && isStaticAdminSegment(segments[len(segments)-1]) {
			continue
		}
		return "/" + strings.Join(route, "/")
	}
	return path
}

// isStaticAdminSegment — статические сегменты, совпадающие с позицией {id}.
func isStaticAdminSegment(s string) bool {
	return s == "bulk-delete" || s == "bulk-expiry"
}

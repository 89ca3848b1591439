package service

import (
	"net/http"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/campus-api/internal/models"
)

// MetricsService owns the Prometheus registry for HTTP, cache and domain counters.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	authzDenied     *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	cacheWrite      prometheus.Observer
	checkIns        *prometheus.CounterVec
	enrollments     *prometheus.CounterVec
	propagated      prometheus.Counter
	exportJobs      *prometheus.CounterVec

	requestCount   uint64
	cacheHitCount  uint64
	cacheMissCount uint64
	checkInCount   uint64
}

// NewMetricsService registers collectors on a private registry.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	authzDenied := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authz_denied_total",
		Help: "Authorization decisions that denied the caller",
	}, []string{"reason"})
	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_lookups_total",
		Help: "Cache lookups by result",
	}, []string{"result"})
	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_write_seconds",
		Help:    "Latency for cache set operations",
		Buckets: prometheus.DefBuckets,
	})
	checkIns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_check_ins_total",
		Help: "Attendance check-ins by outcome",
	}, []string{"outcome"})
	enrollments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enrollment_transitions_total",
		Help: "Enrollment state transitions by kind and status",
	}, []string{"kind", "status"})
	propagated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "role_permission_propagations_total",
		Help: "User permission caches rewritten after role changes",
	})
	exportJobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roster_export_jobs_total",
		Help: "Background roster export jobs by terminal status",
	}, []string{"status"})
	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, authzDenied, cacheLookups, cacheWrite, checkIns, enrollments, propagated, exportJobs, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		authzDenied:     authzDenied,
		cacheLookups:    cacheLookups,
		cacheWrite:      cacheWrite,
		checkIns:        checkIns,
		enrollments:     enrollments,
		propagated:      propagated,
		exportJobs:      exportJobs,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry returns the underlying registry.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := strconv.Itoa(status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
}

// RecordAuthzDenied counts a denied decision; reason is "unauthenticated" or "forbidden".
func (m *MetricsService) RecordAuthzDenied(reason string) {
	if m == nil {
		return
	}
	m.authzDenied.WithLabelValues(reason).Inc()
}

// RecordCacheLookup counts a cache hit or miss.
func (m *MetricsService) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
	atomic.AddUint64(&m.cacheMissCount, 1)
}

// ObserveCacheWrite tracks the duration of cache writes.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// RecordCheckIn counts a check-in as created, duplicate or ignored.
func (m *MetricsService) RecordCheckIn(outcome string) {
	if m == nil {
		return
	}
	m.checkIns.WithLabelValues(outcome).Inc()
	atomic.AddUint64(&m.checkInCount, 1)
}

// RecordEnrollmentTransition counts a course or module transition into status.
func (m *MetricsService) RecordEnrollmentTransition(kind, status string) {
	if m == nil {
		return
	}
	m.enrollments.WithLabelValues(kind, status).Inc()
}

// RecordPropagation counts user caches rewritten by a role change.
func (m *MetricsService) RecordPropagation(users int) {
	if m == nil || users <= 0 {
		return
	}
	m.propagated.Add(float64(users))
}

// RecordExportJob counts an export job reaching status.
func (m *MetricsService) RecordExportJob(status string) {
	if m == nil {
		return
	}
	m.exportJobs.WithLabelValues(status).Inc()
}

// Snapshot returns aggregated counters for the health endpoint.
func (m *MetricsService) Snapshot() models.SystemMetrics {
	if m == nil {
		return models.SystemMetrics{}
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	var ratio float64
	if total := hits + misses; total > 0 {
		ratio = float64(hits) / float64(total)
	}
	return models.SystemMetrics{
		RequestsTotal: atomic.LoadUint64(&m.requestCount),
		CacheHits:     hits,
		CacheMisses:   misses,
		CacheHitRatio: ratio,
		CheckIns:      atomic.LoadUint64(&m.checkInCount),
		Goroutines:    runtime.NumGoroutine(),
		GeneratedAt:   time.Now().UTC(),
	}
}

// Package server Prometheus 指标导出
package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 包含所有控制面指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// 分配指标
	AllocationsTotal   *prometheus.CounterVec
	AllocationDuration prometheus.Histogram

	// 设备池指标
	DevicesBusy    prometheus.Gauge
	DevicesFree    prometheus.Gauge
	DevicesOffline prometheus.Gauge

	// 转发指标
	ForwardingFailuresTotal prometheus.Counter

	// 待定会话指标
	PendingSessions prometheus.Gauge
}

// NewMetrics 创建指标实例
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		AllocationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "allocations_total",
				Help:      "Total device allocation attempts by outcome",
			},
			[]string{"platform", "outcome"},
		),
		AllocationDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "allocation_duration_seconds",
				Help:      "Time spent waiting for a free device",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 180},
			},
		),
		DevicesBusy: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "devices_busy",
				Help:      "Devices currently bound to a session",
			},
		),
		DevicesFree: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "devices_free",
				Help:      "Devices available for allocation",
			},
		),
		DevicesOffline: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "devices_offline",
				Help:      "Devices marked offline",
			},
		),
		ForwardingFailuresTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forwarding_failures_total",
				Help:      "Session forwarding failures (network or driver)",
			},
		),
		PendingSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_sessions",
				Help:      "Admitted session requests not yet bound",
			},
		),
	}
}

// RecordAllocation 记录一次分配结果
func (m *Metrics) RecordAllocation(platform, outcome string, duration time.Duration) {
	m.AllocationsTotal.WithLabelValues(platform, outcome).Inc()
	if outcome == "ok" {
		m.AllocationDuration.Observe(duration.Seconds())
	}
}

// RecordForwardingFailure 记录一次转发失败
func (m *Metrics) RecordForwardingFailure() {
	m.ForwardingFailuresTotal.Inc()
}

// UpdateDevicePool 刷新设备池水位
func (m *Metrics) UpdateDevicePool(busy, free, offline int) {
	m.DevicesBusy.Set(float64(busy))
	m.DevicesFree.Set(float64(free))
	m.DevicesOffline.Set(float64(offline))
}

// MetricsMiddleware 创建 HTTP 指标中间件
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter 包装 http.ResponseWriter 以捕获状态码
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath 规范化路径，将会话/节点 ID 替换为占位符避免高基数
func normalizePath(path string) string {
	if idx := strings.Index(path, "/session/"); idx >= 0 {
		return path[:idx] + "/session/{id}"
	}
	if strings.HasPrefix(path, "/device-farm/api/nodes/") && len(path) > len("/device-farm/api/nodes/") {
		rest := path[len("/device-farm/api/nodes/"):]
		if slash := strings.IndexByte(rest, '/'); slash >= 0 {
			return "/device-farm/api/nodes/{id}" + rest[slash:]
		}
		return "/device-farm/api/nodes/{id}"
	}
	return path
}

// MetricsHandler 返回 Prometheus HTTP Handler
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

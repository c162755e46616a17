// Package server Prometheus 指标导出
package server

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 包含所有 API Server 指标
//
// 每个实例使用独立的 Registry，测试中可以创建多个 Handler 而不会重复注册。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// 调度指标
	QueueLength     prometheus.Gauge
	RunningJobs     prometheus.Gauge
	SubmissionTotal *prometheus.CounterVec

	// WebSocket 指标
	WSConnectionsActive *prometheus.GaugeVec
	WSMessagesTotal     *prometheus.CounterVec
	EventsDropped       prometheus.Counter

	agentsOnce sync.Once
}

// NewMetrics 创建指标实例
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := newFactory(reg)

	return &Metrics{
		registry: reg,
		HTTPRequestsTotal: factory.counterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}, "method", "path", "status"),
		HTTPRequestDuration: factory.histogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, "method", "path"),
		HTTPRequestsInFlight: factory.gauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		}),
		QueueLength: factory.gauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Executions waiting for admission",
		}),
		RunningJobs: factory.gauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_jobs",
			Help:      "Executions currently admitted by the queue",
		}),
		SubmissionTotal: factory.counterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Execution submissions by kind and outcome",
		}, "kind", "outcome"),
		WSConnectionsActive: factory.gaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections_active",
			Help:      "Active WebSocket connections",
		}, "role"),
		WSMessagesTotal: factory.counterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "websocket_messages_total",
			Help:      "Total WebSocket messages",
		}, "direction", "role"),
		EventsDropped: factory.counter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because an observer buffer was full",
		}),
	}
}

// factory 在指定 Registry 上创建并注册指标
type factory struct {
	reg prometheus.Registerer
}

func newFactory(reg prometheus.Registerer) factory {
	return factory{reg: reg}
}

func (f factory) counter(opts prometheus.CounterOpts) prometheus.Counter {
	c := prometheus.NewCounter(opts)
	f.reg.MustRegister(c)
	return c
}

func (f factory) counterVec(opts prometheus.CounterOpts, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(opts, labels)
	f.reg.MustRegister(c)
	return c
}

func (f factory) gauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	g := prometheus.NewGauge(opts)
	f.reg.MustRegister(g)
	return g
}

func (f factory) gaugeVec(opts prometheus.GaugeOpts, labels ...string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(opts, labels)
	f.reg.MustRegister(g)
	return g
}

func (f factory) histogramVec(opts prometheus.HistogramOpts, labels ...string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(opts, labels)
	f.reg.MustRegister(h)
	return h
}

// Registry 返回指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 Prometheus HTTP Handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveAgents 注册在线 Agent 数量指标（只注册一次）
func (m *Metrics) ObserveAgents(count func() int) {
	m.agentsOnce.Do(func() {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "uiauto_agents_online",
			Help: "Registered agent connections",
		}, func() float64 { return float64(count()) }))
	})
}

// ObserveQueue 队列状态观察者，签名与 queue.Observer 一致
func (m *Metrics) ObserveQueue(queued, running int) {
	m.QueueLength.Set(float64(queued))
	m.RunningJobs.Set(float64(running))
}

// RecordSubmission 记录一次提交
func (m *Metrics) RecordSubmission(kind string, err error) {
	outcome := "accepted"
	if err != nil {
		outcome = "rejected"
	}
	m.SubmissionTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordWSMessage 记录 WebSocket 消息
func (m *Metrics) RecordWSMessage(direction, role string) {
	m.WSMessagesTotal.WithLabelValues(direction, role).Inc()
}

// WSConnectionOpened WebSocket 连接打开
func (m *Metrics) WSConnectionOpened(role string) {
	m.WSConnectionsActive.WithLabelValues(role).Inc()
}

// WSConnectionClosed WebSocket 连接关闭
func (m *Metrics) WSConnectionClosed(role string) {
	m.WSConnectionsActive.WithLabelValues(role).Dec()
}

// MetricsMiddleware 创建 HTTP 指标中间件
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		// 包装 ResponseWriter 以捕获状态码
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

// normalizePath 规范化路径，将 ID 替换为占位符，避免高基数
//
//	/api/v1/testcases/tc-1/execute -> /api/v1/testcases/{id}/execute
//	/reports/login-20260101.html   -> /reports/{file}
func normalizePath(path string) string {
	if strings.HasPrefix(path, "/reports/") {
		return "/reports/{file}"
	}
	for _, prefix := range []string{"/api/v1/testcases/", "/api/v1/executions/"} {
		rest, ok := strings.CutPrefix(path, prefix)
		if !ok || rest == "" {
			continue
		}
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return prefix + "{id}" + rest[i:]
		}
		return prefix + "{id}"
	}
	return path
}

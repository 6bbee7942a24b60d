package monitoring

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Plugin metrics
	LoadsTotal      *prometheus.CounterVec
	LoadDuration    prometheus.Histogram
	InstancesActive prometheus.Gauge
	Messages        *prometheus.CounterVec
	ResizeReports   prometheus.Counter
	Overrides       *prometheus.CounterVec

	// Source metrics
	Fetches *prometheus.CounterVec

	// WebSocket metrics
	WSConnections prometheus.Gauge

	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot MetricsSnapshot
	mu       sync.RWMutex
}

// MetricsSnapshot holds current metric values for JSON API
type MetricsSnapshot struct {
	TotalRequests   int64   `json:"total_requests"`
	TotalErrors     int64   `json:"total_errors"`
	ActiveInstances int64   `json:"active_instances"`
	LoadsOK         int64   `json:"loads_ok"`
	LoadsFailed     int64   `json:"loads_failed"`
	MessagesIn      int64   `json:"messages_to_host"`
	MessagesOut     int64   `json:"messages_to_sandbox"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
}

// NewMetrics creates a metrics collector on its own registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scenehost_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scenehost_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		LoadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scenehost_plugin_loads_total",
				Help: "Plugin loads by source kind and result",
			},
			[]string{"source", "result"},
		),
		LoadDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scenehost_plugin_load_duration_seconds",
				Help:    "Time from load request to ready or error",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		InstancesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "scenehost_plugin_instances_active",
				Help: "Number of mounted plugin instances",
			},
		),
		Messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scenehost_channel_messages_total",
				Help: "Messages crossing the sandbox boundary",
			},
			[]string{"direction"},
		),
		ResizeReports: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "scenehost_resize_reports_total",
				Help: "Auto-resize reports applied",
			},
		),
		Overrides: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scenehost_override_updates_total",
				Help: "Property override updates by operation",
			},
			[]string{"op"},
		),

		Fetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scenehost_source_fetches_total",
				Help: "Remote plugin source fetches by result",
			},
			[]string{"result"},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "scenehost_ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),
	}

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "scenehost_uptime_seconds",
			Help: "Process uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// Handler serves the registry in Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRequests++
	if status[0] == '4' || status[0] == '5' {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordLoad records a finished plugin load
func (m *Metrics) RecordLoad(source string, ok bool, duration time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.LoadsTotal.WithLabelValues(source, result).Inc()
	m.LoadDuration.Observe(duration.Seconds())

	m.mu.Lock()
	if ok {
		m.snapshot.LoadsOK++
	} else {
		m.snapshot.LoadsFailed++
	}
	m.mu.Unlock()
}

// RecordMessage records a message crossing the boundary
func (m *Metrics) RecordMessage(direction string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(direction).Inc()

	m.mu.Lock()
	if direction == "to_host" {
		m.snapshot.MessagesIn++
	} else {
		m.snapshot.MessagesOut++
	}
	m.mu.Unlock()
}

// IncResizeReports counts an applied auto-resize report
func (m *Metrics) IncResizeReports() {
	if m == nil {
		return
	}
	m.ResizeReports.Inc()
}

// RecordOverride counts an override set or clear
func (m *Metrics) RecordOverride(op string) {
	if m == nil {
		return
	}
	m.Overrides.WithLabelValues(op).Inc()
}

// RecordFetch counts a remote source fetch
func (m *Metrics) RecordFetch(result string) {
	if m == nil {
		return
	}
	m.Fetches.WithLabelValues(result).Inc()
}

// SetInstancesActive sets the number of mounted instances
func (m *Metrics) SetInstancesActive(count int) {
	if m == nil {
		return
	}
	m.InstancesActive.Set(float64(count))
	m.mu.Lock()
	m.snapshot.ActiveInstances = int64(count)
	m.mu.Unlock()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}

// Snapshot returns current values for the JSON stats endpoint
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.snapshot
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}

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

const namespace = "mdm"

// Metrics holds all Prometheus metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Device metrics
	Devices          *prometheus.GaugeVec
	Registrations    prometheus.Counter
	HeartbeatsTotal  prometheus.Counter
	DevicesRecovered prometheus.Counter

	// Reservation metrics
	Reservations       *prometheus.CounterVec
	Releases           *prometheus.CounterVec
	ReserveDuration    prometheus.Histogram
	PoolServersInUse   prometheus.Gauge
	PoolServersTotal   prometheus.Gauge
	WDAPortsAllocated  prometheus.Counter
	SessionsReaped     prometheus.Counter
	CommandsTotal      *prometheus.CounterVec
	CommandDuration    prometheus.Histogram
	CommandsInFlight   prometheus.Gauge
	BreakerTransitions *prometheus.CounterVec

	// Appium metrics
	AppiumCalls    *prometheus.CounterVec
	AppiumDuration *prometheus.HistogramVec

	// Event metrics
	EventsPublished *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	WSConnections   prometheus.Gauge

	// System metrics
	Uptime    prometheus.GaugeFunc
	startTime time.Time

	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current values for the JSON health endpoint.
type Snapshot struct {
	TotalRequests   int64   `json:"total_requests"`
	TotalErrors     int64   `json:"total_errors"`
	Reservations    int64   `json:"reservations"`
	Releases        int64   `json:"releases"`
	Commands        int64   `json:"commands"`
	WSConnections   int64   `json:"ws_connections"`
	AvgLatencyMS    float64 `json:"avg_latency_ms"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
	totalDurationMS float64
}

// NewMetrics creates a metrics collector with its own registry, so several
// instances can coexist in one process.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"method", "path"},
		),

		Devices: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "devices",
				Help:      "Registered devices by status",
			},
			[]string{"status"},
		),
		Registrations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_registrations_total",
			Help:      "Total number of device registrations",
		}),
		HeartbeatsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_heartbeats_total",
			Help:      "Total number of device heartbeats",
		}),
		DevicesRecovered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "devices_recovered_total",
			Help:      "Offline devices restored to available by a heartbeat",
		}),

		Reservations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reservations_total",
				Help:      "Reservation attempts by outcome",
			},
			[]string{"platform", "outcome"},
		),
		Releases: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "releases_total",
				Help:      "Releases by reason",
			},
			[]string{"reason"},
		),
		ReserveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reserve_duration_seconds",
			Help:      "Time to reserve a device including Appium session start",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
		}),
		PoolServersInUse: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "appium_servers_in_use",
			Help:      "Appium servers currently bound to a reservation",
		}),
		PoolServersTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "appium_servers_configured",
			Help:      "Appium servers configured in the pool",
		}),
		WDAPortsAllocated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wda_ports_allocated_total",
			Help:      "WebDriverAgent local ports handed out",
		}),
		SessionsReaped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_reaped_total",
			Help:      "Idle reservations released by the reaper",
		}),
		CommandsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Commands dispatched to devices by outcome",
			},
			[]string{"method", "outcome"},
		),
		CommandDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command round trip through Appium",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		CommandsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "commands_in_flight",
			Help:      "Commands currently executing",
		}),
		BreakerTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_transitions_total",
				Help:      "Circuit breaker state changes",
			},
			[]string{"name", "to"},
		),

		AppiumCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "appium_calls_total",
				Help:      "Calls to Appium servers",
			},
			[]string{"operation", "status"},
		),
		AppiumDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "appium_call_duration_seconds",
				Help:      "Appium call duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"operation"},
		),

		EventsPublished: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Device events published by type",
			},
			[]string{"type"},
		),
		EventsDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Device events dropped by slow sinks",
			},
			[]string{"sink"},
		),
		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Number of open event stream connections",
		}),
	}

	m.Uptime = f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Service uptime in seconds",
	}, func() float64 { return time.Since(m.startTime).Seconds() })

	return m
}

// Registry exposes the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the Prometheus exposition format for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.snapshot.totalDurationMS += float64(duration.Microseconds()) / 1000
	if status != "" && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// SetDeviceCounts replaces the per-status device gauge.
func (m *Metrics) SetDeviceCounts(counts map[string]int) {
	m.Devices.Reset()
	for status, n := range counts {
		m.Devices.WithLabelValues(status).Set(float64(n))
	}
}

// RecordReservation records a reservation attempt.
func (m *Metrics) RecordReservation(platform, outcome string, duration time.Duration) {
	m.Reservations.WithLabelValues(platform, outcome).Inc()
	if outcome == "ok" {
		m.ReserveDuration.Observe(duration.Seconds())
		m.mu.Lock()
		m.snapshot.Reservations++
		m.mu.Unlock()
	}
}

// RecordRelease records a released reservation.
func (m *Metrics) RecordRelease(reason string) {
	m.Releases.WithLabelValues(reason).Inc()
	m.mu.Lock()
	m.snapshot.Releases++
	m.mu.Unlock()
}

// RecordCommand records a dispatched command.
func (m *Metrics) RecordCommand(method, outcome string, duration time.Duration) {
	m.CommandsTotal.WithLabelValues(method, outcome).Inc()
	m.CommandDuration.Observe(duration.Seconds())
	m.mu.Lock()
	m.snapshot.Commands++
	m.mu.Unlock()
}

// RecordAppiumCall records a call to an Appium server.
func (m *Metrics) RecordAppiumCall(operation, status string, duration time.Duration) {
	m.AppiumCalls.WithLabelValues(operation, status).Inc()
	m.AppiumDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(name, to string) {
	m.BreakerTransitions.WithLabelValues(name, to).Inc()
}

// SetPool sets the Appium pool gauges.
func (m *Metrics) SetPool(configured, inUse int) {
	m.PoolServersTotal.Set(float64(configured))
	m.PoolServersInUse.Set(float64(inUse))
}

// IncWSConnections increments event stream connections
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
	m.mu.Lock()
	m.snapshot.WSConnections++
	m.mu.Unlock()
}

// DecWSConnections decrements event stream connections
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
	m.mu.Lock()
	m.snapshot.WSConnections--
	m.mu.Unlock()
}

// Snapshot returns a copy of the running totals.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	s := m.snapshot
	m.mu.RUnlock()

	if s.TotalRequests > 0 {
		s.AvgLatencyMS = s.totalDurationMS / float64(s.TotalRequests)
	}
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}

// Package metrics exposes Prometheus collectors for the orchestrator.
// All package-level record functions are safe to call before Init; they
// become no-ops when the registry has not been set up, which keeps unit
// tests free of metric bookkeeping.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var startTime = time.Now()

// StartTime reports when the process began, used for uptime reporting.
func StartTime() time.Time {
	return startTime
}

// Collectors bundles every Prometheus metric the orchestrator emits.
type Collectors struct {
	registry *prometheus.Registry

	provisionsTotal   *prometheus.CounterVec
	provisionRejected *prometheus.CounterVec
	provisionSeconds  prometheus.Histogram

	streamsStarted prometheus.Counter
	streamsEnded   *prometheus.CounterVec
	activeStreams  prometheus.Gauge
	loopsDetected  prometheus.Counter

	enginesTotal   prometheus.Gauge
	enginesFree    prometheus.Gauge
	enginesUsed    prometheus.Gauge
	enginesStopped *prometheus.CounterVec
	probeSeconds   prometheus.Histogram
	cacheCleanups  prometheus.Counter

	vpnHealthy      *prometheus.GaugeVec
	portChanges     *prometheus.CounterVec
	portPoolFree    *prometheus.GaugeVec
	emergencyActive prometheus.Gauge

	circuitState *prometheus.GaugeVec

	httpSeconds *prometheus.HistogramVec
}

var promMetrics *Collectors

// Init builds the registry and registers every collector under the given
// namespace. Call once at startup before the HTTP server starts.
func Init(namespace string) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Collectors{registry: registry}

	m.provisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provisions_total",
		Help:      "Engine provisioning attempts by VPN and outcome.",
	}, []string{"vpn", "outcome"})
	registry.MustRegister(m.provisionsTotal)

	m.provisionRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provision_rejected_total",
		Help:      "Provisioning requests rejected before a container was created.",
	}, []string{"reason"})
	registry.MustRegister(m.provisionRejected)

	m.provisionSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "provision_duration_seconds",
		Help:      "Wall time to create and start an engine container.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60},
	})
	registry.MustRegister(m.provisionSeconds)

	m.streamsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "streams_started_total",
		Help:      "Stream start events accepted.",
	})
	registry.MustRegister(m.streamsStarted)

	m.streamsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "streams_ended_total",
		Help:      "Stream end events by cause.",
	}, []string{"cause"})
	registry.MustRegister(m.streamsEnded)

	m.activeStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_streams",
		Help:      "Streams currently in the started state.",
	})
	registry.MustRegister(m.activeStreams)

	m.loopsDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "loops_detected_total",
		Help:      "Streams stopped because playback position stalled behind the live edge.",
	})
	registry.MustRegister(m.loopsDetected)

	m.enginesTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "engines_total",
		Help:      "Engine containers currently registered.",
	})
	registry.MustRegister(m.enginesTotal)

	m.enginesFree = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "engines_free",
		Help:      "Registered engines with zero active streams.",
	})
	registry.MustRegister(m.enginesFree)

	m.enginesUsed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "engines_used",
		Help:      "Registered engines serving at least one stream.",
	})
	registry.MustRegister(m.enginesUsed)

	m.enginesStopped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "engines_stopped_total",
		Help:      "Engine containers stopped by the orchestrator, by reason.",
	}, []string{"reason"})
	registry.MustRegister(m.enginesStopped)

	m.probeSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "engine_probe_duration_seconds",
		Help:      "Latency of engine HTTP health probes.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})
	registry.MustRegister(m.probeSeconds)

	m.cacheCleanups = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_cleanups_total",
		Help:      "Engine cache directories purged while idle.",
	})
	registry.MustRegister(m.cacheCleanups)

	m.vpnHealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "vpn_healthy",
		Help:      "Whether the VPN sidecar tunnel is up (1) or down (0).",
	}, []string{"container"})
	registry.MustRegister(m.vpnHealthy)

	m.portChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "vpn_port_changes_total",
		Help:      "Forwarded port rotations observed per VPN sidecar.",
	}, []string{"container"})
	registry.MustRegister(m.portChanges)

	m.portPoolFree = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "port_pool_free",
		Help:      "Unreserved host ports remaining per VPN pool.",
	}, []string{"pool"})
	registry.MustRegister(m.portPoolFree)

	m.emergencyActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "emergency_mode_active",
		Help:      "Whether single-VPN emergency mode is engaged.",
	})
	registry.MustRegister(m.emergencyActive)

	m.circuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
	}, []string{"breaker"})
	registry.MustRegister(m.circuitState)

	m.httpSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "API request latency by route and status.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"route", "status"})
	registry.MustRegister(m.httpSeconds)

	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the orchestrator started.",
	}, func() float64 {
		return time.Since(startTime).Seconds()
	})
	registry.MustRegister(uptime)

	promMetrics = m
}

// RegisterDebugDrops exposes the debug sink's drop counter as a gauge. The
// sink is constructed after Init, so this registers lazily.
func RegisterDebugDrops(namespace string, fn func() uint64) {
	if promMetrics == nil || fn == nil {
		return
	}
	promMetrics.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "debug_records_dropped_total",
		Help:      "Debug trace records dropped because the sink queue was full.",
	}, func() float64 {
		return float64(fn())
	}))
}

// Registry returns the Prometheus registry, or nil before Init.
func Registry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}

// Handler serves the Prometheus exposition endpoint.
func Handler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not initialized", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// RecordProvision counts one provisioning attempt and its duration.
func RecordProvision(vpn string, d time.Duration, success bool) {
	if promMetrics == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	promMetrics.provisionsTotal.WithLabelValues(vpn, outcome).Inc()
	promMetrics.provisionSeconds.Observe(d.Seconds())
}

// RecordProvisionRejected counts a request refused before container creation.
func RecordProvisionRejected(reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.provisionRejected.WithLabelValues(reason).Inc()
}

func RecordStreamStarted() {
	if promMetrics == nil {
		return
	}
	promMetrics.streamsStarted.Inc()
}

func RecordStreamEnded(cause string) {
	if promMetrics == nil {
		return
	}
	promMetrics.streamsEnded.WithLabelValues(cause).Inc()
}

func SetActiveStreams(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeStreams.Set(float64(n))
}

func RecordLoopDetected() {
	if promMetrics == nil {
		return
	}
	promMetrics.loopsDetected.Inc()
}

// SetEngineCounts publishes the registry occupancy gauges.
func SetEngineCounts(total, free, used int) {
	if promMetrics == nil {
		return
	}
	promMetrics.enginesTotal.Set(float64(total))
	promMetrics.enginesFree.Set(float64(free))
	promMetrics.enginesUsed.Set(float64(used))
}

func RecordEngineStopped(reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.enginesStopped.WithLabelValues(reason).Inc()
}

func RecordEngineProbe(d time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.probeSeconds.Observe(d.Seconds())
}

func RecordCacheCleanup() {
	if promMetrics == nil {
		return
	}
	promMetrics.cacheCleanups.Inc()
}

func SetVPNHealthy(container string, healthy bool) {
	if promMetrics == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1.0
	}
	promMetrics.vpnHealthy.WithLabelValues(container).Set(v)
}

func IncPortChange(container string) {
	if promMetrics == nil {
		return
	}
	promMetrics.portChanges.WithLabelValues(container).Inc()
}

// SetPortPoolFree publishes how many host ports a pool can still hand out.
func SetPortPoolFree(pool string, free int) {
	if promMetrics == nil {
		return
	}
	promMetrics.portPoolFree.WithLabelValues(pool).Set(float64(free))
}

func SetEmergencyActive(active bool) {
	if promMetrics == nil {
		return
	}
	v := 0.0
	if active {
		v = 1.0
	}
	promMetrics.emergencyActive.Set(v)
}

// SetCircuitState records a breaker's state as 0 closed, 1 half-open, 2 open.
func SetCircuitState(name string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitState.WithLabelValues(name).Set(float64(state))
}

// RecordHTTPRequest observes one API request. Route is the registered
// pattern, not the raw path, to keep cardinality bounded.
func RecordHTTPRequest(route string, status int, d time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.httpSeconds.WithLabelValues(route, strconv.Itoa(status)).Observe(d.Seconds())
}

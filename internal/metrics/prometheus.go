// Package metrics provides a Prometheus metrics registry for the callback
// data cache service.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics. It implements cbcache.Recorder.
type Registry struct {
	reg *prometheus.Registry

	// cbcache_inflight_requests
	inFlight prometheus.Gauge

	// cbcache_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// cbcache_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// cbcache_keyboards_stored_total
	keyboardsStored prometheus.Counter

	// cbcache_buttons_stored_total
	buttonsStored prometheus.Counter

	// cbcache_callback_resolutions_total{result}
	resolutions *prometheus.CounterVec

	// cbcache_evictions_total{store}
	evictions *prometheus.CounterVec

	// cbcache_cleared_total{store}
	cleared *prometheus.CounterVec

	// cbcache_entries{store}
	entries *prometheus.GaugeVec

	// cbcache_snapshot_operations_total{op,result}
	snapshotOps *prometheus.CounterVec

	// cbcache_snapshot_duration_seconds{op}
	snapshotDuration *prometheus.HistogramVec

	// cbcache_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// cbcache_component_health{component}
	componentHealth *prometheus.GaugeVec

	// cbcache_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cbcache_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cbcache_http_requests_total",
				Help: "Total number of HTTP requests handled",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cbcache_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"route"},
		),

		keyboardsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cbcache_keyboards_stored_total",
			Help: "Keyboards whose callback data was cached",
		}),

		buttonsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cbcache_buttons_stored_total",
			Help: "Button payloads cached",
		}),

		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cbcache_callback_resolutions_total",
				Help: "Token resolutions by result (ok, invalid)",
			},
			[]string{"result"},
		),

		evictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cbcache_evictions_total",
				Help: "Entries dropped because a store was full",
			},
			[]string{"store"},
		),

		cleared: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cbcache_cleared_total",
				Help: "Entries removed by explicit or scheduled clearing",
			},
			[]string{"store"},
		),

		entries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cbcache_entries",
				Help: "Current number of entries per store",
			},
			[]string{"store"},
		),

		snapshotOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cbcache_snapshot_operations_total",
				Help: "Snapshot load/save operations by result",
			},
			[]string{"op", "result"},
		),

		snapshotDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cbcache_snapshot_duration_seconds",
				Help:    "Snapshot load/save duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"op"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cbcache_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		componentHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cbcache_component_health",
				Help: "Component health status (1=ok, 0=degraded)",
			},
			[]string{"component"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cbcache_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.keyboardsStored,
		r.buttonsStored,
		r.resolutions,
		r.evictions,
		r.cleared,
		r.entries,
		r.snapshotOps,
		r.snapshotDuration,
		r.rateLimitTotal,
		r.componentHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// KeyboardStored implements cbcache.Recorder.
func (r *Registry) KeyboardStored(buttons int) {
	r.keyboardsStored.Inc()
	r.buttonsStored.Add(float64(buttons))
}

// CallbackResolved implements cbcache.Recorder.
func (r *Registry) CallbackResolved(valid bool) {
	if valid {
		r.resolutions.WithLabelValues("ok").Inc()
		return
	}
	r.resolutions.WithLabelValues("invalid").Inc()
}

// Evicted implements cbcache.Recorder.
func (r *Registry) Evicted(store string) {
	r.evictions.WithLabelValues(store).Inc()
}

// Cleared implements cbcache.Recorder.
func (r *Registry) Cleared(store string, n int) {
	r.cleared.WithLabelValues(store).Add(float64(n))
}

// SetEntries implements cbcache.Recorder.
func (r *Registry) SetEntries(store string, n int) {
	r.entries.WithLabelValues(store).Set(float64(n))
}

// ObserveSnapshot records one snapshot load or save.
func (r *Registry) ObserveSnapshot(op string, err error, dur time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.snapshotOps.WithLabelValues(op, result).Inc()
	r.snapshotDuration.WithLabelValues(op).Observe(dur.Seconds())
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) SetComponentHealth(component string, ok bool) {
	if ok {
		r.componentHealth.WithLabelValues(component).Set(1)
		return
	}
	r.componentHealth.WithLabelValues(component).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }

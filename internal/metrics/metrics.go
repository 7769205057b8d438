package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// RiskAssessments counts scorer runs by kind (vehicle, route) and level
	RiskAssessments = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "risk_assessments_total", Help: "Risk scorer runs by kind and resulting level."},
		[]string{"kind", "level"},
	)
	// ExcursionAlerts counts detected temperature excursions
	ExcursionAlerts = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "temperature_excursions_total", Help: "Telemetry samples outside the vehicle's temperature band."},
	)
	// CustodyAppends counts ledger appends by event type
	CustodyAppends = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "custody_appends_total", Help: "Custody events appended by event type."},
		[]string{"event_type"},
	)
	// CustodyVerifications counts chain verifications by outcome
	CustodyVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "custody_verifications_total", Help: "Custody chain verifications by outcome."},
		[]string{"outcome"},
	)
	// EarlyWarnings counts forecast early warnings by level
	EarlyWarnings = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "forecast_early_warnings_total", Help: "Forecast early warnings by level."},
		[]string{"level"},
	)
)

// RegisterDefault registers collectors to the package registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(RiskAssessments)
		Registry.MustRegister(ExcursionAlerts)
		Registry.MustRegister(CustodyAppends)
		Registry.MustRegister(CustodyVerifications)
		Registry.MustRegister(EarlyWarnings)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once

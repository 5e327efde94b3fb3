package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "descedge"

// Label names.
const (
	LabelTier    = "tier"
	LabelMethod  = "method"
	LabelSuccess = "success"
	LabelOutcome = "outcome"
	LabelSource  = "source"
	LabelStatus  = "status"
	LabelResult  = "result"
	LabelRoute   = "route"
)

// Metrics owns a private registry so tests and embedders never collide on
// the global one.
type Metrics struct {
	Registry *prometheus.Registry

	TierRequestDuration *prometheus.HistogramVec
	Resolutions         *prometheus.CounterVec
	Fills               *prometheus.CounterVec
	OriginFetches       *prometheus.CounterVec
	ExitPicks           *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers every collector, plus Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		TierRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tier",
			Name:      "request_duration_seconds",
			Help:      "Duration of requests to a cache tier, in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{LabelTier, LabelMethod, LabelSuccess}),
		Resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Descriptor resolutions by serving tier (\"miss\" when no tier had it).",
		}, []string{LabelTier}),
		Fills: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fills_total",
			Help:      "Background tier fills by target tier and outcome.",
		}, []string{LabelTier, LabelOutcome}),
		OriginFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "origin",
			Name:      "fetches_total",
			Help:      "Origin fetches by result (ok, not_found, too_large, unavailable).",
		}, []string{LabelResult}),
		ExitPicks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exit",
			Name:      "picks_total",
			Help:      "Exit selections by decision source.",
		}, []string{LabelSource}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests served, in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{LabelRoute, LabelMethod, LabelStatus}),
	}
}

// Handler exposes the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// ObserveTier records one tier call started at begin.
func (m *Metrics) ObserveTier(tier, method string, begin time.Time, err error) {
	m.TierRequestDuration.WithLabelValues(tier, method, fmt.Sprint(err == nil)).Observe(time.Since(begin).Seconds())
}

// StatusClass folds an HTTP status into "2xx", "4xx" and so on.
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "error"
	}
	return fmt.Sprintf("%dxx", code/100)
}

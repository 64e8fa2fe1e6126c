// v1
// internal/metrics/metrics.go
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/model"
)

// Metrics bundles the controller's prometheus instruments on a private
// registry so multiple instances (tests included) never collide. All
// observation methods tolerate a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	samplesIn      prometheus.Counter
	samplesDropped *prometheus.CounterVec
	plansInstalled *prometheus.CounterVec
	overrides      prometheus.Counter
	modeGauge      *prometheus.GaugeVec
	responseLag    prometheus.Histogram
	degraded       *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		samplesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_samples_total",
			Help: "Total detection samples accepted by the ingest pipeline.",
		}),
		samplesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_samples_dropped_total",
			Help: "Samples rejected by validation, grouped by reason.",
		}, []string{"reason"}),
		plansInstalled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_plans_installed_total",
			Help: "Signal plans installed by the scheduler, by proposer.",
		}, []string{"proposer"}),
		overrides: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emergency_overrides_total",
			Help: "Emergency overrides granted.",
		}),
		modeGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scheduler_mode",
			Help: "Current scheduler mode (1 for the active mode, 0 otherwise).",
		}, []string{"mode"}),
		responseLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "emergency_response_seconds",
			Help:    "Latency from emergency sample ingest to override-plan installation.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		degraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "direction_degraded",
			Help: "Degradation flag per direction (1 stale/unknown, 0 healthy).",
		}, []string{"direction"}),
	}
	m.registry.MustRegister(m.samplesIn, m.samplesDropped, m.plansInstalled, m.overrides, m.modeGauge, m.responseLag, m.degraded)
	return m
}

// Handler serves the /metrics endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SampleAccepted() {
	if m != nil {
		m.samplesIn.Inc()
	}
}

func (m *Metrics) SampleDropped(reason string) {
	if m != nil {
		m.samplesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) PlanInstalled(p model.Proposer) {
	if m != nil {
		m.plansInstalled.WithLabelValues(string(p)).Inc()
	}
}

func (m *Metrics) OverrideGranted(latency time.Duration) {
	if m == nil {
		return
	}
	m.overrides.Inc()
	m.responseLag.Observe(latency.Seconds())
}

func (m *Metrics) SetMode(mode model.Mode) {
	if m == nil {
		return
	}
	for _, cand := range []model.Mode{model.ModeNormal, model.ModeEmergency, model.ModeClearBuffer, model.ModeManual} {
		v := 0.0
		if cand == mode {
			v = 1.0
		}
		m.modeGauge.WithLabelValues(string(cand)).Set(v)
	}
}

func (m *Metrics) SetDegraded(direction string, degraded bool) {
	if m == nil {
		return
	}
	v := 0.0
	if degraded {
		v = 1.0
	}
	m.degraded.WithLabelValues(direction).Set(v)
}

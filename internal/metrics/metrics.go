package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	frames        *prometheus.CounterVec
	stageFailures *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	created       prometheus.Counter
	deduplicated  prometheus.Counter
	dropped       prometheus.Counter
	wsClients     prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatwatch_frames_total",
			Help: "Frames processed by outcome",
		}, []string{"outcome"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatwatch_stage_failures_total",
			Help: "Pipeline stage failures",
		}, []string{"stage"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "threatwatch_stage_duration_seconds",
			Help:    "Pipeline stage latency",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threatwatch_incidents_created_total",
			Help: "Incidents created",
		}),
		deduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threatwatch_incidents_deduplicated_total",
			Help: "Alert-worthy detections that matched an existing incident",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threatwatch_broadcast_dropped_total",
			Help: "Live events dropped because the broadcast queue or a client buffer was full",
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "threatwatch_ws_clients",
			Help: "Connected live dashboard sessions",
		}),
	}

	m.registry.MustRegister(
		m.frames, m.stageFailures, m.stageDuration,
		m.created, m.deduplicated, m.dropped, m.wsClients,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) StageFailed(stage string) {
	m.stageFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) FrameDone(outcome string) {
	m.frames.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncidentRecorded(created bool) {
	if created {
		m.created.Inc()
	} else {
		m.deduplicated.Inc()
	}
}

func (m *Metrics) BroadcastDropped() { m.dropped.Inc() }

func (m *Metrics) ClientConnected()    { m.wsClients.Inc() }
func (m *Metrics) ClientDisconnected() { m.wsClients.Dec() }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"forest-watch/internal/domain/entity"
	"forest-watch/internal/domain/port"
)

var states = []entity.PipelineState{
	entity.StateIdle,
	entity.StateRunning,
	entity.StateStopping,
	entity.StateError,
}

// Metrics счётчики конвейеров в отдельном реестре Prometheus
type Metrics struct {
	registry *prometheus.Registry

	framesRead      *prometheus.CounterVec
	framesProcessed *prometheus.CounterVec
	readErrors      *prometheus.CounterVec
	inferErrors     *prometheus.CounterVec
	fireAlerts      *prometheus.CounterVec
	detections      *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	state           *prometheus.GaugeVec
}

// New создаёт и регистрирует все метрики
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forestwatch_frames_read_total",
			Help: "Frames read from the stream source",
		}, []string{"stream"}),
		framesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forestwatch_frames_processed_total",
			Help: "Frames that went through detection and were published",
		}, []string{"stream"}),
		readErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forestwatch_read_errors_total",
			Help: "Transient frame read failures",
		}, []string{"stream"}),
		inferErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forestwatch_inference_errors_total",
			Help: "Frames skipped because the detector failed",
		}, []string{"stream"}),
		fireAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forestwatch_fire_alerts_total",
			Help: "Fire alerts raised",
		}, []string{"stream"}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forestwatch_detections_total",
			Help: "Detections that survived filtering",
		}, []string{"stream"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forestwatch_frame_latency_seconds",
			Help:    "Time from preprocessing to publishing a frame",
			Buckets: prometheus.ExponentialBuckets(0.002, 2, 12),
		}, []string{"stream"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "forestwatch_pipeline_state",
			Help: "1 for the current pipeline state, 0 for the others",
		}, []string{"stream", "state"}),
	}

	m.registry.MustRegister(
		m.framesRead,
		m.framesProcessed,
		m.readErrors,
		m.inferErrors,
		m.fireAlerts,
		m.detections,
		m.latency,
		m.state,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) FrameRead(streamID string) {
	m.framesRead.WithLabelValues(streamID).Inc()
}

func (m *Metrics) ReadError(streamID string) {
	m.readErrors.WithLabelValues(streamID).Inc()
}

func (m *Metrics) InferenceError(streamID string) {
	m.inferErrors.WithLabelValues(streamID).Inc()
}

func (m *Metrics) FrameProcessed(streamID string, latency time.Duration, detections int) {
	m.framesProcessed.WithLabelValues(streamID).Inc()
	m.detections.WithLabelValues(streamID).Add(float64(detections))
	m.latency.WithLabelValues(streamID).Observe(latency.Seconds())
}

func (m *Metrics) FireAlert(streamID string) {
	m.fireAlerts.WithLabelValues(streamID).Inc()
}

func (m *Metrics) StateChanged(streamID string, state entity.PipelineState) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.state.WithLabelValues(streamID, string(s)).Set(v)
	}
}

// RegisterGaugeFunc добавляет метрику, значение которой читается при опросе.
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) error {
	return m.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

// Registry возвращает реестр, например для тестов
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler отдаёт метрики в формате Prometheus
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var _ port.PipelineMetrics = (*Metrics)(nil)

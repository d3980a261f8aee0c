// Package metrics exposes engine counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zsiec/mosaic/internal/events"
)

// Metrics holds the engine's collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	Ticks          *prometheus.CounterVec
	SlowTicks      *prometheus.CounterVec
	RenderDuration *prometheus.HistogramVec
	EncoderDrops   *prometheus.CounterVec
	FramesPushed   *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec
	Transitions    *prometheus.CounterVec
	Events         *prometheus.CounterVec
	PacketsSent    *prometheus.CounterVec
}

// New creates and registers all collectors, plus the Go and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "mosaic_output_ticks_total", Help: "Render ticks per output"},
			[]string{"output"},
		),
		SlowTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "mosaic_output_slow_ticks_total", Help: "Ticks that overran their deadline"},
			[]string{"output"},
		),
		RenderDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mosaic_render_duration_seconds",
				Help:    "Time to render one tick",
				Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.02, 0.033, 0.05, 0.1, 0.25},
			},
			[]string{"output"},
		),
		EncoderDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "mosaic_output_encoder_drops_total", Help: "Frames replaced before the encoder picked them up"},
			[]string{"output"},
		),
		FramesPushed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "mosaic_input_frames_total", Help: "Frames pushed per input"},
			[]string{"input", "type"},
		),
		FramesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "mosaic_input_frames_dropped_total", Help: "Frames dropped on queue overflow"},
			[]string{"input", "type"},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "mosaic_input_state_transitions_total", Help: "Input health transitions"},
			[]string{"to"},
		),
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "mosaic_events_total", Help: "Engine events by kind"},
			[]string{"kind"},
		),
		PacketsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "mosaic_output_packets_total", Help: "Encoded packets fanned out"},
			[]string{"output", "type"},
		),
	}
	m.reg.MustRegister(
		m.Ticks, m.SlowTicks, m.RenderDuration, m.EncoderDrops,
		m.FramesPushed, m.FramesDropped, m.Transitions, m.Events, m.PacketsSent,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Handle implements events.Subscriber.
func (m *Metrics) Handle(e events.Event) {
	m.Events.WithLabelValues(string(e.Kind)).Inc()
	switch e.Kind {
	case events.SlowRender:
		m.SlowTicks.WithLabelValues(e.OutputID).Inc()
	case events.InputStateChanged:
		m.Transitions.WithLabelValues(e.Detail).Inc()
	}
}

// ObserveTick records one rendered tick.
func (m *Metrics) ObserveTick(outputID string, d time.Duration, encoderDrop bool) {
	m.Ticks.WithLabelValues(outputID).Inc()
	m.RenderDuration.WithLabelValues(outputID).Observe(d.Seconds())
	if encoderDrop {
		m.EncoderDrops.WithLabelValues(outputID).Inc()
	}
}

// ObservePush records a pushed frame and how many frames overflow dropped.
func (m *Metrics) ObservePush(inputID, kind string, dropped int) {
	m.FramesPushed.WithLabelValues(inputID, kind).Inc()
	if dropped > 0 {
		m.FramesDropped.WithLabelValues(inputID, kind).Add(float64(dropped))
	}
}

// ObserveDrop records frames discarded by a full queue.
func (m *Metrics) ObserveDrop(inputID, kind string, dropped int) {
	m.FramesDropped.WithLabelValues(inputID, kind).Add(float64(dropped))
}

// ObservePacket records a packet sent by an output relay.
func (m *Metrics) ObservePacket(outputID string, video bool) {
	kind := "audio"
	if video {
		kind = "video"
	}
	m.PacketsSent.WithLabelValues(outputID, kind).Inc()
}

// Forget drops the per-output or per-input series of a removed entity.
func (m *Metrics) Forget(outputID, inputID string) {
	if outputID != "" {
		l := prometheus.Labels{"output": outputID}
		m.Ticks.DeletePartialMatch(l)
		m.SlowTicks.DeletePartialMatch(l)
		m.RenderDuration.DeletePartialMatch(l)
		m.EncoderDrops.DeletePartialMatch(l)
		m.PacketsSent.DeletePartialMatch(l)
	}
	if inputID != "" {
		l := prometheus.Labels{"input": inputID}
		m.FramesPushed.DeletePartialMatch(l)
		m.FramesDropped.DeletePartialMatch(l)
	}
}

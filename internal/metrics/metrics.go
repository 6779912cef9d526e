// Package metrics exposes playback counters and gauges to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons reported by presenters and decoders.
const (
	ReasonLate     = "late"
	ReasonTrimmed  = "trimmed"
	ReasonSink     = "sink"
	ReasonOverflow = "overflow"
)

// Metrics holds the player collectors registered on one registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	FramesPresented  *prometheus.CounterVec
	FramesDropped    *prometheus.CounterVec
	DecodeErrors     *prometheus.CounterVec
	CorruptPackets   prometheus.Counter
	Seeks            *prometheus.CounterVec
	SinkBackpressure *prometheus.CounterVec
	StreamFailures   *prometheus.CounterVec
	State            prometheus.Gauge
	QueueDepth       *prometheus.GaugeVec
	Position         prometheus.Gauge
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in
// tests so registrations do not collide.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesPresented: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reel_frames_presented_total",
				Help: "Frames delivered to the sink",
			},
			[]string{"kind"},
		),
		FramesDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reel_frames_dropped_total",
				Help: "Frames discarded before reaching the sink",
			},
			[]string{"kind", "reason"},
		),
		DecodeErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reel_decode_errors_total",
				Help: "Packets the codec failed to decode",
			},
			[]string{"kind"},
		),
		CorruptPackets: f.NewCounter(
			prometheus.CounterOpts{
				Name: "reel_corrupt_packets_total",
				Help: "Corrupt packets skipped by the demuxer",
			},
		),
		Seeks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reel_seeks_total",
				Help: "Seeks by result",
			},
			[]string{"result"},
		),
		SinkBackpressure: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reel_sink_backpressure_total",
				Help: "Sink writes that exceeded the sink timeout",
			},
			[]string{"kind"},
		),
		StreamFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reel_stream_failures_total",
				Help: "Streams disabled after a fatal error",
			},
			[]string{"kind"},
		),
		State: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "reel_player_state",
				Help: "Current player state (0 closed, 1 opening, 2 ready, 3 playing, 4 paused, 5 seeking, 6 stopping, 7 error)",
			},
		),
		QueueDepth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "reel_frame_queue_depth",
				Help: "Decoded frames waiting for presentation",
			},
			[]string{"kind"},
		),
		Position: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "reel_position_seconds",
				Help: "Master clock position",
			},
		),
	}
}

func (m *Metrics) Presented(kind string) {
	if m == nil {
		return
	}
	m.FramesPresented.WithLabelValues(kind).Inc()
}

func (m *Metrics) Dropped(kind, reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FramesDropped.WithLabelValues(kind, reason).Add(float64(n))
}

func (m *Metrics) DecodeError(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DecodeErrors.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) Corrupt(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CorruptPackets.Add(float64(n))
}

// Seek records a seek outcome: "ok", "failed" or "superseded".
func (m *Metrics) Seek(result string) {
	if m == nil {
		return
	}
	m.Seeks.WithLabelValues(result).Inc()
}

func (m *Metrics) Backpressure(kind string) {
	if m == nil {
		return
	}
	m.SinkBackpressure.WithLabelValues(kind).Inc()
}

func (m *Metrics) StreamFailed(kind string) {
	if m == nil {
		return
	}
	m.StreamFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetState(state int) {
	if m == nil {
		return
	}
	m.State.Set(float64(state))
}

func (m *Metrics) SetQueueDepth(kind string, n int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(kind).Set(float64(n))
}

func (m *Metrics) SetPosition(seconds float64) {
	if m == nil {
		return
	}
	m.Position.Set(seconds)
}

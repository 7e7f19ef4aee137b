// Package telemetry exposes playback health counters as Prometheus
// metrics: packets read, frames decoded and dropped, queue fill levels and
// audio underruns.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the set of collectors the engine updates. A Nop instance
// (registered nowhere) is used when the embedder does not opt in.
type Metrics struct {
	PacketsRead    *prometheus.CounterVec
	FramesDecoded  *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec
	QueueBytes     *prometheus.GaugeVec
	AudioUnderruns prometheus.Counter
	Seeks          prometheus.Counter
}

// New creates the metric set and registers it with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := newMetrics()
	reg.MustRegister(
		m.PacketsRead,
		m.FramesDecoded,
		m.FramesDropped,
		m.QueueBytes,
		m.AudioUnderruns,
		m.Seeks,
	)
	return m
}

// Nop creates an unregistered metric set; updates are retained but never
// scraped.
func Nop() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		PacketsRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kinema",
			Name:      "packets_read_total",
			Help:      "Demuxed packets routed to a stream queue.",
		}, []string{"stream"}),
		FramesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kinema",
			Name:      "frames_decoded_total",
			Help:      "Frames emitted by the decoders.",
		}, []string{"stream"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kinema",
			Name:      "frames_dropped_total",
			Help:      "Video frames dropped for synchronization.",
		}, []string{"reason"}),
		QueueBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kinema",
			Name:      "queue_bytes",
			Help:      "Bytes buffered per packet queue.",
		}, []string{"stream"}),
		AudioUnderruns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kinema",
			Name:      "audio_underruns_total",
			Help:      "Device callbacks served silence for lack of samples.",
		}),
		Seeks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kinema",
			Name:      "seeks_total",
			Help:      "Seek requests serviced by the reader.",
		}),
	}
}

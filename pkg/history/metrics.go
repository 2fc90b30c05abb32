package history

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	frames    prometheus.Gauge
	bytes     prometheus.Gauge
	evictions prometheus.Counter
	packed    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		frames: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "frameprof_history_frames",
			Help: "Number of frames currently retained.",
		}),
		bytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "frameprof_history_bytes",
			Help: "Payload bytes currently retained.",
		}),
		evictions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "frameprof_history_evictions_total",
			Help: "Total number of frames whose payload was released.",
		}),
		packed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "frameprof_history_packed_frames_total",
			Help: "Total number of frames compressed in place.",
		}),
	}
}

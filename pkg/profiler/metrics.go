package profiler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	framesTotal     prometheus.Counter
	recordingErrors prometheus.Counter
	activeThreads   prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		framesTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "frameprof_frames_total",
			Help: "Total number of completed frames.",
		}),
		recordingErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "frameprof_recording_errors_total",
			Help: "Total number of recording errors (e.g. unmatched end-scope calls).",
		}),
		activeThreads: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "frameprof_active_threads",
			Help: "Number of registered recording threads.",
		}),
	}
}

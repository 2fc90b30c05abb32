package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type serverMetrics struct {
	clients       prometheus.Gauge
	connects      prometheus.Counter
	sentFrames    prometheus.Counter
	droppedFrames prometheus.Counter
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	return &serverMetrics{
		clients: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "frameprof_stream_clients",
			Help: "Number of connected stream clients.",
		}),
		connects: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "frameprof_stream_connects_total",
			Help: "Total number of accepted stream connections.",
		}),
		sentFrames: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "frameprof_stream_sent_frames_total",
			Help: "Total number of frames written to clients.",
		}),
		droppedFrames: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "frameprof_stream_dropped_frames_total",
			Help: "Total number of frames dropped because a client fell behind.",
		}),
	}
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mp3hub"

var (
	// Deliveries counts settled deliveries by outcome (ack, requeue, reject).
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "converter",
		Name:      "deliveries_total",
		Help:      "Settled video queue deliveries by outcome.",
	}, []string{"outcome"})

	CompensatingDeletes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "converter",
		Name:      "compensating_deletes_total",
		Help:      "Audio blobs deleted after a failed completion publish.",
	}, []string{"result"})

	ExtractDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "converter",
		Name:      "extract_duration_seconds",
		Help:      "Time spent in audio extraction.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
	})

	Uploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "uploads_total",
		Help:      "Upload requests by HTTP status.",
	}, []string{"status"})

	Downloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "downloads_total",
		Help:      "Download requests by HTTP status.",
	}, []string{"status"})
)

package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loraserve",
			Subsystem: "manager",
			Name:      "generations_total",
			Help:      "Generate calls by result",
		},
		[]string{"result"},
	)

	generationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "loraserve",
			Subsystem: "manager",
			Name:      "generation_duration_seconds",
			Help:      "Time spent inside the inference lock per generation",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	lockWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "loraserve",
			Subsystem: "manager",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for the inference lock",
			Buckets:   prometheus.DefBuckets,
		},
	)

	swapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loraserve",
			Subsystem: "manager",
			Name:      "swaps_total",
			Help:      "Adapter swaps by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(generationsTotal, generationDuration, lockWaitSeconds, swapsTotal)
}

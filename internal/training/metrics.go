package training

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loraserve",
			Subsystem: "training",
			Name:      "jobs_total",
			Help:      "Retraining jobs by outcome",
		},
		[]string{"result"},
	)

	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "loraserve",
			Subsystem: "training",
			Name:      "job_duration_seconds",
			Help:      "Wall time of retraining jobs from acceptance to completion",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	janitorRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "loraserve",
			Subsystem: "training",
			Name:      "janitor_removed_total",
			Help:      "Stale upload files removed by the janitor",
		},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal, jobDuration, janitorRemoved)
}

package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

// labels shared by the request counter and histogram
var requestLabels = []string{"route", "method", "code"}

var (
	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loraserve",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route, method and response code.",
	}, requestLabels)

	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "loraserve",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency. Generate requests include the wait for the model.",
		// generations run for seconds, probes for microseconds
		Buckets: []float64{.005, .025, .1, .5, 1, 2.5, 5, 10, 30, 60, 120},
	}, requestLabels)

	httpInflight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "loraserve",
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Requests currently being served.",
	}, []string{"method"})

	backpressureTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loraserve",
		Subsystem: "http",
		Name:      "backpressure_total",
		Help:      "Requests turned away because the model queue was full (generate) or a job was running (retrain).",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpInflight, backpressureTotal)
}

// statusRecorder remembers the first status code written.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.wroteHeader {
		sr.status = code
		sr.wroteHeader = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

// MetricsMiddleware records count, latency and concurrency of requests.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inflight := httpInflight.WithLabelValues(r.Method)
		inflight.Inc()
		defer inflight.Dec()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		// chi fills in the pattern while routing, so read it afterwards
		lv := []string{routeLabel(r), r.Method, strconv.Itoa(rec.status)}
		httpRequestsTotal.WithLabelValues(lv...).Inc()
		httpRequestDuration.WithLabelValues(lv...).Observe(time.Since(start).Seconds())
	})
}

// routeLabel is the chi route pattern (e.g. /v1/retrain/jobs/{id}). Requests
// that matched no route share "unmatched"; outside chi the raw path is used.
func routeLabel(r *http.Request) string {
	rc := chi.RouteContext(r.Context())
	if rc == nil {
		return r.URL.Path
	}
	if p := rc.RoutePattern(); p != "" {
		return p
	}
	return "unmatched"
}

// IncrementBackpressure counts a request refused for lack of capacity.
func IncrementBackpressure(reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	backpressureTotal.WithLabelValues(reason).Inc()
}

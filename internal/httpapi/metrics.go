package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"meshd/internal/apperr"
)

func httpOpts(name, help string) prometheus.Opts {
	return prometheus.Opts{Namespace: "meshd", Subsystem: "http", Name: name, Help: help}
}

var (
	routeLabels = []string{"path", "method", "status"}

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts(httpOpts("requests_total", "HTTP requests by route pattern, method and status.")),
		routeLabels,
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meshd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency. Job work is asynchronous and never counted here.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30, 120},
		},
		routeLabels,
	)

	httpInflight = prometheus.NewGauge(prometheus.GaugeOpts(httpOpts("inflight_requests", "HTTP requests being served.")))

	backpressureTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts(httpOpts("backpressure_total", "Requests rejected with 429, by reason.")),
		[]string{"reason"},
	)

	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts(httpOpts("job_submissions_total", "Job submissions by feature and outcome (accepted or the error kind).")),
		[]string{"feature", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpInflight, backpressureTotal, submissionsTotal)
}

// MetricsMiddleware instruments requests for Prometheus. Paths are labelled
// with the chi route pattern once routing is done, so job ids never become
// label values.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInflight.Inc()
		defer httpInflight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		labels := []string{routePatternOrPath(r), r.Method, strconv.Itoa(code)}
		httpRequestsTotal.WithLabelValues(labels...).Inc()
		httpRequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
	})
}

func routePatternOrPath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// IncrementBackpressure counts a 429 response.
func IncrementBackpressure(reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	backpressureTotal.WithLabelValues(reason).Inc()
}

// observeSubmission counts one submit attempt. feature is empty when the
// request never resolved to a known feature.
func observeSubmission(feature string, err error) {
	if feature == "" {
		feature = "unknown"
	}
	outcome := "accepted"
	if err != nil {
		outcome = string(apperr.KindOf(err))
	}
	submissionsTotal.WithLabelValues(feature, outcome).Inc()
}

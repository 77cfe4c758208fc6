package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func scrape(t *testing.T) []byte {
	t.Helper()
	rec := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics status=%d", rec.Code)
	}
	return rec.Body.Bytes()
}

func TestMetricsMiddleware_EmitsRequestCounters(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	rr := httptest.NewRecorder()
	MetricsMiddleware(next).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/raw-path", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected 418, got %d", rr.Code)
	}
	body := scrape(t)
	if !bytes.Contains(body, []byte("meshd_http_requests_total")) || !bytes.Contains(body, []byte(`path="/raw-path"`)) {
		t.Fatalf("missing request counter in metrics")
	}
}

// Routed requests are labelled by pattern, never by job id.
func TestMetrics_UseRoutePattern(t *testing.T) {
	h := NewMux(&mockService{}, Options{})
	do(t, h, http.MethodGet, "/api/v1/system/jobs/0192f6c4-aaaa", "")
	body := scrape(t)
	if !bytes.Contains(body, []byte(`path="/api/v1/system/jobs/{id}"`)) {
		t.Fatalf("expected route pattern label")
	}
	if bytes.Contains(body, []byte("0192f6c4-aaaa")) {
		t.Fatalf("job id leaked into labels")
	}
}

func TestBackpressureCounter(t *testing.T) {
	IncrementBackpressure("")
	IncrementBackpressure("rate_limit")
	body := scrape(t)
	if !bytes.Contains(body, []byte(`meshd_http_backpressure_total{reason="unspecified"}`)) ||
		!bytes.Contains(body, []byte(`reason="rate_limit"`)) {
		t.Fatalf("backpressure reasons missing")
	}
}

func TestSubmissionCounter(t *testing.T) {
	h := NewMux(&mockService{}, Options{})
	do(t, h, http.MethodPost, "/api/v1/rigging", `{"inputs":{"mesh_path":"/m/a.obj"}}`)
	do(t, h, http.MethodPost, "/api/v1/jobs", `{"inputs":{}}`)
	body := scrape(t)
	if !bytes.Contains(body, []byte(`meshd_http_job_submissions_total{feature="rig",outcome="accepted"}`)) {
		t.Fatalf("accepted submission not counted")
	}
	if !bytes.Contains(body, []byte(`meshd_http_job_submissions_total{feature="unknown",outcome="validation"}`)) {
		t.Fatalf("rejected submission not counted")
	}
}

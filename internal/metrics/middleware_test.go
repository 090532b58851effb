package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMiddlewareLabelsRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/jobs/{job_id}/status", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Post("/v1/jobs", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	notFound := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404"))
	accepted := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "202"))

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/v1/jobs/7/status", nil),
		httptest.NewRequest(http.MethodGet, "/v1/jobs/8/status", nil),
		httptest.NewRequest(http.MethodPost, "/v1/jobs", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	assert.InDelta(t, notFound+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404")), 0)
	assert.InDelta(t, accepted+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "202")), 0)
	// Both status requests share one duration series keyed by the pattern.
	assert.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds, "harvester_http_request_duration_seconds"))
}

package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counterValue gathers reg and returns the value of the counter series name
// whose labels include every pair in labels.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	series:
		for _, m := range f.GetMetric() {
			got := map[string]string{}
			for _, l := range m.GetLabel() {
				got[l.GetName()] = l.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue series
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestRecordersRegisterOnCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordRateLimitHit("oracle")
	m.RecordRateLimitHit("oracle")
	m.RecordSignerRequest("sign", nil)
	m.RecordSignerRequest("sign", errors.New("declined"))
	m.RecordOutcome("send", "confirmed", "")

	assert.Equal(t, 2.0, counterValue(t, reg, "http_upstream_rate_limit_hits_total", map[string]string{"upstream": "oracle"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "signer_requests_total", map[string]string{"operation": "sign", "result": "success"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "signer_requests_total", map[string]string{"operation": "sign", "result": "error"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "pipeline_outcomes_total", map[string]string{"flow": "send", "stage": "confirmed"}))
}

func TestHTTPMetricsMiddlewareCapturesStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	h := HTTPMetricsMiddleware(m, "/transaction/submit")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/transaction/submit", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, 1.0, counterValue(t, reg, "http_requests_total", map[string]string{
		"handler": "/transaction/submit",
		"method":  "POST",
		"status":  "5xx",
	}))
}

func TestHTTPMetricsMiddlewareNilMetrics(t *testing.T) {
	h := HTTPMetricsMiddleware(nil, "/health")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	assert.NotPanics(t, func() { h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil)) })
}

func TestTimer(t *testing.T) {
	var got float64
	stop := Timer(time.Now().Add(-50*time.Millisecond), func(d float64) { got = d })
	stop()
	assert.GreaterOrEqual(t, got, 0.05)
}

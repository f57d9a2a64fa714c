package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Recorders(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordTransition("apply_transition", "ok", 10*time.Millisecond)
	m.RecordTransition("apply_transition", "ok", 20*time.Millisecond)
	m.RecordStatusChange("IN_PROGRESS")
	m.RecordBroadcastFailure("slow_consumer")
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed("client_closed")
	m.RecordSweep("ok", 3, 1, time.Second)
	m.RecordIdempotency(true)
	m.SetBrokerTenants(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("apply_transition", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StatusChanges.WithLabelValues("IN_PROGRESS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BroadcastFailures.WithLabelValues("slow_consumer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SweepNodesEscalated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SweepNodesSkipped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IdempotencyHits))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.BrokerTenants))
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}

func TestMiddleware_UsesRouteTemplate(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	router := mux.NewRouter()
	router.Use(Middleware(m))
	router.HandleFunc("/v1/nodes/{node_id}/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPut)

	req := httptest.NewRequest(http.MethodPut, "/v1/nodes/n-42/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.HTTPRequestsTotal.WithLabelValues(http.MethodPut, "/v1/nodes/{node_id}/status", "204")))
}

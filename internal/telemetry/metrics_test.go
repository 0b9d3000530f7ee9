package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesMetrics(t *testing.T) {
	BroadcastSends.WithLabelValues("sent").Add(3)
	ThrottleReject.Inc()

	h := Handler()
	_ = Handler() // registering twice must not panic

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `bot_broadcast_sends_total{outcome="sent"} 3`)
	assert.Contains(t, body, "bot_throttle_rejects_total 1")
}

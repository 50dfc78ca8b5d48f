package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCounters(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)

	m.SignIn("success")
	m.SignIn("state_mismatch")
	m.Invitation("sent")
	m.VisitorEvent("rage_click")
	m.ObserveRequest(http.MethodGet, "/sign-in/callback", http.StatusFound, 20*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, `lcpsych_signin_total{outcome="success"} 1`)
	assert.Contains(t, body, `lcpsych_signin_total{outcome="state_mismatch"} 1`)
	assert.Contains(t, body, `lcpsych_invitations_total{result="sent"} 1`)
	assert.Contains(t, body, `lcpsych_visitor_events_total{event_type="rage_click"} 1`)
	assert.Contains(t, body, `lcpsych_http_requests_total{method="GET",route="/sign-in/callback",status="302"} 1`)
	assert.Contains(t, body, "lcpsych_http_request_duration_seconds_bucket")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SignIn("success")
	m.Invitation("sent")
	m.VisitorEvent("click")
	m.ObserveRequest(http.MethodGet, "", http.StatusOK, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

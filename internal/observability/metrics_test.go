package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordExecutionCounts(t *testing.T) {
	before := testutil.ToFloat64(executionsTotal.WithLabelValues("send-reminders", "success"))
	RecordExecution("send-reminders", "success", 10*time.Millisecond)
	RecordExecution("send-reminders", "success", 20*time.Millisecond)
	after := testutil.ToFloat64(executionsTotal.WithLabelValues("send-reminders", "success"))
	assert.Equal(t, before+2, after)
}

func TestPendingApprovalsGauge(t *testing.T) {
	SetPendingApprovals(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(approvalsPending))
	SetPendingApprovals(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(approvalsPending))
}

func TestHandlerExposesCollectors(t *testing.T) {
	RecordTransition("completed")
	RecordHTTPRequest(http.MethodGet, "/v0/health", 200, time.Millisecond)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "actionline_activity_transitions_total"))
	assert.True(t, strings.Contains(body, "actionline_http_requests_total"))
}

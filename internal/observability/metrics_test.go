package observability

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordToolExecution(t *testing.T) {
	m := getMetrics()
	before := testutil.ToFloat64(m.executionTotal.WithLabelValues("metrics_test_tool", "failed"))

	RecordToolExecution("metrics_test_tool", "failed", "network_error", 50*time.Millisecond, 2)

	assert.Equal(t, before+1, testutil.ToFloat64(m.executionTotal.WithLabelValues("metrics_test_tool", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executionErrors.WithLabelValues("metrics_test_tool", "network_error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.retryTotal.WithLabelValues("metrics_test_tool")))
}

func TestLaneAndCatalogGauges(t *testing.T) {
	m := getMetrics()

	SetToolLane("lane_tool", 2, 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.laneRunning.WithLabelValues("lane_tool")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.laneWaiting.WithLabelValues("lane_tool")))

	RecordCatalogReload(7, nil)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.catalogTools))

	RecordCatalogReload(0, errors.New("bad file"))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.catalogTools))
}

func TestMetricsHandler(t *testing.T) {
	RecordAdmissionRejected("handler_tool", "rate_limit_exceeded")

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "toolengine_admission_rejected_total"))
}

func TestAuditLoggerRecord(t *testing.T) {
	var buf bytes.Buffer
	SetAuditLogger(NewAuditLogger(zerolog.New(&buf)))
	defer SetAuditLogger(nil)

	RecordSecurityAudit(context.Background(), "permission_check", "agent-1", "denied", map[string]interface{}{"tool": "write_file"})

	out := buf.String()
	assert.Contains(t, out, `"action":"permission_check"`)
	assert.Contains(t, out, `"status":"denied"`)
	assert.Contains(t, out, "write_file")
}

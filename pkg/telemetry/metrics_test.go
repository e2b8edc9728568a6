package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMissionMetrics(t *testing.T) {
	before := testutil.ToFloat64(metricMissionsFinished.WithLabelValues("completed"))
	active := testutil.ToFloat64(metricMissionsActive)

	MissionStarted()
	assert.Equal(t, active+1, testutil.ToFloat64(metricMissionsActive))
	MissionFinished("completed")
	assert.Equal(t, active, testutil.ToFloat64(metricMissionsActive))
	assert.Equal(t, before+1, testutil.ToFloat64(metricMissionsFinished.WithLabelValues("completed")))
}

func TestCounters(t *testing.T) {
	events := testutil.ToFloat64(metricMissionEvents.WithLabelValues("tool_call"))
	EventAppended("tool_call", time.Millisecond)
	assert.Equal(t, events+1, testutil.ToFloat64(metricMissionEvents.WithLabelValues("tool_call")))

	overflows := testutil.ToFloat64(metricHubOverflows)
	HubOverflow("m")
	assert.Equal(t, overflows+1, testutil.ToFloat64(metricHubOverflows))

	failed := testutil.ToFloat64(metricBridgeReconnects.WithLabelValues("failed"))
	BridgeReconnect(false)
	assert.Equal(t, failed+1, testutil.ToFloat64(metricBridgeReconnects.WithLabelValues("failed")))

	provisions := testutil.ToFloat64(metricWorkspaceProvisions.WithLabelValues("host", "ready"))
	WorkspaceProvisioned("host", "ready", time.Second)
	assert.Equal(t, provisions+1, testutil.ToFloat64(metricWorkspaceProvisions.WithLabelValues("host", "ready")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	MissionStarted()
	defer MissionFinished("cancelled")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "missionctl_missions_active")
}

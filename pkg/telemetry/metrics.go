// Package telemetry exposes Prometheus metrics and OpenTelemetry tracing for
// missionctl.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "missionctl"

var (
	metricMissionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "missions_active",
		Help:      "Missions currently owned by a run loop.",
	})
	metricMissionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "missions_finished_total",
		Help:      "Missions that reached a terminal status, by status.",
	}, []string{"status"})
	metricMissionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mission_events_total",
		Help:      "Mission events appended to the log, by type.",
	}, []string{"type"})
	metricAppendSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "mission_event_append_seconds",
		Help:      "Latency of durable event appends.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
	metricHubOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hub_subscriber_overflows_total",
		Help:      "Live subscribers dropped because their buffer filled.",
	})
	metricBridgeReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bridge_reconnects_total",
		Help:      "Execution bridge stream reconnect attempts, by result.",
	}, []string{"result"})
	metricWorkspaceProvisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workspace_provisions_total",
		Help:      "Workspace provisioning attempts, by type and result.",
	}, []string{"type", "result"})
	metricWorkspaceProvisionSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "workspace_provision_seconds",
		Help:      "Duration of workspace provisioning, by type.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
	}, []string{"type"})
)

// MissionStarted increments the active-missions gauge.
func MissionStarted() {
	metricMissionsActive.Inc()
}

// MissionFinished records a terminal status and decrements the active gauge.
func MissionFinished(status string) {
	metricMissionsActive.Dec()
	metricMissionsFinished.WithLabelValues(status).Inc()
}

// EventAppended records one durable append.
func EventAppended(eventType string, took time.Duration) {
	metricMissionEvents.WithLabelValues(eventType).Inc()
	metricAppendSeconds.Observe(took.Seconds())
}

// HubOverflow records a dropped live subscriber.
func HubOverflow(string) {
	metricHubOverflows.Inc()
}

// BridgeReconnect records a reconnect attempt; ok reports whether it succeeded.
func BridgeReconnect(ok bool) {
	result := "failed"
	if ok {
		result = "ok"
	}
	metricBridgeReconnects.WithLabelValues(result).Inc()
}

// WorkspaceProvisioned records a finished provisioning attempt.
func WorkspaceProvisioned(workspaceType, result string, took time.Duration) {
	metricWorkspaceProvisions.WithLabelValues(workspaceType, result).Inc()
	metricWorkspaceProvisionSeconds.WithLabelValues(workspaceType).Observe(took.Seconds())
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

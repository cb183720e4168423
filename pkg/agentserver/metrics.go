package agentserver

import (
	"github.com/tracegate/tracegate/internal/telemetry"
)

func reconcileChangedTotal(kind string) {
	telemetry.ReconcileChangedTotal.WithLabelValues(kind).Inc()
}

func eventsProcessedTotal(outcome string) {
	telemetry.AgentEventsProcessedTotal.WithLabelValues(outcome).Inc()
}

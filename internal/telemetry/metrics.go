package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration records request duration for every HTTP endpoint,
// labeled by method, route pattern, and status code.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "tracegate",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"method", "route", "status"},
)

var IpamLeasesAllocatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tracegate",
		Subsystem: "ipam",
		Name:      "leases_allocated_total",
		Help:      "Total number of IPAM leases allocated, by pool.",
	},
	[]string{"pool"},
)

var IpamPoolExhaustedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tracegate",
		Subsystem: "ipam",
		Name:      "pool_exhausted_total",
		Help:      "Total number of allocation attempts that failed because a pool had no free addresses.",
	},
	[]string{"pool"},
)

var RevisionsCreatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tracegate",
		Subsystem: "revision",
		Name:      "created_total",
		Help:      "Total number of connection revisions created, by protocol.",
	},
	[]string{"protocol"},
)

var RevisionsRevokedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tracegate",
		Subsystem: "revision",
		Name:      "revoked_total",
		Help:      "Total number of connection revisions revoked, by protocol.",
	},
	[]string{"protocol"},
)

var OutboxEventsCreatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tracegate",
		Subsystem: "outbox",
		Name:      "events_created_total",
		Help:      "Total number of outbox events created, by event type.",
	},
	[]string{"event_type"},
)

var OutboxDeliveriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tracegate",
		Subsystem: "outbox",
		Name:      "deliveries_total",
		Help:      "Total number of outbox deliveries attempted, by terminal status.",
	},
	[]string{"status"},
)

var DispatcherClaimedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "tracegate",
		Subsystem: "dispatcher",
		Name:      "claimed_total",
		Help:      "Total number of deliveries claimed by this dispatcher instance.",
	},
)

var DispatcherDeliveryDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "tracegate",
		Subsystem: "dispatcher",
		Name:      "delivery_duration_seconds",
		Help:      "Duration of a single delivery POST to a node agent.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
	},
	[]string{"node_id"},
)

var ReconcileChangedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tracegate",
		Subsystem: "reconcile",
		Name:      "changed_total",
		Help:      "Total number of reconcile passes that produced a changed runtime config, by kind.",
	},
	[]string{"kind"},
)

var AgentEventsProcessedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tracegate",
		Subsystem: "agent",
		Name:      "events_processed_total",
		Help:      "Total number of /v1/events requests processed by the node agent, by outcome.",
	},
	[]string{"outcome"},
)

// All returns all Tracegate-specific domain metrics for registration. The
// shared HTTPRequestDuration is not included: NewMetricsRegistry registers
// it itself.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		IpamLeasesAllocatedTotal,
		IpamPoolExhaustedTotal,
		RevisionsCreatedTotal,
		RevisionsRevokedTotal,
		OutboxEventsCreatedTotal,
		OutboxDeliveriesTotal,
		DispatcherClaimedTotal,
		DispatcherDeliveryDuration,
		ReconcileChangedTotal,
		AgentEventsProcessedTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors, the shared HTTPRequestDuration metric, and any additional
// service-specific collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Observability counters. Invariant violations and structural errors never
// tear down a connection; they only surface here and in the logs.
var (
	metricMessagesAdmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "burrow_engine_messages_admitted_total",
		Help: "Messages evaluated by the DAG, by admit outcome.",
	}, []string{"outcome"})

	metricStructuralErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "burrow_engine_structural_errors_total",
		Help: "Malformed or unparseable wire payloads dropped.",
	})

	metricInvariantViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "burrow_engine_invariant_violations_total",
		Help: "Clock or CRDT invariant violations rejected from remote peers.",
	})

	metricPendingMessages = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "burrow_engine_pending_messages",
		Help: "Messages buffered waiting on missing parents.",
	})

	metricOrphanedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "burrow_engine_orphaned_messages_total",
		Help: "Buffered messages that exceeded the pending timeout.",
	})

	metricGossipRounds = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "burrow_engine_gossip_rounds_total",
		Help: "Anti-entropy digest rounds initiated.",
	})

	metricRepairRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "burrow_engine_repair_requests_total",
		Help: "Repair requests issued for missing parents.",
	})
)

func init() {
	prometheus.MustRegister(
		metricMessagesAdmitted,
		metricStructuralErrors,
		metricInvariantViolations,
		metricPendingMessages,
		metricOrphanedMessages,
		metricGossipRounds,
		metricRepairRequests,
	)
}

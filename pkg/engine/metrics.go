package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rmax-ai/graphlord/pkg/graph"
)

var (
	// RuleEvaluations counts finished rule evaluations
	RuleEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphlord_rule_evaluations_total",
			Help: "Total number of rule evaluations by kind and final status",
		},
		[]string{"kind", "status"},
	)

	// RuleEvaluationSeconds tracks how long rules take to evaluate
	RuleEvaluationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphlord_rule_evaluation_seconds",
			Help:    "Rule evaluation latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// ConstraintViolations holds the violation count of the last validation
	ConstraintViolations = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "graphlord_constraint_violations",
			Help: "Number of rows returned by the last validation of a constraint",
		},
		[]string{"rule"},
	)

	// GraphTransactions counts graph transactions by outcome
	GraphTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphlord_graph_transactions_total",
			Help: "Total number of graph transactions by outcome",
		},
		[]string{"outcome"},
	)

	// GraphVersion is the version of the committed graph snapshot
	GraphVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "graphlord_graph_version",
			Help: "Version of the latest committed graph snapshot",
		},
	)
)

func init() {
	prometheus.MustRegister(RuleEvaluations)
	prometheus.MustRegister(RuleEvaluationSeconds)
	prometheus.MustRegister(ConstraintViolations)
	prometheus.MustRegister(GraphTransactions)
	prometheus.MustRegister(GraphVersion)
}

// ObserveTx records a finished graph transaction. Every analyzer installs
// it on its graph.
func ObserveTx(ev graph.TxEvent) {
	GraphTransactions.WithLabelValues(string(ev.Outcome)).Inc()
	if ev.Outcome == graph.TxCommitted && ev.Writable {
		GraphVersion.Set(float64(ev.Version))
	}
}

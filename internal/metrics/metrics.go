// Package metrics holds the prometheus instruments the core increments.
// Exposition is wired up elsewhere; only the registry surface lives here.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zapflow_sends_total",
		Help: "Outbound send attempts by provider and outcome.",
	}, []string{"provider", "outcome"})

	FlowRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zapflow_flow_runs_total",
		Help: "Flow executions by terminal status.",
	}, []string{"status"})

	AutopilotDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zapflow_autopilot_decisions_total",
		Help: "Autopilot decisions by intent, action and status.",
	}, []string{"intent", "action", "status"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "zapflow_queue_depth",
		Help: "Pending jobs per queue.",
	}, []string{"queue"})

	DeadLetteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zapflow_dead_lettered_jobs_total",
		Help: "Jobs that exhausted their retry budget, per queue.",
	}, []string{"queue"})

	HealedJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zapflow_healed_jobs_total",
		Help: "Dead-lettered jobs requeued by the self-healer, per queue.",
	}, []string{"queue"})

	ProviderHealthScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "zapflow_provider_health_score",
		Help: "Rolling 0-100 success score per provider.",
	}, []string{"provider"})
)

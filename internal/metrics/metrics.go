// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Turn outcomes.
const (
	OutcomeAnswered  = "answered"
	OutcomeCached    = "cached"
	OutcomeThrottled = "throttled"
	OutcomeError     = "error"
)

var (
	Turns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suvfin",
		Name:      "turns_total",
		Help:      "Processed user turns by outcome.",
	}, []string{"outcome"})

	TurnDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "suvfin",
		Name:      "turn_duration_seconds",
		Help:      "Wall time of ProcessTurn by tier.",
		Buckets:   []float64{0.05, 0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
	}, []string{"tier"})

	ModelCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suvfin",
		Name:      "model_calls_total",
		Help:      "Reasoning model invocations by tier and status.",
	}, []string{"tier", "status"})

	Tokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suvfin",
		Name:      "tokens_total",
		Help:      "Tokens reported by the model provider by kind.",
	}, []string{"kind"})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suvfin",
		Name:      "response_cache_lookups_total",
		Help:      "Response cache lookups by result.",
	}, []string{"result"})

	RouterFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suvfin",
		Name:      "router_escalations_total",
		Help:      "Light-tier turns escalated to the full tier, by reason.",
	}, []string{"reason"})

	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suvfin",
		Name:      "tool_calls_total",
		Help:      "Tool executions by tool and status.",
	}, []string{"tool", "status"})

	WebhookJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suvfin",
		Name:      "webhook_jobs_total",
		Help:      "Inbound message jobs by outcome.",
	}, []string{"outcome"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "suvfin",
		Name:      "webhook_queue_depth",
		Help:      "Inbound messages waiting for a worker.",
	})

	BillingEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suvfin",
		Name:      "billing_events_total",
		Help:      "Billing webhook events by outcome.",
	}, []string{"outcome"})

	DependencyUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "suvfin",
		Name:      "dependency_up",
		Help:      "1 when the last check of a dependency succeeded.",
	}, []string{"service"})
)

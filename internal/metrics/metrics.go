package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all the Prometheus metrics for the coordination core.
type Metrics struct {
	ScopeChecksTotal       *prometheus.CounterVec
	ScopeCheckDuration     prometheus.Histogram
	FindingsPublishedTotal prometheus.Counter
	ActionsPublishedTotal  prometheus.Counter
	MessagesRejectedTotal  *prometheus.CounterVec
	BufferDroppedTotal     prometheus.Counter
	BufferDepth            prometheus.Gauge
	AggregatorDupesTotal   prometheus.Counter
	KillPathResults        *prometheus.CounterVec
	KillLatencySeconds     prometheus.Histogram
	AgentStateTransitions  *prometheus.CounterVec
	ThrottleWaitsTotal     prometheus.Counter
	AuditAppendsTotal      *prometheus.CounterVec
	AuditAppendErrors      prometheus.Counter
}

// New creates a Metrics instance registered on the default registry.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates a Metrics instance on a caller-supplied
// registerer, so tests can use an isolated registry.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ScopeChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmgate_scope_checks_total",
			Help: "Total scope validations by outcome",
		}, []string{"outcome"}),
		ScopeCheckDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "swarmgate_scope_check_duration_seconds",
			Help:    "Scope validation latency",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005},
		}),
		FindingsPublishedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "swarmgate_findings_published_total",
			Help: "Total findings published to the bus",
		}),
		ActionsPublishedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "swarmgate_actions_published_total",
			Help: "Total agent actions published to the bus",
		}),
		MessagesRejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmgate_messages_rejected_total",
			Help: "Total bus messages rejected on receive, by reason",
		}, []string{"reason"}),
		BufferDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "swarmgate_buffer_dropped_total",
			Help: "Total messages dropped from the bounded publish buffer",
		}),
		BufferDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "swarmgate_buffer_depth",
			Help: "Current depth of the bounded publish buffer",
		}),
		AggregatorDupesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "swarmgate_aggregator_duplicates_total",
			Help: "Total duplicate findings suppressed by the aggregation tier",
		}),
		KillPathResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmgate_kill_path_results_total",
			Help: "Kill switch path outcomes by path and result",
		}, []string{"path", "result"}),
		KillLatencySeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "swarmgate_kill_latency_seconds",
			Help:    "Time from kill trigger to all paths dispatched",
			Buckets: []float64{.001, .01, .05, .1, .25, .5, 1, 2},
		}),
		AgentStateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmgate_agent_state_transitions_total",
			Help: "Agent state machine transitions by target state",
		}, []string{"state"}),
		ThrottleWaitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "swarmgate_throttle_waits_total",
			Help: "Total times an agent entered the throttle wait state",
		}),
		AuditAppendsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmgate_audit_appends_total",
			Help: "Total audit entries appended, by entry kind",
		}, []string{"kind"}),
		AuditAppendErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "swarmgate_audit_append_errors_total",
			Help: "Total audit append failures",
		}),
	}
}

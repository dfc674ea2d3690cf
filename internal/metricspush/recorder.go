// Package metricspush exports business KPIs (workflows, match outcomes,
// postings, communications) to an external collector. It is entirely
// optional: with push disabled every record call is a no-op.
package metricspush

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Recorder interface {
	RecordWorkflowStarted(erpSystem string)
	RecordWorkflowFinalized(state string)
	RecordMatchOutcome(status, discrepancy string)
	RecordERPPost(system, outcome string)
	RecordExtraction(tier string, cost float64)
	RecordCommunication(kind, status string)
}

type noopRecorder struct{}

func (noopRecorder) RecordWorkflowStarted(string)      {}
func (noopRecorder) RecordWorkflowFinalized(string)    {}
func (noopRecorder) RecordMatchOutcome(string, string) {}
func (noopRecorder) RecordERPPost(string, string)      {}
func (noopRecorder) RecordExtraction(string, float64)  {}
func (noopRecorder) RecordCommunication(string, string) {}

var (
	activeRecorder Recorder = noopRecorder{}
	recorderMu     sync.RWMutex
)

func setRecorder(rec Recorder) {
	if rec == nil {
		return
	}
	recorderMu.Lock()
	activeRecorder = rec
	recorderMu.Unlock()
}

func RecordWorkflowStarted(erpSystem string) {
	recorderMu.RLock()
	rec := activeRecorder
	recorderMu.RUnlock()
	rec.RecordWorkflowStarted(erpSystem)
}

func RecordWorkflowFinalized(state string) {
	recorderMu.RLock()
	rec := activeRecorder
	recorderMu.RUnlock()
	rec.RecordWorkflowFinalized(state)
}

func RecordMatchOutcome(status, discrepancy string) {
	recorderMu.RLock()
	rec := activeRecorder
	recorderMu.RUnlock()
	rec.RecordMatchOutcome(status, discrepancy)
}

func RecordERPPost(system, outcome string) {
	recorderMu.RLock()
	rec := activeRecorder
	recorderMu.RUnlock()
	rec.RecordERPPost(system, outcome)
}

func RecordExtraction(tier string, cost float64) {
	recorderMu.RLock()
	rec := activeRecorder
	recorderMu.RUnlock()
	rec.RecordExtraction(tier, cost)
}

func RecordCommunication(kind, status string) {
	recorderMu.RLock()
	rec := activeRecorder
	recorderMu.RUnlock()
	rec.RecordCommunication(kind, status)
}

type kpiMetrics struct {
	workflowsStarted   *prometheus.CounterVec
	workflowsFinalized *prometheus.CounterVec
	matchOutcomes      *prometheus.CounterVec
	erpPosts           *prometheus.CounterVec
	extractionRuns     *prometheus.CounterVec
	extractionCost     *prometheus.CounterVec
	communications     *prometheus.CounterVec
}

func newKPIMetrics(registry *prometheus.Registry) *kpiMetrics {
	m := &kpiMetrics{
		workflowsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cashup",
			Subsystem: "kpi",
			Name:      "workflows_started_total",
			Help:      "Payment workflows claimed, by target ERP system.",
		}, []string{"erp_system"}),
		workflowsFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cashup",
			Subsystem: "kpi",
			Name:      "workflows_finalized_total",
			Help:      "Payment workflows finalized, by terminal state.",
		}, []string{"state"}),
		matchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cashup",
			Subsystem: "kpi",
			Name:      "match_outcomes_total",
			Help:      "Match results, by classification and discrepancy code.",
		}, []string{"status", "discrepancy"}),
		erpPosts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cashup",
			Subsystem: "kpi",
			Name:      "erp_posts_total",
			Help:      "Application postings, by ERP system and outcome.",
		}, []string{"system", "outcome"}),
		extractionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cashup",
			Subsystem: "kpi",
			Name:      "extraction_runs_total",
			Help:      "Extraction runs, by the tier that produced the result.",
		}, []string{"tier"}),
		extractionCost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cashup",
			Subsystem: "kpi",
			Name:      "extraction_cost_estimate_total",
			Help:      "Accumulated extraction cost estimate, by tier.",
		}, []string{"tier"}),
		communications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cashup",
			Subsystem: "kpi",
			Name:      "communications_total",
			Help:      "Outbound communications, by kind and delivery status.",
		}, []string{"kind", "status"}),
	}
	registry.MustRegister(
		m.workflowsStarted,
		m.workflowsFinalized,
		m.matchOutcomes,
		m.erpPosts,
		m.extractionRuns,
		m.extractionCost,
		m.communications,
	)
	return m
}

type recorder struct {
	metrics *kpiMetrics
}

func (r *recorder) RecordWorkflowStarted(erpSystem string) {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.workflowsStarted.WithLabelValues(normalizeLabel(erpSystem)).Inc()
}

func (r *recorder) RecordWorkflowFinalized(state string) {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.workflowsFinalized.WithLabelValues(normalizeLabel(state)).Inc()
}

func (r *recorder) RecordMatchOutcome(status, discrepancy string) {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.matchOutcomes.WithLabelValues(normalizeLabel(status), normalizeLabel(discrepancy)).Inc()
}

func (r *recorder) RecordERPPost(system, outcome string) {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.erpPosts.WithLabelValues(normalizeLabel(system), normalizeLabel(outcome)).Inc()
}

func (r *recorder) RecordExtraction(tier string, cost float64) {
	if r == nil || r.metrics == nil {
		return
	}
	label := normalizeLabel(tier)
	r.metrics.extractionRuns.WithLabelValues(label).Inc()
	if cost > 0 {
		r.metrics.extractionCost.WithLabelValues(label).Add(cost)
	}
}

func (r *recorder) RecordCommunication(kind, status string) {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.communications.WithLabelValues(normalizeLabel(kind), normalizeLabel(status)).Inc()
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}

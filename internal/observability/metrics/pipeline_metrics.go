package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	StepClaim       = "claim"
	StepExtract     = "extract"
	StepFetch       = "fetch"
	StepMatch       = "match"
	StepPost        = "post"
	StepCommunicate = "communicate"
	StepFinalize    = "finalize"
)

const (
	StepReasonDeadlineExceeded     = "deadline_exceeded"
	StepReasonDBLockTimeout        = "db_lock_timeout"
	StepReasonSerializationFailure = "serialization_failure"
	StepReasonUniqueViolation      = "unique_violation"
	StepReasonDB                   = "db"
	StepReasonUpstream             = "upstream"
	StepReasonUnknown              = "unknown"
)

const (
	ClaimOutcomeGranted   = "granted"
	ClaimOutcomeDuplicate = "duplicate"
	ClaimOutcomeResumed   = "resumed"
)

const (
	RecoveryActionFinalize = "finalize"
	RecoveryActionRequeue  = "requeue"
)

const (
	LockResourceAccountQueue = "account_queue"
	LockResourceAccountLease = "account_lease"
	LockResourceERPCustomer  = "erp_customer"
	LockResourceGlobalSlot   = "global_slot"
)

// PipelineMetrics captures workflow engine health signals.
type PipelineMetrics struct {
	workflowRuns     *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	stepTimeouts     *prometheus.CounterVec
	stepErrors       *prometheus.CounterVec
	claims           *prometheus.CounterVec
	recoveries       *prometheus.CounterVec
	queueWait        prometheus.Observer
	lockWait         *prometheus.HistogramVec
	stepObservers    map[string]prometheus.Observer
	lockWaitObserver map[string]prometheus.Observer
}

var (
	pipelineMetricsOnce sync.Once
	pipelineMetrics     *PipelineMetrics
)

// Pipeline returns the singleton pipeline metrics registry.
func Pipeline() *PipelineMetrics {
	return PipelineWithConfig(Config{})
}

// PipelineWithConfig returns the singleton pipeline metrics registry using config labels.
func PipelineWithConfig(cfg Config) *PipelineMetrics {
	pipelineMetricsOnce.Do(func() {
		pipelineMetrics = newPipelineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return pipelineMetrics
}

// ResetPipelineMetricsForTest resets the pipeline metrics singleton for tests.
func ResetPipelineMetricsForTest() {
	pipelineMetricsOnce = sync.Once{}
	pipelineMetrics = nil
}

func newPipelineMetrics(registerer prometheus.Registerer, cfg Config) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "cashup"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	workflowRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "cashup_pipeline_workflows_total",
		Help:        "Completed payment workflows by terminal status.",
		ConstLabels: constLabels,
	}, []string{"status"})
	stepDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "cashup_pipeline_step_duration_seconds",
		Help:        "Workflow step latency to protect end-to-end application SLOs.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300, 600},
		ConstLabels: constLabels,
	}, []string{"step"})
	stepTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "cashup_pipeline_step_timeouts_total",
		Help:        "Workflow steps that exceeded their deadline.",
		ConstLabels: constLabels,
	}, []string{"step"})
	stepErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "cashup_pipeline_step_errors_total",
		Help:        "Workflow step errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"step", "reason"})
	claims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "cashup_pipeline_claims_total",
		Help:        "Transaction claim attempts by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	recoveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "cashup_pipeline_recoveries_total",
		Help:        "Crash recovery actions taken for in-flight workflows.",
		ConstLabels: constLabels,
	}, []string{"action"})
	queueWait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "cashup_pipeline_queue_wait_seconds",
		Help:        "Wait time for a global workflow slot.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	})
	lockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "cashup_pipeline_lock_wait_seconds",
		Help:        "Serialization lock wait time by resource.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	}, []string{"resource"})

	registerer.MustRegister(
		workflowRuns,
		stepDuration,
		stepTimeouts,
		stepErrors,
		claims,
		recoveries,
		queueWait,
		lockWait,
	)

	stepObservers := map[string]prometheus.Observer{}
	for _, step := range []string{
		StepClaim,
		StepExtract,
		StepFetch,
		StepMatch,
		StepPost,
		StepCommunicate,
		StepFinalize,
	} {
		stepObservers[step] = stepDuration.WithLabelValues(step)
	}

	lockWaitObserver := map[string]prometheus.Observer{
		LockResourceAccountQueue: lockWait.WithLabelValues(LockResourceAccountQueue),
		LockResourceAccountLease: lockWait.WithLabelValues(LockResourceAccountLease),
		LockResourceERPCustomer:  lockWait.WithLabelValues(LockResourceERPCustomer),
		LockResourceGlobalSlot:   lockWait.WithLabelValues(LockResourceGlobalSlot),
	}

	return &PipelineMetrics{
		workflowRuns:     workflowRuns,
		stepDuration:     stepDuration,
		stepTimeouts:     stepTimeouts,
		stepErrors:       stepErrors,
		claims:           claims,
		recoveries:       recoveries,
		queueWait:        queueWait,
		lockWait:         lockWait,
		stepObservers:    stepObservers,
		lockWaitObserver: lockWaitObserver,
	}
}

// IncWorkflow increments the terminal status counter for a workflow run.
func (m *PipelineMetrics) IncWorkflow(status string) {
	if m == nil || m.workflowRuns == nil {
		return
	}
	m.workflowRuns.WithLabelValues(status).Inc()
}

// ObserveStepDuration records workflow step latency in seconds.
func (m *PipelineMetrics) ObserveStepDuration(step string, duration time.Duration) {
	if m == nil {
		return
	}
	if observer, ok := m.stepObservers[step]; ok {
		observer.Observe(duration.Seconds())
		return
	}
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// IncStepTimeout increments the timeout counter for a workflow step.
func (m *PipelineMetrics) IncStepTimeout(step string) {
	if m == nil || m.stepTimeouts == nil {
		return
	}
	m.stepTimeouts.WithLabelValues(step).Inc()
}

// IncStepError increments the step error counter with classification.
func (m *PipelineMetrics) IncStepError(step string, err error) {
	if m == nil || err == nil || m.stepErrors == nil {
		return
	}
	m.stepErrors.WithLabelValues(step, ClassifyStepReason(err)).Inc()
}

// IncStepErrorReason increments the step error counter with an explicit reason.
func (m *PipelineMetrics) IncStepErrorReason(step, reason string) {
	if m == nil || m.stepErrors == nil {
		return
	}
	m.stepErrors.WithLabelValues(step, reason).Inc()
}

// IncClaim increments the claim counter for an outcome.
func (m *PipelineMetrics) IncClaim(outcome string) {
	if m == nil || m.claims == nil {
		return
	}
	m.claims.WithLabelValues(outcome).Inc()
}

// IncRecovery increments the crash recovery counter for an action.
func (m *PipelineMetrics) IncRecovery(action string) {
	if m == nil || m.recoveries == nil {
		return
	}
	m.recoveries.WithLabelValues(action).Inc()
}

// ObserveQueueWait records time spent waiting for a global workflow slot.
func (m *PipelineMetrics) ObserveQueueWait(duration time.Duration) {
	if m == nil || m.queueWait == nil {
		return
	}
	wait := duration
	if wait < 0 {
		wait = 0
	}
	m.queueWait.Observe(wait.Seconds())
}

// ObserveLockWait records lock wait time for the named resource.
func (m *PipelineMetrics) ObserveLockWait(resource string, duration time.Duration) {
	if m == nil {
		return
	}
	if observer, ok := m.lockWaitObserver[resource]; ok {
		observer.Observe(duration.Seconds())
		return
	}
	m.lockWait.WithLabelValues(resource).Observe(duration.Seconds())
}

// ClassifyStepReason maps workflow step errors to low-cardinality reasons.
func ClassifyStepReason(err error) string {
	if err == nil {
		return StepReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return StepReasonDeadlineExceeded
	}
	if isDBLockTimeout(err) {
		return StepReasonDBLockTimeout
	}
	if isSerializationFailure(err) {
		return StepReasonSerializationFailure
	}
	if isUniqueViolation(err) {
		return StepReasonUniqueViolation
	}
	if isDBError(err) {
		return StepReasonDB
	}
	return StepReasonUnknown
}

// IsStepErrorRetryable reports whether the step error is worth retrying.
func IsStepErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if isUniqueViolation(err) {
		return false
	}
	return isDBLockTimeout(err) || isSerializationFailure(err)
}

func isDBLockTimeout(err error) bool {
	return hasPGCode(err, "55P03")
}

func isSerializationFailure(err error) bool {
	return hasPGCode(err, "40001")
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return hasPGCode(err, "23505")
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}

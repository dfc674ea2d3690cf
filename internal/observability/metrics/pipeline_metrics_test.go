package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

func TestClassifyStepReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: StepReasonDeadlineExceeded,
		},
		{
			name: "canceled",
			err:  context.Canceled,
			want: StepReasonDeadlineExceeded,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: StepReasonDBLockTimeout,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: StepReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: StepReasonUniqueViolation,
		},
		{
			name: "wrapped_unique_violation",
			err:  fmt.Errorf("claim transaction: %w", &pgconn.PgError{Code: "23505"}),
			want: StepReasonUniqueViolation,
		},
		{
			name: "db_error",
			err:  gorm.ErrInvalidTransaction,
			want: StepReasonDB,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: StepReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyStepReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestIsStepErrorRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: true},
		{name: "serialization", err: &pgconn.PgError{Code: "40001"}, want: true},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: false},
		{name: "unknown", err: errors.New("boom"), want: false},
		{name: "nil", err: nil, want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsStepErrorRetryable(tc.err); got != tc.want {
				t.Fatalf("expected retryable=%v, got %v", tc.want, got)
			}
		})
	}
}

func TestPipelineCountersAndObservers(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newPipelineMetrics(registry, Config{
		ServiceName: "cashup",
		Environment: "test",
	})

	metrics.IncClaim(ClaimOutcomeGranted)
	metrics.IncClaim(ClaimOutcomeGranted)
	metrics.IncClaim(ClaimOutcomeDuplicate)
	metrics.IncWorkflow("matched")
	metrics.IncStepError(StepPost, &pgconn.PgError{Code: "55P03"})
	metrics.ObserveStepDuration(StepMatch, 25*time.Millisecond)
	metrics.ObserveLockWait(LockResourceAccountQueue, 5*time.Millisecond)

	if got := testutil.ToFloat64(metrics.claims.WithLabelValues(ClaimOutcomeGranted)); got != 2 {
		t.Fatalf("expected 2 granted claims, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.claims.WithLabelValues(ClaimOutcomeDuplicate)); got != 1 {
		t.Fatalf("expected 1 duplicate claim, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.workflowRuns.WithLabelValues("matched")); got != 1 {
		t.Fatalf("expected 1 matched workflow, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.stepErrors.WithLabelValues(StepPost, StepReasonDBLockTimeout)); got != 1 {
		t.Fatalf("expected 1 post lock timeout, got %v", got)
	}
}

func TestHTTPMetricsRegisterOnce(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newHTTPMetrics(registry, Config{
		ServiceName: "cashup",
		Environment: "test",
	})

	metrics.requests.WithLabelValues("POST", "/payments", "202").Inc()

	if got := testutil.ToFloat64(metrics.requests.WithLabelValues("POST", "/payments", "202")); got != 1 {
		t.Fatalf("expected 1 request, got %v", got)
	}
}

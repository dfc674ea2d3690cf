package service

import (
	"context"
	"math/rand"
	"time"

	"github.com/smallbiznis/cashup/internal/clock"
	"github.com/smallbiznis/cashup/internal/config"
	"github.com/smallbiznis/cashup/internal/erp/adapters"
	"github.com/smallbiznis/cashup/internal/erp/domain"
	invoicedomain "github.com/smallbiznis/cashup/internal/invoice/domain"
	"github.com/smallbiznis/cashup/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultMaxConns = 8
	maxAttempts     = 5
	baseBackoff     = 500 * time.Millisecond
	retryBudget     = 60 * time.Second
)

type Params struct {
	fx.In

	Config   config.Config
	Log      *zap.Logger
	Clock    clock.Clock
	Registry *adapters.Registry
	DB       *gorm.DB
	Invoices invoicedomain.Repository
	Metrics  *metrics.Metrics `optional:"true"`
}

type service struct {
	registry  *adapters.Registry
	db        *gorm.DB
	invoices  invoicedomain.Repository
	metrics   *metrics.Metrics
	log       *zap.Logger
	clock     clock.Clock
	sems      map[string]chan struct{}
	customers *keyedMutex
}

// Provide builds the facade in front of all configured connectors.
func Provide(p Params) domain.Facade {
	maxConns := p.Config.ERP.MaxConnsPerSystem
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	sems := make(map[string]chan struct{})
	for _, name := range p.Registry.Systems() {
		sems[name] = make(chan struct{}, maxConns)
	}
	return &service{
		registry:  p.Registry,
		db:        p.DB,
		invoices:  p.Invoices,
		metrics:   p.Metrics,
		log:       p.Log.Named("erp.facade"),
		clock:     p.Clock,
		sems:      sems,
		customers: newKeyedMutex(),
	}
}

func (s *service) Systems() []string {
	return s.registry.Systems()
}

func (s *service) FetchInvoices(ctx context.Context, system string, invoiceIDs []string, customerID string) (domain.FetchResult, error) {
	conn, err := s.registry.Get(system)
	if err != nil {
		return domain.FetchResult{}, err
	}
	release, err := s.acquire(ctx, conn.System())
	if err != nil {
		return domain.FetchResult{}, err
	}
	defer release()

	var result domain.FetchResult
	err = s.withRetry(ctx, conn.System(), "fetch_invoices", func(ctx context.Context) error {
		var callErr error
		result, callErr = conn.FetchInvoices(ctx, invoiceIDs, customerID)
		return callErr
	})
	if err != nil {
		return domain.FetchResult{}, err
	}

	if err := s.snapshot(ctx, result.Invoices); err != nil {
		return domain.FetchResult{}, err
	}
	s.log.Info("fetched invoices",
		zap.String("system", conn.System()),
		zap.Int("requested", len(invoiceIDs)),
		zap.Int("found", len(result.Invoices)),
		zap.Int("not_found", len(result.NotFound)),
	)
	return result, nil
}

// snapshot refreshes the local working set the matcher allocates against.
func (s *service) snapshot(ctx context.Context, invoices []invoicedomain.Invoice) error {
	if len(invoices) == 0 {
		return nil
	}
	rows := make([]*invoicedomain.Invoice, 0, len(invoices))
	for i := range invoices {
		rows = append(rows, &invoices[i])
	}
	return s.invoices.Upsert(ctx, s.db, rows)
}

func (s *service) PostApplication(ctx context.Context, app domain.Application) (domain.PostResult, error) {
	if err := app.Validate(); err != nil {
		return domain.PostResult{}, domain.NewError(domain.KindValidation, app.ERPSystem, "post_application", err)
	}
	conn, err := s.registry.Get(app.ERPSystem)
	if err != nil {
		return domain.PostResult{}, err
	}

	// One in-flight posting per customer and system. Concurrent posts
	// against the same open invoices would race in the ERP.
	lockStart := s.clock.Now()
	unlock, err := s.customers.Lock(ctx, conn.System()+"/"+app.CustomerID)
	if err != nil {
		return domain.PostResult{}, err
	}
	defer unlock()
	metrics.Pipeline().ObserveLockWait(metrics.LockResourceERPCustomer, s.clock.Now().Sub(lockStart))

	release, err := s.acquire(ctx, conn.System())
	if err != nil {
		return domain.PostResult{}, err
	}
	defer release()

	if !conn.Capabilities().NativeIdempotency {
		if prior, found, err := s.probe(ctx, conn, app.TransactionID); err != nil {
			return domain.PostResult{}, err
		} else if found {
			prior.Duplicate = true
			s.recordPost(ctx, conn.System(), "duplicate")
			s.log.Info("application already posted",
				zap.String("system", conn.System()),
				zap.String("transaction_id", app.TransactionID),
				zap.String("erp_transaction_id", prior.ERPTransactionID),
			)
			return prior, nil
		}
	}

	var result domain.PostResult
	err = s.withRetry(ctx, conn.System(), "post_application", func(ctx context.Context) error {
		var callErr error
		result, callErr = conn.PostApplication(ctx, app)
		return callErr
	})
	if err != nil {
		s.recordPost(ctx, conn.System(), "error")
		return domain.PostResult{}, err
	}

	outcome := "posted"
	if result.Duplicate {
		outcome = "duplicate"
	}
	s.recordPost(ctx, conn.System(), outcome)
	s.log.Info("posted application",
		zap.String("system", conn.System()),
		zap.String("transaction_id", app.TransactionID),
		zap.String("erp_transaction_id", result.ERPTransactionID),
		zap.Bool("duplicate", result.Duplicate),
	)
	return result, nil
}

// probe asks the ERP whether this transaction was already applied. Used
// for systems without a native idempotency key; the check runs under the
// customer lock so the read-post window is closed to our own writers.
func (s *service) probe(ctx context.Context, conn domain.Connector, transactionID string) (domain.PostResult, bool, error) {
	finder, ok := conn.(domain.ApplicationFinder)
	if !ok {
		s.log.Warn("connector lacks idempotency key and lookup, replays may double-post",
			zap.String("system", conn.System()))
		return domain.PostResult{}, false, nil
	}
	var (
		prior domain.PostResult
		found bool
	)
	err := s.withRetry(ctx, conn.System(), "find_application", func(ctx context.Context) error {
		var callErr error
		prior, found, callErr = finder.FindApplication(ctx, transactionID)
		return callErr
	})
	if err != nil {
		return domain.PostResult{}, false, err
	}
	return prior, found, nil
}

func (s *service) TestConnection(ctx context.Context, system string) (domain.ConnectionStatus, error) {
	conn, err := s.registry.Get(system)
	if err != nil {
		return domain.ConnectionStatus{}, err
	}
	release, err := s.acquire(ctx, conn.System())
	if err != nil {
		return domain.ConnectionStatus{}, err
	}
	defer release()
	return conn.TestConnection(ctx)
}

func (s *service) acquire(ctx context.Context, system string) (func(), error) {
	sem, ok := s.sems[system]
	if !ok {
		return nil, domain.ErrUnknownSystem
	}
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// withRetry re-runs fn on transient failures with jittered exponential
// backoff. Conflicts get exactly one extra attempt; validation and
// permanent errors surface immediately. The whole loop is bounded by
// retryBudget.
func (s *service) withRetry(ctx context.Context, system, op string, fn func(context.Context) error) error {
	started := s.clock.Now()
	conflictRetried := false
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		kind := domain.KindOf(err)
		switch {
		case kind == domain.KindConflict && !conflictRetried:
			conflictRetried = true
		case kind == domain.KindTransient && attempt < maxAttempts:
		default:
			return err
		}

		delay := backoffDelay(attempt)
		if s.clock.Now().Sub(started)+delay > retryBudget {
			return err
		}
		s.log.Warn("erp call failed, retrying",
			zap.String("system", system),
			zap.String("op", op),
			zap.String("kind", string(kind)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := s.clock.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func backoffDelay(attempt int) time.Duration {
	delay := baseBackoff << (attempt - 1)
	return delay + time.Duration(rand.Int63n(int64(delay)/2+1))
}

func (s *service) recordPost(ctx context.Context, system, outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordERPPost(ctx, system, outcome)
}

// Package service runs the durable cash-application workflow: claim,
// extract, fetch, match, post, communicate, finalize. Every step outcome
// is persisted before the next step starts, so a replacement process can
// resume mid-flight work after a crash.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	auditdomain "github.com/smallbiznis/cashup/internal/audit/domain"
	"github.com/smallbiznis/cashup/internal/clock"
	commdomain "github.com/smallbiznis/cashup/internal/communicator/domain"
	"github.com/smallbiznis/cashup/internal/config"
	erpdomain "github.com/smallbiznis/cashup/internal/erp/domain"
	extractdomain "github.com/smallbiznis/cashup/internal/extract/domain"
	invdomain "github.com/smallbiznis/cashup/internal/invoice/domain"
	matchdomain "github.com/smallbiznis/cashup/internal/match/domain"
	"github.com/smallbiznis/cashup/internal/match/engine"
	"github.com/smallbiznis/cashup/internal/metricspush"
	"github.com/smallbiznis/cashup/internal/money"
	obscontext "github.com/smallbiznis/cashup/internal/observability/context"
	"github.com/smallbiznis/cashup/internal/observability/metrics"
	"github.com/smallbiznis/cashup/internal/orchestrator/domain"
	"github.com/smallbiznis/cashup/internal/providers/pdf"
	"github.com/smallbiznis/cashup/internal/ratelimit"
	txndomain "github.com/smallbiznis/cashup/internal/transaction/domain"
	"github.com/smallbiznis/cashup/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultMaxConcurrent = 10
	defaultQueueDepth    = 256
	defaultStartWait     = 2 * time.Second
	defaultWallClock     = 10 * time.Minute

	extractTimeout     = 30 * time.Second
	fetchTimeout       = 15 * time.Second
	matchTimeout       = 10 * time.Second
	postTimeout        = 30 * time.Second
	communicateTimeout = 20 * time.Second
	finalizeTimeout    = 10 * time.Second

	// persistWindow bounds checkpoint and audit writes independently of
	// however much of the step budget the external call consumed.
	persistWindow = 10 * time.Second

	accountLeaseRetry = 250 * time.Millisecond
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Clock        clock.Clock
	Cfg          config.Config
	Workflows    domain.Repository
	Transactions txndomain.Repository
	Matches      matchdomain.Repository
	Invoices     invdomain.Repository
	Extractor    extractdomain.Service
	ERP          erpdomain.Facade
	Comms        commdomain.Service
	Audit        auditdomain.Service
	Locker       *ratelimit.Locker
	Metrics      *metrics.Metrics `optional:"true"`
}

type job struct {
	workflowID string
	enqueuedAt time.Time
	// reserved marks jobs holding a start-queue token, released once the
	// job gets a run slot. Resumed jobs bypass the start queue.
	reserved bool
}

// accountQueue serializes workflows for one source_account_ref. A single
// drainer goroutine consumes it, which is what enforces per-account
// ordering inside the process.
type accountQueue struct {
	mu   sync.Mutex
	jobs []job
	wake chan struct{}
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock

	workflows    domain.Repository
	transactions txndomain.Repository
	matches      matchdomain.Repository
	invoices     invdomain.Repository
	extractor    extractdomain.Service
	erp          erpdomain.Facade
	comms        commdomain.Service
	audit        auditdomain.Service
	locker       *ratelimit.Locker
	metrics      *metrics.Metrics
	pipeline     *metrics.PipelineMetrics

	policy                engine.Policy
	probeWindow           time.Duration
	wallClock             time.Duration
	startWait             time.Duration
	suppressReadOnlyComms bool
	arRecipient           string
	attachAdvice          bool
	tierPreference        string
	confidenceThreshold   float64

	slots   chan struct{}
	pending chan struct{}

	mu     sync.Mutex
	queues map[string]*accountQueue

	runCtx    context.Context
	runCancel context.CancelFunc
	draining  atomic.Bool
	wg        sync.WaitGroup
}

func New(p Params) *Service {
	maxConcurrent := p.Cfg.Workflow.MaxConcurrentTransactions
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	queueDepth := p.Cfg.Workflow.QueueDepth
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	startWait := p.Cfg.Workflow.StartWait
	if startWait < 0 {
		startWait = defaultStartWait
	}
	wallClock := p.Cfg.Workflow.Timeout
	if wallClock <= 0 {
		wallClock = defaultWallClock
	}

	log := p.Log.Named("orchestrator")
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Service{
		db:           p.DB,
		log:          log,
		clock:        p.Clock,
		workflows:    p.Workflows,
		transactions: p.Transactions,
		matches:      p.Matches,
		invoices:     p.Invoices,
		extractor:    p.Extractor,
		erp:          p.ERP,
		comms:        p.Comms,
		audit:        p.Audit,
		locker:       p.Locker,
		metrics:      p.Metrics,
		pipeline:     metrics.Pipeline(),

		policy:                policyFromConfig(p.Cfg.Matcher, log),
		probeWindow:           p.Cfg.Matcher.DuplicateProbeWindow,
		wallClock:             wallClock,
		startWait:             startWait,
		suppressReadOnlyComms: p.Cfg.Workflow.SuppressReadOnlyComms,
		arRecipient:           strings.TrimSpace(p.Cfg.Notify.ARTeamRecipient),
		attachAdvice:          p.Cfg.Notify.AttachAdvicePDF,
		tierPreference:        p.Cfg.Extractor.TierPreference,
		confidenceThreshold:   p.Cfg.Extractor.ConfidenceThreshold,

		slots:   make(chan struct{}, maxConcurrent),
		pending: make(chan struct{}, queueDepth),
		queues:  map[string]*accountQueue{},

		runCtx:    runCtx,
		runCancel: runCancel,
	}
}

func policyFromConfig(cfg config.MatcherConfig, log *zap.Logger) engine.Policy {
	return engine.Policy{
		AmountTolerancePct:       cfg.AmountTolerancePct,
		ShortWriteOffThreshold:   parseAmount(log, "matcher.short_write_off_threshold", cfg.ShortWriteOffThreshold),
		AutoApplyCeiling:         parseAmount(log, "matcher.auto_apply_ceiling", cfg.AutoApplyCeiling),
		RequireCustomerMatch:     cfg.RequireCustomerMatch,
		AllowPartialAllocation:   cfg.AllowPartialAllocation,
		PerfectMatchOnly:         cfg.PerfectMatchOnly,
		AutonomousPostingEnabled: cfg.EnableAutonomousERPUpdates,
		ConfirmationOnMatch:      cfg.ConfirmationOnMatch,
	}
}

func parseAmount(log *zap.Logger, key, raw string) money.Amount {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return money.Zero
	}
	amount, err := money.Parse(raw)
	if err != nil {
		log.Warn("unparseable amount in config, using 0.00",
			zap.String("key", key),
			zap.String("value", raw),
		)
		return money.Zero
	}
	return amount
}

// Start claims the transaction, persists the workflow row and enqueues it
// on its account queue. Duplicate submissions return the existing
// workflow with claimed=false.
func (s *Service) Start(ctx context.Context, submit domain.SubmitTransaction) (domain.Workflow, bool, error) {
	if err := submit.Validate(); err != nil {
		return domain.Workflow{}, false, err
	}
	if s.draining.Load() {
		return domain.Workflow{}, false, domain.ErrDraining
	}
	if err := s.reserve(ctx); err != nil {
		return domain.Workflow{}, false, err
	}

	system := strings.TrimSpace(submit.ERPSystem)
	if system == "" {
		if systems := s.erp.Systems(); len(systems) > 0 {
			system = systems[0]
		}
	}

	now := s.clock.Now().UTC()
	valueDate := submit.ValueDate
	if valueDate.IsZero() {
		valueDate = now
	}
	var docs []byte
	if len(submit.DocumentURIs) > 0 {
		docs, _ = json.Marshal(submit.DocumentURIs)
	}

	wf := &domain.Workflow{
		WorkflowID:       ulid.Make().String(),
		TransactionID:    strings.TrimSpace(submit.TransactionID),
		SourceAccountRef: strings.TrimSpace(submit.SourceAccountRef),
		ERPSystem:        system,
		Step:             domain.StepClaimed,
		State:            txndomain.StatusProcessing,
	}
	txn := &txndomain.PaymentTransaction{
		TransactionID:      wf.TransactionID,
		SourceAccountRef:   wf.SourceAccountRef,
		Amount:             submit.Amount,
		Currency:           strings.ToUpper(strings.TrimSpace(submit.Currency)),
		ValueDate:          valueDate,
		RawRemittanceData:  submit.RawRemittanceData,
		CustomerIdentifier: strings.TrimSpace(submit.CustomerIdentifier),
		DocumentURIs:       docs,
		Status:             txndomain.StatusProcessing,
	}

	claimStart := s.clock.Now()
	claimed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.workflows.Insert(ctx, tx, wf)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if _, err := s.transactions.Insert(ctx, tx, txn); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	s.pipeline.ObserveStepDuration(metrics.StepClaim, s.clock.Now().Sub(claimStart))
	if err != nil {
		s.releaseReservation()
		s.pipeline.IncStepError(metrics.StepClaim, err)
		return domain.Workflow{}, false, err
	}
	if !claimed {
		s.releaseReservation()
		s.pipeline.IncClaim(metrics.ClaimOutcomeDuplicate)
		existing, err := s.workflows.GetByTransaction(ctx, s.db, wf.TransactionID)
		if err != nil {
			return domain.Workflow{}, false, err
		}
		return existing, false, nil
	}

	s.pipeline.IncClaim(metrics.ClaimOutcomeGranted)
	metricspush.RecordWorkflowStarted(system)
	s.auditRecord(ctx, "workflow.claimed", wf.TransactionID, map[string]any{
		"workflow_id":        wf.WorkflowID,
		"source_account_ref": wf.SourceAccountRef,
		"amount":             submit.Amount.String(),
		"currency":           txn.Currency,
		"erp_system":         system,
	})
	s.log.Info("workflow claimed",
		zap.String("workflow_id", wf.WorkflowID),
		zap.String("transaction_id", wf.TransactionID),
		zap.String("source_account_ref", wf.SourceAccountRef),
	)

	s.enqueue(wf.SourceAccountRef, job{
		workflowID: wf.WorkflowID,
		enqueuedAt: s.clock.Now(),
		reserved:   true,
	})
	return *wf, true, nil
}

func (s *Service) Get(ctx context.Context, workflowID string) (domain.Workflow, error) {
	return s.workflows.Get(ctx, s.db, workflowID)
}

func (s *Service) GetByTransaction(ctx context.Context, transactionID string) (domain.Workflow, error) {
	return s.workflows.GetByTransaction(ctx, s.db, transactionID)
}

// Cancel flags the workflow; the run loop honors it at the next step
// boundary so the in-flight external call always completes.
func (s *Service) Cancel(ctx context.Context, workflowID string) (domain.Workflow, error) {
	wf, err := s.workflows.Get(ctx, s.db, workflowID)
	if err != nil {
		return domain.Workflow{}, err
	}
	if wf.FinalizedAt != nil || wf.State.IsTerminal() {
		return wf, domain.ErrAlreadyTerminal
	}
	ok, err := s.workflows.RequestCancel(ctx, s.db, workflowID)
	if err != nil {
		return domain.Workflow{}, err
	}
	if !ok {
		refreshed, err := s.workflows.Get(ctx, s.db, workflowID)
		if err != nil {
			return domain.Workflow{}, err
		}
		return refreshed, domain.ErrAlreadyTerminal
	}
	s.auditRecord(ctx, "workflow.cancel_requested", wf.TransactionID, map[string]any{
		"workflow_id": workflowID,
	})
	wf.CancelRequested = true
	return wf, nil
}

func (s *Service) List(ctx context.Context, filter domain.ListFilter) ([]domain.Workflow, pagination.PageInfo, error) {
	return s.workflows.List(ctx, s.db, filter)
}

// Resume re-enqueues non-terminal workflows after a restart. Steps are
// idempotent and checkpointed, so re-running from the last completed step
// is safe; workflows already past posting only have communications and
// finalization left.
func (s *Service) Resume(ctx context.Context) (int, error) {
	rows, err := s.workflows.ListUnfinished(ctx, s.db, 0)
	if err != nil {
		return 0, err
	}
	for _, wf := range rows {
		if wf.Step.Reached(domain.StepPosted) {
			s.pipeline.IncRecovery(metrics.RecoveryActionFinalize)
		} else {
			s.pipeline.IncRecovery(metrics.RecoveryActionRequeue)
		}
		s.pipeline.IncClaim(metrics.ClaimOutcomeResumed)
		s.enqueue(wf.SourceAccountRef, job{
			workflowID: wf.WorkflowID,
			enqueuedAt: s.clock.Now(),
		})
	}
	if len(rows) > 0 {
		s.log.Info("resumed unfinished workflows", zap.Int("count", len(rows)))
	}
	return len(rows), nil
}

// Drain stops intake and waits for running workflows to reach their next
// step boundary. Anything still unfinished stays durable for the next
// Resume.
func (s *Service) Drain(ctx context.Context) error {
	s.draining.Store(true)
	s.runCancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reserve takes a start-queue token, waiting at most startWait.
func (s *Service) reserve(ctx context.Context) error {
	select {
	case s.pending <- struct{}{}:
		return nil
	default:
	}
	timer := time.NewTimer(s.startWait)
	defer timer.Stop()
	select {
	case s.pending <- struct{}{}:
		return nil
	case <-timer.C:
		return domain.ErrBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) releaseReservation() {
	select {
	case <-s.pending:
	default:
	}
}

func (s *Service) enqueue(account string, j job) {
	s.mu.Lock()
	q, ok := s.queues[account]
	if !ok {
		q = &accountQueue{wake: make(chan struct{}, 1)}
		s.queues[account] = q
		s.wg.Add(1)
		go s.drainAccount(account, q)
	}
	s.mu.Unlock()

	q.mu.Lock()
	q.jobs = append(q.jobs, j)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// drainAccount is the single consumer for one account's queue; it runs
// workflows strictly in claim order.
func (s *Service) drainAccount(account string, q *accountQueue) {
	defer s.wg.Done()
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-s.runCtx.Done():
				return
			}
		}
		j := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		select {
		case s.slots <- struct{}{}:
		case <-s.runCtx.Done():
			return
		}
		if j.reserved {
			s.releaseReservation()
		}
		s.pipeline.ObserveQueueWait(s.clock.Now().Sub(j.enqueuedAt))

		s.runOne(account, j)
		<-s.slots
	}
}

func (s *Service) runOne(account string, j job) {
	release, ok := s.leaseAccount(account)
	if !ok {
		return
	}
	defer release()

	wf, err := s.workflows.Get(s.runCtx, s.db, j.workflowID)
	if err != nil {
		s.log.Error("workflow disappeared from queue",
			zap.String("workflow_id", j.workflowID),
			zap.Error(err),
		)
		return
	}
	if wf.FinalizedAt != nil || wf.State.IsTerminal() {
		return
	}
	s.run(wf)
}

// leaseAccount takes the cross-replica account lease when a locker is
// configured. In-process ordering already holds; the lease only fences
// other replicas.
func (s *Service) leaseAccount(account string) (func(), bool) {
	if s.locker == nil {
		return func() {}, true
	}
	key := "cashup:account:" + account
	ttl := s.wallClock + time.Minute
	start := s.clock.Now()
	for {
		token, ok, err := s.locker.TryLock(s.runCtx, key, ttl)
		if err != nil {
			s.log.Warn("account lease unavailable, relying on in-process ordering",
				zap.String("account", account),
				zap.Error(err),
			)
			return func() {}, true
		}
		if ok {
			s.pipeline.ObserveLockWait(metrics.LockResourceAccountLease, s.clock.Now().Sub(start))
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				if err := s.locker.Release(releaseCtx, key, token); err != nil {
					s.log.Warn("account lease release failed", zap.String("account", account), zap.Error(err))
				}
			}, true
		}
		if err := s.clock.Sleep(s.runCtx, accountLeaseRetry); err != nil {
			return func() {}, false
		}
	}
}

type stepDef struct {
	step    domain.Step
	name    string
	timeout time.Duration
	fn      func(context.Context, *domain.Workflow, *txndomain.PaymentTransaction) error
}

// run executes the remaining steps of one workflow under the wall-clock
// budget. Completed steps are skipped via the persisted step pointer.
func (s *Service) run(wf domain.Workflow) {
	wallCtx, cancel := context.WithTimeout(s.runCtx, s.wallClock)
	defer cancel()
	wallCtx = obscontext.WithCorrelationID(wallCtx, wf.WorkflowID)

	txn, err := s.transactions.Get(wallCtx, s.db, wf.TransactionID)
	if err != nil {
		s.log.Error("workflow has no transaction row",
			zap.String("workflow_id", wf.WorkflowID),
			zap.String("transaction_id", wf.TransactionID),
			zap.Error(err),
		)
		s.finalize(&wf, nil, txndomain.StatusError, "internal", "TransactionMissing")
		return
	}

	ladder := []stepDef{
		{domain.StepExtracted, metrics.StepExtract, extractTimeout, s.stepExtract},
		{domain.StepFetched, metrics.StepFetch, fetchTimeout, s.stepFetch},
		{domain.StepMatched, metrics.StepMatch, matchTimeout, s.stepMatch},
		{domain.StepPosted, metrics.StepPost, postTimeout, s.stepPost},
		{domain.StepCommunicated, metrics.StepCommunicate, communicateTimeout, s.stepCommunicate},
	}

	for _, def := range ladder {
		if wf.Step.Reached(def.step) {
			continue
		}
		stop, state, kind, reason := s.boundary(wallCtx, &wf)
		if stop {
			if state != "" {
				s.finalize(&wf, &txn, state, kind, reason)
			}
			return
		}
		if err := s.step(wallCtx, def, &wf, &txn); err != nil {
			s.finalize(&wf, &txn, txndomain.StatusError, errorKind(err), errorReason(err))
			return
		}
	}

	stop, state, kind, reason := s.boundary(wallCtx, &wf)
	if stop {
		if state != "" {
			s.finalize(&wf, &txn, state, kind, reason)
		}
		return
	}
	s.finalize(&wf, &txn, finalStateOf(&wf), "", "")
}

// boundary decides whether the run may proceed to the next step. A
// shutdown stops without a terminal state (the workflow resumes later);
// a wall-clock expiry or a durable cancel request terminates the
// workflow as Error/Cancelled.
func (s *Service) boundary(wallCtx context.Context, wf *domain.Workflow) (stop bool, state txndomain.Status, kind, reason string) {
	if s.runCtx.Err() != nil {
		return true, "", "", ""
	}
	if wallCtx.Err() != nil {
		return true, txndomain.StatusError, "timeout", "Cancelled"
	}
	if wf.CancelRequested {
		return true, txndomain.StatusError, "cancel_requested", "Cancelled"
	}
	readCtx, cancel := context.WithTimeout(context.WithoutCancel(wallCtx), 3*time.Second)
	defer cancel()
	requested, err := s.workflows.CancelRequested(readCtx, s.db, wf.WorkflowID)
	if err != nil {
		s.log.Warn("cancel flag read failed", zap.String("workflow_id", wf.WorkflowID), zap.Error(err))
		return false, "", "", ""
	}
	if requested {
		wf.CancelRequested = true
		return true, txndomain.StatusError, "cancel_requested", "Cancelled"
	}
	return false, "", "", ""
}

// step runs one workflow step on its own deadline, detached from run
// cancellation so an in-flight external call always completes.
func (s *Service) step(wallCtx context.Context, def stepDef, wf *domain.Workflow, txn *txndomain.PaymentTransaction) error {
	timeout := def.timeout
	if deadline, ok := wallCtx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}
	stepCtx, cancel := context.WithTimeout(context.WithoutCancel(wallCtx), timeout)
	defer cancel()

	started := s.clock.Now()
	err := def.fn(stepCtx, wf, txn)
	elapsed := s.clock.Now().Sub(started)
	s.pipeline.ObserveStepDuration(def.name, elapsed)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.pipeline.IncStepTimeout(def.name)
		}
		s.pipeline.IncStepError(def.name, err)
		s.log.Error("workflow step failed",
			zap.String("workflow_id", wf.WorkflowID),
			zap.String("step", def.name),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
	}
	return err
}

// advance persists the step outcome and moves the step pointer. It uses
// a fresh write deadline so checkpoint durability does not depend on
// whatever budget the external call left over.
func (s *Service) advance(ctx context.Context, wf *domain.Workflow, step domain.Step, outcome any) error {
	if err := wf.PutCheckpoint(step, outcome); err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistWindow)
	defer cancel()
	if err := s.workflows.SaveCheckpoint(writeCtx, s.db, wf.WorkflowID, step, wf.Checkpoints); err != nil {
		return err
	}
	wf.Step = step
	return nil
}

// stepExtract derives candidate invoice ids from remittance text and
// attached documents. The extractor owns tier escalation and retries;
// failures here degrade to an empty candidate list so the workflow can
// still match against the customer's open invoices.
func (s *Service) stepExtract(ctx context.Context, wf *domain.Workflow, txn *txndomain.PaymentTransaction) error {
	var uris []string
	if len(txn.DocumentURIs) > 0 {
		if err := json.Unmarshal(txn.DocumentURIs, &uris); err != nil {
			s.log.Warn("unreadable document uris", zap.String("transaction_id", txn.TransactionID), zap.Error(err))
		}
	}

	cp := domain.ExtractCheckpoint{InvoiceIDs: []string{}}
	result, err := s.extractor.Extract(ctx, extractdomain.Request{
		DocumentURIs:        uris,
		RemittanceText:      txn.RawRemittanceData,
		ClientID:            txn.SourceAccountRef,
		TierPreference:      s.tierPreference,
		ConfidenceThreshold: s.confidenceThreshold,
	})
	if err != nil {
		s.pipeline.IncStepError(metrics.StepExtract, err)
		if errors.Is(err, context.DeadlineExceeded) {
			s.pipeline.IncStepTimeout(metrics.StepExtract)
		}
		s.log.Warn("extraction degraded to empty candidates",
			zap.String("workflow_id", wf.WorkflowID),
			zap.Error(err),
		)
		cp.Degraded = err.Error()
	} else {
		cp.InvoiceIDs = result.InvoiceIDs
		cp.Confidence = result.Confidence
		cp.TierUsed = string(result.TierUsed)
		cp.CostEstimate = result.CostEstimate
	}

	if err := s.advance(ctx, wf, domain.StepExtracted, cp); err != nil {
		return err
	}
	if cp.Degraded == "" {
		metricspush.RecordExtraction(cp.TierUsed, cp.CostEstimate)
	}
	s.auditRecord(ctx, "extraction.completed", wf.TransactionID, map[string]any{
		"workflow_id": wf.WorkflowID,
		"invoice_ids": cp.InvoiceIDs,
		"confidence":  cp.Confidence,
		"tier_used":   cp.TierUsed,
		"degraded":    cp.Degraded != "",
	})
	return nil
}

// stepFetch resolves candidates against the ERP and snapshots the
// returned invoices locally. With no candidates and no customer
// identifier there is nothing to ask the ERP for.
func (s *Service) stepFetch(ctx context.Context, wf *domain.Workflow, txn *txndomain.PaymentTransaction) error {
	var ecp domain.ExtractCheckpoint
	if _, err := wf.Checkpoint(domain.StepExtracted, &ecp); err != nil {
		return err
	}

	cp := domain.FetchCheckpoint{ERPSystem: wf.ERPSystem}
	if len(ecp.InvoiceIDs) > 0 || txn.CustomerIdentifier != "" {
		result, err := s.erp.FetchInvoices(ctx, wf.ERPSystem, ecp.InvoiceIDs, txn.CustomerIdentifier)
		if err != nil {
			return err
		}
		for _, inv := range result.Invoices {
			cp.InvoiceIDs = append(cp.InvoiceIDs, inv.ExternalInvoiceID)
		}
		cp.NotFound = result.NotFound
	}

	if err := s.advance(ctx, wf, domain.StepFetched, cp); err != nil {
		return err
	}
	s.auditRecord(ctx, "invoices.fetched", wf.TransactionID, map[string]any{
		"workflow_id": wf.WorkflowID,
		"erp_system":  wf.ERPSystem,
		"found":       len(cp.InvoiceIDs),
		"not_found":   cp.NotFound,
	})
	return nil
}

// stepMatch runs the allocation cascade and persists its result. A
// result persisted by a crashed run is adopted instead of re-matching,
// which keeps exactly one match_result per transaction.
func (s *Service) stepMatch(ctx context.Context, wf *domain.Workflow, txn *txndomain.PaymentTransaction) error {
	if existing, err := s.matches.GetByTransaction(ctx, s.db, wf.TransactionID); err == nil {
		cp := matchCheckpoint(existing, engine.Recommend(existing, s.policy))
		cp.Recovered = true
		return s.advance(ctx, wf, domain.StepMatched, cp)
	} else if !errors.Is(err, matchdomain.ErrNotFound) {
		return err
	}

	var ecp domain.ExtractCheckpoint
	if _, err := wf.Checkpoint(domain.StepExtracted, &ecp); err != nil {
		return err
	}
	var fcp domain.FetchCheckpoint
	if _, err := wf.Checkpoint(domain.StepFetched, &fcp); err != nil {
		return err
	}

	var invoices []invdomain.Invoice
	if len(fcp.InvoiceIDs) > 0 {
		var err error
		invoices, err = s.invoices.FindByExternalIDs(ctx, s.db, wf.ERPSystem, fcp.InvoiceIDs)
		if err != nil {
			return err
		}
	}

	suspect := false
	if s.probeWindow > 0 {
		found, err := s.matches.FindRecentApplied(ctx, s.db, matchdomain.DuplicateProbe{
			TransactionID:    wf.TransactionID,
			SourceAccountRef: txn.SourceAccountRef,
			Amount:           txn.Amount,
			Currency:         txn.Currency,
			Since:            s.clock.Now().Add(-s.probeWindow),
		})
		if err != nil {
			s.log.Warn("duplicate probe failed", zap.String("transaction_id", wf.TransactionID), zap.Error(err))
		} else {
			suspect = found
		}
	}

	out := engine.Match(engine.Input{
		Payment: engine.Payment{
			TransactionID: wf.TransactionID,
			Amount:        txn.Amount,
			Currency:      txn.Currency,
		},
		CandidateIDs:       ecp.InvoiceIDs,
		Invoices:           invoices,
		CustomerIdentifier: txn.CustomerIdentifier,
		DuplicateSuspect:   suspect,
		Policy:             s.policy,
	})

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.matches.Insert(ctx, tx, &out.Result)
	})
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordMatch(ctx, string(out.Result.Status), string(out.Result.DiscrepancyCode))
	}
	metricspush.RecordMatchOutcome(string(out.Result.Status), string(out.Result.DiscrepancyCode))

	cp := matchCheckpoint(out.Result, out.Actions)
	if err := s.advance(ctx, wf, domain.StepMatched, cp); err != nil {
		return err
	}
	s.auditRecord(ctx, "matching.completed", wf.TransactionID, map[string]any{
		"workflow_id":      wf.WorkflowID,
		"match_result_id":  cp.MatchResultID,
		"status":           cp.Status,
		"discrepancy_code": cp.DiscrepancyCode,
		"confidence":       out.Result.Confidence,
		"actions":          cp.Actions,
	})
	return nil
}

func matchCheckpoint(result matchdomain.MatchResult, actions []matchdomain.Action) domain.MatchCheckpoint {
	names := make([]string, 0, len(actions))
	for _, a := range actions {
		names = append(names, string(a))
	}
	return domain.MatchCheckpoint{
		MatchResultID:   result.ID.String(),
		Status:          string(result.Status),
		DiscrepancyCode: string(result.DiscrepancyCode),
		Actions:         names,
	}
}

// stepPost writes the application to the ERP when the matcher
// recommended it. The facade owns idempotency probing, per-customer
// serialization and transient retries.
func (s *Service) stepPost(ctx context.Context, wf *domain.Workflow, txn *txndomain.PaymentTransaction) error {
	var mcp domain.MatchCheckpoint
	if _, err := wf.Checkpoint(domain.StepMatched, &mcp); err != nil {
		return err
	}

	if !hasAction(mcp.Actions, matchdomain.ActionPostApplication) {
		reason := "no_postable_allocation"
		if !s.policy.AutonomousPostingEnabled {
			reason = "autonomous_posting_disabled"
		}
		cp := domain.PostCheckpoint{Posted: false, SkipReason: reason}
		if err := s.advance(ctx, wf, domain.StepPosted, cp); err != nil {
			return err
		}
		s.auditRecord(ctx, "application.skipped", wf.TransactionID, map[string]any{
			"workflow_id": wf.WorkflowID,
			"reason":      reason,
		})
		return nil
	}

	result, err := s.matches.GetByTransaction(ctx, s.db, wf.TransactionID)
	if err != nil {
		return err
	}

	lines := make([]erpdomain.ApplicationLine, 0, len(result.Matches))
	externalIDs := make([]string, 0, len(result.Matches))
	for _, m := range result.Matches {
		lines = append(lines, erpdomain.ApplicationLine{
			InvoiceID:     m.ExternalInvoiceID,
			AmountApplied: m.AmountApplied,
		})
		externalIDs = append(externalIDs, m.ExternalInvoiceID)
	}

	customerID := txn.CustomerIdentifier
	if customerID == "" && len(externalIDs) > 0 {
		if snapshots, err := s.invoices.FindByExternalIDs(ctx, s.db, wf.ERPSystem, externalIDs); err == nil && len(snapshots) > 0 {
			customerID = snapshots[0].CustomerID
		}
	}

	post, err := s.erp.PostApplication(ctx, erpdomain.Application{
		TransactionID: wf.TransactionID,
		CustomerID:    customerID,
		ERPSystem:     wf.ERPSystem,
		Lines:         lines,
		TotalAmount:   result.AppliedTotal(),
		Currency:      txn.Currency,
	})
	if err != nil {
		if erpdomain.KindOf(err) == erpdomain.KindDuplicate {
			// The ERP already holds this transaction; a replayed posting
			// must not fail the workflow.
			cp := domain.PostCheckpoint{Posted: true, Duplicate: true}
			if err := s.advance(ctx, wf, domain.StepPosted, cp); err != nil {
				return err
			}
			metricspush.RecordERPPost(wf.ERPSystem, "duplicate")
			s.auditRecord(ctx, "application.posted", wf.TransactionID, map[string]any{
				"workflow_id": wf.WorkflowID,
				"duplicate":   true,
			})
			return nil
		}
		return err
	}

	postedAt := post.PostedAt.UTC()
	cp := domain.PostCheckpoint{
		Posted:           true,
		ERPTransactionID: post.ERPTransactionID,
		PostedAt:         &postedAt,
		Duplicate:        post.Duplicate,
	}
	if err := s.advance(ctx, wf, domain.StepPosted, cp); err != nil {
		return err
	}
	outcome := "posted"
	if post.Duplicate {
		outcome = "duplicate"
	}
	metricspush.RecordERPPost(wf.ERPSystem, outcome)
	s.auditRecord(ctx, "application.posted", wf.TransactionID, map[string]any{
		"workflow_id":        wf.WorkflowID,
		"erp_system":         wf.ERPSystem,
		"erp_transaction_id": post.ERPTransactionID,
		"amount_applied":     result.AppliedTotal().String(),
		"duplicate":          post.Duplicate,
	})
	return nil
}

// stepCommunicate dispatches the matcher's recommended messages.
// Delivery problems (including rate limiting, which parks the message
// as Queued) are recorded on the checkpoint but never fail the workflow.
func (s *Service) stepCommunicate(ctx context.Context, wf *domain.Workflow, txn *txndomain.PaymentTransaction) error {
	var mcp domain.MatchCheckpoint
	if _, err := wf.Checkpoint(domain.StepMatched, &mcp); err != nil {
		return err
	}
	var pcp domain.PostCheckpoint
	if _, err := wf.Checkpoint(domain.StepPosted, &pcp); err != nil {
		return err
	}

	cp := domain.CommunicateCheckpoint{}
	if !s.policy.AutonomousPostingEnabled && s.suppressReadOnlyComms {
		cp.Suppressed = true
		if err := s.advance(ctx, wf, domain.StepCommunicated, cp); err != nil {
			return err
		}
		s.auditRecord(ctx, "communications.suppressed", wf.TransactionID, map[string]any{
			"workflow_id": wf.WorkflowID,
		})
		return nil
	}

	result, err := s.matches.GetByTransaction(ctx, s.db, wf.TransactionID)
	if err != nil && !errors.Is(err, matchdomain.ErrNotFound) {
		return err
	}

	for _, event := range s.eventsFor(wf, txn, result, mcp, pcp) {
		receipt, err := s.comms.Dispatch(ctx, event)
		record := domain.DispatchRecord{
			Kind:       string(event.Kind),
			DeliveryID: receipt.DeliveryID,
			Status:     string(receipt.Status),
		}
		if err != nil && !errors.Is(err, commdomain.ErrRateLimited) {
			record.Error = err.Error()
			s.log.Warn("communication dispatch failed",
				zap.String("workflow_id", wf.WorkflowID),
				zap.String("kind", string(event.Kind)),
				zap.Error(err),
			)
		}
		metricspush.RecordCommunication(record.Kind, record.Status)
		cp.Dispatches = append(cp.Dispatches, record)
	}

	if err := s.advance(ctx, wf, domain.StepCommunicated, cp); err != nil {
		return err
	}
	s.auditRecord(ctx, "communications.dispatched", wf.TransactionID, map[string]any{
		"workflow_id": wf.WorkflowID,
		"count":       len(cp.Dispatches),
	})
	return nil
}

// eventsFor maps recommended actions to communicator events.
func (s *Service) eventsFor(wf *domain.Workflow, txn *txndomain.PaymentTransaction, result matchdomain.MatchResult, mcp domain.MatchCheckpoint, pcp domain.PostCheckpoint) []commdomain.Event {
	base := map[string]any{
		"transaction_id": wf.TransactionID,
		"amount":         txn.Amount.String(),
		"currency":       txn.Currency,
	}
	if txn.CustomerIdentifier != "" {
		base["customer_name"] = txn.CustomerIdentifier
	}
	if len(result.Matches) > 0 {
		rows := make([]map[string]any, 0, len(result.Matches))
		for _, m := range result.Matches {
			rows = append(rows, map[string]any{
				"invoice_id":     m.ExternalInvoiceID,
				"amount_applied": m.AmountApplied.String(),
			})
		}
		base["matches"] = rows
	}
	if result.UnappliedAmount.IsPositive() {
		base["unapplied_amount"] = result.UnappliedAmount.String()
	}

	var events []commdomain.Event
	for _, action := range mcp.Actions {
		switch matchdomain.Action(action) {
		case matchdomain.ActionSendConfirmation:
			data := cloneData(base)
			if pcp.ERPTransactionID != "" {
				data["erp_transaction_id"] = pcp.ERPTransactionID
			}
			events = append(events, commdomain.Event{
				Kind:          commdomain.KindConfirmation,
				Recipient:     s.customerRecipient(txn),
				Data:          data,
				TransactionID: wf.TransactionID,
				Advice:        s.adviceFor(wf, txn, result, pcp),
			})
		case matchdomain.ActionRequestClarification:
			data := cloneData(base)
			data["discrepancy_code"] = mcp.DiscrepancyCode
			events = append(events, commdomain.Event{
				Kind:          commdomain.KindCustomerClarification,
				Recipient:     s.customerRecipient(txn),
				Data:          data,
				TransactionID: wf.TransactionID,
			})
		case matchdomain.ActionRaiseInternalAlert:
			data := cloneData(base)
			data["reason"] = alertReason(result)
			event := commdomain.Event{
				Kind:          commdomain.KindInternalAlert,
				Recipient:     s.arRecipient,
				Data:          data,
				TransactionID: wf.TransactionID,
			}
			if result.DiscrepancyCode != matchdomain.DiscrepancyNone && result.DiscrepancyCode != "" {
				data["discrepancy_code"] = string(result.DiscrepancyCode)
				event.TemplateName = "discrepancy_alert"
			}
			events = append(events, event)
		}
	}
	return events
}

// adviceFor assembles the PDF advice payload attached to confirmations.
func (s *Service) adviceFor(wf *domain.Workflow, txn *txndomain.PaymentTransaction, result matchdomain.MatchResult, pcp domain.PostCheckpoint) *pdf.AdviceData {
	if !s.attachAdvice || !pcp.Posted {
		return nil
	}
	lines := make([]pdf.AdviceLine, 0, len(result.Matches))
	for _, m := range result.Matches {
		lines = append(lines, pdf.AdviceLine{
			InvoiceID:     m.ExternalInvoiceID,
			AmountApplied: m.AmountApplied.String(),
		})
	}
	postedAt := ""
	if pcp.PostedAt != nil {
		postedAt = pcp.PostedAt.UTC().Format(time.RFC3339)
	}
	return &pdf.AdviceData{
		TransactionID:   wf.TransactionID,
		ERPSystem:       wf.ERPSystem,
		ERPRecordID:     pcp.ERPTransactionID,
		CustomerID:      txn.CustomerIdentifier,
		PostedAt:        postedAt,
		Amount:          txn.Amount.String(),
		Currency:        txn.Currency,
		UnappliedAmount: result.UnappliedAmount.String(),
		Lines:           lines,
	}
}

// customerRecipient picks the address for customer-facing messages. Bank
// feeds rarely carry a contact address, so anything that is not one is
// routed through the AR desk for forwarding.
func (s *Service) customerRecipient(txn *txndomain.PaymentTransaction) string {
	if strings.Contains(txn.CustomerIdentifier, "@") {
		return txn.CustomerIdentifier
	}
	return s.arRecipient
}

func alertReason(result matchdomain.MatchResult) string {
	switch result.DiscrepancyCode {
	case matchdomain.DiscrepancyDuplicatePayment:
		return "duplicate payment suspected"
	case matchdomain.DiscrepancyCurrencyMismatch:
		return "payment currency does not match invoice currency"
	case matchdomain.DiscrepancyOverPayment:
		return "over-payment left unapplied"
	case matchdomain.DiscrepancyInvalidInvoice:
		return "remittance references unknown invoices"
	default:
		if result.Status == txndomain.StatusUnmatched {
			return "no matching open invoices found"
		}
		return "allocation requires manual review"
	}
}

// finalize writes the terminal state to the workflow and transaction in
// one database transaction. It runs on its own context so a consumed
// wall clock cannot block the terminal write.
func (s *Service) finalize(wf *domain.Workflow, txn *txndomain.PaymentTransaction, state txndomain.Status, kind, reason string) {
	started := s.clock.Now()
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	ctx = obscontext.WithCorrelationID(ctx, wf.WorkflowID)

	now := s.clock.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.workflows.Finalize(ctx, tx, wf.WorkflowID, state, kind, reason, now); err != nil {
			if errors.Is(err, domain.ErrAlreadyTerminal) {
				return nil
			}
			return err
		}
		if txn != nil {
			processedAt := now
			return s.transactions.SetStatus(ctx, tx, wf.TransactionID, state, &processedAt)
		}
		return nil
	})
	if err != nil {
		s.pipeline.IncStepError(metrics.StepFinalize, err)
		s.log.Error("workflow finalize failed",
			zap.String("workflow_id", wf.WorkflowID),
			zap.String("state", string(state)),
			zap.Error(err),
		)
		return
	}
	wf.State = state
	wf.Step = domain.StepFinalized
	wf.FinalizedAt = &now

	s.pipeline.ObserveStepDuration(metrics.StepFinalize, s.clock.Now().Sub(started))
	s.pipeline.IncWorkflow(string(state))
	if s.metrics != nil {
		s.metrics.RecordWorkflow(ctx, string(state))
	}
	metricspush.RecordWorkflowFinalized(string(state))
	data := map[string]any{
		"workflow_id": wf.WorkflowID,
		"state":       string(state),
	}
	if reason != "" {
		data["error_reason"] = reason
	}
	if kind != "" {
		data["error_kind"] = kind
	}
	s.auditRecord(ctx, "workflow.finalized", wf.TransactionID, data)
	s.log.Info("workflow finalized",
		zap.String("workflow_id", wf.WorkflowID),
		zap.String("transaction_id", wf.TransactionID),
		zap.String("state", string(state)),
		zap.String("error_reason", reason),
	)
}

// finalStateOf lifts the matcher's classification into the workflow's
// terminal state. Missing a match checkpoint at finalize time is a bug,
// surfaced as Error rather than a guess.
func finalStateOf(wf *domain.Workflow) txndomain.Status {
	var mcp domain.MatchCheckpoint
	if ok, err := wf.Checkpoint(domain.StepMatched, &mcp); err == nil && ok && mcp.Status != "" {
		return txndomain.Status(mcp.Status)
	}
	return txndomain.StatusError
}

func errorKind(err error) string {
	if kind := erpdomain.KindOf(err); kind != "" {
		return string(kind)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "internal"
}

func errorReason(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func hasAction(actions []string, want matchdomain.Action) bool {
	for _, a := range actions {
		if a == string(want) {
			return true
		}
	}
	return false
}

func cloneData(base map[string]any) map[string]any {
	data := make(map[string]any, len(base)+2)
	for k, v := range base {
		data[k] = v
	}
	return data
}

func (s *Service) auditRecord(ctx context.Context, eventType, transactionID string, data map[string]any) {
	if s.audit == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistWindow)
	defer cancel()
	if _, err := s.audit.Record(writeCtx, auditdomain.SourceOrchestrator, eventType, transactionID, data); err != nil {
		s.log.Warn("audit append failed",
			zap.String("event_type", eventType),
			zap.String("transaction_id", transactionID),
			zap.Error(err),
		)
	}
}

package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	auditdomain "github.com/smallbiznis/cashup/internal/audit/domain"
	commdomain "github.com/smallbiznis/cashup/internal/communicator/domain"
	"github.com/smallbiznis/cashup/internal/communicator/templates"
	"github.com/smallbiznis/cashup/internal/config"
	erpdomain "github.com/smallbiznis/cashup/internal/erp/domain"
	extractdomain "github.com/smallbiznis/cashup/internal/extract/domain"
	invoicedomain "github.com/smallbiznis/cashup/internal/invoice/domain"
	"github.com/smallbiznis/cashup/internal/money"
	orchdomain "github.com/smallbiznis/cashup/internal/orchestrator/domain"
	txndomain "github.com/smallbiznis/cashup/internal/transaction/domain"
	"github.com/smallbiznis/cashup/pkg/db/pagination"
)

// stubWorkflows scripts the orchestrator behind the handlers. Handlers
// run synchronously in tests, so plain fields are safe.
type stubWorkflows struct {
	startWf      orchdomain.Workflow
	startClaimed bool
	startErr     error
	startCalls   int
	lastSubmit   orchdomain.SubmitTransaction

	getWf  orchdomain.Workflow
	getErr error

	cancelWf  orchdomain.Workflow
	cancelErr error

	listRows     []orchdomain.Workflow
	listPageInfo pagination.PageInfo
	listErr      error
	lastFilter   orchdomain.ListFilter

	lastID string
}

func (s *stubWorkflows) Start(_ context.Context, submit orchdomain.SubmitTransaction) (orchdomain.Workflow, bool, error) {
	s.startCalls++
	s.lastSubmit = submit
	return s.startWf, s.startClaimed, s.startErr
}

func (s *stubWorkflows) Get(_ context.Context, workflowID string) (orchdomain.Workflow, error) {
	s.lastID = workflowID
	return s.getWf, s.getErr
}

func (s *stubWorkflows) GetByTransaction(_ context.Context, _ string) (orchdomain.Workflow, error) {
	return orchdomain.Workflow{}, orchdomain.ErrNotFound
}

func (s *stubWorkflows) Cancel(_ context.Context, workflowID string) (orchdomain.Workflow, error) {
	s.lastID = workflowID
	return s.cancelWf, s.cancelErr
}

func (s *stubWorkflows) List(_ context.Context, filter orchdomain.ListFilter) ([]orchdomain.Workflow, pagination.PageInfo, error) {
	s.lastFilter = filter
	return s.listRows, s.listPageInfo, s.listErr
}

func (s *stubWorkflows) Resume(_ context.Context) (int, error) { return 0, nil }

func (s *stubWorkflows) Drain(_ context.Context) error { return nil }

type stubExtractor struct {
	result  extractdomain.Result
	err     error
	lastReq extractdomain.Request
}

func (s *stubExtractor) Extract(_ context.Context, req extractdomain.Request) (extractdomain.Result, error) {
	s.lastReq = req
	return s.result, s.err
}

type stubERP struct {
	systems []string

	fetchResult       erpdomain.FetchResult
	fetchErr          error
	lastFetchSystem   string
	lastFetchIDs      []string
	lastFetchCustomer string

	postResult erpdomain.PostResult
	postErr    error
	lastApp    erpdomain.Application

	connStatus     erpdomain.ConnectionStatus
	connErr        error
	lastTestSystem string
}

func (s *stubERP) FetchInvoices(_ context.Context, system string, invoiceIDs []string, customerID string) (erpdomain.FetchResult, error) {
	s.lastFetchSystem = system
	s.lastFetchIDs = invoiceIDs
	s.lastFetchCustomer = customerID
	return s.fetchResult, s.fetchErr
}

func (s *stubERP) PostApplication(_ context.Context, app erpdomain.Application) (erpdomain.PostResult, error) {
	s.lastApp = app
	return s.postResult, s.postErr
}

func (s *stubERP) TestConnection(_ context.Context, system string) (erpdomain.ConnectionStatus, error) {
	s.lastTestSystem = system
	return s.connStatus, s.connErr
}

func (s *stubERP) Systems() []string { return s.systems }

type stubComms struct {
	receipt   commdomain.Receipt
	err       error
	lastEvent commdomain.Event
}

func (s *stubComms) Dispatch(_ context.Context, event commdomain.Event) (commdomain.Receipt, error) {
	s.lastEvent = event
	return s.receipt, s.err
}

func (s *stubComms) Templates() []commdomain.TemplateInfo { return nil }

type stubAudit struct {
	resp       auditdomain.QueryResponse
	err        error
	lastFilter auditdomain.Filter
}

func (s *stubAudit) Append(_ context.Context, _ auditdomain.Event) (int64, error) { return 1, nil }

func (s *stubAudit) Record(_ context.Context, _, _, _ string, _ map[string]any) (int64, error) {
	return 1, nil
}

func (s *stubAudit) Query(_ context.Context, filter auditdomain.Filter) (auditdomain.QueryResponse, error) {
	s.lastFilter = filter
	return s.resp, s.err
}

type serverFixture struct {
	engine    *gin.Engine
	workflows *stubWorkflows
	extractor *stubExtractor
	erp       *stubERP
	comms     *stubComms
	audit     *stubAudit
}

func newServerFixture(t *testing.T, mutate func(*config.Config)) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	cfg := config.Config{
		AppName:     "cashup",
		AppVersion:  "0.0.0-test",
		Environment: "test",
		Extractor:   config.ExtractorConfig{ConfidenceThreshold: 0.85},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	registry, err := templates.NewRegistry("", zap.NewNop())
	require.NoError(t, err)

	f := &serverFixture{
		workflows: &stubWorkflows{},
		extractor: &stubExtractor{},
		erp:       &stubERP{systems: []string{"sandbox"}, connStatus: erpdomain.ConnectionStatus{OK: true, LatencyMs: 2}},
		comms:     &stubComms{},
		audit:     &stubAudit{},
	}

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	srv := NewServer(ServerParams{
		Gin:       engine,
		Cfg:       cfg,
		Log:       zap.NewNop(),
		DB:        db,
		Workflows: f.workflows,
		Extractor: f.extractor,
		ERP:       f.erp,
		Comms:     f.comms,
		Templates: registry,
		AuditSvc:  f.audit,
	})
	srv.RegisterRoutes()
	f.engine = engine
	return f
}

func (f *serverFixture) doRequest(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func errorPayloadOf(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	body := decodeJSON(t, rec)
	payload, ok := body["error"].(map[string]any)
	require.True(t, ok, "no error envelope in %s", rec.Body.String())
	return payload
}

func firstFieldError(t *testing.T, payload map[string]any) map[string]any {
	t.Helper()
	errs, ok := payload["errors"].([]any)
	require.True(t, ok, "no errors list in %v", payload)
	require.NotEmpty(t, errs)
	first, ok := errs[0].(map[string]any)
	require.True(t, ok)
	return first
}

func TestStartWorkflowAccepted(t *testing.T) {
	f := newServerFixture(t, nil)
	f.workflows.startWf = orchdomain.Workflow{WorkflowID: "wf-100", State: txndomain.StatusPending}
	f.workflows.startClaimed = true

	rec := f.doRequest(t, http.MethodPost, "/workflows/cash-application/start", `{
		"transaction_id": "TXN-700",
		"source_account_ref": "ACC-OPERATING-01",
		"amount": "250.00",
		"currency": "USD",
		"value_date": "2026-02-01T12:00:00Z",
		"raw_remittance_data": "Payment for INV-700",
		"customer_identifier": "billing@acme.test",
		"erp_system": "sandbox"
	}`, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "wf-100", body["workflow_id"])
	assert.Equal(t, "Accepted", body["status"])

	submit := f.workflows.lastSubmit
	assert.Equal(t, "TXN-700", submit.TransactionID)
	assert.Equal(t, "ACC-OPERATING-01", submit.SourceAccountRef)
	assert.Equal(t, "250.00", submit.Amount.String())
	assert.Equal(t, "USD", submit.Currency)
	assert.True(t, submit.ValueDate.Equal(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, "Payment for INV-700", submit.RawRemittanceData)
	assert.Equal(t, "billing@acme.test", submit.CustomerIdentifier)
	assert.Equal(t, "sandbox", submit.ERPSystem)
}

func TestStartWorkflowDuplicateConflict(t *testing.T) {
	f := newServerFixture(t, nil)
	f.workflows.startWf = orchdomain.Workflow{WorkflowID: "wf-100", State: txndomain.StatusMatched}
	f.workflows.startClaimed = false

	rec := f.doRequest(t, http.MethodPost, "/workflows/cash-application/start", `{
		"transaction_id": "TXN-700",
		"source_account_ref": "ACC-OPERATING-01",
		"amount": "250.00",
		"currency": "USD"
	}`, nil)

	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "wf-100", body["workflow_id"])
	assert.Equal(t, "Duplicate", body["status"])
	assert.Equal(t, "Matched", body["state"])
}

func TestStartWorkflowRejectsBadPayloads(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		field string
	}{
		{
			name:  "malformed json",
			body:  `{"transaction_id": "TXN-1"`,
			field: "request",
		},
		{
			name:  "non decimal amount",
			body:  `{"transaction_id": "TXN-1", "source_account_ref": "ACC-1", "amount": "twelve", "currency": "USD"}`,
			field: "amount",
		},
		{
			name:  "bad value date",
			body:  `{"transaction_id": "TXN-1", "source_account_ref": "ACC-1", "amount": "12.00", "currency": "USD", "value_date": "yesterday"}`,
			field: "value_date",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newServerFixture(t, nil)

			rec := f.doRequest(t, http.MethodPost, "/workflows/cash-application/start", tc.body, nil)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			payload := errorPayloadOf(t, rec)
			assert.Equal(t, "validation_error", payload["type"])
			assert.Equal(t, tc.field, firstFieldError(t, payload)["field"])
			assert.Zero(t, f.workflows.startCalls)
		})
	}
}

func TestStartWorkflowMapsDomainValidation(t *testing.T) {
	f := newServerFixture(t, nil)
	f.workflows.startErr = orchdomain.ErrEmptySourceAccount

	rec := f.doRequest(t, http.MethodPost, "/workflows/cash-application/start", `{
		"transaction_id": "TXN-1",
		"amount": "12.00",
		"currency": "USD"
	}`, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := errorPayloadOf(t, rec)
	assert.Equal(t, "validation_error", payload["type"])
	assert.Equal(t, "empty_source_account_ref", firstFieldError(t, payload)["code"])
}

func TestStartWorkflowDrainingReturnsUnavailable(t *testing.T) {
	f := newServerFixture(t, nil)
	f.workflows.startErr = orchdomain.ErrDraining

	rec := f.doRequest(t, http.MethodPost, "/workflows/cash-application/start", `{
		"transaction_id": "TXN-1",
		"source_account_ref": "ACC-1",
		"amount": "12.00",
		"currency": "USD"
	}`, nil)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "busy", errorPayloadOf(t, rec)["type"])
}

func TestGetWorkflowRendersResultFromCheckpoints(t *testing.T) {
	f := newServerFixture(t, nil)

	finalized := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	wf := orchdomain.Workflow{
		WorkflowID:    "wf-200",
		TransactionID: "TXN-200",
		State:         txndomain.StatusMatched,
		Step:          orchdomain.StepFinalized,
		CreatedAt:     finalized.Add(-time.Minute),
		FinalizedAt:   &finalized,
	}
	require.NoError(t, wf.PutCheckpoint(orchdomain.StepMatched, orchdomain.MatchCheckpoint{
		MatchResultID: "mr-1",
		Status:        "Matched",
		Actions:       []string{"PostApplication", "SendConfirmation"},
	}))
	require.NoError(t, wf.PutCheckpoint(orchdomain.StepPosted, orchdomain.PostCheckpoint{
		Posted:           true,
		ERPTransactionID: "SANDBOX-APP-000001",
	}))
	f.workflows.getWf = wf

	rec := f.doRequest(t, http.MethodGet, "/workflows/wf-200", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "wf-200", f.workflows.lastID)
	body := decodeJSON(t, rec)
	assert.Equal(t, "wf-200", body["workflow_id"])
	assert.Equal(t, "TXN-200", body["transaction_id"])
	assert.Equal(t, "Matched", body["state"])
	assert.Equal(t, "finalized", body["step"])
	assert.NotEmpty(t, body["finalized_at"])
	assert.NotContains(t, body, "error")

	result, ok := body["result"].(map[string]any)
	require.True(t, ok, "missing result block in %s", rec.Body.String())
	assert.Equal(t, "mr-1", result["match_result_id"])
	assert.Equal(t, "Matched", result["status"])
	assert.Equal(t, []any{"PostApplication", "SendConfirmation"}, result["actions"])
	assert.Equal(t, true, result["posted"])
	assert.Equal(t, "SANDBOX-APP-000001", result["erp_transaction_id"])
}

func TestGetWorkflowExposesTerminalError(t *testing.T) {
	f := newServerFixture(t, nil)
	f.workflows.getWf = orchdomain.Workflow{
		WorkflowID:    "wf-201",
		TransactionID: "TXN-201",
		State:         txndomain.StatusError,
		Step:          orchdomain.StepFinalized,
		ErrorKind:     "Cancelled",
		ErrorReason:   "cancel_requested",
	}

	rec := f.doRequest(t, http.MethodGet, "/workflows/wf-201", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "Error", body["state"])
	errBlock, ok := body["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Cancelled", errBlock["kind"])
	assert.Equal(t, "cancel_requested", errBlock["reason"])
	assert.NotContains(t, body, "result")
}

func TestGetWorkflowNotFound(t *testing.T) {
	f := newServerFixture(t, nil)
	f.workflows.getErr = orchdomain.ErrNotFound

	rec := f.doRequest(t, http.MethodGet, "/workflows/wf-missing", "", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errorPayloadOf(t, rec)["type"])
}

func TestCancelWorkflowAccepted(t *testing.T) {
	f := newServerFixture(t, nil)
	f.workflows.cancelWf = orchdomain.Workflow{WorkflowID: "wf-300"}

	rec := f.doRequest(t, http.MethodPost, "/workflows/wf-300/cancel", "", nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "wf-300", body["workflow_id"])
	assert.Equal(t, "CancelRequested", body["status"])
	assert.Equal(t, "wf-300", f.workflows.lastID)
}

func TestCancelWorkflowAlreadyTerminal(t *testing.T) {
	f := newServerFixture(t, nil)
	f.workflows.cancelErr = orchdomain.ErrAlreadyTerminal

	rec := f.doRequest(t, http.MethodPost, "/workflows/wf-300/cancel", "", nil)

	require.Equal(t, http.StatusConflict, rec.Code)
	payload := errorPayloadOf(t, rec)
	assert.Equal(t, "conflict", payload["type"])
	assert.Equal(t, "workflow already terminal", payload["message"])
}

func TestListWorkflowsAppliesFilter(t *testing.T) {
	f := newServerFixture(t, nil)
	f.workflows.listRows = []orchdomain.Workflow{
		{WorkflowID: "wf-1", TransactionID: "TXN-1", State: txndomain.StatusMatched, Step: orchdomain.StepFinalized},
		{WorkflowID: "wf-2", TransactionID: "TXN-2", State: txndomain.StatusMatched, Step: orchdomain.StepFinalized},
	}
	f.workflows.listPageInfo = pagination.PageInfo{NextPageToken: "tok-2", HasMore: true}

	rec := f.doRequest(t, http.MethodGet, "/workflows?state=Matched&account=ACC-9&page_size=5&page_token=tok-1", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)

	filter := f.workflows.lastFilter
	assert.Equal(t, txndomain.StatusMatched, filter.State)
	assert.Equal(t, "ACC-9", filter.SourceAccountRef)
	assert.Equal(t, 5, filter.PageSize)
	assert.Equal(t, "tok-1", filter.PageToken)

	body := decodeJSON(t, rec)
	data, ok := body["data"].([]any)
	require.True(t, ok)
	require.Len(t, data, 2)
	first, ok := data[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "wf-1", first["workflow_id"])

	pageInfo, ok := body["page_info"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "tok-2", pageInfo["next_page_token"])
	assert.Equal(t, true, pageInfo["has_more"])
}

func TestBearerAuthRejectsBadTokens(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("cashup-ops-token"), bcrypt.MinCost)
	require.NoError(t, err)

	f := newServerFixture(t, func(cfg *config.Config) {
		cfg.APIKeyHashes = []string{string(hash)}
	})

	body := `{"transaction_id": "TXN-1", "source_account_ref": "ACC-1", "amount": "12.00", "currency": "USD"}`
	cases := []struct {
		name   string
		header map[string]string
	}{
		{name: "missing header"},
		{name: "wrong scheme", header: map[string]string{"Authorization": "Basic cashup-ops-token"}},
		{name: "empty token", header: map[string]string{"Authorization": "Bearer"}},
		{name: "wrong token", header: map[string]string{"Authorization": "Bearer not-the-token"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.doRequest(t, http.MethodPost, "/workflows/cash-application/start", body, tc.header)
			require.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "unauthorized", errorPayloadOf(t, rec)["type"])
		})
	}
	assert.Zero(t, f.workflows.startCalls)

	// Read routes stay open even with keys configured.
	f.workflows.getWf = orchdomain.Workflow{WorkflowID: "wf-1"}
	rec := f.doRequest(t, http.MethodGet, "/workflows/wf-1", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBearerAuthAcceptsConfiguredToken(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("cashup-ops-token"), bcrypt.MinCost)
	require.NoError(t, err)

	f := newServerFixture(t, func(cfg *config.Config) {
		cfg.APIKeyHashes = []string{string(hash)}
	})
	f.workflows.startWf = orchdomain.Workflow{WorkflowID: "wf-1"}
	f.workflows.startClaimed = true

	rec := f.doRequest(t, http.MethodPost, "/workflows/cash-application/start",
		`{"transaction_id": "TXN-1", "source_account_ref": "ACC-1", "amount": "12.00", "currency": "USD"}`,
		map[string]string{"Authorization": "Bearer cashup-ops-token"})

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, f.workflows.startCalls)
}

func TestExtractRequiresTextOrDocuments(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.doRequest(t, http.MethodPost, "/extract", `{"remittance_text": "  "}`, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := errorPayloadOf(t, rec)
	assert.Equal(t, "validation_error", payload["type"])
	assert.Equal(t, "remittance_text", firstFieldError(t, payload)["field"])
}

func TestExtractRejectsUnknownTier(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.doRequest(t, http.MethodPost, "/extract",
		`{"remittance_text": "INV-1", "tier_preference": "quantum"}`, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := errorPayloadOf(t, rec)
	assert.Equal(t, "validation_error", payload["type"])
	assert.Equal(t, "unknown_extractor_tier", firstFieldError(t, payload)["code"])
}

func TestExtractFallsBackToConfiguredThreshold(t *testing.T) {
	f := newServerFixture(t, func(cfg *config.Config) {
		cfg.Extractor.ConfidenceThreshold = 0.62
	})
	f.extractor.result = extractdomain.Result{
		InvoiceIDs: []string{"INV-1"},
		Confidence: 0.97,
		TierUsed:   extractdomain.TierPattern,
	}

	rec := f.doRequest(t, http.MethodPost, "/extract",
		`{"remittance_text": "Payment covers INV-1", "client_id": " ops-cli "}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 0.62, f.extractor.lastReq.ConfidenceThreshold, 1e-9)
	assert.Equal(t, "ops-cli", f.extractor.lastReq.ClientID)

	body := decodeJSON(t, rec)
	assert.Equal(t, []any{"INV-1"}, body["invoice_ids"])
	assert.Equal(t, "pattern", body["tier_used"])
}

func TestExtractTierOutageMapsUnavailable(t *testing.T) {
	f := newServerFixture(t, nil)
	f.extractor.err = extractdomain.ErrTierUnavailable

	rec := f.doRequest(t, http.MethodPost, "/extract", `{"remittance_text": "INV-1"}`, nil)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "extractor_unavailable", errorPayloadOf(t, rec)["type"])
}

func TestFetchInvoicesRequiresSelector(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.doRequest(t, http.MethodPost, "/invoices/fetch", `{"erp_system": "sandbox"}`, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := errorPayloadOf(t, rec)
	assert.Equal(t, "invoice_ids", firstFieldError(t, payload)["field"])
}

func TestFetchInvoicesDefaultsToFirstSystem(t *testing.T) {
	f := newServerFixture(t, nil)
	due := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	f.erp.fetchResult = erpdomain.FetchResult{
		Invoices: []invoicedomain.Invoice{{
			ExternalInvoiceID: "INV-88",
			ERPSystem:         "sandbox",
			CustomerID:        "CUST-1",
			OriginalAmount:    money.MustParse("200.00"),
			AmountDue:         money.MustParse("200.00"),
			Currency:          "USD",
			Status:            invoicedomain.StatusOpen,
			DueDate:           &due,
		}},
		NotFound: []string{"INV-89"},
	}

	rec := f.doRequest(t, http.MethodPost, "/invoices/fetch",
		`{"invoice_ids": ["INV-88", "INV-89"]}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sandbox", f.erp.lastFetchSystem)
	assert.Equal(t, []string{"INV-88", "INV-89"}, f.erp.lastFetchIDs)

	body := decodeJSON(t, rec)
	invoices, ok := body["invoices"].([]any)
	require.True(t, ok)
	require.Len(t, invoices, 1)
	first, ok := invoices[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "INV-88", first["invoice_id"])
	assert.Equal(t, []any{"INV-89"}, body["not_found"])
}

func TestFetchInvoicesUnknownSystem(t *testing.T) {
	f := newServerFixture(t, nil)
	f.erp.fetchErr = erpdomain.ErrUnknownSystem

	rec := f.doRequest(t, http.MethodPost, "/invoices/fetch",
		`{"erp_system": "netsuite", "invoice_ids": ["INV-1"]}`, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := errorPayloadOf(t, rec)
	assert.Equal(t, "validation_error", payload["type"])
	assert.Equal(t, "unknown_erp_system", firstFieldError(t, payload)["code"])
}

func TestPostApplicationParsesAmounts(t *testing.T) {
	f := newServerFixture(t, nil)
	f.erp.postResult = erpdomain.PostResult{
		ERPTransactionID: "SANDBOX-APP-000042",
		PostedAt:         time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}

	rec := f.doRequest(t, http.MethodPost, "/applications", `{
		"transaction_id": "TXN-801",
		"customer_id": "CUST-3",
		"lines": [
			{"invoice_id": "INV-801", "amount_applied": "100.00"},
			{"invoice_id": "INV-802", "amount_applied": "50.00"}
		],
		"total_amount": "150.00",
		"currency": "USD"
	}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "SANDBOX-APP-000042", body["erp_transaction_id"])

	app := f.erp.lastApp
	assert.Equal(t, "TXN-801", app.TransactionID)
	assert.Equal(t, "CUST-3", app.CustomerID)
	assert.Equal(t, "sandbox", app.ERPSystem)
	require.Len(t, app.Lines, 2)
	assert.Equal(t, "INV-801", app.Lines[0].InvoiceID)
	assert.Equal(t, "100.00", app.Lines[0].AmountApplied.String())
	assert.Equal(t, "50.00", app.Lines[1].AmountApplied.String())
	assert.Equal(t, "150.00", app.TotalAmount.String())
	assert.Equal(t, "USD", app.Currency)
}

func TestPostApplicationRejectsBadAmounts(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		field string
	}{
		{
			name:  "bad line amount",
			body:  `{"transaction_id": "TXN-1", "lines": [{"invoice_id": "INV-1", "amount_applied": "lots"}], "total_amount": "10.00", "currency": "USD"}`,
			field: "lines.amount_applied",
		},
		{
			name:  "bad total",
			body:  `{"transaction_id": "TXN-1", "lines": [{"invoice_id": "INV-1", "amount_applied": "10.00"}], "total_amount": "ten", "currency": "USD"}`,
			field: "total_amount",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newServerFixture(t, nil)

			rec := f.doRequest(t, http.MethodPost, "/applications", tc.body, nil)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			payload := errorPayloadOf(t, rec)
			assert.Equal(t, tc.field, firstFieldError(t, payload)["field"])
		})
	}
}

func TestPostApplicationMapsERPTaxonomy(t *testing.T) {
	cases := []struct {
		name       string
		kind       erpdomain.Kind
		wantStatus int
		wantType   string
	}{
		{name: "validation", kind: erpdomain.KindValidation, wantStatus: http.StatusBadRequest, wantType: "validation_error"},
		{name: "duplicate", kind: erpdomain.KindDuplicate, wantStatus: http.StatusConflict, wantType: "duplicate_payment"},
		{name: "transient", kind: erpdomain.KindTransient, wantStatus: http.StatusBadGateway, wantType: "erp_error"},
	}
	body := `{
		"transaction_id": "TXN-1",
		"lines": [{"invoice_id": "INV-1", "amount_applied": "10.00"}],
		"total_amount": "10.00",
		"currency": "USD"
	}`
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newServerFixture(t, nil)
			f.erp.postErr = erpdomain.NewError(tc.kind, "sandbox", "post_application", nil)

			rec := f.doRequest(t, http.MethodPost, "/applications", body, nil)

			require.Equal(t, tc.wantStatus, rec.Code)
			assert.Equal(t, tc.wantType, errorPayloadOf(t, rec)["type"])
		})
	}
}

func TestTestERPConnection(t *testing.T) {
	f := newServerFixture(t, nil)
	f.erp.connStatus = erpdomain.ConnectionStatus{OK: true, LatencyMs: 4, Version: "sandbox-1"}

	rec := f.doRequest(t, http.MethodGet, "/erp/sandbox/test", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sandbox", f.erp.lastTestSystem)
	body := decodeJSON(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "sandbox-1", body["version"])
}

func TestDispatchNotificationAccepted(t *testing.T) {
	f := newServerFixture(t, nil)
	f.comms.receipt = commdomain.Receipt{DeliveryID: "12345", Status: commdomain.StatusSent}

	rec := f.doRequest(t, http.MethodPost, "/notifications", `{
		"kind": "confirmation",
		"recipient": " billing@acme.test ",
		"transaction_id": "TXN-1",
		"data": {"transaction_id": "TXN-1", "amount": "10.00", "currency": "USD"}
	}`, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "12345", body["delivery_id"])
	assert.Equal(t, "Sent", body["status"])

	event := f.comms.lastEvent
	assert.Equal(t, commdomain.KindConfirmation, event.Kind)
	assert.Equal(t, "billing@acme.test", event.Recipient)
	assert.Equal(t, "TXN-1", event.TransactionID)
	assert.Equal(t, "10.00", event.Data["amount"])
}

func TestDispatchNotificationRejectsUnknownKind(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.doRequest(t, http.MethodPost, "/notifications",
		`{"kind": "carrier_pigeon", "recipient": "ops@cashup.test"}`, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := errorPayloadOf(t, rec)
	assert.Equal(t, "unknown_communication_kind", firstFieldError(t, payload)["code"])
}

func TestDispatchNotificationRateLimitedReturnsReceipt(t *testing.T) {
	f := newServerFixture(t, nil)
	scheduled := time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC)
	f.comms.receipt = commdomain.Receipt{DeliveryID: "777", Status: commdomain.StatusQueued, ScheduledAt: &scheduled}
	f.comms.err = commdomain.ErrRateLimited

	rec := f.doRequest(t, http.MethodPost, "/notifications", `{
		"kind": "internal_alert",
		"recipient": "ar-desk@cashup.test",
		"data": {"transaction_id": "TXN-1", "reason": "backlog"}
	}`, nil)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "777", body["delivery_id"])
	assert.Equal(t, "Queued", body["status"])
	assert.NotEmpty(t, body["scheduled_at"])
	assert.NotContains(t, body, "error")
}

func TestListTemplatesCatalogue(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.doRequest(t, http.MethodGet, "/templates", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	data, ok := body["data"].([]any)
	require.True(t, ok)
	require.Len(t, data, 5)

	byName := map[string]map[string]any{}
	for _, item := range data {
		entry, ok := item.(map[string]any)
		require.True(t, ok)
		byName[entry["name"].(string)] = entry
	}
	confirmation, ok := byName["payment_confirmation"]
	require.True(t, ok, "catalogue misses payment_confirmation: %v", byName)
	assert.Equal(t, "embedded", confirmation["source"])
	assert.ElementsMatch(t, []any{"transaction_id", "amount", "currency"}, confirmation["required_fields"])
}

func TestQueryAuditEventsAppliesFilter(t *testing.T) {
	f := newServerFixture(t, nil)
	f.audit.resp = auditdomain.QueryResponse{
		PageInfo: pagination.PageInfo{NextPageToken: "tok-9", HasMore: false},
		Events: []auditdomain.Event{{
			Seq:           41,
			TS:            time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
			EventType:     "workflow.claimed",
			Source:        auditdomain.SourceOrchestrator,
			TransactionID: "TXN-1",
		}},
	}

	rec := f.doRequest(t, http.MethodGet,
		"/audit/events?transaction_id=TXN-1&event_type=workflow.claimed&source=orchestrator&page_size=10", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)

	filter := f.audit.lastFilter
	assert.Equal(t, "TXN-1", filter.TransactionID)
	assert.Equal(t, "workflow.claimed", filter.EventType)
	assert.Equal(t, "orchestrator", filter.Source)
	assert.Equal(t, 10, filter.PageSize)

	body := decodeJSON(t, rec)
	data, ok := body["data"].([]any)
	require.True(t, ok)
	require.Len(t, data, 1)
	first, ok := data[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "workflow.claimed", first["event_type"])
	assert.Equal(t, float64(41), first["seq"])

	pageInfo, ok := body["page_info"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "tok-9", pageInfo["next_page_token"])
}

func TestHealthReportsDependencies(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.doRequest(t, http.MethodGet, "/health", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "ok", body["status"])

	deps, ok := body["dependencies"].(map[string]any)
	require.True(t, ok)
	db, ok := deps["db"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, db["ok"])

	erps, ok := deps["erp"].(map[string]any)
	require.True(t, ok)
	sandboxDep, ok := erps["sandbox"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, sandboxDep["ok"])

	assert.NotContains(t, deps, "redis")
}

func TestHealthDegradesWhenERPDown(t *testing.T) {
	f := newServerFixture(t, nil)
	f.erp.connErr = erpdomain.NewError(erpdomain.KindTransient, "sandbox", "test_connection", nil)

	rec := f.doRequest(t, http.MethodGet, "/health", "", nil)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "degraded", body["status"])

	deps := body["dependencies"].(map[string]any)
	sandboxDep := deps["erp"].(map[string]any)["sandbox"].(map[string]any)
	assert.Equal(t, false, sandboxDep["ok"])
	assert.NotEmpty(t, sandboxDep["error"])
}

func TestVersionReportsBuildMetadata(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.doRequest(t, http.MethodGet, "/version", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "cashup", body["name"])
	assert.Equal(t, "0.0.0-test", body["version"])
	assert.Equal(t, "test", body["environment"])
}

package sapecc

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/cashup/internal/config"
	"github.com/smallbiznis/cashup/internal/erp/domain"
	invoicedomain "github.com/smallbiznis/cashup/internal/invoice/domain"
	"github.com/smallbiznis/cashup/internal/money"
)

const servicePath = "/sap/opu/odata/sap/ZCASHAPP_SRV"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Kind() string {
	return "sapecc"
}

func (f *Factory) New(cfg config.ERPSystemConfig) (domain.Connector, error) {
	if cfg.BaseURL == "" || cfg.ClientCertFile == "" || cfg.ClientKeyFile == "" {
		return nil, domain.ErrInvalidConfig
	}
	cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{
		Timeout: 30 * time.Second,
		Jar:     jar,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			},
		},
	}
	return NewWithClient(cfg.Name, cfg.BaseURL, client), nil
}

// NewWithClient wires an explicit HTTP client. Used by tests, which
// cannot present a client certificate.
func NewWithClient(system, baseURL string, client *http.Client) *Connector {
	return &Connector{
		system:  system,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		now:     time.Now,
	}
}

// Connector speaks OData to an SAP ECC gateway over mutual TLS. SAP
// protects mutating calls with a CSRF token fetched per session; the
// token is cached and refreshed once when the gateway rejects it.
type Connector struct {
	system  string
	baseURL string
	client  *http.Client
	now     func() time.Time

	mu        sync.Mutex
	csrfToken string
}

func (c *Connector) System() string {
	return c.system
}

func (c *Connector) Capabilities() domain.Capabilities {
	return domain.Capabilities{NativeIdempotency: false}
}

type odataEnvelope struct {
	D json.RawMessage `json:"d"`
}

type odataResults struct {
	Results json.RawMessage `json:"results"`
}

type odataInvoice struct {
	InvoiceID      string       `json:"InvoiceID"`
	CustomerID     string       `json:"CustomerID"`
	GrossAmount    money.Amount `json:"GrossAmount"`
	OpenAmount     money.Amount `json:"OpenAmount"`
	Currency       string       `json:"Currency"`
	ClearingStatus string       `json:"ClearingStatus"`
	DueDate        string       `json:"DueDate"`
	FIDocument     string       `json:"FIDocument"`
}

func (c *Connector) FetchInvoices(ctx context.Context, invoiceIDs []string, customerID string) (domain.FetchResult, error) {
	query := url.Values{"$format": []string{"json"}}
	if filter := buildFilter(invoiceIDs, customerID); filter != "" {
		query.Set("$filter", filter)
	}

	raw, _, err := c.get(ctx, servicePath+"/InvoiceSet?"+query.Encode())
	if err != nil {
		return domain.FetchResult{}, err
	}
	rows, err := decodeResults[odataInvoice](raw)
	if err != nil {
		return domain.FetchResult{}, domain.NewError(domain.KindTransient, c.system, "fetch_invoices", err)
	}

	found := map[string]struct{}{}
	result := domain.FetchResult{}
	for _, row := range rows {
		inv := invoicedomain.Invoice{
			ExternalInvoiceID: row.InvoiceID,
			ERPSystem:         c.system,
			CustomerID:        row.CustomerID,
			OriginalAmount:    row.GrossAmount,
			AmountDue:         row.OpenAmount,
			Currency:          strings.ToUpper(row.Currency),
			Status:            translateClearingStatus(row.ClearingStatus),
			ERPRecordID:       row.FIDocument,
			FetchedAt:         c.now().UTC(),
		}
		if due, ok := parseODataDate(row.DueDate); ok {
			inv.DueDate = &due
		}
		found[row.InvoiceID] = struct{}{}
		result.Invoices = append(result.Invoices, inv)
	}
	for _, id := range invoiceIDs {
		if _, ok := found[id]; !ok {
			result.NotFound = append(result.NotFound, id)
		}
	}
	return result, nil
}

func buildFilter(invoiceIDs []string, customerID string) string {
	var clauses []string
	if len(invoiceIDs) > 0 {
		ors := make([]string, 0, len(invoiceIDs))
		for _, id := range invoiceIDs {
			ors = append(ors, "InvoiceID eq '"+strings.ReplaceAll(id, "'", "''")+"'")
		}
		clauses = append(clauses, "("+strings.Join(ors, " or ")+")")
	}
	if customerID != "" {
		clauses = append(clauses, "CustomerID eq '"+strings.ReplaceAll(customerID, "'", "''")+"'")
	}
	return strings.Join(clauses, " and ")
}

func translateClearingStatus(status string) invoicedomain.Status {
	switch strings.ToUpper(status) {
	case "C":
		return invoicedomain.StatusClosed
	case "D":
		return invoicedomain.StatusDisputed
	default:
		return invoicedomain.StatusOpen
	}
}

// parseODataDate handles the OData v2 wire form /Date(1712016000000)/.
func parseODataDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "/Date(") || !strings.HasSuffix(raw, ")/") {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(raw, "/Date("), ")/"), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

type paymentApplication struct {
	TransactionRef string              `json:"TransactionRef"`
	CustomerID     string              `json:"CustomerID"`
	TotalAmount    string              `json:"TotalAmount"`
	Currency       string              `json:"Currency"`
	ToLines        []paymentLineEntity `json:"ToLines"`
}

type paymentLineEntity struct {
	InvoiceID     string `json:"InvoiceID"`
	AmountApplied string `json:"AmountApplied"`
}

type paymentDocument struct {
	PaymentDocument string `json:"PaymentDocument"`
	TransactionRef  string `json:"TransactionRef"`
	PostingDate     string `json:"PostingDate"`
}

func (c *Connector) PostApplication(ctx context.Context, app domain.Application) (domain.PostResult, error) {
	if err := app.Validate(); err != nil {
		return domain.PostResult{}, domain.NewError(domain.KindValidation, c.system, "post_application", err)
	}

	body := paymentApplication{
		TransactionRef: app.TransactionID,
		CustomerID:     app.CustomerID,
		TotalAmount:    app.TotalAmount.String(),
		Currency:       app.Currency,
		ToLines:        make([]paymentLineEntity, 0, len(app.Lines)),
	}
	for _, line := range app.Lines {
		body.ToLines = append(body.ToLines, paymentLineEntity{
			InvoiceID:     line.InvoiceID,
			AmountApplied: line.AmountApplied.String(),
		})
	}

	raw, err := c.post(ctx, servicePath+"/PaymentApplicationSet", body)
	if err != nil {
		return domain.PostResult{}, err
	}
	var doc paymentDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.PostResult{}, domain.NewError(domain.KindTransient, c.system, "post_application", err)
	}

	posted := c.now().UTC()
	if ts, ok := parseODataDate(doc.PostingDate); ok {
		posted = ts
	}
	return domain.PostResult{ERPTransactionID: doc.PaymentDocument, PostedAt: posted}, nil
}

func (c *Connector) FindApplication(ctx context.Context, transactionID string) (domain.PostResult, bool, error) {
	query := url.Values{
		"$format": []string{"json"},
		"$filter": []string{"TransactionRef eq '" + strings.ReplaceAll(transactionID, "'", "''") + "'"},
		"$top":    []string{"1"},
	}
	raw, _, err := c.get(ctx, servicePath+"/PaymentApplicationSet?"+query.Encode())
	if err != nil {
		return domain.PostResult{}, false, err
	}
	rows, err := decodeResults[paymentDocument](raw)
	if err != nil {
		return domain.PostResult{}, false, domain.NewError(domain.KindTransient, c.system, "find_application", err)
	}
	if len(rows) == 0 {
		return domain.PostResult{}, false, nil
	}

	posted := time.Time{}
	if ts, ok := parseODataDate(rows[0].PostingDate); ok {
		posted = ts
	}
	return domain.PostResult{ERPTransactionID: rows[0].PaymentDocument, PostedAt: posted}, true, nil
}

func (c *Connector) TestConnection(ctx context.Context) (domain.ConnectionStatus, error) {
	started := c.now()
	token, version, err := c.fetchToken(ctx)
	latency := c.now().Sub(started).Milliseconds()
	if err != nil {
		return domain.ConnectionStatus{OK: false, LatencyMs: latency}, err
	}
	c.mu.Lock()
	c.csrfToken = token
	c.mu.Unlock()
	return domain.ConnectionStatus{OK: true, LatencyMs: latency, Version: version}, nil
}

// get performs a read; SAP hands out the CSRF token on reads, so the
// response token is cached opportunistically.
func (c *Connector) get(ctx context.Context, path string) (json.RawMessage, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, nil, domain.NewError(domain.KindValidation, c.system, path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-CSRF-Token", "Fetch")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, domain.NewError(domain.KindTransient, c.system, path, err)
	}
	defer resp.Body.Close()

	if token := resp.Header.Get("X-CSRF-Token"); token != "" && token != "Required" {
		c.mu.Lock()
		c.csrfToken = token
		c.mu.Unlock()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.Header, domain.ClassifyStatus(c.system, path, resp.StatusCode, readBodyError(resp.Body))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.Header, domain.NewError(domain.KindTransient, c.system, path, err)
	}
	var envelope odataEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, resp.Header, domain.NewError(domain.KindTransient, c.system, path, err)
	}
	return envelope.D, resp.Header, nil
}

// post performs a mutation, re-fetching the CSRF token once when the
// gateway rejects the cached one.
func (c *Connector) post(ctx context.Context, path string, payload interface{}) (json.RawMessage, error) {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.ensureToken(ctx)
		if err != nil {
			return nil, err
		}

		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, domain.NewError(domain.KindValidation, c.system, path, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
		if err != nil {
			return nil, domain.NewError(domain.KindValidation, c.system, path, err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-CSRF-Token", token)

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, domain.NewError(domain.KindTransient, c.system, path, err)
		}

		if resp.StatusCode == http.StatusForbidden && attempt == 0 {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			c.mu.Lock()
			c.csrfToken = ""
			c.mu.Unlock()
			continue
		}

		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, domain.ClassifyStatus(c.system, path, resp.StatusCode, readBodyError(resp.Body))
		}
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, domain.NewError(domain.KindTransient, c.system, path, err)
		}
		var envelope odataEnvelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return nil, domain.NewError(domain.KindTransient, c.system, path, err)
		}
		return envelope.D, nil
	}
	return nil, domain.NewError(domain.KindPermanent, c.system, path, fmt.Errorf("csrf token rejected twice"))
}

func (c *Connector) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.csrfToken
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	token, _, err := c.fetchToken(ctx)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.csrfToken = token
	c.mu.Unlock()
	return token, nil
}

func (c *Connector) fetchToken(ctx context.Context) (token, version string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+servicePath+"/", nil)
	if err != nil {
		return "", "", domain.NewError(domain.KindValidation, c.system, "csrf_fetch", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-CSRF-Token", "Fetch")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", "", domain.NewError(domain.KindTransient, c.system, "csrf_fetch", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", domain.ClassifyStatus(c.system, "csrf_fetch", resp.StatusCode, fmt.Errorf("token fetch rejected"))
	}
	token = resp.Header.Get("X-CSRF-Token")
	if token == "" || token == "Required" {
		return "", "", domain.NewError(domain.KindPermanent, c.system, "csrf_fetch", fmt.Errorf("gateway returned no csrf token"))
	}
	return token, resp.Header.Get("dataserviceversion"), nil
}

func decodeResults[T any](raw json.RawMessage) ([]T, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var wrapped odataResults
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Results) > 0 {
		raw = wrapped.Results
	}
	var rows []T
	if err := json.Unmarshal(raw, &rows); err != nil {
		var single T
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, err
		}
		rows = []T{single}
	}
	return rows, nil
}

func readBodyError(body io.Reader) error {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(raw) == 0 {
		return fmt.Errorf("request rejected")
	}
	return fmt.Errorf("%s", strings.TrimSpace(string(raw)))
}

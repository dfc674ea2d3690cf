package quickbooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/cashup/internal/config"
	"github.com/smallbiznis/cashup/internal/erp/domain"
	invoicedomain "github.com/smallbiznis/cashup/internal/invoice/domain"
	"github.com/smallbiznis/cashup/internal/money"
)

const defaultBaseURL = "https://quickbooks.api.intuit.com"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Kind() string {
	return "quickbooks"
}

func (f *Factory) New(cfg config.ERPSystemConfig) (domain.Connector, error) {
	if cfg.APIKey == "" || cfg.RealmID == "" {
		return nil, domain.ErrInvalidConfig
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	return &Connector{
		system:  cfg.Name,
		baseURL: strings.TrimRight(base, "/"),
		token:   cfg.APIKey,
		realmID: cfg.RealmID,
		client:  &http.Client{Timeout: 30 * time.Second},
		now:     time.Now,
	}, nil
}

// Connector talks to the QuickBooks Online v3 API. Reads go through the
// query endpoint; payment creation passes the transaction id as requestid,
// which QuickBooks deduplicates server-side.
type Connector struct {
	system  string
	baseURL string
	token   string
	realmID string
	client  *http.Client
	now     func() time.Time
}

func (c *Connector) System() string {
	return c.system
}

func (c *Connector) Capabilities() domain.Capabilities {
	return domain.Capabilities{NativeIdempotency: true}
}

type entityRef struct {
	Value string `json:"value"`
	Name  string `json:"name,omitempty"`
}

type qbInvoice struct {
	ID          string       `json:"Id"`
	DocNumber   string       `json:"DocNumber"`
	TotalAmt    money.Amount `json:"TotalAmt"`
	Balance     money.Amount `json:"Balance"`
	CurrencyRef entityRef    `json:"CurrencyRef"`
	CustomerRef entityRef    `json:"CustomerRef"`
	DueDate     string       `json:"DueDate"`
}

type queryResponse struct {
	QueryResponse struct {
		Invoice []qbInvoice `json:"Invoice"`
		Payment []qbPayment `json:"Payment"`
	} `json:"QueryResponse"`
}

func (c *Connector) FetchInvoices(ctx context.Context, invoiceIDs []string, customerID string) (domain.FetchResult, error) {
	query := "SELECT * FROM Invoice"
	var clauses []string
	if len(invoiceIDs) > 0 {
		quoted := make([]string, 0, len(invoiceIDs))
		for _, id := range invoiceIDs {
			quoted = append(quoted, "'"+escapeQuery(id)+"'")
		}
		clauses = append(clauses, "DocNumber IN ("+strings.Join(quoted, ", ")+")")
	}
	if customerID != "" {
		clauses = append(clauses, "CustomerRef = '"+escapeQuery(customerID)+"'")
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDERBY DocNumber"

	var decoded queryResponse
	if err := c.call(ctx, http.MethodGet, "/query?query="+url.QueryEscape(query), nil, &decoded); err != nil {
		return domain.FetchResult{}, err
	}

	found := map[string]struct{}{}
	result := domain.FetchResult{}
	for _, row := range decoded.QueryResponse.Invoice {
		inv := invoicedomain.Invoice{
			ExternalInvoiceID: row.DocNumber,
			ERPSystem:         c.system,
			CustomerID:        row.CustomerRef.Value,
			OriginalAmount:    row.TotalAmt,
			AmountDue:         row.Balance,
			Currency:          strings.ToUpper(row.CurrencyRef.Value),
			Status:            statusFromBalance(row.Balance),
			ERPRecordID:       row.ID,
			FetchedAt:         c.now().UTC(),
		}
		if due, err := time.Parse("2006-01-02", row.DueDate); err == nil {
			utc := due.UTC()
			inv.DueDate = &utc
		}
		found[row.DocNumber] = struct{}{}
		result.Invoices = append(result.Invoices, inv)
	}
	for _, id := range invoiceIDs {
		if _, ok := found[id]; !ok {
			result.NotFound = append(result.NotFound, id)
		}
	}
	return result, nil
}

func statusFromBalance(balance money.Amount) invoicedomain.Status {
	if balance.IsZero() {
		return invoicedomain.StatusClosed
	}
	return invoicedomain.StatusOpen
}

type qbPayment struct {
	ID            string    `json:"Id"`
	PaymentRefNum string    `json:"PaymentRefNum"`
	MetaData      *metaData `json:"MetaData,omitempty"`
}

type metaData struct {
	CreateTime string `json:"CreateTime"`
}

type paymentBody struct {
	TotalAmt      json.Number   `json:"TotalAmt"`
	CustomerRef   entityRef     `json:"CustomerRef"`
	CurrencyRef   entityRef     `json:"CurrencyRef"`
	PaymentRefNum string        `json:"PaymentRefNum"`
	Line          []paymentLine `json:"Line"`
}

type paymentLine struct {
	Amount    json.Number `json:"Amount"`
	LinkedTxn []linkedTxn `json:"LinkedTxn"`
}

type linkedTxn struct {
	TxnID   string `json:"TxnId"`
	TxnType string `json:"TxnType"`
}

type paymentResponse struct {
	Payment qbPayment `json:"Payment"`
}

func (c *Connector) PostApplication(ctx context.Context, app domain.Application) (domain.PostResult, error) {
	if err := app.Validate(); err != nil {
		return domain.PostResult{}, domain.NewError(domain.KindValidation, c.system, "post_application", err)
	}

	body := paymentBody{
		TotalAmt:      json.Number(app.TotalAmount.String()),
		CustomerRef:   entityRef{Value: app.CustomerID},
		CurrencyRef:   entityRef{Value: app.Currency},
		PaymentRefNum: app.TransactionID,
		Line:          make([]paymentLine, 0, len(app.Lines)),
	}
	for _, line := range app.Lines {
		body.Line = append(body.Line, paymentLine{
			Amount:    json.Number(line.AmountApplied.String()),
			LinkedTxn: []linkedTxn{{TxnID: line.InvoiceID, TxnType: "Invoice"}},
		})
	}

	var decoded paymentResponse
	path := "/payment?requestid=" + url.QueryEscape(app.TransactionID)
	if err := c.call(ctx, http.MethodPost, path, body, &decoded); err != nil {
		return domain.PostResult{}, err
	}

	posted := c.now().UTC()
	if decoded.Payment.MetaData != nil {
		if ts, err := time.Parse(time.RFC3339, decoded.Payment.MetaData.CreateTime); err == nil {
			posted = ts.UTC()
		}
	}
	return domain.PostResult{ERPTransactionID: decoded.Payment.ID, PostedAt: posted}, nil
}

func (c *Connector) FindApplication(ctx context.Context, transactionID string) (domain.PostResult, bool, error) {
	query := "SELECT * FROM Payment WHERE PaymentRefNum = '" + escapeQuery(transactionID) + "'"
	var decoded queryResponse
	if err := c.call(ctx, http.MethodGet, "/query?query="+url.QueryEscape(query), nil, &decoded); err != nil {
		return domain.PostResult{}, false, err
	}
	if len(decoded.QueryResponse.Payment) == 0 {
		return domain.PostResult{}, false, nil
	}

	payment := decoded.QueryResponse.Payment[0]
	posted := time.Time{}
	if payment.MetaData != nil {
		if ts, err := time.Parse(time.RFC3339, payment.MetaData.CreateTime); err == nil {
			posted = ts.UTC()
		}
	}
	return domain.PostResult{ERPTransactionID: payment.ID, PostedAt: posted}, true, nil
}

func (c *Connector) TestConnection(ctx context.Context) (domain.ConnectionStatus, error) {
	started := c.now()
	var decoded struct {
		CompanyInfo struct {
			CompanyName string `json:"CompanyName"`
		} `json:"CompanyInfo"`
	}
	err := c.call(ctx, http.MethodGet, "/companyinfo/"+url.PathEscape(c.realmID), nil, &decoded)
	latency := c.now().Sub(started).Milliseconds()
	if err != nil {
		return domain.ConnectionStatus{OK: false, LatencyMs: latency}, err
	}
	return domain.ConnectionStatus{OK: true, LatencyMs: latency, Version: "quickbooks/v3"}, nil
}

func (c *Connector) call(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return domain.NewError(domain.KindValidation, c.system, path, err)
		}
		body = bytes.NewReader(encoded)
	}

	endpoint := c.baseURL + "/v3/company/" + url.PathEscape(c.realmID) + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return domain.NewError(domain.KindValidation, c.system, path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.NewError(domain.KindTransient, c.system, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.ClassifyStatus(c.system, path, resp.StatusCode, readFault(resp.Body))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.NewError(domain.KindTransient, c.system, path, err)
	}
	return nil
}

// escapeQuery escapes single quotes per the QuickBooks query grammar.
func escapeQuery(s string) string {
	return strings.ReplaceAll(s, "'", `\'`)
}

type faultResponse struct {
	Fault struct {
		Type  string `json:"type"`
		Error []struct {
			Message string `json:"Message"`
			Detail  string `json:"Detail"`
			Code    string `json:"code"`
		} `json:"Error"`
	} `json:"Fault"`
}

func readFault(body io.Reader) error {
	raw, err := io.ReadAll(io.LimitReader(body, 8192))
	if err != nil || len(raw) == 0 {
		return fmt.Errorf("request rejected")
	}
	var fault faultResponse
	if err := json.Unmarshal(raw, &fault); err == nil && len(fault.Fault.Error) > 0 {
		first := fault.Fault.Error[0]
		return fmt.Errorf("%s (code %s): %s", fault.Fault.Type, first.Code, first.Message)
	}
	return fmt.Errorf("%s", strings.TrimSpace(string(raw)))
}

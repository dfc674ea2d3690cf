package netsuite

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/cashup/internal/config"
	"github.com/smallbiznis/cashup/internal/erp/domain"
	invoicedomain "github.com/smallbiznis/cashup/internal/invoice/domain"
	"github.com/smallbiznis/cashup/internal/money"
)

const (
	suiteQLPath  = "/services/rest/query/v1/suiteql"
	paymentPath  = "/services/rest/record/v1/customerPayment"
	requestLimit = 1000
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Kind() string {
	return "netsuite"
}

func (f *Factory) New(cfg config.ERPSystemConfig) (domain.Connector, error) {
	if cfg.BaseURL == "" || cfg.AccountID == "" || cfg.ConsumerKey == "" ||
		cfg.ConsumerSecret == "" || cfg.TokenID == "" || cfg.TokenSecret == "" {
		return nil, domain.ErrInvalidConfig
	}
	return &Connector{
		system:         cfg.Name,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		accountID:      cfg.AccountID,
		consumerKey:    cfg.ConsumerKey,
		consumerSecret: cfg.ConsumerSecret,
		tokenID:        cfg.TokenID,
		tokenSecret:    cfg.TokenSecret,
		client:         &http.Client{Timeout: 30 * time.Second},
		now:            time.Now,
		nonce:          randomNonce,
	}, nil
}

// Connector talks to NetSuite over token-based authentication: every
// request carries an OAuth 1.0a signature built from the consumer and
// token secrets. Reads go through SuiteQL; postings are record upserts
// keyed by externalId, which NetSuite deduplicates natively.
type Connector struct {
	system         string
	baseURL        string
	accountID      string
	consumerKey    string
	consumerSecret string
	tokenID        string
	tokenSecret    string
	client         *http.Client
	now            func() time.Time
	nonce          func() string
}

func (c *Connector) System() string {
	return c.system
}

func (c *Connector) Capabilities() domain.Capabilities {
	return domain.Capabilities{NativeIdempotency: true}
}

type suiteQLRequest struct {
	Query string `json:"q"`
}

type suiteQLResponse struct {
	Items []suiteQLInvoice `json:"items"`
}

type suiteQLInvoice struct {
	ID              string       `json:"id"`
	TranID          string       `json:"tranid"`
	Entity          string       `json:"entity"`
	ForeignTotal    money.Amount `json:"foreigntotal"`
	AmountRemaining money.Amount `json:"amountremaining"`
	Currency        string       `json:"currency"`
	Status          string       `json:"status"`
	DueDate         string       `json:"duedate"`
}

func (c *Connector) FetchInvoices(ctx context.Context, invoiceIDs []string, customerID string) (domain.FetchResult, error) {
	query := buildInvoiceQuery(invoiceIDs, customerID)

	var resp suiteQLResponse
	if err := c.call(ctx, http.MethodPost, suiteQLPath+"?limit="+strconv.Itoa(requestLimit),
		suiteQLRequest{Query: query}, &resp, http.Header{"Prefer": []string{"transient"}}); err != nil {
		return domain.FetchResult{}, err
	}

	found := map[string]struct{}{}
	result := domain.FetchResult{}
	for _, row := range resp.Items {
		inv := invoicedomain.Invoice{
			ExternalInvoiceID: row.TranID,
			ERPSystem:         c.system,
			CustomerID:        row.Entity,
			OriginalAmount:    row.ForeignTotal,
			AmountDue:         row.AmountRemaining,
			Currency:          strings.ToUpper(row.Currency),
			Status:            translateStatus(row.Status),
			ERPRecordID:       row.ID,
			FetchedAt:         c.now().UTC(),
		}
		if due, err := time.Parse("2006-01-02", row.DueDate); err == nil {
			inv.DueDate = &due
		}
		found[row.TranID] = struct{}{}
		result.Invoices = append(result.Invoices, inv)
	}
	for _, id := range invoiceIDs {
		if _, ok := found[id]; !ok {
			result.NotFound = append(result.NotFound, id)
		}
	}
	return result, nil
}

// buildInvoiceQuery quotes identifiers by doubling single quotes, the
// SuiteQL escape rule.
func buildInvoiceQuery(invoiceIDs []string, customerID string) string {
	var b strings.Builder
	b.WriteString("SELECT id, tranid, entity, foreigntotal, amountremaining, currency, status, duedate ")
	b.WriteString("FROM transaction WHERE recordtype = 'invoice'")
	if len(invoiceIDs) > 0 {
		quoted := make([]string, 0, len(invoiceIDs))
		for _, id := range invoiceIDs {
			quoted = append(quoted, "'"+strings.ReplaceAll(id, "'", "''")+"'")
		}
		b.WriteString(" AND tranid IN (" + strings.Join(quoted, ", ") + ")")
	}
	if customerID != "" {
		b.WriteString(" AND entity = '" + strings.ReplaceAll(customerID, "'", "''") + "'")
	}
	b.WriteString(" ORDER BY tranid")
	return b.String()
}

func translateStatus(status string) invoicedomain.Status {
	switch strings.ToLower(status) {
	case "open", "pending approval", "approved":
		return invoicedomain.StatusOpen
	case "paid in full", "paidinfull":
		return invoicedomain.StatusClosed
	case "disputed":
		return invoicedomain.StatusDisputed
	default:
		return invoicedomain.StatusOpen
	}
}

type paymentUpsert struct {
	Customer paymentCustomer `json:"customer"`
	Payment  string          `json:"payment"`
	Currency paymentCurrency `json:"currency"`
	Memo     string          `json:"memo"`
	Apply    paymentApply    `json:"apply"`
}

type paymentCustomer struct {
	ID string `json:"id"`
}

type paymentCurrency struct {
	RefName string `json:"refName"`
}

type paymentApply struct {
	Items []paymentApplyItem `json:"items"`
}

type paymentApplyItem struct {
	Doc    paymentDoc `json:"doc"`
	Amount string     `json:"amount"`
	Apply  bool       `json:"apply"`
}

type paymentDoc struct {
	ID string `json:"id"`
}

func (c *Connector) PostApplication(ctx context.Context, app domain.Application) (domain.PostResult, error) {
	if err := app.Validate(); err != nil {
		return domain.PostResult{}, domain.NewError(domain.KindValidation, c.system, "post_application", err)
	}

	body := paymentUpsert{
		Customer: paymentCustomer{ID: app.CustomerID},
		Payment:  app.TotalAmount.String(),
		Currency: paymentCurrency{RefName: app.Currency},
		Memo:     "cashup " + app.TransactionID,
		Apply:    paymentApply{Items: make([]paymentApplyItem, 0, len(app.Lines))},
	}
	for _, line := range app.Lines {
		body.Apply.Items = append(body.Apply.Items, paymentApplyItem{
			Doc:    paymentDoc{ID: line.InvoiceID},
			Amount: line.AmountApplied.String(),
			Apply:  true,
		})
	}

	// Upserting by external id makes the create retry-safe: replays
	// land on the same record.
	path := paymentPath + "/eid:" + url.PathEscape(app.TransactionID)
	location, err := c.upsert(ctx, path, body)
	if err != nil {
		return domain.PostResult{}, err
	}
	return domain.PostResult{
		ERPTransactionID: recordIDFromLocation(location, app.TransactionID),
		PostedAt:         c.now().UTC(),
	}, nil
}

func (c *Connector) TestConnection(ctx context.Context) (domain.ConnectionStatus, error) {
	started := c.now()
	var resp suiteQLResponse
	err := c.call(ctx, http.MethodPost, suiteQLPath+"?limit=1",
		suiteQLRequest{Query: "SELECT id FROM currency ORDER BY id"}, &resp,
		http.Header{"Prefer": []string{"transient"}})
	if err != nil {
		return domain.ConnectionStatus{OK: false, LatencyMs: c.now().Sub(started).Milliseconds()}, err
	}
	return domain.ConnectionStatus{
		OK:        true,
		LatencyMs: c.now().Sub(started).Milliseconds(),
		Version:   "suiteql/v1",
	}, nil
}

func (c *Connector) call(ctx context.Context, method, path string, payload, out interface{}, extra http.Header) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return domain.NewError(domain.KindValidation, c.system, path, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return domain.NewError(domain.KindValidation, c.system, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, values := range extra {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if err := c.authorize(req); err != nil {
		return domain.NewError(domain.KindValidation, c.system, path, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.NewError(domain.KindTransient, c.system, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.ClassifyStatus(c.system, path, resp.StatusCode, readAPIError(resp.Body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.NewError(domain.KindTransient, c.system, path, err)
	}
	return nil
}

// upsert issues the PUT and returns the Location header NetSuite sets
// on the created or updated record.
func (c *Connector) upsert(ctx context.Context, path string, payload interface{}) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", domain.NewError(domain.KindValidation, c.system, path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return "", domain.NewError(domain.KindValidation, c.system, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(req); err != nil {
		return "", domain.NewError(domain.KindValidation, c.system, path, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", domain.NewError(domain.KindTransient, c.system, path, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", domain.ClassifyStatus(c.system, path, resp.StatusCode, fmt.Errorf("upsert rejected"))
	}
	return resp.Header.Get("Location"), nil
}

func recordIDFromLocation(location, fallback string) string {
	if location == "" {
		return "eid:" + fallback
	}
	parts := strings.Split(strings.TrimRight(location, "/"), "/")
	return parts[len(parts)-1]
}

type apiError struct {
	Title  string `json:"title"`
	Detail string `json:"o:errorDetails"`
}

func readAPIError(body io.Reader) error {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(raw) == 0 {
		return fmt.Errorf("request rejected")
	}
	var decoded apiError
	if json.Unmarshal(raw, &decoded) == nil && decoded.Title != "" {
		return fmt.Errorf("%s", decoded.Title)
	}
	return fmt.Errorf("%s", strings.TrimSpace(string(raw)))
}

// authorize signs the request per OAuth 1.0a with HMAC-SHA256, the
// scheme NetSuite token-based authentication mandates.
func (c *Connector) authorize(req *http.Request) error {
	oauthParams := map[string]string{
		"oauth_consumer_key":     c.consumerKey,
		"oauth_nonce":            c.nonce(),
		"oauth_signature_method": "HMAC-SHA256",
		"oauth_timestamp":        strconv.FormatInt(c.now().Unix(), 10),
		"oauth_token":            c.tokenID,
		"oauth_version":          "1.0",
	}

	signature, err := signRequest(req, oauthParams, c.consumerSecret, c.tokenSecret)
	if err != nil {
		return err
	}
	oauthParams["oauth_signature"] = signature

	keys := make([]string, 0, len(oauthParams))
	for key := range oauthParams {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var header strings.Builder
	header.WriteString(`OAuth realm="` + c.accountID + `"`)
	for _, key := range keys {
		header.WriteString(", " + key + `="` + percentEncode(oauthParams[key]) + `"`)
	}
	req.Header.Set("Authorization", header.String())
	return nil
}

// signRequest builds the RFC 5849 signature base string from the
// method, the normalized URL and the sorted union of query and oauth
// parameters, then MACs it with consumerSecret&tokenSecret.
func signRequest(req *http.Request, oauthParams map[string]string, consumerSecret, tokenSecret string) (string, error) {
	params := url.Values{}
	for key, values := range req.URL.Query() {
		for _, v := range values {
			params.Add(key, v)
		}
	}
	for key, value := range oauthParams {
		params.Add(key, value)
	}

	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		values := params[key]
		sort.Strings(values)
		for _, v := range values {
			pairs = append(pairs, percentEncode(key)+"="+percentEncode(v))
		}
	}

	baseURL := req.URL.Scheme + "://" + req.URL.Host + req.URL.Path
	base := strings.ToUpper(req.Method) + "&" + percentEncode(baseURL) + "&" + percentEncode(strings.Join(pairs, "&"))

	mac := hmac.New(sha256.New, []byte(percentEncode(consumerSecret)+"&"+percentEncode(tokenSecret)))
	if _, err := mac.Write([]byte(base)); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// percentEncode implements RFC 3986 encoding as OAuth 1.0a requires:
// space becomes %20 and tilde stays literal.
func percentEncode(s string) string {
	encoded := url.QueryEscape(s)
	encoded = strings.ReplaceAll(encoded, "+", "%20")
	encoded = strings.ReplaceAll(encoded, "%7E", "~")
	return encoded
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(buf)
}

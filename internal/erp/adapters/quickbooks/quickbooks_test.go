package quickbooks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/smallbiznis/cashup/internal/config"
	"github.com/smallbiznis/cashup/internal/erp/domain"
	"github.com/smallbiznis/cashup/internal/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pinnedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestConnector(serverURL string, client *http.Client) *Connector {
	return &Connector{
		system:  "quickbooks",
		baseURL: strings.TrimRight(serverURL, "/"),
		token:   "access-token",
		realmID: "9341452148",
		client:  client,
		now:     func() time.Time { return pinnedNow },
	}
}

func TestFactoryRequiresCredentials(t *testing.T) {
	_, err := NewFactory().New(config.ERPSystemConfig{Name: "qb", Kind: "quickbooks"})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	conn, err := NewFactory().New(config.ERPSystemConfig{
		Name: "qb", Kind: "quickbooks", APIKey: "tok", RealmID: "123",
	})
	require.NoError(t, err)
	assert.Equal(t, "qb", conn.System())
	assert.True(t, conn.Capabilities().NativeIdempotency)
}

func TestEscapeQuery(t *testing.T) {
	assert.Equal(t, `O\'Brien`, escapeQuery("O'Brien"))
	assert.Equal(t, "plain", escapeQuery("plain"))
}

func TestFetchInvoicesQueriesByDocNumber(t *testing.T) {
	var gotQuery, gotAuth, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("query")
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"QueryResponse":{"Invoice":[
			{"Id":"145","DocNumber":"INV-2024-0001","TotalAmt":600.00,"Balance":250.00,
			 "CurrencyRef":{"value":"usd"},"CustomerRef":{"value":"58"},"DueDate":"2024-06-30"},
			{"Id":"146","DocNumber":"INV-2024-0002","TotalAmt":400.00,"Balance":0,
			 "CurrencyRef":{"value":"usd"},"CustomerRef":{"value":"58"},"DueDate":""}
		]}}`))
	}))
	defer server.Close()

	conn := newTestConnector(server.URL, server.Client())
	res, err := conn.FetchInvoices(context.Background(), []string{"INV-2024-0001", "INV-2024-0002", "INV-GONE"}, "58")
	require.NoError(t, err)

	assert.Equal(t, "/v3/company/9341452148/query", gotPath)
	assert.Equal(t, "Bearer access-token", gotAuth)
	assert.Contains(t, gotQuery, "DocNumber IN ('INV-2024-0001', 'INV-2024-0002', 'INV-GONE')")
	assert.Contains(t, gotQuery, "CustomerRef = '58'")

	require.Len(t, res.Invoices, 2)
	first := res.Invoices[0]
	assert.Equal(t, "INV-2024-0001", first.ExternalInvoiceID)
	assert.Equal(t, "USD", first.Currency)
	assert.True(t, first.OriginalAmount.Equal(money.MustParse("600.00")))
	assert.True(t, first.AmountDue.Equal(money.MustParse("250.00")))
	assert.Equal(t, "Open", string(first.Status))
	assert.Equal(t, "145", first.ERPRecordID)
	require.NotNil(t, first.DueDate)

	assert.Equal(t, "Closed", string(res.Invoices[1].Status))
	assert.Equal(t, []string{"INV-GONE"}, res.NotFound)
}

func TestPostApplicationSendsRequestID(t *testing.T) {
	var gotRequestID string
	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v3/company/9341452148/payment", r.URL.Path)
		gotRequestID = r.URL.Query().Get("requestid")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"Payment":{"Id":"729","PaymentRefNum":"TXN-1001",
			"MetaData":{"CreateTime":"2024-06-01T05:00:00-07:00"}}}`))
	}))
	defer server.Close()

	conn := newTestConnector(server.URL, server.Client())
	app := domain.Application{
		TransactionID: "TXN-1001",
		CustomerID:    "58",
		ERPSystem:     "quickbooks",
		Lines: []domain.ApplicationLine{
			{InvoiceID: "145", AmountApplied: money.MustParse("250.00")},
		},
		TotalAmount: money.MustParse("250.00"),
		Currency:    "USD",
	}

	res, err := conn.PostApplication(context.Background(), app)
	require.NoError(t, err)

	assert.Equal(t, "TXN-1001", gotRequestID)
	assert.Equal(t, "TXN-1001", gotBody["PaymentRefNum"])
	// Amounts must go over the wire as JSON numbers, not strings.
	assert.Equal(t, float64(250), gotBody["TotalAmt"])
	lines := gotBody["Line"].([]interface{})
	require.Len(t, lines, 1)
	line := lines[0].(map[string]interface{})
	assert.Equal(t, float64(250), line["Amount"])
	linked := line["LinkedTxn"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "145", linked["TxnId"])
	assert.Equal(t, "Invoice", linked["TxnType"])

	assert.Equal(t, "729", res.ERPTransactionID)
	assert.Equal(t, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), res.PostedAt)
}

func TestFindApplicationByPaymentRef(t *testing.T) {
	empty := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("query")
		assert.Contains(t, query, "FROM Payment WHERE PaymentRefNum = 'TXN-1001'")
		if empty {
			_, _ = w.Write([]byte(`{"QueryResponse":{}}`))
			return
		}
		_, _ = w.Write([]byte(`{"QueryResponse":{"Payment":[{"Id":"729","PaymentRefNum":"TXN-1001"}]}}`))
	}))
	defer server.Close()

	conn := newTestConnector(server.URL, server.Client())
	res, found, err := conn.FindApplication(context.Background(), "TXN-1001")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "729", res.ERPTransactionID)

	empty = true
	_, found, err = conn.FindApplication(context.Background(), "TXN-1001")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFaultBodySurfacesInError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"Fault":{"type":"ValidationFault","Error":[
			{"Message":"Invalid Reference Id","Detail":"CustomerRef not found","code":"2500"}]}}`))
	}))
	defer server.Close()

	conn := newTestConnector(server.URL, server.Client())
	_, err := conn.FetchInvoices(context.Background(), []string{"INV-1"}, "")
	require.Error(t, err)
	assert.Equal(t, domain.KindPermanent, domain.KindOf(err))
	assert.Contains(t, err.Error(), "ValidationFault")
	assert.Contains(t, err.Error(), "2500")
	assert.Contains(t, err.Error(), "Invalid Reference Id")
}

func TestTestConnection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v3/company/9341452148/companyinfo/9341452148", r.URL.Path)
		_, _ = w.Write([]byte(`{"CompanyInfo":{"CompanyName":"Acme"}}`))
	}))
	defer server.Close()

	conn := newTestConnector(server.URL, server.Client())
	status, err := conn.TestConnection(context.Background())
	require.NoError(t, err)
	assert.True(t, status.OK)
	assert.Equal(t, "quickbooks/v3", status.Version)
}

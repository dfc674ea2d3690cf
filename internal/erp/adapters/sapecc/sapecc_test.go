package sapecc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/cashup/internal/erp/domain"
	"github.com/smallbiznis/cashup/internal/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pinnedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func pinned(conn *Connector) *Connector {
	conn.now = func() time.Time { return pinnedNow }
	return conn
}

func TestParseODataDate(t *testing.T) {
	ts, ok := parseODataDate("/Date(1719705600000)/")
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC), ts)

	_, ok = parseODataDate("2024-06-30")
	assert.False(t, ok)
	_, ok = parseODataDate("")
	assert.False(t, ok)
	_, ok = parseODataDate("/Date(notanumber)/")
	assert.False(t, ok)
}

func TestBuildFilter(t *testing.T) {
	filter := buildFilter([]string{"INV-1", "O'BRIEN"}, "CUST-9")
	assert.Equal(t, "(InvoiceID eq 'INV-1' or InvoiceID eq 'O''BRIEN') and CustomerID eq 'CUST-9'", filter)

	assert.Equal(t, "CustomerID eq 'CUST-9'", buildFilter(nil, "CUST-9"))
	assert.Equal(t, "", buildFilter(nil, ""))
}

func TestFetchInvoicesMapsODataRows(t *testing.T) {
	var gotFilter string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, servicePath+"/InvoiceSet", r.URL.Path)
		gotFilter = r.URL.Query().Get("$filter")
		w.Header().Set("X-CSRF-Token", "tok-1")
		_, _ = w.Write([]byte(`{"d":{"results":[
			{"InvoiceID":"INV-2024-0001","CustomerID":"CUST-1","GrossAmount":"600.00",
			 "OpenAmount":"250.00","Currency":"usd","ClearingStatus":"O",
			 "DueDate":"\/Date(1719705600000)\/","FIDocument":"5100004711"},
			{"InvoiceID":"INV-2024-0002","CustomerID":"CUST-1","GrossAmount":"400.00",
			 "OpenAmount":"0.00","Currency":"usd","ClearingStatus":"C","DueDate":"","FIDocument":"5100004712"}
		]}}`))
	}))
	defer server.Close()

	conn := pinned(NewWithClient("sapecc", server.URL, server.Client()))
	res, err := conn.FetchInvoices(context.Background(), []string{"INV-2024-0001", "INV-2024-0002", "INV-GONE"}, "CUST-1")
	require.NoError(t, err)

	assert.Contains(t, gotFilter, "InvoiceID eq 'INV-2024-0001'")
	assert.Contains(t, gotFilter, "CustomerID eq 'CUST-1'")

	require.Len(t, res.Invoices, 2)
	first := res.Invoices[0]
	assert.Equal(t, "INV-2024-0001", first.ExternalInvoiceID)
	assert.Equal(t, "sapecc", first.ERPSystem)
	assert.Equal(t, "USD", first.Currency)
	assert.True(t, first.AmountDue.Equal(money.MustParse("250.00")))
	require.NotNil(t, first.DueDate)
	assert.Equal(t, time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC), *first.DueDate)
	assert.Equal(t, "5100004711", first.ERPRecordID)
	assert.Equal(t, pinnedNow, first.FetchedAt)

	assert.Equal(t, "Closed", string(res.Invoices[1].Status))
	assert.Nil(t, res.Invoices[1].DueDate)
	assert.Equal(t, []string{"INV-GONE"}, res.NotFound)
}

func testApplication() domain.Application {
	return domain.Application{
		TransactionID: "TXN-1001",
		CustomerID:    "CUST-1",
		ERPSystem:     "sapecc",
		Lines: []domain.ApplicationLine{
			{InvoiceID: "INV-2024-0001", AmountApplied: money.MustParse("250.00")},
		},
		TotalAmount: money.MustParse("250.00"),
		Currency:    "USD",
	}
}

// The gateway hands out a CSRF token on reads and expects it on writes.
// A stale token draws a 403 and must be refreshed exactly once.
func TestPostApplicationRetriesStaleCSRFToken(t *testing.T) {
	var tokenFetches, postAttempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			n := tokenFetches.Add(1)
			w.Header().Set("X-CSRF-Token", fmt.Sprintf("tok-%d", n))
			_, _ = w.Write([]byte(`{"d":{}}`))
		case http.MethodPost:
			attempt := postAttempts.Add(1)
			require.Equal(t, servicePath+"/PaymentApplicationSet", r.URL.Path)
			if attempt == 1 {
				require.Equal(t, "tok-1", r.Header.Get("X-CSRF-Token"))
				w.WriteHeader(http.StatusForbidden)
				return
			}
			require.Equal(t, "tok-2", r.Header.Get("X-CSRF-Token"))

			var body paymentApplication
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "TXN-1001", body.TransactionRef)
			assert.Equal(t, "250.00", body.TotalAmount)
			require.Len(t, body.ToLines, 1)
			assert.Equal(t, "250.00", body.ToLines[0].AmountApplied)

			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"d":{"PaymentDocument":"1400000042","TransactionRef":"TXN-1001","PostingDate":"\/Date(1717243200000)\/"}}`))
		}
	}))
	defer server.Close()

	conn := pinned(NewWithClient("sapecc", server.URL, server.Client()))
	res, err := conn.PostApplication(context.Background(), testApplication())
	require.NoError(t, err)

	assert.Equal(t, "1400000042", res.ERPTransactionID)
	assert.Equal(t, pinnedNow, res.PostedAt)
	assert.Equal(t, int32(2), tokenFetches.Load())
	assert.Equal(t, int32(2), postAttempts.Load())
}

func TestPostApplicationGivesUpWhenTokenKeepsFailing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Header().Set("X-CSRF-Token", "tok")
			_, _ = w.Write([]byte(`{"d":{}}`))
			return
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	conn := pinned(NewWithClient("sapecc", server.URL, server.Client()))
	_, err := conn.PostApplication(context.Background(), testApplication())
	require.Error(t, err)
	assert.Equal(t, domain.KindPermanent, domain.KindOf(err))
}

func TestPostApplicationValidatesBeforeCalling(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for an invalid application")
	}))
	defer server.Close()

	conn := pinned(NewWithClient("sapecc", server.URL, server.Client()))
	app := testApplication()
	app.TransactionID = ""

	_, err := conn.PostApplication(context.Background(), app)
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestFindApplication(t *testing.T) {
	var gotFilter string
	found := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotFilter = r.URL.Query().Get("$filter")
		w.Header().Set("X-CSRF-Token", "tok-1")
		if found {
			_, _ = w.Write([]byte(`{"d":{"results":[{"PaymentDocument":"1400000042","TransactionRef":"TXN-1001","PostingDate":"\/Date(1717243200000)\/"}]}}`))
			return
		}
		_, _ = w.Write([]byte(`{"d":{"results":[]}}`))
	}))
	defer server.Close()

	conn := pinned(NewWithClient("sapecc", server.URL, server.Client()))

	res, ok, err := conn.FindApplication(context.Background(), "TXN-1001")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "TransactionRef eq 'TXN-1001'", gotFilter)
	assert.Equal(t, "1400000042", res.ERPTransactionID)
	assert.Equal(t, pinnedNow, res.PostedAt)

	found = false
	_, ok, err = conn.FindApplication(context.Background(), "TXN-MISSING")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTestConnectionFetchesToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Fetch", r.Header.Get("X-CSRF-Token"))
		w.Header().Set("X-CSRF-Token", "tok-1")
		w.Header().Set("dataserviceversion", "2.0")
		_, _ = w.Write([]byte(`{"d":{}}`))
	}))
	defer server.Close()

	conn := pinned(NewWithClient("sapecc", server.URL, server.Client()))
	status, err := conn.TestConnection(context.Background())
	require.NoError(t, err)
	assert.True(t, status.OK)
	assert.Equal(t, "2.0", status.Version)
}

func TestTestConnectionFailsWithoutToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"d":{}}`))
	}))
	defer server.Close()

	conn := pinned(NewWithClient("sapecc", server.URL, server.Client()))
	status, err := conn.TestConnection(context.Background())
	require.Error(t, err)
	assert.False(t, status.OK)
	assert.Equal(t, domain.KindPermanent, domain.KindOf(err))
}

func TestCapabilitiesRequireReadBeforeWrite(t *testing.T) {
	conn := NewWithClient("sapecc", "https://gw.example", http.DefaultClient)
	assert.False(t, conn.Capabilities().NativeIdempotency)

	var finder domain.ApplicationFinder = conn
	_ = finder
}

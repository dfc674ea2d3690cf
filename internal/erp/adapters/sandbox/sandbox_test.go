package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/cashup/internal/erp/domain"
	invoicedomain "github.com/smallbiznis/cashup/internal/invoice/domain"
	"github.com/smallbiznis/cashup/internal/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newSeeded(t *testing.T) *Connector {
	t.Helper()
	conn := New("sandbox").WithClock(func() time.Time { return fixedNow })
	conn.SeedInvoice(invoicedomain.Invoice{
		ExternalInvoiceID: "INV-2024-0001",
		CustomerID:        "CUST-1",
		OriginalAmount:    money.MustParse("600.00"),
		AmountDue:         money.MustParse("600.00"),
		Currency:          "USD",
		Status:            invoicedomain.StatusOpen,
	})
	conn.SeedInvoice(invoicedomain.Invoice{
		ExternalInvoiceID: "INV-2024-0002",
		CustomerID:        "CUST-1",
		OriginalAmount:    money.MustParse("400.00"),
		AmountDue:         money.MustParse("400.00"),
		Currency:          "USD",
		Status:            invoicedomain.StatusOpen,
	})
	conn.SeedInvoice(invoicedomain.Invoice{
		ExternalInvoiceID: "INV-2024-0003",
		CustomerID:        "CUST-2",
		OriginalAmount:    money.MustParse("75.00"),
		AmountDue:         money.MustParse("75.00"),
		Currency:          "EUR",
		Status:            invoicedomain.StatusOpen,
	})
	return conn
}

func fullApplication() domain.Application {
	return domain.Application{
		TransactionID: "TXN-1001",
		CustomerID:    "CUST-1",
		ERPSystem:     "sandbox",
		Lines: []domain.ApplicationLine{
			{InvoiceID: "INV-2024-0001", AmountApplied: money.MustParse("600.00")},
			{InvoiceID: "INV-2024-0002", AmountApplied: money.MustParse("400.00")},
		},
		TotalAmount: money.MustParse("1000.00"),
		Currency:    "USD",
	}
}

func TestFetchInvoicesSplitsFoundAndMissing(t *testing.T) {
	conn := newSeeded(t)

	res, err := conn.FetchInvoices(context.Background(), []string{"INV-2024-0001", "INV-9999"}, "")
	require.NoError(t, err)

	require.Len(t, res.Invoices, 1)
	assert.Equal(t, "INV-2024-0001", res.Invoices[0].ExternalInvoiceID)
	assert.Equal(t, "sandbox", res.Invoices[0].ERPSystem)
	assert.Equal(t, fixedNow, res.Invoices[0].FetchedAt)
	assert.Equal(t, []string{"INV-9999"}, res.NotFound)
}

func TestFetchWithoutIDsListsCustomerInvoices(t *testing.T) {
	conn := newSeeded(t)

	res, err := conn.FetchInvoices(context.Background(), nil, "CUST-1")
	require.NoError(t, err)

	require.Len(t, res.Invoices, 2)
	assert.Equal(t, "INV-2024-0001", res.Invoices[0].ExternalInvoiceID)
	assert.Equal(t, "INV-2024-0002", res.Invoices[1].ExternalInvoiceID)
	assert.Empty(t, res.NotFound)
}

func TestPostApplicationClosesFullyPaidInvoices(t *testing.T) {
	conn := newSeeded(t)

	res, err := conn.PostApplication(context.Background(), fullApplication())
	require.NoError(t, err)
	assert.Equal(t, "SANDBOX-APP-000001", res.ERPTransactionID)
	assert.Equal(t, fixedNow, res.PostedAt)
	assert.False(t, res.Duplicate)

	after, err := conn.FetchInvoices(context.Background(), []string{"INV-2024-0001", "INV-2024-0002"}, "")
	require.NoError(t, err)
	for _, inv := range after.Invoices {
		assert.True(t, inv.AmountDue.IsZero(), "invoice %s still carries due", inv.ExternalInvoiceID)
		assert.Equal(t, invoicedomain.StatusClosed, inv.Status)
	}
}

func TestPostApplicationPartialLeavesInvoiceOpen(t *testing.T) {
	conn := newSeeded(t)

	app := domain.Application{
		TransactionID: "TXN-2002",
		CustomerID:    "CUST-1",
		ERPSystem:     "sandbox",
		Lines: []domain.ApplicationLine{
			{InvoiceID: "INV-2024-0001", AmountApplied: money.MustParse("250.00")},
		},
		TotalAmount: money.MustParse("250.00"),
		Currency:    "USD",
	}
	_, err := conn.PostApplication(context.Background(), app)
	require.NoError(t, err)

	after, err := conn.FetchInvoices(context.Background(), []string{"INV-2024-0001"}, "")
	require.NoError(t, err)
	require.Len(t, after.Invoices, 1)
	assert.Equal(t, "350.00", after.Invoices[0].AmountDue.String())
	assert.Equal(t, invoicedomain.StatusOpen, after.Invoices[0].Status)
}

func TestPostApplicationReplayReturnsDuplicate(t *testing.T) {
	conn := newSeeded(t)

	first, err := conn.PostApplication(context.Background(), fullApplication())
	require.NoError(t, err)

	second, err := conn.PostApplication(context.Background(), fullApplication())
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ERPTransactionID, second.ERPTransactionID)
	assert.Equal(t, first.PostedAt, second.PostedAt)
}

func TestPostApplicationRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*domain.Application)
		kind   domain.Kind
	}{
		{
			name: "unknown invoice",
			mutate: func(a *domain.Application) {
				a.Lines[0].InvoiceID = "INV-MISSING"
			},
			kind: domain.KindPermanent,
		},
		{
			name: "currency mismatch",
			mutate: func(a *domain.Application) {
				a.Lines = []domain.ApplicationLine{{InvoiceID: "INV-2024-0003", AmountApplied: money.MustParse("75.00")}}
				a.TotalAmount = money.MustParse("75.00")
				a.Currency = "USD"
			},
			kind: domain.KindPermanent,
		},
		{
			name: "over application",
			mutate: func(a *domain.Application) {
				a.Lines = []domain.ApplicationLine{{InvoiceID: "INV-2024-0002", AmountApplied: money.MustParse("400.01")}}
				a.TotalAmount = money.MustParse("400.01")
			},
			kind: domain.KindPermanent,
		},
		{
			name: "invalid application",
			mutate: func(a *domain.Application) {
				a.TransactionID = ""
			},
			kind: domain.KindValidation,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := newSeeded(t)
			app := fullApplication()
			tc.mutate(&app)

			_, err := conn.PostApplication(context.Background(), app)
			require.Error(t, err)
			assert.Equal(t, tc.kind, domain.KindOf(err))
		})
	}
}

func TestRejectedPostLeavesLedgerUntouched(t *testing.T) {
	conn := newSeeded(t)

	// Second line over-applies; the first line must not be committed.
	app := fullApplication()
	app.Lines[1].AmountApplied = money.MustParse("400.01")
	app.TotalAmount = money.MustParse("1000.01")

	_, err := conn.PostApplication(context.Background(), app)
	require.Error(t, err)

	after, err := conn.FetchInvoices(context.Background(), []string{"INV-2024-0001"}, "")
	require.NoError(t, err)
	assert.Equal(t, "600.00", after.Invoices[0].AmountDue.String())
}

func TestFindApplication(t *testing.T) {
	conn := newSeeded(t)

	_, found, err := conn.FindApplication(context.Background(), "TXN-1001")
	require.NoError(t, err)
	assert.False(t, found)

	posted, err := conn.PostApplication(context.Background(), fullApplication())
	require.NoError(t, err)

	prior, found, err := conn.FindApplication(context.Background(), "TXN-1001")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, posted.ERPTransactionID, prior.ERPTransactionID)
}

func TestTestConnection(t *testing.T) {
	status, err := New("sandbox").TestConnection(context.Background())
	require.NoError(t, err)
	assert.True(t, status.OK)
	assert.Equal(t, "sandbox/1", status.Version)
}

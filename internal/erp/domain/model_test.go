package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/smallbiznis/cashup/internal/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validApplication() Application {
	return Application{
		TransactionID: "TXN-1001",
		CustomerID:    "CUST-1",
		ERPSystem:     "sandbox",
		Lines: []ApplicationLine{
			{InvoiceID: "INV-2024-0001", AmountApplied: money.MustParse("600.00")},
			{InvoiceID: "INV-2024-0002", AmountApplied: money.MustParse("400.00")},
		},
		TotalAmount: money.MustParse("1000.00"),
		Currency:    "USD",
	}
}

func TestApplicationValidate(t *testing.T) {
	require.NoError(t, validApplication().Validate())

	cases := []struct {
		name    string
		mutate  func(*Application)
		wantErr error
	}{
		{
			name:    "blank transaction id",
			mutate:  func(a *Application) { a.TransactionID = "  " },
			wantErr: ErrEmptyTransaction,
		},
		{
			name:    "no lines",
			mutate:  func(a *Application) { a.Lines = nil },
			wantErr: ErrNoApplicationLine,
		},
		{
			name:    "bad currency",
			mutate:  func(a *Application) { a.Currency = "usd" },
			wantErr: money.ErrInvalidCurrency,
		},
		{
			name:    "blank line invoice",
			mutate:  func(a *Application) { a.Lines[0].InvoiceID = "" },
			wantErr: ErrLineAmountInvalid,
		},
		{
			name: "zero line amount",
			mutate: func(a *Application) {
				a.Lines[0].AmountApplied = money.Zero
			},
			wantErr: ErrLineAmountInvalid,
		},
		{
			name: "negative line amount",
			mutate: func(a *Application) {
				a.Lines[0].AmountApplied = money.MustParse("-5.00")
			},
			wantErr: ErrLineAmountInvalid,
		},
		{
			name: "lines do not sum to total",
			mutate: func(a *Application) {
				a.TotalAmount = money.MustParse("999.99")
			},
			wantErr: ErrTotalMismatch,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := validApplication()
			tc.mutate(&app)
			assert.ErrorIs(t, app.Validate(), tc.wantErr)
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{http.StatusConflict, KindConflict},
		{http.StatusBadRequest, KindPermanent},
		{http.StatusNotFound, KindPermanent},
		{http.StatusUnprocessableEntity, KindPermanent},
		{http.StatusTooManyRequests, KindPermanent},
		{http.StatusInternalServerError, KindTransient},
		{http.StatusServiceUnavailable, KindTransient},
		{http.StatusBadGateway, KindTransient},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			err := ClassifyStatus("netsuite", "post_application", tc.status, errors.New("boom"))
			assert.Equal(t, tc.want, err.Kind)
			assert.Equal(t, tc.status, err.StatusCode)
		})
	}
}

type fakeTimeoutErr struct{ timeout bool }

func (e fakeTimeoutErr) Error() string { return "dial tcp: i/o timeout" }
func (e fakeTimeoutErr) Timeout() bool { return e.timeout }

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindConflict, KindOf(NewError(KindConflict, "sap", "post", nil)))
	assert.Equal(t, KindTransient, KindOf(fmt.Errorf("wrapped: %w", NewError(KindTransient, "ns", "fetch", nil))))
	assert.Equal(t, KindTransient, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindPermanent, KindOf(context.Canceled))
	assert.Equal(t, KindTransient, KindOf(fakeTimeoutErr{timeout: true}))
	assert.Equal(t, KindPermanent, KindOf(fakeTimeoutErr{timeout: false}))
	assert.Equal(t, KindPermanent, KindOf(errors.New("unclassified")))
}

func TestErrorMessageCarriesContext(t *testing.T) {
	err := ClassifyStatus("netsuite", "post_application", http.StatusConflict, errors.New("record changed"))
	msg := err.Error()
	assert.Contains(t, msg, "netsuite")
	assert.Contains(t, msg, "post_application")
	assert.Contains(t, msg, "ConcurrencyConflict")
	assert.Contains(t, msg, "409")
	assert.Contains(t, msg, "record changed")
}

package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	invoicedomain "github.com/smallbiznis/cashup/internal/invoice/domain"
	"github.com/smallbiznis/cashup/internal/money"
)

var (
	ErrUnknownSystem     = errors.New("unknown_erp_system")
	ErrInvalidConfig     = errors.New("invalid_erp_config")
	ErrEmptyTransaction  = errors.New("empty_transaction_id")
	ErrNoApplicationLine = errors.New("application_has_no_lines")
	ErrLineAmountInvalid = errors.New("application_line_amount_invalid")
	ErrTotalMismatch     = errors.New("application_total_mismatch")
)

// ApplicationLine applies part of a payment to one invoice.
type ApplicationLine struct {
	InvoiceID     string       `json:"invoice_id"`
	AmountApplied money.Amount `json:"amount_applied"`
}

// Application is one cash application posting. TransactionID doubles
// as the idempotency key sent to (or probed against) the ERP.
type Application struct {
	TransactionID string            `json:"transaction_id"`
	CustomerID    string            `json:"customer_id"`
	ERPSystem     string            `json:"erp_system"`
	Lines         []ApplicationLine `json:"applications"`
	TotalAmount   money.Amount      `json:"total_amount"`
	Currency      string            `json:"currency"`
}

// Validate rejects applications that must never reach an ERP.
func (a Application) Validate() error {
	if strings.TrimSpace(a.TransactionID) == "" {
		return ErrEmptyTransaction
	}
	if len(a.Lines) == 0 {
		return ErrNoApplicationLine
	}
	if _, err := money.ParseCurrency(a.Currency); err != nil {
		return err
	}
	sum := money.Zero
	for _, line := range a.Lines {
		if strings.TrimSpace(line.InvoiceID) == "" {
			return ErrLineAmountInvalid
		}
		if !line.AmountApplied.IsPositive() {
			return ErrLineAmountInvalid
		}
		sum = sum.Add(line.AmountApplied)
	}
	if !sum.Equal(a.TotalAmount) {
		return ErrTotalMismatch
	}
	return nil
}

// PostResult reports a completed (or previously completed) posting.
type PostResult struct {
	ERPTransactionID string    `json:"erp_transaction_id"`
	PostedAt         time.Time `json:"posted_at"`
	Duplicate        bool      `json:"duplicate"`
}

// FetchResult carries the invoices an ERP resolved plus the
// identifiers it did not recognize.
type FetchResult struct {
	Invoices []invoicedomain.Invoice `json:"invoices"`
	NotFound []string                `json:"not_found"`
}

// ConnectionStatus is the TestConnection verdict.
type ConnectionStatus struct {
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latency_ms"`
	Version   string `json:"version,omitempty"`
}

// Capabilities describes optional connector behaviors the facade
// adapts to.
type Capabilities struct {
	// NativeIdempotency is true when the ERP deduplicates postings by
	// the idempotency key itself. Without it the facade issues a
	// read-before-write through ApplicationFinder.
	NativeIdempotency bool
}

// Connector is one ERP integration. Implementations own auth, wire
// formats and error-code translation; callers only ever see the shared
// error taxonomy.
type Connector interface {
	System() string
	Capabilities() Capabilities
	FetchInvoices(ctx context.Context, invoiceIDs []string, customerID string) (FetchResult, error)
	PostApplication(ctx context.Context, app Application) (PostResult, error)
	TestConnection(ctx context.Context) (ConnectionStatus, error)
}

// ApplicationFinder looks up a prior posting by the transaction
// reference. Connectors without native idempotency must implement it.
type ApplicationFinder interface {
	FindApplication(ctx context.Context, transactionID string) (PostResult, bool, error)
}

// Facade is the uniform ERP surface the rest of the system calls.
type Facade interface {
	FetchInvoices(ctx context.Context, system string, invoiceIDs []string, customerID string) (FetchResult, error)
	PostApplication(ctx context.Context, app Application) (PostResult, error)
	TestConnection(ctx context.Context, system string) (ConnectionStatus, error)
	Systems() []string
}

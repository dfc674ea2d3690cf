package sandbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/cashup/internal/config"
	"github.com/smallbiznis/cashup/internal/erp/domain"
	invoicedomain "github.com/smallbiznis/cashup/internal/invoice/domain"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Kind() string {
	return "sandbox"
}

func (f *Factory) New(cfg config.ERPSystemConfig) (domain.Connector, error) {
	return New(cfg.Name), nil
}

// Connector is the in-memory ERP used in dev mode and tests. Behavior
// is deterministic: posting ids are sequential and every mutation is
// visible to later calls.
type Connector struct {
	mu       sync.Mutex
	system   string
	invoices map[string]invoicedomain.Invoice
	postings map[string]domain.PostResult
	seq      int
	now      func() time.Time
}

func New(system string) *Connector {
	return &Connector{
		system:   system,
		invoices: map[string]invoicedomain.Invoice{},
		postings: map[string]domain.PostResult{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock pins the posting timestamp source. Used by tests.
func (c *Connector) WithClock(now func() time.Time) *Connector {
	c.now = now
	return c
}

// SeedInvoice loads one invoice into the sandbox ledger.
func (c *Connector) SeedInvoice(inv invoicedomain.Invoice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inv.ERPSystem = c.system
	if inv.ERPRecordID == "" {
		inv.ERPRecordID = fmt.Sprintf("SBX-%s", inv.ExternalInvoiceID)
	}
	c.invoices[inv.ExternalInvoiceID] = inv
}

func (c *Connector) System() string {
	return c.system
}

func (c *Connector) Capabilities() domain.Capabilities {
	return domain.Capabilities{NativeIdempotency: true}
}

func (c *Connector) FetchInvoices(_ context.Context, invoiceIDs []string, customerID string) (domain.FetchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(invoiceIDs) == 0 {
		return c.fetchByCustomer(customerID), nil
	}

	var result domain.FetchResult
	for _, id := range invoiceIDs {
		inv, ok := c.invoices[id]
		if !ok {
			result.NotFound = append(result.NotFound, id)
			continue
		}
		inv.FetchedAt = c.now()
		result.Invoices = append(result.Invoices, inv)
	}
	return result, nil
}

func (c *Connector) fetchByCustomer(customerID string) domain.FetchResult {
	var result domain.FetchResult
	ids := make([]string, 0, len(c.invoices))
	for id := range c.invoices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		inv := c.invoices[id]
		if customerID != "" && inv.CustomerID != customerID {
			continue
		}
		inv.FetchedAt = c.now()
		result.Invoices = append(result.Invoices, inv)
	}
	return result
}

func (c *Connector) PostApplication(_ context.Context, app domain.Application) (domain.PostResult, error) {
	if err := app.Validate(); err != nil {
		return domain.PostResult{}, domain.NewError(domain.KindValidation, c.system, "post_application", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prior, ok := c.postings[app.TransactionID]; ok {
		prior.Duplicate = true
		return prior, nil
	}

	for _, line := range app.Lines {
		inv, ok := c.invoices[line.InvoiceID]
		if !ok {
			return domain.PostResult{}, domain.NewError(domain.KindPermanent, c.system, "post_application",
				fmt.Errorf("invoice %s not found", line.InvoiceID))
		}
		if !strings.EqualFold(inv.Currency, app.Currency) {
			return domain.PostResult{}, domain.NewError(domain.KindPermanent, c.system, "post_application",
				fmt.Errorf("invoice %s currency %s does not accept %s", line.InvoiceID, inv.Currency, app.Currency))
		}
		if inv.AmountDue.LessThan(line.AmountApplied) {
			return domain.PostResult{}, domain.NewError(domain.KindPermanent, c.system, "post_application",
				fmt.Errorf("invoice %s due %s cannot absorb %s", line.InvoiceID, inv.AmountDue, line.AmountApplied))
		}
	}

	for _, line := range app.Lines {
		inv := c.invoices[line.InvoiceID]
		inv.AmountDue = inv.AmountDue.Sub(line.AmountApplied)
		if inv.AmountDue.IsZero() {
			inv.Status = invoicedomain.StatusClosed
		}
		c.invoices[line.InvoiceID] = inv
	}

	c.seq++
	result := domain.PostResult{
		ERPTransactionID: fmt.Sprintf("%s-APP-%06d", strings.ToUpper(c.system), c.seq),
		PostedAt:         c.now(),
	}
	c.postings[app.TransactionID] = result
	return result, nil
}

func (c *Connector) FindApplication(_ context.Context, transactionID string) (domain.PostResult, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	result, ok := c.postings[transactionID]
	return result, ok, nil
}

func (c *Connector) TestConnection(context.Context) (domain.ConnectionStatus, error) {
	return domain.ConnectionStatus{OK: true, LatencyMs: 0, Version: "sandbox/1"}, nil
}

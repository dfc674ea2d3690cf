// Package pdf renders payment application advices attached to
// confirmation e-mails.
package pdf

import "context"

type AdviceLine struct {
	InvoiceID     string
	AmountApplied string
}

type AdviceData struct {
	TransactionID   string
	ERPSystem       string
	ERPRecordID     string
	CustomerID      string
	PostedAt        string
	Amount          string
	Currency        string
	UnappliedAmount string
	Lines           []AdviceLine
}

type Provider interface {
	GenerateAdvice(ctx context.Context, data AdviceData) ([]byte, error)
}

type NoOpProvider struct{}

func (p *NoOpProvider) GenerateAdvice(ctx context.Context, data AdviceData) ([]byte, error) {
	return nil, nil
}

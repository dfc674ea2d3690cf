// Package domain contains the match outcome models persisted after each
// allocation attempt.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cashup/internal/money"
	txndomain "github.com/smallbiznis/cashup/internal/transaction/domain"
)

// AlgorithmVersion is emitted on every result for A/B and rollback.
const AlgorithmVersion = "cascade/v2"

// DiscrepancyCode classifies why an allocation deviated from a clean match.
type DiscrepancyCode string

const (
	DiscrepancyNone             DiscrepancyCode = "None"
	DiscrepancyShortPayment     DiscrepancyCode = "ShortPayment"
	DiscrepancyOverPayment      DiscrepancyCode = "OverPayment"
	DiscrepancyInvalidInvoice   DiscrepancyCode = "InvalidInvoice"
	DiscrepancyCurrencyMismatch DiscrepancyCode = "CurrencyMismatch"
	DiscrepancyDuplicatePayment DiscrepancyCode = "DuplicatePayment"
)

// Action is a recommended next step for the workflow branch.
type Action string

const (
	ActionPostApplication      Action = "PostApplication"
	ActionSendConfirmation     Action = "SendConfirmation"
	ActionRequestClarification Action = "RequestClarification"
	ActionRaiseInternalAlert   Action = "RaiseInternalAlert"
)

// MatchResult records one completed matching attempt for a transaction.
type MatchResult struct {
	ID                  snowflake.ID         `json:"id" gorm:"primaryKey"`
	TransactionID       string               `json:"transaction_id" gorm:"type:text;not null;index"`
	Status              txndomain.Status     `json:"status" gorm:"type:text;not null"`
	UnappliedAmount     money.Amount         `json:"unapplied_amount" gorm:"type:numeric(20,2);not null"`
	WriteOffAmount      money.Amount         `json:"write_off_amount" gorm:"type:numeric(20,2);not null"`
	DiscrepancyCode     DiscrepancyCode      `json:"discrepancy_code" gorm:"type:text;not null"`
	Confidence          float64              `json:"confidence" gorm:"not null"`
	AlgorithmVersion    string               `json:"algorithm_version" gorm:"type:text;not null"`
	LogEntry            string               `json:"log_entry" gorm:"type:text"`
	RequiresHumanReview bool                 `json:"requires_human_review" gorm:"not null"`
	ProcessingTimeMs    int64                `json:"processing_time_ms" gorm:"not null"`
	CreatedAt           time.Time            `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	Matches             []InvoicePaymentMatch `json:"matches" gorm:"foreignKey:MatchResultID"`
}

// TableName sets the database table name.
func (MatchResult) TableName() string { return "match_results" }

// InvoicePaymentMatch allocates part of a payment to one invoice.
type InvoicePaymentMatch struct {
	ID                snowflake.ID `json:"id" gorm:"primaryKey"`
	MatchResultID     snowflake.ID `json:"match_result_id" gorm:"not null;uniqueIndex:ux_match_invoice"`
	InvoiceID         snowflake.ID `json:"invoice_id" gorm:"not null;uniqueIndex:ux_match_invoice"`
	ExternalInvoiceID string       `json:"external_invoice_id" gorm:"type:text;not null"`
	AmountApplied     money.Amount `json:"amount_applied" gorm:"type:numeric(20,2);not null"`
}

// TableName sets the database table name.
func (InvoicePaymentMatch) TableName() string { return "invoice_payment_matches" }

var (
	ErrNotFound           = errors.New("match_result_not_found")
	ErrInvariantViolation = errors.New("allocation_invariant_violation")
)

// AppliedTotal sums the allocated amounts.
func (m MatchResult) AppliedTotal() money.Amount {
	total := money.Amount{}
	for _, im := range m.Matches {
		total = total.Add(im.AmountApplied)
	}
	return total
}

// CheckConservation verifies that every cent of the payment is accounted for
// across applications, the unapplied remainder, and any write-off.
func (m MatchResult) CheckConservation(paymentAmount money.Amount) error {
	total := m.AppliedTotal().Add(m.UnappliedAmount).Add(m.WriteOffAmount)
	if !total.Equal(paymentAmount) {
		return ErrInvariantViolation
	}
	return nil
}

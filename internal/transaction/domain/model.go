// Package domain contains persistence models for payment transactions.
package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/cashup/internal/money"
	"gorm.io/datatypes"
)

// Status represents transaction processing lifecycle states.
type Status string

const (
	StatusPending          Status = "Pending"
	StatusProcessing       Status = "Processing"
	StatusMatched          Status = "Matched"
	StatusPartiallyMatched Status = "PartiallyMatched"
	StatusUnmatched        Status = "Unmatched"
	StatusRequiresReview   Status = "RequiresReview"
	StatusError            Status = "Error"
)

// IsTerminal reports whether the status ends the workflow.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusMatched, StatusPartiallyMatched, StatusUnmatched, StatusRequiresReview, StatusError:
		return true
	default:
		return false
	}
}

// PaymentTransaction represents an inbound payment awaiting application.
type PaymentTransaction struct {
	TransactionID      string         `json:"transaction_id" gorm:"primaryKey;type:text"`
	SourceAccountRef   string         `json:"source_account_ref" gorm:"type:text;not null;index"`
	Amount             money.Amount   `json:"amount" gorm:"type:numeric(20,2);not null"`
	Currency           string         `json:"currency" gorm:"type:text;not null"`
	ValueDate          time.Time      `json:"value_date" gorm:"not null"`
	RawRemittanceData  string         `json:"raw_remittance_data" gorm:"type:text"`
	CustomerIdentifier string         `json:"customer_identifier" gorm:"type:text"`
	DocumentURIs       datatypes.JSON `json:"document_uris" gorm:"type:jsonb"`
	Status             Status         `json:"status" gorm:"type:text;not null;default:'Pending';index"`
	CreatedAt          time.Time      `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time      `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	ProcessedAt        *time.Time     `json:"processed_at"`
}

// TableName sets the database table name.
func (PaymentTransaction) TableName() string { return "transactions" }

var (
	ErrEmptyTransactionID = errors.New("empty_transaction_id")
	ErrNegativeAmount     = errors.New("negative_amount")
	ErrNotFound           = errors.New("transaction_not_found")
)

// Validate checks the ingestion invariants before the transaction is stored.
func (t PaymentTransaction) Validate() error {
	if strings.TrimSpace(t.TransactionID) == "" {
		return ErrEmptyTransactionID
	}
	if t.Amount.IsNegative() {
		return ErrNegativeAmount
	}
	if _, err := money.ParseCurrency(t.Currency); err != nil {
		return err
	}
	return nil
}

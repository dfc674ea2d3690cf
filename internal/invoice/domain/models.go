// Package domain contains snapshot models for ERP invoices. The ERP is the
// system of record; rows here are advisory copies with a freshness timestamp.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cashup/internal/money"
)

// Status represents invoice states as reported by the ERP.
type Status string

const (
	StatusOpen     Status = "Open"
	StatusClosed   Status = "Closed"
	StatusDisputed Status = "Disputed"
	StatusOverdue  Status = "Overdue"
)

// Payable reports whether the invoice can accept an application.
func (s Status) Payable() bool {
	return s == StatusOpen || s == StatusOverdue
}

// Invoice is a point-in-time snapshot of one ERP invoice.
type Invoice struct {
	ID                snowflake.ID `json:"id" gorm:"primaryKey"`
	ExternalInvoiceID string       `json:"invoice_id" gorm:"column:invoice_id;type:text;not null;uniqueIndex:ux_invoice_erp"`
	ERPSystem         string       `json:"erp_system" gorm:"type:text;not null;uniqueIndex:ux_invoice_erp"`
	CustomerID        string       `json:"customer_id" gorm:"type:text;index"`
	OriginalAmount    money.Amount `json:"original_amount" gorm:"type:numeric(20,2);not null"`
	AmountDue         money.Amount `json:"amount_due" gorm:"type:numeric(20,2);not null"`
	Currency          string       `json:"currency" gorm:"type:text;not null"`
	Status            Status       `json:"status" gorm:"type:text;not null"`
	DueDate           *time.Time   `json:"due_date"`
	ERPRecordID       string       `json:"erp_record_id" gorm:"type:text"`
	FetchedAt         time.Time    `json:"fetched_at" gorm:"not null"`
	CreatedAt         time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

var (
	ErrNotFound         = errors.New("invoice_not_found")
	ErrInvalidAmountDue = errors.New("invalid_amount_due")
	ErrInvalidAmount    = errors.New("invalid_original_amount")
)

// Validate checks the snapshot invariants.
func (i Invoice) Validate() error {
	if !i.OriginalAmount.IsPositive() {
		return ErrInvalidAmount
	}
	if i.AmountDue.IsNegative() || i.AmountDue.GreaterThan(i.OriginalAmount) {
		return ErrInvalidAmountDue
	}
	if _, err := money.ParseCurrency(i.Currency); err != nil {
		return err
	}
	return nil
}

package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Repository persists payment transactions. Mutating calls accept the gorm
// handle so callers can compose them inside one transaction. The insert is
// the claim: the unique transaction_id admits exactly one row, and listing
// is served by the workflow table, which carries one row per transaction.
type Repository interface {
	// Insert stores a new transaction. Returns false when the
	// transaction_id already exists.
	Insert(ctx context.Context, db *gorm.DB, txn *PaymentTransaction) (bool, error)

	Get(ctx context.Context, db *gorm.DB, transactionID string) (PaymentTransaction, error)

	// SetStatus records a terminal or intermediate status change.
	SetStatus(ctx context.Context, db *gorm.DB, transactionID string, status Status, processedAt *time.Time) error
}

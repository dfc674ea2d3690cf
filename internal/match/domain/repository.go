package domain

import (
	"context"
	"time"

	"github.com/smallbiznis/cashup/internal/money"
	"gorm.io/gorm"
)

// Repository persists match results together with their allocations.
type Repository interface {
	// Insert writes the parent and children rows. Callers wrap it in a
	// transaction when combining with status updates.
	Insert(ctx context.Context, db *gorm.DB, result *MatchResult) error

	GetByTransaction(ctx context.Context, db *gorm.DB, transactionID string) (MatchResult, error)

	// FindRecentApplied reports whether another transaction from the same
	// payer already matched for the same amount inside the probe window.
	FindRecentApplied(ctx context.Context, db *gorm.DB, probe DuplicateProbe) (bool, error)
}

// DuplicateProbe describes the duplicate payment heuristic inputs.
type DuplicateProbe struct {
	TransactionID    string
	SourceAccountRef string
	Amount           money.Amount
	Currency         string
	Since            time.Time
}

package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository persists invoice snapshots.
type Repository interface {
	// Upsert writes snapshots keyed by (invoice_id, erp_system) and fills
	// in the surrogate ID for rows that already existed.
	Upsert(ctx context.Context, db *gorm.DB, invoices []*Invoice) error

	Get(ctx context.Context, db *gorm.DB, id snowflake.ID) (Invoice, error)

	FindByExternalIDs(ctx context.Context, db *gorm.DB, erpSystem string, externalIDs []string) ([]Invoice, error)

	ListByCustomer(ctx context.Context, db *gorm.DB, erpSystem, customerID string) ([]Invoice, error)
}

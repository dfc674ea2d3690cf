package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cashup/internal/invoice/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	GenID *snowflake.Node
}

type repo struct {
	genID *snowflake.Node
}

func Provide(p Params) domain.Repository {
	return &repo{genID: p.GenID}
}

func (r *repo) Upsert(ctx context.Context, conn *gorm.DB, invoices []*domain.Invoice) error {
	if len(invoices) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, inv := range invoices {
		if inv.ID == 0 {
			inv.ID = r.genID.Generate()
		}
		if inv.FetchedAt.IsZero() {
			inv.FetchedAt = now
		}
	}

	err := conn.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "invoice_id"}, {Name: "erp_system"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"customer_id",
				"original_amount",
				"amount_due",
				"currency",
				"status",
				"due_date",
				"erp_record_id",
				"fetched_at",
				"updated_at",
			}),
		}).
		Create(invoices).Error
	if err != nil {
		return err
	}

	// Conflicted rows keep their original surrogate ID; read it back so
	// callers can reference the persisted row.
	for _, inv := range invoices {
		stored, err := r.findByExternalID(ctx, conn, inv.ERPSystem, inv.ExternalInvoiceID)
		if err != nil {
			return err
		}
		inv.ID = stored.ID
	}
	return nil
}

func (r *repo) Get(ctx context.Context, conn *gorm.DB, id snowflake.ID) (domain.Invoice, error) {
	var inv domain.Invoice
	err := conn.WithContext(ctx).Where("id = ?", id).First(&inv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Invoice{}, domain.ErrNotFound
		}
		return domain.Invoice{}, err
	}
	return inv, nil
}

func (r *repo) FindByExternalIDs(ctx context.Context, conn *gorm.DB, erpSystem string, externalIDs []string) ([]domain.Invoice, error) {
	if len(externalIDs) == 0 {
		return nil, nil
	}
	var rows []domain.Invoice
	err := conn.WithContext(ctx).
		Where("erp_system = ? AND invoice_id IN ?", erpSystem, externalIDs).
		Order("invoice_id ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repo) ListByCustomer(ctx context.Context, conn *gorm.DB, erpSystem, customerID string) ([]domain.Invoice, error) {
	var rows []domain.Invoice
	err := conn.WithContext(ctx).
		Where("erp_system = ? AND customer_id = ?", erpSystem, customerID).
		Order("invoice_id ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repo) findByExternalID(ctx context.Context, conn *gorm.DB, erpSystem, externalID string) (domain.Invoice, error) {
	var inv domain.Invoice
	err := conn.WithContext(ctx).
		Where("erp_system = ? AND invoice_id = ?", erpSystem, externalID).
		First(&inv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Invoice{}, domain.ErrNotFound
		}
		return domain.Invoice{}, err
	}
	return inv, nil
}

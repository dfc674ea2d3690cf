package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/cashup/internal/transaction/domain"
	"github.com/smallbiznis/cashup/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, txn *domain.PaymentTransaction) (bool, error) {
	res := conn.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "transaction_id"}},
			DoNothing: true,
		}).
		Create(txn)
	if res.Error != nil {
		if db.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Get(ctx context.Context, conn *gorm.DB, transactionID string) (domain.PaymentTransaction, error) {
	var txn domain.PaymentTransaction
	err := conn.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.PaymentTransaction{}, domain.ErrNotFound
		}
		return domain.PaymentTransaction{}, err
	}
	return txn, nil
}

func (r *repo) SetStatus(ctx context.Context, conn *gorm.DB, transactionID string, status domain.Status, processedAt *time.Time) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if processedAt != nil {
		updates["processed_at"] = *processedAt
	}
	res := conn.WithContext(ctx).
		Model(&domain.PaymentTransaction{}).
		Where("transaction_id = ?", transactionID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

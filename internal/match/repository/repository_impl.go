package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cashup/internal/match/domain"
	txndomain "github.com/smallbiznis/cashup/internal/transaction/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
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

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, result *domain.MatchResult) error {
	if result.ID == 0 {
		result.ID = r.genID.Generate()
	}
	for i := range result.Matches {
		if result.Matches[i].ID == 0 {
			result.Matches[i].ID = r.genID.Generate()
		}
		result.Matches[i].MatchResultID = result.ID
	}
	return conn.WithContext(ctx).Create(result).Error
}

func (r *repo) GetByTransaction(ctx context.Context, conn *gorm.DB, transactionID string) (domain.MatchResult, error) {
	var result domain.MatchResult
	err := conn.WithContext(ctx).
		Preload("Matches").
		Where("transaction_id = ?", transactionID).
		Order("created_at DESC, id DESC").
		First(&result).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.MatchResult{}, domain.ErrNotFound
		}
		return domain.MatchResult{}, err
	}
	return result, nil
}

func (r *repo) FindRecentApplied(ctx context.Context, conn *gorm.DB, probe domain.DuplicateProbe) (bool, error) {
	var count int64
	err := conn.WithContext(ctx).
		Model(&domain.MatchResult{}).
		Joins("JOIN transactions ON transactions.transaction_id = match_results.transaction_id").
		Where("transactions.source_account_ref = ?", probe.SourceAccountRef).
		Where("transactions.amount = ?", probe.Amount).
		Where("transactions.currency = ?", probe.Currency).
		Where("match_results.transaction_id <> ?", probe.TransactionID).
		Where("match_results.status IN ?", []txndomain.Status{txndomain.StatusMatched, txndomain.StatusPartiallyMatched}).
		Where("match_results.created_at >= ?", probe.Since).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

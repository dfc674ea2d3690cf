package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/cashup/internal/orchestrator/domain"
	txndomain "github.com/smallbiznis/cashup/internal/transaction/domain"
	"github.com/smallbiznis/cashup/pkg/db"
	"github.com/smallbiznis/cashup/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, wf *domain.Workflow) (bool, error) {
	res := conn.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "transaction_id"}},
			DoNothing: true,
		}).
		Create(wf)
	if res.Error != nil {
		if db.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Get(ctx context.Context, conn *gorm.DB, workflowID string) (domain.Workflow, error) {
	var wf domain.Workflow
	err := conn.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		First(&wf).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Workflow{}, domain.ErrNotFound
		}
		return domain.Workflow{}, err
	}
	return wf, nil
}

func (r *repo) GetByTransaction(ctx context.Context, conn *gorm.DB, transactionID string) (domain.Workflow, error) {
	var wf domain.Workflow
	err := conn.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		First(&wf).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Workflow{}, domain.ErrNotFound
		}
		return domain.Workflow{}, err
	}
	return wf, nil
}

func (r *repo) SaveCheckpoint(ctx context.Context, conn *gorm.DB, workflowID string, step domain.Step, checkpoints datatypes.JSON) error {
	res := conn.WithContext(ctx).
		Model(&domain.Workflow{}).
		Where("workflow_id = ? AND finalized_at IS NULL", workflowID).
		Updates(map[string]interface{}{
			"step":        step,
			"checkpoints": checkpoints,
			"updated_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *repo) RequestCancel(ctx context.Context, conn *gorm.DB, workflowID string) (bool, error) {
	res := conn.WithContext(ctx).
		Model(&domain.Workflow{}).
		Where("workflow_id = ? AND finalized_at IS NULL", workflowID).
		Updates(map[string]interface{}{
			"cancel_requested": true,
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) CancelRequested(ctx context.Context, conn *gorm.DB, workflowID string) (bool, error) {
	var requested bool
	err := conn.WithContext(ctx).
		Model(&domain.Workflow{}).
		Where("workflow_id = ?", workflowID).
		Pluck("cancel_requested", &requested).Error
	if err != nil {
		return false, err
	}
	return requested, nil
}

func (r *repo) Finalize(ctx context.Context, conn *gorm.DB, workflowID string, state txndomain.Status, errorKind, errorReason string, finalizedAt time.Time) error {
	res := conn.WithContext(ctx).
		Model(&domain.Workflow{}).
		Where("workflow_id = ? AND finalized_at IS NULL", workflowID).
		Updates(map[string]interface{}{
			"step":         domain.StepFinalized,
			"state":        state,
			"error_kind":   errorKind,
			"error_reason": errorReason,
			"finalized_at": finalizedAt.UTC(),
			"updated_at":   finalizedAt.UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrAlreadyTerminal
	}
	return nil
}

func (r *repo) ListUnfinished(ctx context.Context, conn *gorm.DB, limit int) ([]domain.Workflow, error) {
	if limit <= 0 {
		limit = 500
	}
	var rows []domain.Workflow
	err := conn.WithContext(ctx).
		Where("finalized_at IS NULL").
		Order("created_at ASC, workflow_id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *repo) List(ctx context.Context, conn *gorm.DB, filter domain.ListFilter) ([]domain.Workflow, pagination.PageInfo, error) {
	query := conn.WithContext(ctx).Model(&domain.Workflow{})

	if filter.State != "" {
		query = query.Where("state = ?", filter.State)
	}
	if filter.SourceAccountRef != "" {
		query = query.Where("source_account_ref = ?", filter.SourceAccountRef)
	}
	if filter.PageToken != "" {
		cursor, err := pagination.DecodeCursor(filter.PageToken)
		if err != nil || cursor.ID == "" {
			return nil, pagination.PageInfo{}, domain.ErrInvalidPageToken
		}
		// Bind a time.Time so every dialect compares against its own
		// timestamp encoding.
		createdAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return nil, pagination.PageInfo{}, domain.ErrInvalidPageToken
		}
		query = query.Where(
			"(created_at, workflow_id) > (?, ?)",
			createdAt, cursor.ID,
		)
	}

	limit := filter.Limit()
	var rows []domain.Workflow
	if err := query.
		Order("created_at ASC, workflow_id ASC").
		Limit(limit + 1).
		Find(&rows).Error; err != nil {
		return nil, pagination.PageInfo{}, err
	}

	info := pagination.PageInfo{}
	if len(rows) > limit {
		rows = rows[:limit]
		last := rows[len(rows)-1]
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        last.WorkflowID,
			CreatedAt: last.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return nil, pagination.PageInfo{}, err
		}
		info.NextPageToken = token
		info.HasMore = true
	}
	return rows, info, nil
}

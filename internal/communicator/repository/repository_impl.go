package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cashup/internal/communicator/domain"
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

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, event *domain.CommunicationEvent) error {
	if event.ID == 0 {
		event.ID = r.genID.Generate()
	}
	return conn.WithContext(ctx).Create(event).Error
}

func (r *repo) MarkSent(ctx context.Context, conn *gorm.DB, id snowflake.ID, providerMessageID string, sentAt time.Time, attempts int) error {
	return conn.WithContext(ctx).
		Model(&domain.CommunicationEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"delivery_status":     domain.StatusSent,
			"provider_message_id": providerMessageID,
			"sent_at":             sentAt.UTC(),
			"attempts":            attempts,
			"error":               "",
			"scheduled_at":        nil,
		}).Error
}

func (r *repo) MarkFailed(ctx context.Context, conn *gorm.DB, id snowflake.ID, cause string, attempts int) error {
	return conn.WithContext(ctx).
		Model(&domain.CommunicationEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"delivery_status": domain.StatusFailed,
			"error":           cause,
			"attempts":        attempts,
			"scheduled_at":    nil,
		}).Error
}

func (r *repo) Reschedule(ctx context.Context, conn *gorm.DB, id snowflake.ID, scheduledAt time.Time) error {
	return conn.WithContext(ctx).
		Model(&domain.CommunicationEvent{}).
		Where("id = ? AND delivery_status = ?", id, domain.StatusQueued).
		Update("scheduled_at", scheduledAt.UTC()).Error
}

func (r *repo) ListDue(ctx context.Context, conn *gorm.DB, now time.Time, limit int) ([]domain.CommunicationEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []domain.CommunicationEvent
	err := conn.WithContext(ctx).
		Where("delivery_status = ?", domain.StatusQueued).
		Where("scheduled_at IS NOT NULL AND scheduled_at <= ?", now.UTC()).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *repo) ListByTransaction(ctx context.Context, conn *gorm.DB, transactionID string) ([]domain.CommunicationEvent, error) {
	transactionID = strings.TrimSpace(transactionID)
	var events []domain.CommunicationEvent
	err := conn.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("created_at ASC, id ASC").
		Find(&events).Error
	return events, err
}

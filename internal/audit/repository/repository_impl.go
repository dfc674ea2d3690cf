package repository

import (
	"context"
	"strings"

	"github.com/smallbiznis/cashup/internal/audit/domain"
	"github.com/smallbiznis/cashup/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Append(ctx context.Context, conn *gorm.DB, event *domain.Event) error {
	if event == nil {
		return nil
	}
	return conn.WithContext(ctx).Create(event).Error
}

func (r *repo) Query(ctx context.Context, conn *gorm.DB, filter domain.Filter) ([]domain.Event, pagination.PageInfo, error) {
	stmt := conn.WithContext(ctx).Model(&domain.Event{})

	if id := strings.TrimSpace(filter.TransactionID); id != "" {
		stmt = stmt.Where("transaction_id = ?", id)
	}
	if id := strings.TrimSpace(filter.CorrelationID); id != "" {
		stmt = stmt.Where("correlation_id = ?", id)
	}
	if eventType := strings.TrimSpace(filter.EventType); eventType != "" {
		stmt = stmt.Where("event_type = ?", eventType)
	}
	if source := strings.TrimSpace(filter.Source); source != "" {
		stmt = stmt.Where("source = ?", source)
	}

	if token := strings.TrimSpace(filter.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil || cursor.Seq <= 0 {
			return nil, pagination.PageInfo{}, domain.ErrInvalidPageToken
		}
		stmt = stmt.Where("seq > ?", cursor.Seq)
	}

	limit := filter.Limit()

	var events []domain.Event
	if err := stmt.Order("seq ASC").Limit(limit + 1).Find(&events).Error; err != nil {
		return nil, pagination.PageInfo{}, err
	}

	var info pagination.PageInfo
	if len(events) > limit {
		events = events[:limit]
		token, err := pagination.EncodeCursor(pagination.Cursor{Seq: events[len(events)-1].Seq})
		if err != nil {
			return nil, pagination.PageInfo{}, err
		}
		info.NextPageToken = token
		info.HasMore = true
	}
	return events, info, nil
}

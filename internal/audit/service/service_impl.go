package service

import (
	"context"
	"strings"

	"github.com/smallbiznis/cashup/internal/audit/domain"
	"github.com/smallbiznis/cashup/internal/audit/masking"
	"github.com/smallbiznis/cashup/internal/clock"
	obscontext "github.com/smallbiznis/cashup/internal/observability/context"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Append(ctx context.Context, event domain.Event) (int64, error) {
	event.EventType = strings.TrimSpace(event.EventType)
	if event.EventType == "" {
		return 0, domain.ErrMissingEventType
	}
	event.Source = strings.TrimSpace(event.Source)
	if event.Source == "" {
		return 0, domain.ErrMissingSource
	}

	// Seq is always database-assigned.
	event.Seq = 0
	if event.TS.IsZero() {
		event.TS = s.clock.Now().UTC()
	} else {
		event.TS = event.TS.UTC()
	}
	if strings.TrimSpace(event.CorrelationID) == "" {
		event.CorrelationID = obscontext.CorrelationIDFromContext(ctx)
	}
	event.TransactionID = strings.TrimSpace(event.TransactionID)

	if err := s.repo.Append(ctx, s.db, &event); err != nil {
		s.log.Warn("failed to append audit event",
			zap.String("event_type", event.EventType),
			zap.String("source", event.Source),
			zap.Error(err),
		)
		return 0, err
	}
	return event.Seq, nil
}

func (s *Service) Record(ctx context.Context, source, eventType, transactionID string, data map[string]any) (int64, error) {
	event := domain.Event{
		EventType:     eventType,
		Source:        source,
		TransactionID: transactionID,
	}
	if redacted := masking.Redact(data); redacted != nil {
		payload, err := domain.EncodeData(redacted)
		if err != nil {
			return 0, err
		}
		event.Data = payload
	}
	return s.Append(ctx, event)
}

func (s *Service) Query(ctx context.Context, filter domain.Filter) (domain.QueryResponse, error) {
	events, pageInfo, err := s.repo.Query(ctx, s.db, filter)
	if err != nil {
		return domain.QueryResponse{}, err
	}
	return domain.QueryResponse{PageInfo: pageInfo, Events: events}, nil
}

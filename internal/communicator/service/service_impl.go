package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	auditdomain "github.com/smallbiznis/cashup/internal/audit/domain"
	"github.com/smallbiznis/cashup/internal/clock"
	"github.com/smallbiznis/cashup/internal/communicator/domain"
	"github.com/smallbiznis/cashup/internal/communicator/templates"
	"github.com/smallbiznis/cashup/internal/config"
	obsmetrics "github.com/smallbiznis/cashup/internal/observability/metrics"
	"github.com/smallbiznis/cashup/internal/providers/email"
	"github.com/smallbiznis/cashup/internal/providers/pdf"
	"github.com/smallbiznis/cashup/internal/providers/slack"
	"github.com/smallbiznis/cashup/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultRatePerRecipient = 10
	defaultMaxAttempts      = 3
	retryBaseDelay          = 500 * time.Millisecond
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Cfg      config.Config
	Repo     domain.Repository
	Registry *templates.Registry
	Email    email.Provider
	Chat     slack.Provider
	PDF      pdf.Provider
	Limiter  ratelimit.Limiter
	Audit    auditdomain.Service
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

// Service renders, rate-limits and delivers communications, recording
// every dispatch in communication_events.
type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	repo     domain.Repository
	registry *templates.Registry
	email    email.Provider
	chat     slack.Provider
	pdf      pdf.Provider
	limiter  ratelimit.Limiter
	audit    auditdomain.Service
	metrics  *obsmetrics.Metrics

	ratePerMinute int
	maxAttempts   int
	attachAdvice  bool
}

func New(p Params) *Service {
	rate := p.Cfg.Notify.RatePerRecipient
	if rate <= 0 {
		rate = defaultRatePerRecipient
	}
	attempts := p.Cfg.Notify.MaxRetries
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("communicator.service"),
		clock:         p.Clock,
		repo:          p.Repo,
		registry:      p.Registry,
		email:         p.Email,
		chat:          p.Chat,
		pdf:           p.PDF,
		limiter:       p.Limiter,
		audit:         p.Audit,
		metrics:       p.Metrics,
		ratePerMinute: rate,
		maxAttempts:   attempts,
		attachAdvice:  p.Cfg.Notify.AttachAdvicePDF,
	}
}

// renderedPayload is what gets persisted so queued rows can be
// delivered later without re-rendering.
type renderedPayload struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Dispatch renders the event's template and delivers it. Rate-limited
// or future-scheduled events are recorded Queued and picked up by the
// redelivery sweep; rate-limited dispatches additionally return
// ErrRateLimited so HTTP callers can surface 429.
func (s *Service) Dispatch(ctx context.Context, event domain.Event) (domain.Receipt, error) {
	if err := event.Validate(); err != nil {
		return domain.Receipt{}, err
	}

	name := strings.TrimSpace(event.TemplateName)
	if name == "" {
		name = event.DefaultTemplate()
	}
	tmpl, err := s.registry.Lookup(name)
	if err != nil {
		return domain.Receipt{}, err
	}

	subject, body, err := tmpl.Render(event.Data)
	if err != nil {
		return domain.Receipt{}, err
	}

	payload, err := json.Marshal(renderedPayload{Subject: subject, Body: body})
	if err != nil {
		return domain.Receipt{}, err
	}
	record := &domain.CommunicationEvent{
		TransactionID:  strings.TrimSpace(event.TransactionID),
		Kind:           event.Kind,
		Recipient:      strings.TrimSpace(event.Recipient),
		TemplateName:   tmpl.Name,
		Payload:        payload,
		DeliveryStatus: domain.StatusQueued,
	}

	now := s.clock.Now().UTC()
	if event.ScheduledAt != nil && event.ScheduledAt.After(now) {
		at := event.ScheduledAt.UTC()
		record.ScheduledAt = &at
		if err := s.repo.Insert(ctx, s.db, record); err != nil {
			return domain.Receipt{}, err
		}
		s.recordMetric(ctx, event.Kind, "queued")
		return domain.Receipt{DeliveryID: record.ID.String(), Status: domain.StatusQueued, ScheduledAt: &at}, nil
	}

	allowed, resetAt, err := s.allow(ctx, record.Recipient)
	if err != nil {
		s.log.Warn("rate limiter unavailable, proceeding", zap.Error(err))
	} else if !allowed {
		record.ScheduledAt = &resetAt
		if err := s.repo.Insert(ctx, s.db, record); err != nil {
			return domain.Receipt{}, err
		}
		if s.metrics != nil {
			s.metrics.RecordRateLimitDenied(ctx, "notifications", "recipient")
		}
		s.recordMetric(ctx, event.Kind, "queued")
		return domain.Receipt{DeliveryID: record.ID.String(), Status: domain.StatusQueued, ScheduledAt: &resetAt},
			fmt.Errorf("%w: %s until %s", domain.ErrRateLimited, record.Recipient, resetAt.Format(time.RFC3339))
	}

	if err := s.repo.Insert(ctx, s.db, record); err != nil {
		return domain.Receipt{}, err
	}
	return s.deliver(ctx, record, subject, body, s.adviceFor(ctx, event))
}

// Templates lists the catalogue for the HTTP surface.
func (s *Service) Templates() []domain.TemplateInfo {
	return s.registry.List()
}

// allow consumes one token from the recipient's bucket.
func (s *Service) allow(ctx context.Context, recipient string) (bool, time.Time, error) {
	result, err := s.limiter.Allow(ctx, "comm:"+strings.ToLower(recipient), float64(s.ratePerMinute)/60.0, s.ratePerMinute)
	if err != nil {
		return true, time.Time{}, err
	}
	if result.Allowed {
		return true, time.Time{}, nil
	}
	resetAt := result.ResetTime.UTC()
	if resetAt.IsZero() || !resetAt.After(s.clock.Now()) {
		resetAt = s.clock.Now().Add(result.RetryAfter).UTC()
	}
	return false, resetAt, nil
}

// adviceFor renders the PDF application advice for confirmations when
// the feature is on. Rendering failures degrade to no attachment.
func (s *Service) adviceFor(ctx context.Context, event domain.Event) []email.Attachment {
	if event.Kind != domain.KindConfirmation || !s.attachAdvice || event.Advice == nil {
		return nil
	}
	data, err := s.pdf.GenerateAdvice(ctx, *event.Advice)
	if err != nil {
		s.log.Warn("advice pdf render failed, sending without attachment",
			zap.String("transaction_id", event.TransactionID),
			zap.Error(err),
		)
		return nil
	}
	if len(data) == 0 {
		return nil
	}
	return []email.Attachment{{
		Filename:    fmt.Sprintf("application-advice-%s.pdf", event.Advice.TransactionID),
		ContentType: "application/pdf",
		Data:        data,
	}}
}

// deliver pushes one rendered message through the transports with
// bounded retries and records the terminal delivery status.
func (s *Service) deliver(ctx context.Context, record *domain.CommunicationEvent, subject, body string, attachments []email.Attachment) (domain.Receipt, error) {
	var lastErr error
	attempts := 0
attempting:
	for attempts < s.maxAttempts {
		attempts++
		if attempts > 1 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempts--
				break attempting
			case <-time.After(backoff(attempts - 1)):
			}
		}

		messageID, err := s.send(ctx, record, subject, body, attachments)
		if err == nil {
			sentAt := s.clock.Now().UTC()
			if err := s.repo.MarkSent(ctx, s.db, record.ID, messageID, sentAt, attempts); err != nil {
				s.log.Warn("failed to record sent communication", zap.Error(err))
			}
			s.auditRecord(ctx, "communication.sent", record, map[string]any{
				"kind":      string(record.Kind),
				"template":  record.TemplateName,
				"recipient": record.Recipient,
				"attempts":  attempts,
			})
			s.recordMetric(ctx, record.Kind, "sent")
			return domain.Receipt{DeliveryID: record.ID.String(), Status: domain.StatusSent}, nil
		}
		lastErr = err
		s.log.Warn("delivery attempt failed",
			zap.String("delivery_id", record.ID.String()),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			break
		}
	}

	cause := "delivery failed"
	if lastErr != nil {
		cause = lastErr.Error()
	}
	if err := s.repo.MarkFailed(ctx, s.db, record.ID, cause, attempts); err != nil {
		s.log.Warn("failed to record failed communication", zap.Error(err))
	}
	s.auditRecord(ctx, "communication.failed", record, map[string]any{
		"kind":      string(record.Kind),
		"template":  record.TemplateName,
		"recipient": record.Recipient,
		"attempts":  attempts,
		"error":     cause,
	})
	s.recordMetric(ctx, record.Kind, "failed")
	if lastErr == nil {
		lastErr = errors.New(cause)
	}
	return domain.Receipt{DeliveryID: record.ID.String(), Status: domain.StatusFailed}, lastErr
}

// send routes one message. Every kind goes out by e-mail; internal
// alerts are mirrored to the chat webhook, whose failure never fails
// the dispatch once the e-mail went through.
func (s *Service) send(ctx context.Context, record *domain.CommunicationEvent, subject, body string, attachments []email.Attachment) (string, error) {
	messageID, err := s.email.Send(ctx, email.Message{
		To:          []string{record.Recipient},
		Subject:     subject,
		Body:        body,
		Attachments: attachments,
	})
	if err != nil {
		return "", err
	}
	if record.Kind == domain.KindInternalAlert {
		if err := s.chat.PostMessage(ctx, subject+"\n"+body); err != nil {
			s.log.Warn("chat mirror failed", zap.String("delivery_id", record.ID.String()), zap.Error(err))
		}
	}
	return messageID, nil
}

// RunRedelivery drains queued rows whose schedule has passed until the
// context ends. Queued confirmations lose their PDF attachment; the
// advice data is not persisted.
func (s *Service) RunRedelivery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.redeliverDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("redelivery sweep failed", zap.Error(err))
			}
		}
	}
}

func (s *Service) redeliverDue(ctx context.Context) error {
	due, err := s.repo.ListDue(ctx, s.db, s.clock.Now(), 50)
	if err != nil {
		return err
	}
	for i := range due {
		record := &due[i]

		var payload renderedPayload
		if err := json.Unmarshal(record.Payload, &payload); err != nil {
			if markErr := s.repo.MarkFailed(ctx, s.db, record.ID, "unreadable payload: "+err.Error(), record.Attempts); markErr != nil {
				s.log.Warn("failed to fail unreadable communication", zap.Error(markErr))
			}
			continue
		}

		allowed, resetAt, err := s.allow(ctx, record.Recipient)
		if err == nil && !allowed {
			if err := s.repo.Reschedule(ctx, s.db, record.ID, resetAt); err != nil {
				s.log.Warn("failed to reschedule communication", zap.Error(err))
			}
			continue
		}

		if _, err := s.deliver(ctx, record, payload.Subject, payload.Body, nil); err != nil {
			s.log.Warn("redelivery failed",
				zap.String("delivery_id", record.ID.String()),
				zap.Error(err),
			)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (s *Service) auditRecord(ctx context.Context, eventType string, record *domain.CommunicationEvent, data map[string]any) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.Record(ctx, auditdomain.SourceCommunicator, eventType, record.TransactionID, data); err != nil {
		s.log.Warn("audit append failed", zap.String("event_type", eventType), zap.Error(err))
	}
}

func (s *Service) recordMetric(ctx context.Context, kind domain.Kind, status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordCommunication(ctx, string(kind), status)
}

// backoff doubles per retry with a little jitter so synchronized
// failures don't retry in lockstep.
func backoff(retry int) time.Duration {
	d := retryBaseDelay << uint(retry-1)
	if d > 8*time.Second {
		d = 8 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 4))
	return d + jitter
}

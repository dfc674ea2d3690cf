// Package domain defines outbound communication events and the dispatch
// contract. Rendering, rate limiting and transport selection live in the
// service; this package only models what gets sent and recorded.
package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cashup/internal/providers/pdf"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Kind classifies who a communication is for and why.
type Kind string

const (
	KindCustomerClarification Kind = "CustomerClarification"
	KindInternalAlert         Kind = "InternalAlert"
	KindConfirmation          Kind = "Confirmation"
)

// ParseKind maps a request value onto a known kind.
func ParseKind(raw string) (Kind, error) {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "customerclarification", "customer_clarification", "clarification":
		return KindCustomerClarification, nil
	case "internalalert", "internal_alert", "alert":
		return KindInternalAlert, nil
	case "confirmation", "payment_confirmation":
		return KindConfirmation, nil
	default:
		return "", ErrUnknownKind
	}
}

// Priority orders queued deliveries; it does not bypass the rate limit.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// DeliveryStatus is the lifecycle of one recorded communication.
type DeliveryStatus string

const (
	StatusQueued DeliveryStatus = "Queued"
	StatusSent   DeliveryStatus = "Sent"
	StatusFailed DeliveryStatus = "Failed"
)

// Event is one dispatch request. TemplateName may be empty, in which
// case the kind's default template is used.
type Event struct {
	Kind          Kind           `json:"kind"`
	Recipient     string         `json:"recipient"`
	TemplateName  string         `json:"template_name"`
	Data          map[string]any `json:"data"`
	Priority      Priority       `json:"priority"`
	ScheduledAt   *time.Time     `json:"scheduled_at,omitempty"`
	TransactionID string         `json:"transaction_id,omitempty"`

	// Advice, when present on a confirmation, is rendered to a PDF
	// application advice and attached to the e-mail.
	Advice *pdf.AdviceData `json:"-"`
}

// Receipt reports how a dispatch ended. Status Queued means the
// delivery was deferred (rate limit or explicit schedule) and will be
// retried by the redelivery sweep.
type Receipt struct {
	DeliveryID  string         `json:"delivery_id"`
	Status      DeliveryStatus `json:"status"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
}

// CommunicationEvent is the persisted record of one dispatch attempt
// chain. Payload holds the rendered subject and body so a queued row
// can be delivered later without re-rendering.
type CommunicationEvent struct {
	ID                snowflake.ID   `json:"id" gorm:"primaryKey"`
	TransactionID     string         `json:"transaction_id" gorm:"type:text;index"`
	Kind              Kind           `json:"kind" gorm:"type:text;not null"`
	Recipient         string         `json:"recipient" gorm:"type:text;not null"`
	TemplateName      string         `json:"template_name" gorm:"type:text;not null"`
	Payload           datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	DeliveryStatus    DeliveryStatus `json:"delivery_status" gorm:"type:text;not null;index"`
	Error             string         `json:"error,omitempty" gorm:"type:text"`
	ProviderMessageID string         `json:"provider_message_id,omitempty" gorm:"type:text"`
	Attempts          int            `json:"attempts" gorm:"not null;default:0"`
	ScheduledAt       *time.Time     `json:"scheduled_at,omitempty" gorm:"index"`
	CreatedAt         time.Time      `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	SentAt            *time.Time     `json:"sent_at,omitempty"`
}

// TableName sets the database table name.
func (CommunicationEvent) TableName() string { return "communication_events" }

// TemplateInfo describes one registered template for the catalogue
// endpoint.
type TemplateInfo struct {
	Name           string   `json:"name"`
	RequiredFields []string `json:"required_fields"`
	Source         string   `json:"source"`
}

var (
	ErrUnknownKind      = errors.New("unknown_communication_kind")
	ErrEmptyRecipient   = errors.New("empty_recipient")
	ErrTemplateNotFound = errors.New("template_not_found")
	ErrMissingField     = errors.New("missing_template_field")
	ErrRateLimited      = errors.New("recipient_rate_limited")
)

// Validate checks the dispatch invariants that do not depend on the
// template registry.
func (e Event) Validate() error {
	if _, err := ParseKind(string(e.Kind)); err != nil {
		return err
	}
	if strings.TrimSpace(e.Recipient) == "" {
		return ErrEmptyRecipient
	}
	return nil
}

// DefaultTemplate is the template used when an event names none.
func (e Event) DefaultTemplate() string {
	switch e.Kind {
	case KindCustomerClarification:
		return "customer_clarification"
	case KindInternalAlert:
		return "internal_alert"
	case KindConfirmation:
		return "payment_confirmation"
	default:
		return ""
	}
}

// Service dispatches communications and exposes the template
// catalogue.
type Service interface {
	Dispatch(ctx context.Context, event Event) (Receipt, error)
	Templates() []TemplateInfo
}

// Repository persists communication records. Mutating calls accept the
// gorm handle so callers can compose them inside one transaction.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, event *CommunicationEvent) error
	MarkSent(ctx context.Context, db *gorm.DB, id snowflake.ID, providerMessageID string, sentAt time.Time, attempts int) error
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, cause string, attempts int) error
	// Reschedule pushes a queued row's next delivery attempt out.
	Reschedule(ctx context.Context, db *gorm.DB, id snowflake.ID, scheduledAt time.Time) error
	// ListDue returns queued rows whose schedule has passed, oldest first.
	ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]CommunicationEvent, error)
	ListByTransaction(ctx context.Context, db *gorm.DB, transactionID string) ([]CommunicationEvent, error)
}

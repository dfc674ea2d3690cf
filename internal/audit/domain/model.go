// Package domain defines the append-only audit trail. Events carry a
// database-assigned monotonic seq and are never updated or deleted.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/smallbiznis/cashup/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Emitting components, recorded in Event.Source.
const (
	SourceAPI          = "api"
	SourceOrchestrator = "orchestrator"
	SourceExtractor    = "extractor"
	SourceERP          = "erp"
	SourceMatcher      = "matcher"
	SourceCommunicator = "communicator"
)

var (
	ErrMissingEventType = errors.New("audit_event_type_required")
	ErrMissingSource    = errors.New("audit_source_required")
)

// Event is one audit record.
type Event struct {
	Seq           int64          `json:"seq" gorm:"primaryKey;autoIncrement"`
	TS            time.Time      `json:"ts" gorm:"column:ts;not null;index"`
	EventType     string         `json:"event_type" gorm:"type:text;not null;index"`
	Source        string         `json:"source" gorm:"type:text;not null"`
	CorrelationID string         `json:"correlation_id" gorm:"type:text;index"`
	TransactionID string         `json:"transaction_id,omitempty" gorm:"type:text;index"`
	Data          datatypes.JSON `json:"data,omitempty"`
}

func (Event) TableName() string { return "audit_log" }

// EncodeData marshals an arbitrary payload for Event.Data.
func EncodeData(v interface{}) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

// Filter narrows Query results. Zero-valued fields match everything.
type Filter struct {
	pagination.Pagination

	TransactionID string `form:"transaction_id"`
	CorrelationID string `form:"correlation_id"`
	EventType     string `form:"event_type"`
	Source        string `form:"source"`
}

// Repository persists events. Append within a caller-provided gorm
// transaction makes the audit write atomic with the state change it
// describes.
type Repository interface {
	Append(ctx context.Context, conn *gorm.DB, event *Event) error
	Query(ctx context.Context, conn *gorm.DB, filter Filter) ([]Event, pagination.PageInfo, error)
}

package domain

import (
	"context"
	"errors"

	"github.com/smallbiznis/cashup/pkg/db/pagination"
)

// QueryResponse is one page of the audit trail in ascending seq order.
type QueryResponse struct {
	pagination.PageInfo
	Events []Event `json:"events"`
}

// Service appends to and reads the audit trail.
type Service interface {
	// Append stores event and returns its database-assigned seq. A zero
	// TS is stamped with the current time, and a blank CorrelationID is
	// filled from ctx when one is carried there.
	Append(ctx context.Context, event Event) (int64, error)

	// Record builds an event from loose fields, redacts sensitive values
	// in data, and appends it.
	Record(ctx context.Context, source, eventType, transactionID string, data map[string]any) (int64, error)

	Query(ctx context.Context, filter Filter) (QueryResponse, error)
}

var ErrInvalidPageToken = errors.New("invalid_page_token")

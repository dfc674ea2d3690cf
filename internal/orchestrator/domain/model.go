// Package domain holds the durable workflow record that drives one
// payment transaction from claim to terminal status.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/cashup/internal/money"
	txndomain "github.com/smallbiznis/cashup/internal/transaction/domain"
	"github.com/smallbiznis/cashup/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Step is the last durably completed stage of a workflow. A later step
// never starts before the earlier step's outcome is persisted.
type Step string

const (
	StepClaimed      Step = "claimed"
	StepExtracted    Step = "extracted"
	StepFetched      Step = "fetched"
	StepMatched      Step = "matched"
	StepPosted       Step = "posted"
	StepCommunicated Step = "communicated"
	StepFinalized    Step = "finalized"
)

var stepRank = map[Step]int{
	StepClaimed:      1,
	StepExtracted:    2,
	StepFetched:      3,
	StepMatched:      4,
	StepPosted:       5,
	StepCommunicated: 6,
	StepFinalized:    7,
}

// Reached reports whether s has progressed at least as far as other.
func (s Step) Reached(other Step) bool {
	return stepRank[s] >= stepRank[other]
}

// Workflow is one durable cash-application run. Exactly one exists per
// transaction_id; repeat submits are answered with the existing row.
type Workflow struct {
	WorkflowID       string           `json:"workflow_id" gorm:"primaryKey;type:text"`
	TransactionID    string           `json:"transaction_id" gorm:"type:text;not null;uniqueIndex:ux_workflow_txn"`
	SourceAccountRef string           `json:"source_account_ref" gorm:"type:text;not null;index"`
	ERPSystem        string           `json:"erp_system" gorm:"type:text"`
	Step             Step             `json:"step" gorm:"type:text;not null"`
	State            txndomain.Status `json:"state" gorm:"type:text;not null;index"`
	ErrorKind        string           `json:"error_kind,omitempty" gorm:"type:text"`
	ErrorReason      string           `json:"error_reason,omitempty" gorm:"type:text"`
	Checkpoints      datatypes.JSON   `json:"checkpoints,omitempty" gorm:"type:jsonb"`
	CancelRequested  bool             `json:"cancel_requested" gorm:"not null;default:false"`
	CreatedAt        time.Time        `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time        `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	FinalizedAt      *time.Time       `json:"finalized_at,omitempty"`
}

// TableName sets the database table name.
func (Workflow) TableName() string { return "workflows" }

// Checkpoint decodes the stored outcome of one step into v. The second
// return is false when the step has no stored outcome.
func (w *Workflow) Checkpoint(step Step, v any) (bool, error) {
	if len(w.Checkpoints) == 0 {
		return false, nil
	}
	var all map[Step]json.RawMessage
	if err := json.Unmarshal(w.Checkpoints, &all); err != nil {
		return false, err
	}
	raw, ok := all[step]
	if !ok {
		return false, nil
	}
	if v == nil {
		return true, nil
	}
	return true, json.Unmarshal(raw, v)
}

// PutCheckpoint stores one step outcome on the in-memory row. The caller
// persists it through Repository.SaveCheckpoint.
func (w *Workflow) PutCheckpoint(step Step, v any) error {
	all := map[Step]json.RawMessage{}
	if len(w.Checkpoints) > 0 {
		if err := json.Unmarshal(w.Checkpoints, &all); err != nil {
			return err
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	all[step] = raw
	merged, err := json.Marshal(all)
	if err != nil {
		return err
	}
	w.Checkpoints = datatypes.JSON(merged)
	return nil
}

// ExtractCheckpoint is the persisted outcome of the extraction step.
type ExtractCheckpoint struct {
	InvoiceIDs   []string `json:"invoice_ids"`
	Confidence   float64  `json:"confidence"`
	TierUsed     string   `json:"tier_used,omitempty"`
	CostEstimate float64  `json:"cost_estimate,omitempty"`
	Degraded     string   `json:"degraded,omitempty"`
}

// FetchCheckpoint is the persisted outcome of the invoice fetch step.
type FetchCheckpoint struct {
	ERPSystem  string   `json:"erp_system"`
	InvoiceIDs []string `json:"invoice_ids,omitempty"`
	NotFound   []string `json:"not_found,omitempty"`
}

// MatchCheckpoint is the persisted outcome of the matching step.
type MatchCheckpoint struct {
	MatchResultID   string   `json:"match_result_id"`
	Status          string   `json:"status"`
	DiscrepancyCode string   `json:"discrepancy_code,omitempty"`
	Actions         []string `json:"actions,omitempty"`
	Recovered       bool     `json:"recovered,omitempty"`
}

// PostCheckpoint is the persisted outcome of the ERP posting step.
type PostCheckpoint struct {
	Posted           bool       `json:"posted"`
	SkipReason       string     `json:"skip_reason,omitempty"`
	ERPTransactionID string     `json:"erp_transaction_id,omitempty"`
	PostedAt         *time.Time `json:"posted_at,omitempty"`
	Duplicate        bool       `json:"duplicate,omitempty"`
}

// DispatchRecord is one communication attempted by the communicate step.
type DispatchRecord struct {
	Kind       string `json:"kind"`
	DeliveryID string `json:"delivery_id,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// CommunicateCheckpoint is the persisted outcome of the communicate step.
type CommunicateCheckpoint struct {
	Suppressed bool             `json:"suppressed,omitempty"`
	Dispatches []DispatchRecord `json:"dispatches,omitempty"`
}

// SubmitTransaction is the ingestion payload that opens a workflow.
type SubmitTransaction struct {
	TransactionID      string       `json:"transaction_id"`
	SourceAccountRef   string       `json:"source_account_ref"`
	Amount             money.Amount `json:"amount"`
	Currency           string       `json:"currency"`
	ValueDate          time.Time    `json:"value_date"`
	RawRemittanceData  string       `json:"raw_remittance_data,omitempty"`
	CustomerIdentifier string       `json:"customer_identifier,omitempty"`
	DocumentURIs       []string     `json:"document_uris,omitempty"`
	ERPSystem          string       `json:"erp_system,omitempty"`
}

var (
	ErrEmptySourceAccount = errors.New("empty_source_account_ref")

	ErrNotFound         = errors.New("workflow_not_found")
	ErrAlreadyTerminal  = errors.New("workflow_already_terminal")
	ErrBusy             = errors.New("workflow_queue_saturated")
	ErrDraining         = errors.New("workflow_engine_draining")
	ErrInvalidPageToken = errors.New("invalid_page_token")
)

// Validate checks the submit payload before anything is persisted.
func (s SubmitTransaction) Validate() error {
	if strings.TrimSpace(s.TransactionID) == "" {
		return txndomain.ErrEmptyTransactionID
	}
	if strings.TrimSpace(s.SourceAccountRef) == "" {
		return ErrEmptySourceAccount
	}
	if s.Amount.IsNegative() {
		return txndomain.ErrNegativeAmount
	}
	if _, err := money.ParseCurrency(s.Currency); err != nil {
		return err
	}
	return nil
}

// ListFilter narrows workflow listings.
type ListFilter struct {
	pagination.Pagination

	State            txndomain.Status
	SourceAccountRef string
}

// Service runs cash-application workflows end to end.
type Service interface {
	// Start claims the transaction and enqueues its workflow. The bool is
	// false when the transaction was already claimed; the existing
	// workflow is returned in that case.
	Start(ctx context.Context, submit SubmitTransaction) (Workflow, bool, error)

	Get(ctx context.Context, workflowID string) (Workflow, error)

	GetByTransaction(ctx context.Context, transactionID string) (Workflow, error)

	// Cancel requests cooperative cancellation. The current in-flight
	// external call completes; the workflow terminates Error/Cancelled at
	// the next step boundary.
	Cancel(ctx context.Context, workflowID string) (Workflow, error)

	List(ctx context.Context, filter ListFilter) ([]Workflow, pagination.PageInfo, error)

	// Resume re-enqueues every non-terminal workflow after a restart and
	// returns how many were picked up.
	Resume(ctx context.Context) (int, error)

	// Drain stops intake and waits for in-flight workflows to reach a
	// step boundary.
	Drain(ctx context.Context) error
}

// Repository persists workflow rows. Mutating calls accept the gorm
// handle so callers can compose them inside one transaction.
type Repository interface {
	// Insert stores a new workflow. Returns false when a workflow for the
	// transaction_id already exists.
	Insert(ctx context.Context, db *gorm.DB, wf *Workflow) (bool, error)

	Get(ctx context.Context, db *gorm.DB, workflowID string) (Workflow, error)

	GetByTransaction(ctx context.Context, db *gorm.DB, transactionID string) (Workflow, error)

	// SaveCheckpoint advances the step pointer and stores the merged
	// checkpoint document.
	SaveCheckpoint(ctx context.Context, db *gorm.DB, workflowID string, step Step, checkpoints datatypes.JSON) error

	// RequestCancel flags a non-terminal workflow for cancellation.
	// Returns false when the workflow is already finalized.
	RequestCancel(ctx context.Context, db *gorm.DB, workflowID string) (bool, error)

	CancelRequested(ctx context.Context, db *gorm.DB, workflowID string) (bool, error)

	// Finalize writes the terminal state exactly once.
	Finalize(ctx context.Context, db *gorm.DB, workflowID string, state txndomain.Status, errorKind, errorReason string, finalizedAt time.Time) error

	// ListUnfinished returns workflows without a terminal state, oldest
	// first. Used by crash recovery.
	ListUnfinished(ctx context.Context, db *gorm.DB, limit int) ([]Workflow, error)

	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]Workflow, pagination.PageInfo, error)
}

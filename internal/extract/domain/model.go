package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Tier identifies one extraction strategy in the cost-tiered cascade.
type Tier string

const (
	TierAuto    Tier = "auto"
	TierPattern Tier = "pattern"
	TierLayout  Tier = "layout"
	TierCloud   Tier = "cloud"
)

var (
	ErrUnknownTier     = errors.New("unknown_extractor_tier")
	ErrTierUnavailable = errors.New("extractor_tier_unavailable")
	ErrUnavailable     = errors.New("extractor_unavailable")
)

// ParseTier maps a request or config value onto a known tier.
// An empty value means Auto.
func ParseTier(raw string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "auto":
		return TierAuto, nil
	case "pattern":
		return TierPattern, nil
	case "layout":
		return TierLayout, nil
	case "cloud", "cloudocr":
		return TierCloud, nil
	default:
		return "", ErrUnknownTier
	}
}

// CascadeOrder is the fixed cost order tiers are consulted in when the
// preference is Auto.
var CascadeOrder = []Tier{TierPattern, TierLayout, TierCloud}

// Request is one extraction call.
type Request struct {
	DocumentURIs        []string `json:"document_uris"`
	RemittanceText      string   `json:"remittance_text"`
	ClientID            string   `json:"client_id"`
	TierPreference      string   `json:"tier_preference"`
	ConfidenceThreshold float64  `json:"confidence_threshold"`
}

// Result is the outcome of one extraction call. InvoiceIDs are
// normalized and de-duplicated preserving first-seen order.
type Result struct {
	InvoiceIDs       []string         `json:"invoice_ids"`
	Confidence       float64          `json:"confidence"`
	TierUsed         Tier             `json:"tier_used"`
	CostEstimate     float64          `json:"cost_estimate"`
	ProcessingTimeMs int64            `json:"processing_time_ms"`
	PerDocument      []DocumentResult `json:"per_document,omitempty"`
}

// DocumentResult is the per-document breakdown of an extraction call.
type DocumentResult struct {
	URI        string   `json:"uri"`
	InvoiceIDs []string `json:"invoice_ids,omitempty"`
	Confidence float64  `json:"confidence"`
	Error      string   `json:"error,omitempty"`
}

// Document is one loaded remittance document handed to a tier.
// Text is set when the loader could decode a plain-text body; binary
// formats carry Content only.
type Document struct {
	URI     string
	MIME    string
	Content []byte
	Text    string
}

// TierInput is what every tier extracts from.
type TierInput struct {
	RemittanceText string
	Documents      []Document
}

// TierResult is one tier's verdict before cascade routing.
type TierResult struct {
	InvoiceIDs  []string
	Confidence  float64
	PerDocument []DocumentResult
}

// TierExtractor is implemented by each extraction tier.
type TierExtractor interface {
	Tier() Tier
	// CostEstimate is the expected cost in USD of invoking this tier once.
	CostEstimate() float64
	// Retryable reports whether transient failures of this tier should
	// be retried by the caller.
	Retryable() bool
	Extract(ctx context.Context, input TierInput) (TierResult, error)
}

// Service routes extraction calls through the tier cascade.
type Service interface {
	Extract(ctx context.Context, req Request) (Result, error)
}

// ParseRecord is the advisory row persisted for every extraction call.
// It exists for cost tracking and tuning, nothing reads it back on the
// hot path.
type ParseRecord struct {
	ID               snowflake.ID   `gorm:"column:id;primaryKey" json:"id"`
	ClientID         string         `gorm:"column:client_id;index" json:"client_id"`
	TierUsed         Tier           `gorm:"column:tier_used" json:"tier_used"`
	InvoiceIDs       datatypes.JSON `gorm:"column:extracted_invoice_ids" json:"extracted_invoice_ids"`
	Confidence       float64        `gorm:"column:confidence" json:"confidence"`
	CostEstimate     float64        `gorm:"column:cost_estimate" json:"cost_estimate"`
	ProcessingTimeMs int64          `gorm:"column:processing_time_ms" json:"processing_time_ms"`
	CreatedAt        time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName implements gorm table naming.
func (ParseRecord) TableName() string {
	return "document_parse_results"
}

// Repository persists extraction audit rows.
type Repository interface {
	Insert(ctx context.Context, record *ParseRecord) error
}

const idCutset = ".,;:!?()[]{}<>\"'`"

// NormalizeID canonicalizes an extracted invoice identifier: trim
// whitespace, strip surrounding punctuation, uppercase. Idempotent.
func NormalizeID(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, idCutset)
	s = strings.ToUpper(s)
	return strings.TrimSpace(s)
}

// NormalizeIDs normalizes every identifier and de-duplicates the set
// preserving first-seen order. Empty results are dropped.
func NormalizeIDs(raw []string) []string {
	if len(raw) == 0 {
		return nil
	}
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, id := range raw {
		norm := NormalizeID(id)
		if norm == "" {
			continue
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	return out
}

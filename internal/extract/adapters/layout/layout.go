package layout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/smallbiznis/cashup/internal/extract/domain"
)

const (
	// costPerCall is the budgeted spend of one layout inference.
	costPerCall = 0.002

	maxDocumentChars = 12000
	maxTokens        = 400
)

const systemPrompt = `You extract invoice identifiers from payment remittance text.
Respond with JSON only, no prose: {"invoice_ids": ["..."], "confidence": 0.0}
confidence is your overall certainty in [0,1]. Return an empty list when no
invoice identifier is present. Never invent identifiers.`

// Config carries the OpenAI-compatible endpoint settings. Endpoint may
// point at a local inference server; empty keeps the upstream default.
type Config struct {
	Endpoint string
	APIKey   string
	Model    string
}

type completionClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Extractor is the layout tier: a chat-completion model reads the
// remittance text plus any decoded document text and returns candidate
// identifiers as JSON.
type Extractor struct {
	client completionClient
	model  string
}

func New(cfg Config) (*Extractor, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, domain.ErrTierUnavailable
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		clientCfg.BaseURL = endpoint
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = openai.GPT4oMini
	}
	return &Extractor{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
	}, nil
}

// NewWithClient wires an explicit completion client. Used by tests.
func NewWithClient(client completionClient, model string) *Extractor {
	return &Extractor{client: client, model: model}
}

func (e *Extractor) Tier() domain.Tier {
	return domain.TierLayout
}

func (e *Extractor) CostEstimate() float64 {
	return costPerCall
}

func (e *Extractor) Retryable() bool {
	return true
}

type modelReply struct {
	InvoiceIDs []string `json:"invoice_ids"`
	Confidence float64  `json:"confidence"`
}

func (e *Extractor) Extract(ctx context.Context, input domain.TierInput) (domain.TierResult, error) {
	prompt, perDoc := buildPrompt(input)
	if prompt == "" {
		return domain.TierResult{PerDocument: perDoc}, nil
	}

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       e.model,
		Temperature: 0.0,
		MaxTokens:   maxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return domain.TierResult{}, fmt.Errorf("layout completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return domain.TierResult{}, errors.New("layout completion: empty response")
	}

	var reply modelReply
	if err := json.Unmarshal([]byte(stripFences(resp.Choices[0].Message.Content)), &reply); err != nil {
		return domain.TierResult{}, fmt.Errorf("layout completion: malformed reply: %w", err)
	}

	ids := domain.NormalizeIDs(reply.InvoiceIDs)
	confidence := clamp01(reply.Confidence)
	if len(ids) == 0 {
		confidence = 0
	}
	return domain.TierResult{
		InvoiceIDs:  ids,
		Confidence:  confidence,
		PerDocument: perDoc,
	}, nil
}

// buildPrompt folds the remittance text and every decoded document into
// one bounded prompt. Binary documents without a text layer are
// reported per-document rather than sent to the model.
func buildPrompt(input domain.TierInput) (string, []domain.DocumentResult) {
	var b strings.Builder
	if text := strings.TrimSpace(input.RemittanceText); text != "" {
		b.WriteString("Remittance advice:\n")
		b.WriteString(truncate(text, maxDocumentChars))
		b.WriteString("\n")
	}

	perDoc := make([]domain.DocumentResult, 0, len(input.Documents))
	for _, doc := range input.Documents {
		if doc.Text == "" {
			perDoc = append(perDoc, domain.DocumentResult{URI: doc.URI, Error: "no text layer"})
			continue
		}
		perDoc = append(perDoc, domain.DocumentResult{URI: doc.URI})
		fmt.Fprintf(&b, "\nDocument %s:\n%s\n", doc.URI, truncate(doc.Text, maxDocumentChars))
	}
	return strings.TrimSpace(b.String()), perDoc
}

// stripFences removes a markdown code fence wrapper some models emit
// around JSON replies.
func stripFences(content string) string {
	cleaned := strings.TrimSpace(content)
	if strings.HasPrefix(cleaned, "```json") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
	} else if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```")
	}
	cleaned = strings.TrimSuffix(cleaned, "```")
	return strings.TrimSpace(cleaned)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

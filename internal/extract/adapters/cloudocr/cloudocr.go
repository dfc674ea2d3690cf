package cloudocr

import (
	"context"
	"fmt"
	"strings"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"

	"github.com/smallbiznis/cashup/internal/extract/adapters/pattern"
	"github.com/smallbiznis/cashup/internal/extract/domain"
)

const (
	// costPerCall is the budgeted spend of one processed document.
	costPerCall = 0.015

	maxDocumentBytes = 20 * 1024 * 1024
)

// processableMIMEs are the raw-document formats the processor accepts.
// Anything else is scanned locally when a text layer exists.
var processableMIMEs = map[string]struct{}{
	"application/pdf": {},
	"image/png":       {},
	"image/jpeg":      {},
	"image/tiff":      {},
	"image/gif":       {},
	"image/bmp":       {},
	"image/webp":      {},
}

// Config locates the Document AI invoice processor.
type Config struct {
	ProjectID       string
	Location        string
	ProcessorID     string
	CredentialsFile string
}

type documentProcessor interface {
	ProcessDocument(ctx context.Context, req *documentaipb.ProcessRequest, opts ...gax.CallOption) (*documentaipb.ProcessResponse, error)
}

// Extractor is the cloud tier: each binary document is sent to a
// Document AI invoice processor, identifier entities are collected and
// the processor's own text is regex-scanned as a fallback.
type Extractor struct {
	client        documentProcessor
	processorName string
	close         func() error
}

func New(ctx context.Context, cfg Config) (*Extractor, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" || strings.TrimSpace(cfg.ProcessorID) == "" {
		return nil, domain.ErrTierUnavailable
	}
	location := strings.TrimSpace(cfg.Location)
	if location == "" {
		location = "us"
	}

	var opts []option.ClientOption
	if location != "us" {
		opts = append(opts, option.WithEndpoint(fmt.Sprintf("%s-documentai.googleapis.com:443", location)))
	}
	if creds := strings.TrimSpace(cfg.CredentialsFile); creds != "" {
		opts = append(opts, option.WithCredentialsFile(creds))
	}

	client, err := documentai.NewDocumentProcessorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("documentai client: %w", err)
	}
	return &Extractor{
		client:        client,
		processorName: fmt.Sprintf("projects/%s/locations/%s/processors/%s", cfg.ProjectID, location, cfg.ProcessorID),
		close:         client.Close,
	}, nil
}

// NewWithClient wires an explicit processor client. Used by tests.
func NewWithClient(client documentProcessor, processorName string) *Extractor {
	return &Extractor{client: client, processorName: processorName}
}

func (e *Extractor) Tier() domain.Tier {
	return domain.TierCloud
}

func (e *Extractor) CostEstimate() float64 {
	return costPerCall
}

func (e *Extractor) Retryable() bool {
	return true
}

// Close releases the underlying gRPC connection.
func (e *Extractor) Close() error {
	if e.close == nil {
		return nil
	}
	return e.close()
}

func (e *Extractor) Extract(ctx context.Context, input domain.TierInput) (domain.TierResult, error) {
	var (
		all        []string
		confidence float64
	)

	perDoc := make([]domain.DocumentResult, 0, len(input.Documents))
	for _, doc := range input.Documents {
		res, err := e.extractDocument(ctx, doc)
		if err != nil {
			return domain.TierResult{PerDocument: perDoc}, err
		}
		perDoc = append(perDoc, res)
		all = append(all, res.InvoiceIDs...)
		if res.Confidence > confidence {
			confidence = res.Confidence
		}
	}

	ids := domain.NormalizeIDs(all)
	if len(ids) == 0 {
		confidence = 0
	}
	return domain.TierResult{
		InvoiceIDs:  ids,
		Confidence:  confidence,
		PerDocument: perDoc,
	}, nil
}

func (e *Extractor) extractDocument(ctx context.Context, doc domain.Document) (domain.DocumentResult, error) {
	if _, ok := processableMIMEs[strings.ToLower(doc.MIME)]; !ok {
		if doc.Text == "" {
			return domain.DocumentResult{URI: doc.URI, Error: fmt.Sprintf("unsupported format %s", doc.MIME)}, nil
		}
		ids, strictest, matches := pattern.Scan(doc.Text)
		return domain.DocumentResult{
			URI:        doc.URI,
			InvoiceIDs: ids,
			Confidence: pattern.Confidence(matches, strictest),
		}, nil
	}
	if len(doc.Content) == 0 {
		return domain.DocumentResult{URI: doc.URI, Error: "empty document"}, nil
	}
	if len(doc.Content) > maxDocumentBytes {
		return domain.DocumentResult{URI: doc.URI, Error: "document exceeds 20MB processor limit"}, nil
	}

	resp, err := e.client.ProcessDocument(ctx, &documentaipb.ProcessRequest{
		Name: e.processorName,
		Source: &documentaipb.ProcessRequest_RawDocument{
			RawDocument: &documentaipb.RawDocument{
				Content:  doc.Content,
				MimeType: doc.MIME,
			},
		},
	})
	if err != nil {
		return domain.DocumentResult{}, fmt.Errorf("process %s: %w", doc.URI, err)
	}
	if resp.GetDocument() == nil {
		return domain.DocumentResult{URI: doc.URI, Error: "no document in processor response"}, nil
	}
	return collectIdentifiers(doc.URI, resp.GetDocument()), nil
}

// collectIdentifiers prefers identifier entities; when the processor
// labels none it falls back to the pattern classes over the OCR text.
func collectIdentifiers(uri string, doc *documentaipb.Document) domain.DocumentResult {
	var (
		ids        []string
		confidence float64
	)
	for _, entity := range doc.GetEntities() {
		switch entity.GetType() {
		case "invoice_id", "invoice_number":
			id := domain.NormalizeID(entity.GetMentionText())
			if id == "" {
				continue
			}
			ids = append(ids, id)
			if c := float64(entity.GetConfidence()); c > confidence {
				confidence = c
			}
		}
	}
	if len(ids) > 0 {
		return domain.DocumentResult{URI: uri, InvoiceIDs: domain.NormalizeIDs(ids), Confidence: confidence}
	}

	scanned, strictest, matches := pattern.Scan(doc.GetText())
	return domain.DocumentResult{
		URI:        uri,
		InvoiceIDs: scanned,
		Confidence: pattern.Confidence(matches, strictest),
	}
}

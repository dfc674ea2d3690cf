package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/smallbiznis/cashup/internal/clock"
	"github.com/smallbiznis/cashup/internal/config"
	"github.com/smallbiznis/cashup/internal/extract/adapters"
	"github.com/smallbiznis/cashup/internal/extract/domain"
	"github.com/smallbiznis/cashup/internal/extract/loader"
	"github.com/smallbiznis/cashup/internal/observability/metrics"
)

const (
	tierTimeout     = 30 * time.Second
	maxTierAttempts = 3
	baseBackoff     = 500 * time.Millisecond

	defaultThreshold = 0.85
)

type Params struct {
	fx.In

	Config   config.Config
	Log      *zap.Logger
	Clock    clock.Clock
	Registry *adapters.Registry
	Loader   loader.Loader
	Repo     domain.Repository
	Metrics  *metrics.Metrics
}

type service struct {
	cfg      config.ExtractorConfig
	log      *zap.Logger
	clock    clock.Clock
	registry *adapters.Registry
	loader   loader.Loader
	repo     domain.Repository
	metrics  *metrics.Metrics
}

// Provide wires the tier cascade behind domain.Service.
func Provide(p Params) domain.Service {
	return &service{
		cfg:      p.Config.Extractor,
		log:      p.Log.Named("extract.service"),
		clock:    p.Clock,
		registry: p.Registry,
		loader:   p.Loader,
		repo:     p.Repo,
		metrics:  p.Metrics,
	}
}

func (s *service) Extract(ctx context.Context, req domain.Request) (domain.Result, error) {
	start := time.Now()

	preference := req.TierPreference
	if preference == "" {
		preference = s.cfg.TierPreference
	}
	tier, err := domain.ParseTier(preference)
	if err != nil {
		return domain.Result{}, err
	}

	threshold := req.ConfidenceThreshold
	if threshold <= 0 {
		threshold = s.cfg.ConfidenceThreshold
	}
	if threshold <= 0 {
		threshold = defaultThreshold
	}

	input, loadFailures := s.loadDocuments(ctx, req)

	var result domain.Result
	if tier == domain.TierAuto {
		result, err = s.cascade(ctx, input, threshold)
	} else {
		result, err = s.forced(ctx, tier, input)
	}

	result.PerDocument = append(result.PerDocument, loadFailures...)
	result.ProcessingTimeMs = time.Since(start).Milliseconds()
	s.persist(ctx, req, result)

	if err != nil {
		s.log.Warn("extraction failed",
			zap.String("client_id", req.ClientID),
			zap.String("tier", string(tier)),
			zap.Error(err),
		)
		return result, err
	}

	s.log.Info("extraction completed",
		zap.String("client_id", req.ClientID),
		zap.String("tier_used", string(result.TierUsed)),
		zap.Int("invoice_ids", len(result.InvoiceIDs)),
		zap.Float64("confidence", result.Confidence),
		zap.Int64("duration_ms", result.ProcessingTimeMs),
	)
	return result, nil
}

// cascade consults tiers in cost order and stops at the first verdict
// at or above the threshold. A tier failure falls through to the next
// tier; only a failure of the last tier consulted surfaces as
// ErrUnavailable, carrying the best earlier verdict as partial output.
func (s *service) cascade(ctx context.Context, input domain.TierInput, threshold float64) (domain.Result, error) {
	var (
		best      domain.Result
		bestSet   bool
		totalCost float64
		lastErr   error
	)

	for _, extractor := range s.registry.Cascade() {
		tier := extractor.Tier()
		totalCost += extractor.CostEstimate()

		tierRes, err := s.runTier(ctx, extractor, input)
		if err != nil {
			lastErr = err
			s.metrics.RecordExtraction(ctx, string(tier), "error")
			s.log.Warn("extraction tier failed", zap.String("tier", string(tier)), zap.Error(err))
			continue
		}
		lastErr = nil

		result := toResult(tier, tierRes)
		if !bestSet || result.Confidence > best.Confidence {
			best, bestSet = result, true
		}
		if result.Confidence >= threshold {
			s.metrics.RecordExtraction(ctx, string(tier), "hit")
			best.CostEstimate = totalCost
			return best, nil
		}
		s.metrics.RecordExtraction(ctx, string(tier), "miss")
	}

	best.CostEstimate = totalCost
	if lastErr != nil {
		return best, fmt.Errorf("%w: %w", domain.ErrUnavailable, lastErr)
	}
	return best, nil
}

// forced runs exactly one tier. Failure is reported, never routed to
// another tier.
func (s *service) forced(ctx context.Context, tier domain.Tier, input domain.TierInput) (domain.Result, error) {
	extractor, ok := s.registry.Get(tier)
	if !ok {
		return domain.Result{TierUsed: tier}, domain.ErrTierUnavailable
	}

	tierRes, err := s.runTier(ctx, extractor, input)
	if err != nil {
		s.metrics.RecordExtraction(ctx, string(tier), "error")
		return domain.Result{TierUsed: tier, CostEstimate: extractor.CostEstimate()},
			fmt.Errorf("%w: %w", domain.ErrUnavailable, err)
	}

	s.metrics.RecordExtraction(ctx, string(tier), "hit")
	result := toResult(tier, tierRes)
	result.CostEstimate = extractor.CostEstimate()
	return result, nil
}

// runTier applies the per-call timeout and, for tiers that talk to
// external services, retries twice with exponential backoff.
func (s *service) runTier(ctx context.Context, extractor domain.TierExtractor, input domain.TierInput) (domain.TierResult, error) {
	attempts := 1
	if extractor.Retryable() {
		attempts = maxTierAttempts
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := s.clock.Sleep(ctx, baseBackoff<<(attempt-1)); err != nil {
				return domain.TierResult{}, err
			}
		}

		tierCtx, cancel := context.WithTimeout(ctx, tierTimeout)
		result, err := extractor.Extract(tierCtx, input)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return domain.TierResult{}, lastErr
}

func (s *service) loadDocuments(ctx context.Context, req domain.Request) (domain.TierInput, []domain.DocumentResult) {
	input := domain.TierInput{RemittanceText: req.RemittanceText}

	var failures []domain.DocumentResult
	for _, uri := range req.DocumentURIs {
		doc, err := s.loader.Load(ctx, uri)
		if err != nil {
			s.log.Warn("document load failed", zap.String("uri", uri), zap.Error(err))
			failures = append(failures, domain.DocumentResult{URI: uri, Error: err.Error()})
			continue
		}
		input.Documents = append(input.Documents, doc)
	}
	return input, failures
}

// persist writes the advisory audit row. Failures are logged, never
// surfaced: the extraction verdict already exists.
func (s *service) persist(ctx context.Context, req domain.Request, result domain.Result) {
	idsJSON, err := json.Marshal(result.InvoiceIDs)
	if err != nil {
		idsJSON = []byte("[]")
	}
	record := &domain.ParseRecord{
		ClientID:         req.ClientID,
		TierUsed:         result.TierUsed,
		InvoiceIDs:       datatypes.JSON(idsJSON),
		Confidence:       result.Confidence,
		CostEstimate:     result.CostEstimate,
		ProcessingTimeMs: result.ProcessingTimeMs,
	}
	if err := s.repo.Insert(context.WithoutCancel(ctx), record); err != nil {
		s.log.Warn("parse record insert failed", zap.Error(err))
	}
}

func toResult(tier domain.Tier, res domain.TierResult) domain.Result {
	confidence := res.Confidence
	if len(res.InvoiceIDs) == 0 {
		confidence = 0
	}
	return domain.Result{
		InvoiceIDs:  res.InvoiceIDs,
		Confidence:  confidence,
		TierUsed:    tier,
		PerDocument: res.PerDocument,
	}
}

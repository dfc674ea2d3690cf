package adapters

import (
	"github.com/smallbiznis/cashup/internal/extract/domain"
)

// Registry holds the configured tier extractors. Tiers missing their
// configuration are simply absent; the cascade skips them.
type Registry struct {
	tiers map[domain.Tier]domain.TierExtractor
}

func NewRegistry(extractors ...domain.TierExtractor) *Registry {
	registry := &Registry{tiers: map[domain.Tier]domain.TierExtractor{}}
	for _, extractor := range extractors {
		if extractor == nil {
			continue
		}
		tier := extractor.Tier()
		if tier == "" || tier == domain.TierAuto {
			continue
		}
		registry.tiers[tier] = extractor
	}
	return registry
}

func (r *Registry) Get(tier domain.Tier) (domain.TierExtractor, bool) {
	if r == nil {
		return nil, false
	}
	extractor, ok := r.tiers[tier]
	return extractor, ok
}

// Cascade returns the configured extractors in fixed cost order.
func (r *Registry) Cascade() []domain.TierExtractor {
	if r == nil {
		return nil
	}
	out := make([]domain.TierExtractor, 0, len(r.tiers))
	for _, tier := range domain.CascadeOrder {
		if extractor, ok := r.tiers[tier]; ok {
			out = append(out, extractor)
		}
	}
	return out
}

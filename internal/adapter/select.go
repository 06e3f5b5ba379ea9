package adapter

import "github.com/nexusai/billing-engine/internal/catalog"

// Models the selector may downgrade between, cheapest per-token first
// (mini and haiku at 1 credit/1k, then gpt-4o at 8, sonnet at 12, gpt-4 at
// 25). Kept in sync with the catalog's built-in table; actual prices are
// resolved through the catalog at selection time.
var modelCostOrder = []struct {
	model    string
	provider string
}{
	{"gpt-4o-mini", "openai"},
	{"claude-3-haiku", "anthropic"},
	{"gpt-4o", "openai"},
	{"claude-3-sonnet", "anthropic"},
	{"gpt-4", "openai"},
}

// SelectModel picks the language model for a request. Cost optimization
// downgrades expensive primaries for low-complexity requests, and the
// max-credits ceiling swaps in the cheapest model that still fits.
func SelectModel(cfg ServiceConfiguration, cat *catalog.Catalog, estimatedTokens int64, complexity string) (provider, model string) {
	provider, model = cfg.ModelProvider, cfg.PrimaryModel

	if cfg.CostOptimization && complexity == "low" {
		rule := cat.Resolve(catalog.LanguageModel, provider, model)
		if rule.CreditsPerUnit > 8 {
			return "openai", "gpt-4o-mini"
		}
	}

	if cfg.MaxCreditsPerRequest != nil && estimatedTokens > 0 {
		rule := cat.Resolve(catalog.LanguageModel, provider, model)
		if rule.Credits(float64(estimatedTokens)) > *cfg.MaxCreditsPerRequest {
			for _, m := range modelCostOrder {
				r := cat.Resolve(catalog.LanguageModel, m.provider, m.model)
				if r.Credits(float64(estimatedTokens)) <= *cfg.MaxCreditsPerRequest {
					return m.provider, m.model
				}
			}
		}
	}

	return provider, model
}

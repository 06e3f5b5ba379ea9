// Package estimator produces pre-flight quotes. Estimation is pure: no
// stored state, no side effects, and the exact same pricing formula the
// usage recorder applies, so an estimate and the eventual charge can only
// differ by the quantities actually consumed.
package estimator

import (
	"fmt"

	"github.com/nexusai/billing-engine/internal/adapter"
	"github.com/nexusai/billing-engine/internal/catalog"
)

// PlatformWarnThreshold is the platform-wide credit total above which an
// estimate carries a warning regardless of adapter configuration.
const PlatformWarnThreshold int64 = 100

// WorkloadShape declares the expected raw quantities per service kind.
type WorkloadShape struct {
	LanguageModelTokens int64   `json:"language_model_tokens,omitempty"`
	TTSCharacters       int64   `json:"tts_characters,omitempty"`
	STTMinutes          float64 `json:"stt_minutes,omitempty"`
	TelephonyMinutes    float64 `json:"telephony_minutes,omitempty"`
	RealtimeMinutes     float64 `json:"realtime_minutes,omitempty"`
	Images              int64   `json:"images,omitempty"`
	Complexity          string  `json:"complexity,omitempty"`
}

// ServiceEstimate is the quote for one service kind within a workload.
type ServiceEstimate struct {
	Kind     catalog.ServiceKind `json:"service_kind"`
	Provider string              `json:"provider_id"`
	Model    string              `json:"model_id"`
	RawQty   float64             `json:"raw_quantity"`
	RawUnit  string              `json:"raw_unit"`
	Credits  int64               `json:"credits"`
	USD      float64             `json:"usd"`
}

// Estimate is a full pre-flight quote.
type Estimate struct {
	TotalCredits int64             `json:"total_credits"`
	TotalUSD     float64           `json:"total_usd"`
	Breakdown    []ServiceEstimate `json:"per_service_breakdown"`
	Warnings     []string          `json:"warnings,omitempty"`
}

// Estimator prices workload shapes against the live rate catalog.
type Estimator struct {
	catalog *catalog.Catalog
}

func New(cat *catalog.Catalog) *Estimator {
	return &Estimator{catalog: cat}
}

// Estimate quotes a workload under a service configuration. Services the
// configuration disables are skipped. It never fails: pricing gaps resolve
// through catalog defaults.
func (e *Estimator) Estimate(shape WorkloadShape, cfg adapter.ServiceConfiguration) Estimate {
	var est Estimate

	add := func(kind catalog.ServiceKind, provider, model string, raw float64, unit string) {
		rule := e.catalog.Resolve(kind, provider, model)
		se := ServiceEstimate{
			Kind:     kind,
			Provider: provider,
			Model:    model,
			RawQty:   raw,
			RawUnit:  unit,
			Credits:  rule.Credits(raw),
			USD:      rule.USD(raw),
		}
		est.Breakdown = append(est.Breakdown, se)
		est.TotalCredits += se.Credits
		est.TotalUSD += se.USD
	}

	if shape.LanguageModelTokens > 0 {
		provider, model := adapter.SelectModel(cfg, e.catalog, shape.LanguageModelTokens, shape.Complexity)
		add(catalog.LanguageModel, provider, model, float64(shape.LanguageModelTokens), "tokens")
	}
	if shape.TTSCharacters > 0 && cfg.VoiceEnabled {
		add(catalog.TextToSpeech, cfg.TTSProvider, catalog.WildcardModel, float64(shape.TTSCharacters), "characters")
	}
	if shape.STTMinutes > 0 && cfg.VoiceEnabled {
		add(catalog.SpeechToText, cfg.STTProvider, catalog.WildcardModel, shape.STTMinutes, "minutes")
	}
	if shape.TelephonyMinutes > 0 && cfg.PhoneEnabled {
		add(catalog.Telephony, cfg.PhoneProvider, catalog.WildcardModel, shape.TelephonyMinutes, "minutes")
	}
	if shape.RealtimeMinutes > 0 && cfg.RealtimeEnabled {
		add(catalog.RealTimeMedia, "livekit", catalog.WildcardModel, shape.RealtimeMinutes, "minutes")
	}
	if shape.Images > 0 && cfg.VisionEnabled {
		add(catalog.VisionAnalysis, cfg.ModelProvider, cfg.VisionModel, float64(shape.Images), "images")
	}

	if est.TotalCredits > PlatformWarnThreshold {
		est.Warnings = append(est.Warnings,
			fmt.Sprintf("high credit usage expected (>%d credits)", PlatformWarnThreshold))
	}
	if cfg.MaxCreditsPerRequest != nil && est.TotalCredits > *cfg.MaxCreditsPerRequest {
		est.Warnings = append(est.Warnings,
			fmt.Sprintf("exceeds max credits per request (%d)", *cfg.MaxCreditsPerRequest))
	}

	return est
}

package estimator

import (
	"strings"
	"testing"

	"github.com/nexusai/billing-engine/internal/adapter"
	"github.com/nexusai/billing-engine/internal/catalog"
)

func newEstimator() (*Estimator, *catalog.Catalog) {
	cat := catalog.New(catalog.DefaultSnapshot())
	return New(cat), cat
}

func TestEstimate_LanguageModelOnly(t *testing.T) {
	e, _ := newEstimator()
	cfg := adapter.Balanced() // gpt-4o at 8 credits/1k

	est := e.Estimate(WorkloadShape{LanguageModelTokens: 3000}, cfg)

	if est.TotalCredits != 24 {
		t.Errorf("3000 tokens of gpt-4o = %d credits, want 24", est.TotalCredits)
	}
	if len(est.Breakdown) != 1 {
		t.Fatalf("breakdown has %d entries, want 1", len(est.Breakdown))
	}
	if est.Breakdown[0].Kind != catalog.LanguageModel || est.Breakdown[0].Model != "gpt-4o" {
		t.Errorf("breakdown entry = %+v", est.Breakdown[0])
	}
}

func TestEstimate_MatchesRecorderPricing(t *testing.T) {
	// The estimate and the eventual charge use the same rule methods, so for
	// identical quantities they must agree exactly.
	e, cat := newEstimator()
	cfg := adapter.EmergencyServices()

	shape := WorkloadShape{
		LanguageModelTokens: 1500,
		TTSCharacters:       4000,
		TelephonyMinutes:    2,
	}
	est := e.Estimate(shape, cfg)

	var charged int64
	provider, model := adapter.SelectModel(cfg, cat, shape.LanguageModelTokens, shape.Complexity)
	charged += cat.Resolve(catalog.LanguageModel, provider, model).Credits(float64(shape.LanguageModelTokens))
	charged += cat.Resolve(catalog.TextToSpeech, cfg.TTSProvider, catalog.WildcardModel).Credits(float64(shape.TTSCharacters))
	charged += cat.Resolve(catalog.Telephony, cfg.PhoneProvider, catalog.WildcardModel).Credits(shape.TelephonyMinutes)

	if est.TotalCredits != charged {
		t.Errorf("estimate %d != recorded charge %d for identical quantities", est.TotalCredits, charged)
	}
}

func TestEstimate_DisabledServicesSkipped(t *testing.T) {
	e, _ := newEstimator()
	cfg := adapter.Balanced() // voice, phone, vision, realtime all disabled

	est := e.Estimate(WorkloadShape{
		LanguageModelTokens: 1000,
		TTSCharacters:       5000,
		STTMinutes:          3,
		TelephonyMinutes:    2,
		RealtimeMinutes:     2,
		Images:              1,
	}, cfg)

	if len(est.Breakdown) != 1 {
		t.Fatalf("disabled services must not be quoted, breakdown: %+v", est.Breakdown)
	}
	if est.TotalCredits != 8 {
		t.Errorf("total = %d, want 8 (language model only)", est.TotalCredits)
	}
}

func TestEstimate_FullVoiceWorkload(t *testing.T) {
	e, _ := newEstimator()
	cfg := adapter.EmergencyServices()

	est := e.Estimate(WorkloadShape{
		LanguageModelTokens: 2000, // gpt-4o: 16
		TTSCharacters:       1000, // cartesia: 1 (0.8 rounds up via minimum)
		STTMinutes:          1,    // openai-whisper: 10
		TelephonyMinutes:    2,    // twilio: 40
		RealtimeMinutes:     1,    // livekit: 12
		Images:              1,    // gpt-4-vision: 50
	}, cfg)

	if len(est.Breakdown) != 6 {
		t.Fatalf("breakdown has %d entries, want 6", len(est.Breakdown))
	}
	if est.TotalCredits != 129 {
		t.Errorf("total = %d, want 129", est.TotalCredits)
	}
	if est.TotalUSD <= 0 {
		t.Error("usd total must be positive")
	}
}

func TestEstimate_PlatformWarning(t *testing.T) {
	e, _ := newEstimator()
	cfg := adapter.PremiumQuality() // no max-credits ceiling

	est := e.Estimate(WorkloadShape{LanguageModelTokens: 5000}, cfg) // gpt-4: 125

	if len(est.Warnings) != 1 || !strings.Contains(est.Warnings[0], "high credit usage") {
		t.Errorf("warnings = %v, want platform high-usage warning", est.Warnings)
	}
}

func TestEstimate_CeilingWarning(t *testing.T) {
	e, _ := newEstimator()
	cfg := adapter.CostOptimized() // ceiling 50

	// 60000 tokens of gpt-4o-mini is 60 credits: under the platform threshold,
	// over the adapter ceiling.
	est := e.Estimate(WorkloadShape{LanguageModelTokens: 60000}, cfg)

	if est.TotalCredits != 60 {
		t.Fatalf("total = %d, want 60", est.TotalCredits)
	}
	if len(est.Warnings) != 1 || !strings.Contains(est.Warnings[0], "max credits per request") {
		t.Errorf("warnings = %v, want ceiling warning", est.Warnings)
	}
}

func TestEstimate_BothWarnings(t *testing.T) {
	e, _ := newEstimator()
	cfg := adapter.CostOptimized()

	est := e.Estimate(WorkloadShape{LanguageModelTokens: 200000}, cfg) // 200 credits

	if len(est.Warnings) != 2 {
		t.Errorf("warnings = %v, want both the platform and ceiling warnings", est.Warnings)
	}
}

func TestEstimate_EmptyShape(t *testing.T) {
	e, _ := newEstimator()

	est := e.Estimate(WorkloadShape{}, adapter.Balanced())
	if est.TotalCredits != 0 || len(est.Breakdown) != 0 || len(est.Warnings) != 0 {
		t.Errorf("empty shape must quote zero: %+v", est)
	}
}

func TestEstimate_CostOptimizationAffectsQuote(t *testing.T) {
	e, _ := newEstimator()
	cfg := adapter.Balanced()
	cfg.PrimaryModel = "gpt-4"

	expensive := e.Estimate(WorkloadShape{LanguageModelTokens: 1000, Complexity: "high"}, cfg)
	cheap := e.Estimate(WorkloadShape{LanguageModelTokens: 1000, Complexity: "low"}, cfg)

	if cheap.TotalCredits >= expensive.TotalCredits {
		t.Errorf("low complexity quote %d not cheaper than high %d", cheap.TotalCredits, expensive.TotalCredits)
	}
	if cheap.Breakdown[0].Model != "gpt-4o-mini" {
		t.Errorf("low complexity model = %s, want gpt-4o-mini", cheap.Breakdown[0].Model)
	}
}

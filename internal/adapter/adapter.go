// Package adapter defines the per-business service configuration captured by
// each workflow at open time. Configurations are plain values: a workflow
// holds its own copy, so catalog or preset changes never retroactively alter
// an in-flight workflow's behavior.
package adapter

// Priorities express the relative weight of cost, accuracy and speed for a
// business adapter. Values are "low", "medium" or "high".
type Priorities struct {
	Cost     string `json:"cost"`
	Accuracy string `json:"accuracy"`
	Speed    string `json:"speed"`
}

// ServiceConfiguration selects providers and models for each service kind and
// carries the adapter's cost-control knobs.
type ServiceConfiguration struct {
	PrimaryModel  string `json:"primary_model"`
	FallbackModel string `json:"fallback_model,omitempty"`
	ModelProvider string `json:"model_provider"`

	TTSProvider string `json:"tts_provider"`
	STTProvider string `json:"stt_provider"`
	VisionModel string `json:"vision_model"`

	PhoneProvider string `json:"phone_provider"`

	VoiceEnabled    bool `json:"voice_enabled"`
	VisionEnabled   bool `json:"vision_enabled"`
	PhoneEnabled    bool `json:"phone_enabled"`
	RealtimeEnabled bool `json:"realtime_enabled"`

	CostOptimization     bool   `json:"cost_optimization"`
	MaxCreditsPerRequest *int64 `json:"max_credits_per_request,omitempty"`

	Priorities Priorities `json:"priorities"`
}

func maxCredits(n int64) *int64 { return &n }

// CostOptimized is the minimum-cost preset.
func CostOptimized() ServiceConfiguration {
	return ServiceConfiguration{
		PrimaryModel:         "gpt-4o-mini",
		ModelProvider:        "openai",
		TTSProvider:          "cartesia",
		STTProvider:          "deepgram",
		VisionModel:          "gpt-4o-vision",
		PhoneProvider:        "twilio",
		CostOptimization:     true,
		MaxCreditsPerRequest: maxCredits(50),
		Priorities:           Priorities{Cost: "high", Accuracy: "medium", Speed: "medium"},
	}
}

// PremiumQuality favors accuracy over cost.
func PremiumQuality() ServiceConfiguration {
	return ServiceConfiguration{
		PrimaryModel:     "gpt-4",
		FallbackModel:    "gpt-4o",
		ModelProvider:    "openai",
		TTSProvider:      "cartesia",
		STTProvider:      "openai-whisper",
		VisionModel:      "gpt-4-vision",
		PhoneProvider:    "twilio",
		CostOptimization: false,
		Priorities:       Priorities{Cost: "low", Accuracy: "high", Speed: "medium"},
	}
}

// Balanced is the default preset for adapters without one of their own.
func Balanced() ServiceConfiguration {
	return ServiceConfiguration{
		PrimaryModel:         "gpt-4o",
		FallbackModel:        "gpt-4o-mini",
		ModelProvider:        "openai",
		TTSProvider:          "cartesia",
		STTProvider:          "deepgram",
		VisionModel:          "gpt-4o-vision",
		PhoneProvider:        "twilio",
		CostOptimization:     true,
		MaxCreditsPerRequest: maxCredits(200),
		Priorities:           Priorities{Cost: "medium", Accuracy: "high", Speed: "high"},
	}
}

// EmergencyServices is used by life-safety adapters. All services on, no cost
// optimization, and overdraft-eligible: an emergency call is never cut off
// for an empty balance.
func EmergencyServices() ServiceConfiguration {
	return ServiceConfiguration{
		PrimaryModel:     "gpt-4o",
		FallbackModel:    "gpt-4",
		ModelProvider:    "openai",
		TTSProvider:      "cartesia",
		STTProvider:      "openai-whisper",
		VisionModel:      "gpt-4-vision",
		PhoneProvider:    "twilio",
		VoiceEnabled:     true,
		VisionEnabled:    true,
		PhoneEnabled:     true,
		RealtimeEnabled:  true,
		CostOptimization: false,
		Priorities:       Priorities{Cost: "low", Accuracy: "high", Speed: "high"},
	}
}

// LanguageLearning needs good voice at reasonable cost.
func LanguageLearning() ServiceConfiguration {
	return ServiceConfiguration{
		PrimaryModel:         "gpt-4o-mini",
		FallbackModel:        "gpt-4o",
		ModelProvider:        "openai",
		TTSProvider:          "cartesia",
		STTProvider:          "openai-whisper",
		VisionModel:          "claude-3-vision",
		PhoneProvider:        "twilio",
		VoiceEnabled:         true,
		VisionEnabled:        true,
		RealtimeEnabled:      true,
		CostOptimization:     true,
		MaxCreditsPerRequest: maxCredits(75),
		Priorities:           Priorities{Cost: "medium", Accuracy: "high", Speed: "medium"},
	}
}

var presets = map[string]func() ServiceConfiguration{
	"cost_optimized":    CostOptimized,
	"premium_quality":   PremiumQuality,
	"balanced":          Balanced,
	"emergencyservices": EmergencyServices,
	"languagelearning":  LanguageLearning,
}

// ForAdapter returns the preset configuration for a named business adapter,
// falling back to Balanced for unknown names.
func ForAdapter(name string) ServiceConfiguration {
	if f, ok := presets[name]; ok {
		return f()
	}
	return Balanced()
}

// OverdraftEligible reports whether workflows of a business adapter may debit
// past a zero balance. Such debits are recorded as ordinary transactions and
// flagged for reconciliation, not silently dropped.
func OverdraftEligible(name string, extra []string) bool {
	if name == "emergencyservices" {
		return true
	}
	for _, a := range extra {
		if a == name {
			return true
		}
	}
	return false
}

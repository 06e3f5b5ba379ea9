package catalog

import (
	"encoding/json"
	"fmt"
	"os"
)

// Built-in rate table. Credits are the platform currency; USD columns track
// raw provider cost for margin reporting. Token and character services price
// per 1000 raw units, time services per minute, vision per image.
var builtinRules = []RateRule{
	// Language models
	{Kind: LanguageModel, Provider: "openai", Model: "gpt-4o-mini", CreditsPerUnit: 1, UnitSize: 1000, UnitName: "tokens", USDPerUnit: 0.00015, MinimumCredits: 1},
	{Kind: LanguageModel, Provider: "openai", Model: "gpt-4o", CreditsPerUnit: 8, UnitSize: 1000, UnitName: "tokens", USDPerUnit: 0.0025, MinimumCredits: 1},
	{Kind: LanguageModel, Provider: "openai", Model: "gpt-4", CreditsPerUnit: 25, UnitSize: 1000, UnitName: "tokens", USDPerUnit: 0.03, MinimumCredits: 1},
	{Kind: LanguageModel, Provider: "anthropic", Model: "claude-3-haiku", CreditsPerUnit: 1, UnitSize: 1000, UnitName: "tokens", USDPerUnit: 0.00025, MinimumCredits: 1},
	{Kind: LanguageModel, Provider: "anthropic", Model: "claude-3-sonnet", CreditsPerUnit: 12, UnitSize: 1000, UnitName: "tokens", USDPerUnit: 0.003, MinimumCredits: 1},

	// Text to speech, priced per 1000 characters
	{Kind: TextToSpeech, Provider: "cartesia", Model: WildcardModel, CreditsPerUnit: 0.8, UnitSize: 1000, UnitName: "characters", USDPerUnit: 0.011, MinimumCredits: 1},
	{Kind: TextToSpeech, Provider: "openai-tts", Model: WildcardModel, CreditsPerUnit: 1, UnitSize: 1000, UnitName: "characters", USDPerUnit: 0.015, MinimumCredits: 1},

	// Speech to text
	{Kind: SpeechToText, Provider: "deepgram", Model: WildcardModel, CreditsPerUnit: 8, UnitSize: 1, UnitName: "minutes", USDPerUnit: 0.0043, MinimumCredits: 1},
	{Kind: SpeechToText, Provider: "openai-whisper", Model: WildcardModel, CreditsPerUnit: 10, UnitSize: 1, UnitName: "minutes", USDPerUnit: 0.006, MinimumCredits: 1},

	// Vision
	{Kind: VisionAnalysis, Provider: "openai", Model: "gpt-4o-vision", CreditsPerUnit: 40, UnitSize: 1, UnitName: "images", USDPerUnit: 0.008, MinimumCredits: 1},
	{Kind: VisionAnalysis, Provider: "openai", Model: "gpt-4-vision", CreditsPerUnit: 50, UnitSize: 1, UnitName: "images", USDPerUnit: 0.01, MinimumCredits: 1},
	{Kind: VisionAnalysis, Provider: "anthropic", Model: "claude-3-vision", CreditsPerUnit: 40, UnitSize: 1, UnitName: "images", USDPerUnit: 0.008, MinimumCredits: 1},

	// Telephony
	{Kind: Telephony, Provider: "twilio", Model: WildcardModel, CreditsPerUnit: 20, UnitSize: 1, UnitName: "minutes", USDPerUnit: 0.0085, MinimumCredits: 1},
	{Kind: Telephony, Provider: "twilio-intl", Model: WildcardModel, CreditsPerUnit: 35, UnitSize: 1, UnitName: "minutes", USDPerUnit: 0.015, MinimumCredits: 1},

	// Real-time media
	{Kind: RealTimeMedia, Provider: "livekit", Model: WildcardModel, CreditsPerUnit: 12, UnitSize: 1, UnitName: "minutes", USDPerUnit: 0.004, MinimumCredits: 1},
	{Kind: RealTimeMedia, Provider: "livekit-egress", Model: WildcardModel, CreditsPerUnit: 15, UnitSize: 1, UnitName: "minutes", USDPerUnit: 0.005, MinimumCredits: 1},
}

// Per-kind fallbacks used when no rule matches. Deliberately priced at the
// most expensive provider of each kind so a pricing gap can only over-charge,
// never under-charge.
var builtinDefaults = map[ServiceKind]RateRule{
	LanguageModel:  {Kind: LanguageModel, Provider: "default", Model: WildcardModel, CreditsPerUnit: 25, UnitSize: 1000, UnitName: "tokens", USDPerUnit: 0.03, MinimumCredits: 1},
	TextToSpeech:   {Kind: TextToSpeech, Provider: "default", Model: WildcardModel, CreditsPerUnit: 1, UnitSize: 1000, UnitName: "characters", USDPerUnit: 0.015, MinimumCredits: 1},
	SpeechToText:   {Kind: SpeechToText, Provider: "default", Model: WildcardModel, CreditsPerUnit: 10, UnitSize: 1, UnitName: "minutes", USDPerUnit: 0.006, MinimumCredits: 1},
	Telephony:      {Kind: Telephony, Provider: "default", Model: WildcardModel, CreditsPerUnit: 35, UnitSize: 1, UnitName: "minutes", USDPerUnit: 0.015, MinimumCredits: 1},
	RealTimeMedia:  {Kind: RealTimeMedia, Provider: "default", Model: WildcardModel, CreditsPerUnit: 15, UnitSize: 1, UnitName: "minutes", USDPerUnit: 0.005, MinimumCredits: 1},
	VisionAnalysis: {Kind: VisionAnalysis, Provider: "default", Model: WildcardModel, CreditsPerUnit: 50, UnitSize: 1, UnitName: "images", USDPerUnit: 0.01, MinimumCredits: 1},
}

// DefaultSnapshot returns a snapshot of the built-in rate table.
func DefaultSnapshot() *Snapshot {
	s, err := NewSnapshot(builtinRules, builtinDefaults)
	if err != nil {
		// Built-in table is validated by tests; reaching this is a build bug.
		panic(fmt.Sprintf("catalog: invalid built-in rate table: %v", err))
	}
	return s
}

type ratesFile struct {
	Rules    []RateRule               `json:"rules"`
	Defaults map[ServiceKind]RateRule `json:"defaults"`
}

// LoadSnapshotFromFile merges a JSON rates file over the built-in table.
// File rules override built-in rules with the same key; file defaults
// override built-in defaults per kind.
func LoadSnapshotFromFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rates file: %w", err)
	}

	var f ratesFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rates file: %w", err)
	}

	merged := make(map[ruleKey]RateRule, len(builtinRules)+len(f.Rules))
	for _, r := range builtinRules {
		merged[ruleKey{r.Kind, r.Provider, r.Model}] = r
	}
	for _, r := range f.Rules {
		if !ValidKind(r.Kind) {
			return nil, fmt.Errorf("rates file: unknown service kind %q", r.Kind)
		}
		if r.MinimumCredits == 0 {
			r.MinimumCredits = 1
		}
		merged[ruleKey{r.Kind, r.Provider, r.Model}] = r
	}

	rules := make([]RateRule, 0, len(merged))
	for _, r := range merged {
		rules = append(rules, r)
	}

	defaults := make(map[ServiceKind]RateRule, len(builtinDefaults))
	for k, d := range builtinDefaults {
		defaults[k] = d
	}
	for k, d := range f.Defaults {
		defaults[k] = d
	}

	return NewSnapshot(rules, defaults)
}

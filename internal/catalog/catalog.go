package catalog

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync/atomic"
)

// ServiceKind identifies a billable class of service consumption.
type ServiceKind string

const (
	LanguageModel  ServiceKind = "language_model"
	TextToSpeech   ServiceKind = "text_to_speech"
	SpeechToText   ServiceKind = "speech_to_text"
	Telephony      ServiceKind = "telephony"
	RealTimeMedia  ServiceKind = "realtime_media"
	VisionAnalysis ServiceKind = "vision_analysis"
)

// WildcardModel matches any model of a provider when no exact rule exists.
const WildcardModel = "*"

var (
	ErrNoDefaultRule   = errors.New("service kind has no default rule")
	ErrZeroDefaultRule = errors.New("default rule prices at zero")
)

// ValidKind reports whether k is one of the enumerated service kinds.
func ValidKind(k ServiceKind) bool {
	switch k {
	case LanguageModel, TextToSpeech, SpeechToText, Telephony, RealTimeMedia, VisionAnalysis:
		return true
	}
	return false
}

// RateRule is the pricing formula for one (kind, provider, model) triple.
// Immutable once published as part of a Snapshot.
type RateRule struct {
	Kind           ServiceKind `json:"service_kind"`
	Provider       string      `json:"provider_id"`
	Model          string      `json:"model_id"`
	CreditsPerUnit float64     `json:"credits_per_unit"`
	UnitSize       float64     `json:"unit_size"`
	UnitName       string      `json:"unit_name"`
	USDPerUnit     float64     `json:"usd_cost_per_unit"`
	MinimumCredits int64       `json:"minimum_credits"`
}

// Credits prices a raw quantity under this rule. The minimum-credits floor
// applies even at zero quantity: partially consumed provider work is never
// free.
func (r RateRule) Credits(raw float64) int64 {
	credits := int64(math.Round(raw / r.UnitSize * r.CreditsPerUnit))
	if credits < r.MinimumCredits {
		return r.MinimumCredits
	}
	return credits
}

// USD converts a raw quantity to its USD equivalent under this rule.
func (r RateRule) USD(raw float64) float64 {
	return raw / r.UnitSize * r.USDPerUnit
}

type ruleKey struct {
	kind     ServiceKind
	provider string
	model    string
}

// Snapshot is one immutable version of the rate table. Readers always see a
// whole snapshot; Publish replaces the pointer, never the contents.
type Snapshot struct {
	version  uint64
	rules    map[ruleKey]RateRule
	defaults map[ServiceKind]RateRule
}

// NewSnapshot builds a snapshot from explicit rules and per-kind defaults.
// Every enumerated kind must carry a non-zero default: a catalog that can
// price something at zero is a configuration bug, not a valid table.
func NewSnapshot(rules []RateRule, defaults map[ServiceKind]RateRule) (*Snapshot, error) {
	kinds := []ServiceKind{LanguageModel, TextToSpeech, SpeechToText, Telephony, RealTimeMedia, VisionAnalysis}
	for _, k := range kinds {
		d, ok := defaults[k]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoDefaultRule, k)
		}
		if d.CreditsPerUnit <= 0 || d.UnitSize <= 0 {
			return nil, fmt.Errorf("%w: %s", ErrZeroDefaultRule, k)
		}
	}

	s := &Snapshot{
		rules:    make(map[ruleKey]RateRule, len(rules)),
		defaults: make(map[ServiceKind]RateRule, len(defaults)),
	}
	for _, r := range rules {
		if r.UnitSize <= 0 {
			return nil, fmt.Errorf("rule %s/%s/%s: unit_size must be positive", r.Kind, r.Provider, r.Model)
		}
		s.rules[ruleKey{r.Kind, r.Provider, r.Model}] = r
	}
	for k, d := range defaults {
		s.defaults[k] = d
	}
	return s, nil
}

// Version returns the snapshot's publish version (0 until published).
func (s *Snapshot) Version() uint64 { return s.version }

// Catalog is the shared read-mostly rate table. Resolution never blocks
// publishers and publishers never block readers: the current snapshot is held
// behind an atomic pointer swap.
type Catalog struct {
	current atomic.Pointer[Snapshot]
	version atomic.Uint64
}

// New creates a catalog with an initial snapshot.
func New(initial *Snapshot) *Catalog {
	c := &Catalog{}
	c.Publish(initial)
	return c
}

// Publish atomically replaces the whole rate table. In-flight Resolve calls
// see either the old snapshot or the new one, never a mix.
func (c *Catalog) Publish(s *Snapshot) {
	s.version = c.version.Add(1)
	c.current.Store(s)
	log.Printf("catalog: published rate snapshot v%d (%d rules)", s.version, len(s.rules))
}

// Version returns the currently published snapshot version.
func (c *Catalog) Version() uint64 {
	return c.current.Load().version
}

// Resolve returns the pricing rule for a (kind, provider, model) triple.
// Lookup order: exact rule, provider wildcard, per-kind default. A missing
// rule is a pricing gap, logged and recovered via the default; a zero-cost
// fallthrough is never an outcome.
func (c *Catalog) Resolve(kind ServiceKind, provider, model string) RateRule {
	s := c.current.Load()

	if r, ok := s.rules[ruleKey{kind, provider, model}]; ok {
		return r
	}
	if r, ok := s.rules[ruleKey{kind, provider, WildcardModel}]; ok {
		return r
	}

	log.Printf("catalog: pricing gap for %s/%s/%s, using %s default", kind, provider, model, kind)
	return s.defaults[kind]
}

package types

import (
	"fmt"
	"time"
)

// PrivacyLevel describes where a model processes data
type PrivacyLevel string

const (
	// PrivacyUnconstrained is only used as a registry query value
	PrivacyUnconstrained PrivacyLevel = ""
	PrivacyLocal         PrivacyLevel = "local"
	PrivacyCloud         PrivacyLevel = "cloud"
	PrivacyHybrid        PrivacyLevel = "hybrid"
)

// Allows reports whether a model with the given privacy level satisfies this query level
func (p PrivacyLevel) Allows(model PrivacyLevel) bool {
	switch p {
	case PrivacyLocal:
		return model == PrivacyLocal
	case PrivacyCloud:
		return model == PrivacyCloud || model == PrivacyHybrid
	default:
		return true
	}
}

// ModelCapability is a registered (provider, model) pair
type ModelCapability struct {
	Provider        string  `json:"provider" yaml:"provider"`
	ModelID         string  `json:"model_id" yaml:"model_id"`
	ModelType       string  `json:"model_type,omitempty" yaml:"model_type"`
	CapabilityScore float64 `json:"capability_score" yaml:"capability_score"`

	// Pricing in USD per 1k tokens
	CostPer1KInput  float64 `json:"cost_per_1k_input" yaml:"cost_per_1k_input"`
	CostPer1KOutput float64 `json:"cost_per_1k_output" yaml:"cost_per_1k_output"`

	AvgLatencyMs      float64            `json:"avg_latency_ms" yaml:"avg_latency_ms"`
	PrivacyLevel      PrivacyLevel       `json:"privacy_level" yaml:"privacy_level"`
	IsAvailable       bool               `json:"is_available" yaml:"is_available"`
	BenchmarkScores   map[string]float64 `json:"benchmark_scores,omitempty" yaml:"benchmark_scores"`
	SupportedFeatures []string           `json:"supported_features,omitempty" yaml:"supported_features"`

	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Key returns the unique provider/model identifier
func (c *ModelCapability) Key() string {
	return c.Provider + "/" + c.ModelID
}

// CostPer1K is the blended rate used for budget checks and scoring
func (c *ModelCapability) CostPer1K() float64 {
	return (c.CostPer1KInput + c.CostPer1KOutput) / 2
}

// SupportsAll reports whether every feature in required is supported
func (c *ModelCapability) SupportsAll(required []string) bool {
	for _, feature := range required {
		found := false
		for _, supported := range c.SupportedFeatures {
			if supported == feature {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Validate checks a capability row before it is registered
func (c *ModelCapability) Validate() error {
	if c.Provider == "" || c.ModelID == "" {
		return fmt.Errorf("provider and model_id are required")
	}
	if c.CapabilityScore < 0 || c.CapabilityScore > 1 {
		return fmt.Errorf("capability score %.2f outside [0,1]", c.CapabilityScore)
	}
	if c.CostPer1KInput < 0 || c.CostPer1KOutput < 0 || c.AvgLatencyMs < 0 {
		return fmt.Errorf("cost and latency must not be negative")
	}
	switch c.PrivacyLevel {
	case PrivacyLocal, PrivacyCloud, PrivacyHybrid:
	default:
		return fmt.Errorf("unknown privacy level %q", c.PrivacyLevel)
	}
	return nil
}

// Clone returns a deep copy
func (c *ModelCapability) Clone() ModelCapability {
	out := *c
	if c.BenchmarkScores != nil {
		out.BenchmarkScores = make(map[string]float64, len(c.BenchmarkScores))
		for k, v := range c.BenchmarkScores {
			out.BenchmarkScores[k] = v
		}
	}
	if c.SupportedFeatures != nil {
		out.SupportedFeatures = append([]string(nil), c.SupportedFeatures...)
	}
	return out
}

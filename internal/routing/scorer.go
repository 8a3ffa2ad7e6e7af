package routing

import (
	"math"
	"strings"

	"github.com/tributary-ai/task-router/internal/types"
)

// Composite score weights
const (
	capabilityWeight = 0.4
	costWeight       = 0.3
	latencyWeight    = 0.2
	preferenceWeight = 0.1
)

// Preference scores. Absence of a preference is neutral, never zero.
const (
	providerPreferenceScore  = 1.0
	modelTypePreferenceScore = 0.8
	neutralPreferenceScore   = 0.5
)

const defaultBenchmarkConfidence = 0.8

// Preference is the caller's optional provider or model-type preference
type Preference struct {
	Provider  string
	ModelType string
}

// ScoreBreakdown holds the components of a candidate's composite score
type ScoreBreakdown struct {
	Capability float64 `json:"capability"`
	Cost       float64 `json:"cost"`
	Latency    float64 `json:"latency"`
	Preference float64 `json:"preference"`
	Total      float64 `json:"total"`
}

// ScoreCandidate computes the composite routing score. It has no side effects.
func ScoreCandidate(c *types.ModelCapability, req types.TaskRequirements, pref Preference) ScoreBreakdown {
	s := ScoreBreakdown{
		Capability: c.CapabilityScore,
		Cost:       ceilingScore(req.MaxCostPer1K, c.CostPer1K()),
		Latency:    ceilingScore(req.MaxLatencyMs, c.AvgLatencyMs),
		Preference: preferenceScore(c, pref),
	}
	s.Total = capabilityWeight*s.Capability +
		costWeight*s.Cost +
		latencyWeight*s.Latency +
		preferenceWeight*s.Preference
	return s
}

// ceilingScore is the remaining headroom under a ceiling. A zero ceiling scores 0.
func ceilingScore(ceiling, value float64) float64 {
	if ceiling <= 0 {
		return 0
	}
	return math.Max(0, (ceiling-value)/ceiling)
}

func preferenceScore(c *types.ModelCapability, pref Preference) float64 {
	if pref.Provider != "" && strings.EqualFold(pref.Provider, c.Provider) {
		return providerPreferenceScore
	}
	if pref.ModelType != "" {
		want := strings.ToLower(pref.ModelType)
		if strings.Contains(strings.ToLower(c.ModelType), want) || strings.Contains(strings.ToLower(c.ModelID), want) {
			return modelTypePreferenceScore
		}
	}
	return neutralPreferenceScore
}

// Confidence averages capability headroom over the required minimum and benchmark confidence
func Confidence(c *types.ModelCapability, minCapability float64) float64 {
	capability := 1.0
	if minCapability > 0 {
		capability = math.Min(c.CapabilityScore/minCapability, 1.0)
	}
	return (capability + benchmarkConfidence(c.BenchmarkScores)) / 2
}

func benchmarkConfidence(scores map[string]float64) float64 {
	if len(scores) == 0 {
		return defaultBenchmarkConfidence
	}
	total := 0.0
	for _, v := range scores {
		total += clamp01(v)
	}
	return total / float64(len(scores))
}

// violation measures how far a candidate exceeds the cost and latency ceilings, relative to them
func violation(c *types.ModelCapability, req types.TaskRequirements) float64 {
	v := 0.0
	if req.MaxCostPer1K > 0 && c.CostPer1K() > req.MaxCostPer1K {
		v += (c.CostPer1K() - req.MaxCostPer1K) / req.MaxCostPer1K
	}
	if req.MaxLatencyMs > 0 && c.AvgLatencyMs > req.MaxLatencyMs {
		v += (c.AvgLatencyMs - req.MaxLatencyMs) / req.MaxLatencyMs
	}
	return v
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

package routing

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/task-router/internal/store"
	"github.com/tributary-ai/task-router/internal/types"
)

// DefaultMaxFallbacks is the number of alternatives attached to a decision
const DefaultMaxFallbacks = 3

// DecisionMakerConfig tunes candidate selection
type DecisionMakerConfig struct {
	MaxFallbacks int

	// AllowConstraintRelaxation picks the least-violating candidate when nothing fits the ceilings
	AllowConstraintRelaxation bool
}

// DecisionMaker turns a request into a provider/model decision using task metadata and the registry
type DecisionMaker struct {
	tasks    store.TaskMetadataStore
	registry store.ModelCapabilityRegistry
	config   DecisionMakerConfig
	clock    clock.Clock
	logger   *logrus.Logger
}

// scoredCandidate pairs a candidate with its score
type scoredCandidate struct {
	model     types.ModelCapability
	score     ScoreBreakdown
	violation float64
}

// NewDecisionMaker creates a decision maker
func NewDecisionMaker(tasks store.TaskMetadataStore, registry store.ModelCapabilityRegistry, config DecisionMakerConfig, clk clock.Clock, logger *logrus.Logger) *DecisionMaker {
	if config.MaxFallbacks <= 0 {
		config.MaxFallbacks = DefaultMaxFallbacks
	}
	if clk == nil {
		clk = clock.New()
	}
	return &DecisionMaker{
		tasks:    tasks,
		registry: registry,
		config:   config,
		clock:    clk,
		logger:   logger,
	}
}

// MakeRoutingDecision selects the best candidate for the request
func (d *DecisionMaker) MakeRoutingDecision(ctx context.Context, req *types.RoutingDecisionRequest) (*types.RoutingDecisionResponse, error) {
	meta, err := d.tasks.GetTaskMetadata(ctx, req.TaskType)
	if err != nil {
		return nil, fmt.Errorf("failed to load task metadata: %w", err)
	}
	if meta == nil {
		return nil, types.NewConfigurationError(req.TaskType, "task type is not registered")
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}

	requirements := BuildRequirements(meta, req)
	privacy := DeterminePrivacyLevel(meta, req)

	candidates, err := d.registry.ListAvailable(ctx, requirements, privacy)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidate models: %w", err)
	}

	pref := Preference{Provider: req.PreferredProvider, ModelType: req.PreferredModelType}
	if pref.ModelType == "" {
		pref.ModelType = meta.PreferredModelType
	}

	relaxed := false
	var ranked []scoredCandidate
	if len(candidates) > 0 {
		ranked = rankCandidates(candidates, requirements, pref)
	} else if d.config.AllowConstraintRelaxation {
		ranked, err = d.rankRelaxed(ctx, requirements, privacy, pref)
		if err != nil {
			return nil, err
		}
		relaxed = len(ranked) > 0
	}
	if len(ranked) == 0 {
		return nil, types.NewNoCandidateError(req.TaskType, fmt.Sprintf("no available model meets capability %.2f, cost $%.4f/1k, latency %.0fms, privacy %q",
			requirements.MinCapabilityScore, requirements.MaxCostPer1K, requirements.MaxLatencyMs, privacyLabel(privacy)))
	}

	resp := d.buildResponse(req, meta, requirements, privacy, ranked, relaxed)

	d.logger.WithFields(logrus.Fields{
		"task_type":  req.TaskType,
		"provider":   resp.SelectedProvider,
		"model":      resp.SelectedModel,
		"candidates": len(ranked),
		"confidence": resp.Confidence,
		"relaxed":    relaxed,
	}).Debug("Routing decision made")

	return resp, nil
}

// BuildRequirements derives the effective constraints. Request overrides win.
func BuildRequirements(meta *types.TaskMetadata, req *types.RoutingDecisionRequest) types.TaskRequirements {
	r := types.TaskRequirements{
		MinCapabilityScore: meta.MinModelCapabilityScore,
		MaxCostPer1K:       meta.MaxAcceptableCostPer1K,
		MaxLatencyMs:       meta.MaxAcceptableLatencyMs,
		RequiredFeatures:   append([]string(nil), meta.RequiredFeatures...),
	}
	if req.MaxCostPer1K != nil {
		r.MaxCostPer1K = *req.MaxCostPer1K
	}
	if req.MaxLatencyMs != nil {
		r.MaxLatencyMs = *req.MaxLatencyMs
	}
	return r
}

// DeterminePrivacyLevel returns local when processing must stay on-premises, otherwise unconstrained
func DeterminePrivacyLevel(meta *types.TaskMetadata, req *types.RoutingDecisionRequest) types.PrivacyLevel {
	if meta.RequiresLocalProcessing || req.RequiresLocal {
		return types.PrivacyLocal
	}
	if meta.IsSensitive() && !meta.AllowCloudFallback {
		return types.PrivacyLocal
	}
	return types.PrivacyUnconstrained
}

func rankCandidates(candidates []types.ModelCapability, req types.TaskRequirements, pref Preference) []scoredCandidate {
	ranked := make([]scoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		ranked = append(ranked, scoredCandidate{model: c, score: ScoreCandidate(&c, req, pref)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score.Total != ranked[j].score.Total {
			return ranked[i].score.Total > ranked[j].score.Total
		}
		return candidateLess(&ranked[i].model, &ranked[j].model)
	})
	return ranked
}

// rankRelaxed drops the cost and latency ceilings and orders by violation, then score
func (d *DecisionMaker) rankRelaxed(ctx context.Context, req types.TaskRequirements, privacy types.PrivacyLevel, pref Preference) ([]scoredCandidate, error) {
	loose := req
	loose.MaxCostPer1K = 0
	loose.MaxLatencyMs = 0

	candidates, err := d.registry.ListAvailable(ctx, loose, privacy)
	if err != nil {
		return nil, fmt.Errorf("failed to list relaxed candidate models: %w", err)
	}

	ranked := make([]scoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		ranked = append(ranked, scoredCandidate{
			model:     c,
			score:     ScoreCandidate(&c, req, pref),
			violation: violation(&c, req),
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].violation != ranked[j].violation {
			return ranked[i].violation < ranked[j].violation
		}
		if ranked[i].score.Total != ranked[j].score.Total {
			return ranked[i].score.Total > ranked[j].score.Total
		}
		return candidateLess(&ranked[i].model, &ranked[j].model)
	})
	return ranked, nil
}

func candidateLess(a, b *types.ModelCapability) bool {
	if a.Provider != b.Provider {
		return a.Provider < b.Provider
	}
	return a.ModelID < b.ModelID
}

func (d *DecisionMaker) buildResponse(req *types.RoutingDecisionRequest, meta *types.TaskMetadata, requirements types.TaskRequirements,
	privacy types.PrivacyLevel, ranked []scoredCandidate, relaxed bool) *types.RoutingDecisionResponse {

	best := ranked[0]
	scores := make(map[string]float64, len(ranked))
	for _, c := range ranked {
		scores[c.model.Key()] = c.score.Total
	}

	fallbacks := make([]types.FallbackOption, 0, d.config.MaxFallbacks)
	for _, c := range ranked[1:] {
		if len(fallbacks) == d.config.MaxFallbacks {
			break
		}
		fallbacks = append(fallbacks, fallbackOption(&c, requirements))
	}

	reasoning := selectionReason(&best, requirements, meta)
	if relaxed {
		reasoning = fmt.Sprintf("Constraints relaxed: no candidate met cost $%.4f/1k and latency %.0fms ceilings, chose least-violating candidate. %s",
			requirements.MaxCostPer1K, requirements.MaxLatencyMs, reasoning)
	}
	if best.score.Preference == providerPreferenceScore {
		reasoning += "; matches preferred provider"
	} else if best.score.Preference == modelTypePreferenceScore {
		reasoning += "; matches preferred model type"
	}

	costPer1K := best.model.CostPer1K()
	return &types.RoutingDecisionResponse{
		DecisionID:        uuid.NewString(),
		TaskID:            req.TaskID,
		TaskType:          req.TaskType,
		SelectedProvider:  best.model.Provider,
		SelectedModel:     best.model.ModelID,
		Reasoning:         reasoning,
		ExpectedCost:      costPer1K * float64(req.EstimatedTokens) / 1000,
		ExpectedCostPer1K: costPer1K,
		ExpectedLatencyMs: best.model.AvgLatencyMs,
		ExpectedQuality:   best.model.CapabilityScore,
		Confidence:        Confidence(&best.model, requirements.MinCapabilityScore),
		FallbackOptions:   fallbacks,
		DecisionMetadata: types.DecisionMetadata{
			PrivacyLevel:         privacy,
			SelectedPrivacyLevel: best.model.PrivacyLevel,
			CandidatesConsidered: len(ranked),
			Scores:               scores,
			ConstraintsRelaxed:   relaxed,
		},
		CreatedAt: d.clock.Now(),
	}
}

func fallbackOption(c *scoredCandidate, req types.TaskRequirements) types.FallbackOption {
	return types.FallbackOption{
		Provider:          c.model.Provider,
		Model:             c.model.ModelID,
		Score:             c.score.Total,
		ExpectedCostPer1K: c.model.CostPer1K(),
		ExpectedLatencyMs: c.model.AvgLatencyMs,
		ExpectedQuality:   c.model.CapabilityScore,
		PrivacyLevel:      c.model.PrivacyLevel,
		Reason:            thresholdSummary(c, req),
	}
}

func selectionReason(c *scoredCandidate, req types.TaskRequirements, meta *types.TaskMetadata) string {
	parts := []string{
		fmt.Sprintf("Selected %s (score %.3f)", c.model.Key(), c.score.Total),
		thresholdSummary(c, req),
		fmt.Sprintf("expected quality %.2f vs threshold %.2f", c.model.CapabilityScore, meta.QualityThreshold),
		fmt.Sprintf("privacy %s", c.model.PrivacyLevel),
	}
	return strings.Join(parts, "; ")
}

func thresholdSummary(c *scoredCandidate, req types.TaskRequirements) string {
	return fmt.Sprintf("capability %.2f %s %.2f; cost $%.4f/1k %s $%.4f/1k; latency %.0fms %s %.0fms",
		c.model.CapabilityScore, atLeast(c.model.CapabilityScore, req.MinCapabilityScore), req.MinCapabilityScore,
		c.model.CostPer1K(), within(c.model.CostPer1K(), req.MaxCostPer1K), req.MaxCostPer1K,
		c.model.AvgLatencyMs, within(c.model.AvgLatencyMs, req.MaxLatencyMs), req.MaxLatencyMs)
}

func atLeast(value, floor float64) string {
	if value >= floor {
		return ">="
	}
	return "<"
}

func within(value, ceiling float64) string {
	if ceiling <= 0 {
		return "vs"
	}
	if value <= ceiling {
		return "within"
	}
	return "exceeds"
}

func privacyLabel(p types.PrivacyLevel) string {
	if p == types.PrivacyUnconstrained {
		return "any"
	}
	return string(p)
}

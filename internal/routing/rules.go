package routing

import (
	"fmt"

	"github.com/tributary-ai/task-router/internal/types"
)

// DefaultFreeTierCostCeiling is the highest blended cost per 1k tokens served to free-tier users
// before the router moves them to the free local provider.
const DefaultFreeTierCostCeiling = 0.01

// Rule names
const (
	RuleHealthFallback = "health_fallback"
	RuleFreeTierCost   = "free_tier_cost"
	RulePrivacyLocal   = "privacy_local"
)

// RuleContext is the state a business rule inspects and rewrites
type RuleContext struct {
	Request  *types.RoutingDecisionRequest
	Decision *types.RoutingDecisionResponse
	Status   func(provider string) types.ProviderStatus
	Config   *Config
}

// RequiresLocal reports whether the request must stay on local providers
func (rc *RuleContext) RequiresLocal() bool {
	return rc.Request.RequiresLocal || rc.Decision.DecisionMetadata.PrivacyLevel == types.PrivacyLocal
}

// BusinessRule is a predicate with a substitution action. Rules run in list order,
// so a later rule overrides an earlier rule's choice.
type BusinessRule interface {
	Name() string
	Applies(rc *RuleContext) bool
	Apply(rc *RuleContext) error
}

// DefaultRules returns the rules in precedence order
func DefaultRules() []BusinessRule {
	return []BusinessRule{
		healthFallbackRule{},
		freeTierCostRule{},
		privacyLocalRule{},
	}
}

// healthFallbackRule replaces a provider known to be unhealthy with the first healthy fallback
type healthFallbackRule struct{}

func (healthFallbackRule) Name() string { return RuleHealthFallback }

func (healthFallbackRule) Applies(rc *RuleContext) bool {
	return !rc.Status(rc.Decision.SelectedProvider).Routable()
}

func (r healthFallbackRule) Apply(rc *RuleContext) error {
	previous := rc.Decision.SelectedProvider
	status := rc.Status(previous)
	for i, option := range rc.Decision.FallbackOptions {
		if rc.Status(option.Provider).Routable() {
			substitute(rc, i, r.Name(), fmt.Sprintf("Health fallback: %s is %s, switched to %s/%s", previous, status, option.Provider, option.Model))
			return nil
		}
	}
	return fmt.Errorf("provider %s is %s and no healthy fallback is available", previous, status)
}

// freeTierCostRule moves expensive free-tier requests to the free local provider
type freeTierCostRule struct{}

func (freeTierCostRule) Name() string { return RuleFreeTierCost }

func (freeTierCostRule) Applies(rc *RuleContext) bool {
	return rc.Request.UserTier == types.TierFree && rc.Decision.ExpectedCostPer1K > rc.Config.FreeTierCostCeiling
}

func (r freeTierCostRule) Apply(rc *RuleContext) error {
	for i, option := range rc.Decision.FallbackOptions {
		if !isFreeProvider(option, rc.Config) || !rc.Status(option.Provider).Routable() {
			continue
		}
		substitute(rc, i, r.Name(), fmt.Sprintf("Cost optimization for free tier: $%.4f/1k exceeds $%.4f/1k ceiling, switched to %s/%s",
			rc.Decision.ExpectedCostPer1K, rc.Config.FreeTierCostCeiling, option.Provider, option.Model))
		return nil
	}
	// no free provider among the fallbacks, keep the decision
	return nil
}

func isFreeProvider(option types.FallbackOption, config *Config) bool {
	if config.FreeProvider != "" {
		return option.Provider == config.FreeProvider
	}
	return option.ExpectedCostPer1K == 0 && option.PrivacyLevel == types.PrivacyLocal
}

// privacyLocalRule forces local processing whenever the task requires it
type privacyLocalRule struct{}

func (privacyLocalRule) Name() string { return RulePrivacyLocal }

func (privacyLocalRule) Applies(rc *RuleContext) bool {
	if !rc.RequiresLocal() {
		return false
	}
	return !isLocal(rc.Decision.SelectedProvider, rc.Decision.DecisionMetadata.SelectedPrivacyLevel, rc.Config)
}

func (r privacyLocalRule) Apply(rc *RuleContext) error {
	best := -1
	for i, option := range rc.Decision.FallbackOptions {
		if !isLocal(option.Provider, option.PrivacyLevel, rc.Config) || rc.Status(option.Provider) == types.StatusUnavailable {
			continue
		}
		if option.Provider == rc.Config.LocalProvider {
			best = i
			break
		}
		if best < 0 {
			best = i
		}
	}
	if best < 0 {
		return fmt.Errorf("task requires local processing and no local provider is available")
	}
	option := rc.Decision.FallbackOptions[best]
	substitute(rc, best, r.Name(), fmt.Sprintf("Privacy requirement: local processing enforced, switched to %s/%s", option.Provider, option.Model))
	return nil
}

func isLocal(provider string, privacy types.PrivacyLevel, config *Config) bool {
	return privacy == types.PrivacyLocal || (config.LocalProvider != "" && provider == config.LocalProvider)
}

// substitute promotes fallback i to the selected model and drops it from the fallback list
func substitute(rc *RuleContext, i int, rule, note string) {
	d := rc.Decision
	option := d.FallbackOptions[i]

	d.SelectedProvider = option.Provider
	d.SelectedModel = option.Model
	d.ExpectedCostPer1K = option.ExpectedCostPer1K
	d.ExpectedCost = option.ExpectedCostPer1K * float64(rc.Request.EstimatedTokens) / 1000
	d.ExpectedLatencyMs = option.ExpectedLatencyMs
	d.ExpectedQuality = option.ExpectedQuality
	d.DecisionMetadata.SelectedPrivacyLevel = option.PrivacyLevel
	d.DecisionMetadata.AppliedRules = append(d.DecisionMetadata.AppliedRules, rule)
	d.Reasoning += ". " + note

	remaining := make([]types.FallbackOption, 0, len(d.FallbackOptions)-1)
	remaining = append(remaining, d.FallbackOptions[:i]...)
	remaining = append(remaining, d.FallbackOptions[i+1:]...)
	d.FallbackOptions = remaining
}

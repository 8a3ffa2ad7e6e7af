package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tributary-ai/task-router/internal/metrics"
	"github.com/tributary-ai/task-router/internal/store"
	"github.com/tributary-ai/task-router/internal/types"
)

var tracer = otel.Tracer("github.com/tributary-ai/task-router/internal/routing")

// fallbackConfidence is reported for decisions taken from the provider priority list
const fallbackConfidence = 0.5

const (
	outcomeRouted   = "routed"
	outcomeCached   = "cached"
	outcomeFallback = "fallback"
	outcomeFailed   = "failed"
)

// PriorityEntry is one provider in the static failure-routing list
type PriorityEntry struct {
	Provider     string             `yaml:"provider" json:"provider"`
	Model        string             `yaml:"model" json:"model"`
	PrivacyLevel types.PrivacyLevel `yaml:"privacy_level" json:"privacy_level"`
	CostPer1K    float64            `yaml:"cost_per_1k" json:"cost_per_1k"`
	LatencyMs    float64            `yaml:"latency_ms" json:"latency_ms"`
}

// Config holds router settings
type Config struct {
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	DecisionTimeout time.Duration `yaml:"decision_timeout"`

	// FreeTierCostCeiling defaults to DefaultFreeTierCostCeiling
	FreeTierCostCeiling float64 `yaml:"free_tier_cost_ceiling"`
	FreeProvider        string  `yaml:"free_provider"`
	LocalProvider       string  `yaml:"local_provider"`

	MaxFallbacks    int  `yaml:"max_fallbacks"`
	AllowRelaxation bool `yaml:"allow_constraint_relaxation"`

	ProviderPriority []PriorityEntry `yaml:"provider_priority"`
}

// HealthTracker is the part of the health monitor the router depends on
type HealthTracker interface {
	EnsureFresh(ctx context.Context) error
	Status(provider string) types.ProviderStatus
	Snapshot() map[string]types.ProviderHealth
	RecordCompletion(provider string, latencyMs float64, success bool, errMsg string) types.ProviderHealth
}

// CompletionObserver receives every reported task completion
type CompletionObserver interface {
	ObserveCompletion(completion types.TaskCompletion)
}

// Dependencies are the collaborators a Router is built from
type Dependencies struct {
	Tasks    store.TaskMetadataStore
	Registry store.ModelCapabilityRegistry
	Sink     store.PerformanceMetricSink
	Health   HealthTracker
	Cache    DecisionCache
	Metrics  *metrics.Metrics
	Clock    clock.Clock
	Rules    []BusinessRule
}

// Router is the entry point for routing tasks. It composes the decision maker,
// business rules, health state, and the decision cache.
type Router struct {
	decisions *DecisionMaker
	tasks     store.TaskMetadataStore
	sink      store.PerformanceMetricSink
	health    HealthTracker
	cache     DecisionCache
	metrics   *metrics.Metrics
	clock     clock.Clock
	rules     []BusinessRule
	config    Config
	logger    *logrus.Logger

	observersMu sync.RWMutex
	observers   []CompletionObserver

	statsMu sync.Mutex
	stats   routerStats
}

type routerStats struct {
	total          int64
	successful     int64
	failed         int64
	cacheHits      int64
	fallbackRoutes int64
	decisionTime   time.Duration
	providerUsage  map[string]int64
	rules          map[string]int64
}

// NewRouter creates a router. Tasks, Registry and Health are required.
func NewRouter(deps Dependencies, config Config, logger *logrus.Logger) (*Router, error) {
	if deps.Tasks == nil || deps.Registry == nil || deps.Health == nil {
		return nil, fmt.Errorf("router requires task metadata store, model registry and health tracker")
	}
	if config.FreeTierCostCeiling <= 0 {
		config.FreeTierCostCeiling = DefaultFreeTierCostCeiling
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultCacheTTL
	}
	if config.MaxFallbacks <= 0 {
		config.MaxFallbacks = DefaultMaxFallbacks
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Cache == nil {
		deps.Cache = NewMemoryDecisionCache(config.CacheTTL, deps.Clock)
	}
	if deps.Rules == nil {
		deps.Rules = DefaultRules()
	}

	decisions := NewDecisionMaker(deps.Tasks, deps.Registry, DecisionMakerConfig{
		MaxFallbacks:              config.MaxFallbacks,
		AllowConstraintRelaxation: config.AllowRelaxation,
	}, deps.Clock, logger)

	return &Router{
		decisions: decisions,
		tasks:     deps.Tasks,
		sink:      deps.Sink,
		health:    deps.Health,
		cache:     deps.Cache,
		metrics:   deps.Metrics,
		clock:     deps.Clock,
		rules:     deps.Rules,
		config:    config,
		logger:    logger,
		stats: routerStats{
			providerUsage: make(map[string]int64),
			rules:         make(map[string]int64),
		},
	}, nil
}

// AddCompletionObserver registers an observer for RecordTaskCompletion
func (r *Router) AddCompletionObserver(o CompletionObserver) {
	r.observersMu.Lock()
	defer r.observersMu.Unlock()
	r.observers = append(r.observers, o)
}

// RouteTask returns a routing decision for the request
func (r *Router) RouteTask(ctx context.Context, req *types.RoutingDecisionRequest) (*types.RoutingDecisionResponse, error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "routing.route_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("task_type", req.TaskType),
		attribute.String("user_tier", req.UserTier),
	)

	if _, ok := ctx.Deadline(); !ok && r.config.DecisionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.DecisionTimeout)
		defer cancel()
	}

	if req.TaskType == "" {
		err := types.NewConfigurationError("", "task type is required")
		r.recordFailure(start, err)
		return nil, err
	}

	key := req.CacheKey()
	if cached, ok := r.cache.Get(ctx, key); ok && r.cacheUsable(req, cached) {
		cached.TaskID = req.TaskID
		cached.DecisionMetadata.CacheHit = true
		span.SetAttributes(attribute.Bool("cache_hit", true))
		r.recordSuccess(start, cached, outcomeCached)
		return cached, nil
	}

	resp, err := r.route(ctx, req)
	if err != nil {
		if errors.Is(err, types.ErrConfiguration) || errors.Is(err, types.ErrNoCandidate) || ctx.Err() != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.recordFailure(start, err)
			return nil, err
		}

		resp, err = r.handleRoutingFailure(ctx, req, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.recordFailure(start, err)
			return nil, err
		}
		r.recordSuccess(start, resp, outcomeFallback)
		return resp, nil
	}

	r.cache.Set(ctx, key, resp)
	span.SetAttributes(
		attribute.String("provider", resp.SelectedProvider),
		attribute.String("model", resp.SelectedModel),
	)
	r.recordSuccess(start, resp, outcomeRouted)

	r.logger.WithFields(logrus.Fields{
		"task_id":    req.TaskID,
		"task_type":  req.TaskType,
		"provider":   resp.SelectedProvider,
		"model":      resp.SelectedModel,
		"confidence": resp.Confidence,
		"rules":      resp.DecisionMetadata.AppliedRules,
	}).Info("Task routed")

	return resp, nil
}

// cacheUsable rejects a cached decision whose provider has stopped being routable
// or whose model would break a local-only requirement.
func (r *Router) cacheUsable(req *types.RoutingDecisionRequest, cached *types.RoutingDecisionResponse) bool {
	if !r.health.Status(cached.SelectedProvider).Routable() {
		return false
	}
	local := req.RequiresLocal || cached.DecisionMetadata.PrivacyLevel == types.PrivacyLocal
	if local && !isLocal(cached.SelectedProvider, cached.DecisionMetadata.SelectedPrivacyLevel, &r.config) {
		return false
	}
	return true
}

// route makes a fresh decision and runs the business rules over it
func (r *Router) route(ctx context.Context, req *types.RoutingDecisionRequest) (*types.RoutingDecisionResponse, error) {
	if err := r.health.EnsureFresh(ctx); err != nil {
		return nil, fmt.Errorf("health refresh failed: %w", err)
	}

	resp, err := r.decisions.MakeRoutingDecision(ctx, req)
	if err != nil {
		return nil, err
	}

	rc := &RuleContext{
		Request:  req,
		Decision: resp,
		Status:   r.health.Status,
		Config:   &r.config,
	}
	for _, rule := range r.rules {
		if !rule.Applies(rc) {
			continue
		}
		if err := rule.Apply(rc); err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.Name(), err)
		}
		r.recordRule(rule.Name())
	}
	return resp, nil
}

// handleRoutingFailure walks the provider priority list and picks the first provider
// that is not unavailable. Privacy constraints still hold on this path.
func (r *Router) handleRoutingFailure(ctx context.Context, req *types.RoutingDecisionRequest, cause error) (*types.RoutingDecisionResponse, error) {
	privacy := r.failurePrivacy(ctx, req)

	r.logger.WithError(cause).WithFields(logrus.Fields{
		"task_type": req.TaskType,
		"privacy":   privacyLabel(privacy),
	}).Warn("Routing failed, using provider priority list")

	for _, entry := range r.config.ProviderPriority {
		if privacy == types.PrivacyLocal && entry.PrivacyLevel != types.PrivacyLocal {
			continue
		}
		status := r.health.Status(entry.Provider)
		if status == types.StatusUnavailable || status == types.StatusMaintenance {
			continue
		}

		return &types.RoutingDecisionResponse{
			DecisionID:        uuid.NewString(),
			TaskID:            req.TaskID,
			TaskType:          req.TaskType,
			SelectedProvider:  entry.Provider,
			SelectedModel:     entry.Model,
			Reasoning:         fmt.Sprintf("Fallback routing to %s/%s after routing failure: %v", entry.Provider, entry.Model, cause),
			ExpectedCost:      entry.CostPer1K * float64(req.EstimatedTokens) / 1000,
			ExpectedCostPer1K: entry.CostPer1K,
			ExpectedLatencyMs: entry.LatencyMs,
			Confidence:        fallbackConfidence,
			FallbackOptions:   []types.FallbackOption{},
			DecisionMetadata: types.DecisionMetadata{
				PrivacyLevel:         privacy,
				SelectedPrivacyLevel: entry.PrivacyLevel,
				FallbackRouting:      true,
			},
			CreatedAt: r.clock.Now(),
		}, nil
	}

	return nil, types.NewProviderUnavailableError(req.TaskType, cause)
}

// failurePrivacy resolves the privacy constraint without trusting the failed path.
// An unreadable task definition is treated as local-only.
func (r *Router) failurePrivacy(ctx context.Context, req *types.RoutingDecisionRequest) types.PrivacyLevel {
	if req.RequiresLocal {
		return types.PrivacyLocal
	}
	meta, err := r.tasks.GetTaskMetadata(ctx, req.TaskType)
	if err != nil || meta == nil {
		return types.PrivacyLocal
	}
	return DeterminePrivacyLevel(meta, req)
}

// RecordTaskCompletion feeds an observed outcome into health tracking, observers and the metric sink
func (r *Router) RecordTaskCompletion(ctx context.Context, completion types.TaskCompletion) error {
	if completion.Provider == "" {
		return types.NewConfigurationError(completion.TaskType, "completion provider is required")
	}
	if completion.LatencyMs < 0 {
		return types.NewConfigurationError(completion.TaskType, "completion latency must not be negative")
	}
	if completion.CompletedAt.IsZero() {
		completion.CompletedAt = r.clock.Now()
	}

	health := r.health.RecordCompletion(completion.Provider, completion.LatencyMs, completion.Success, completion.ErrorMessage)
	r.metrics.ObserveCompletion(completion)

	r.observersMu.RLock()
	observers := append([]CompletionObserver(nil), r.observers...)
	r.observersMu.RUnlock()
	for _, o := range observers {
		o.ObserveCompletion(completion)
	}

	r.logger.WithFields(logrus.Fields{
		"task_id":      completion.TaskID,
		"provider":     completion.Provider,
		"success":      completion.Success,
		"latency_ms":   completion.LatencyMs,
		"status":       health.Status,
		"success_rate": health.SuccessRate,
	}).Debug("Task completion recorded")

	if r.sink == nil || completion.TaskType == "" {
		return nil
	}
	err := r.sink.Record(ctx, types.PerformanceMetric{
		TaskType:     completion.TaskType,
		Provider:     completion.Provider,
		Model:        completion.Model,
		LatencyMs:    completion.LatencyMs,
		Success:      completion.Success,
		QualityScore: completion.QualityScore,
		Cost:         completion.Cost,
		TokensUsed:   completion.TokensUsed,
		RecordedAt:   completion.CompletedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to record performance metric: %w", err)
	}
	return nil
}

// GetRoutingStats returns a snapshot of router counters and provider health
func (r *Router) GetRoutingStats() types.RoutingStats {
	r.statsMu.Lock()
	stats := types.RoutingStats{
		TotalRequests:    r.stats.total,
		SuccessfulRoutes: r.stats.successful,
		FailedRoutes:     r.stats.failed,
		CacheHits:        r.stats.cacheHits,
		FallbackRoutes:   r.stats.fallbackRoutes,
		ProviderUsage:    make(map[string]int64, len(r.stats.providerUsage)),
		RuleApplications: make(map[string]int64, len(r.stats.rules)),
	}
	for k, v := range r.stats.providerUsage {
		stats.ProviderUsage[k] = v
	}
	for k, v := range r.stats.rules {
		stats.RuleApplications[k] = v
	}
	if r.stats.total > 0 {
		stats.SuccessRate = float64(r.stats.successful) / float64(r.stats.total)
		stats.AverageDecisionTimeMs = float64(r.stats.decisionTime.Microseconds()) / 1000 / float64(r.stats.total)
	}
	r.statsMu.Unlock()

	stats.ProviderHealth = r.health.Snapshot()
	return stats
}

// ClearCache drops every cached decision
func (r *Router) ClearCache(ctx context.Context) error {
	return r.cache.Clear(ctx)
}

func (r *Router) recordSuccess(start time.Time, resp *types.RoutingDecisionResponse, outcome string) {
	elapsed := time.Since(start)

	r.statsMu.Lock()
	r.stats.total++
	r.stats.successful++
	r.stats.decisionTime += elapsed
	r.stats.providerUsage[resp.SelectedProvider]++
	switch outcome {
	case outcomeCached:
		r.stats.cacheHits++
	case outcomeFallback:
		r.stats.fallbackRoutes++
	}
	r.statsMu.Unlock()

	r.metrics.ObserveRouting(outcome, elapsed, resp)
}

func (r *Router) recordFailure(start time.Time, err error) {
	elapsed := time.Since(start)

	r.statsMu.Lock()
	r.stats.total++
	r.stats.failed++
	r.stats.decisionTime += elapsed
	r.statsMu.Unlock()

	r.metrics.ObserveRouting(outcomeFailed, elapsed, nil)
	r.logger.WithError(err).Warn("Task routing failed")
}

func (r *Router) recordRule(name string) {
	r.statsMu.Lock()
	r.stats.rules[name]++
	r.statsMu.Unlock()
	r.metrics.ObserveRule(name)
}

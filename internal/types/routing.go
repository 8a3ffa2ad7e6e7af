package types

import "time"

// UserTier values with routing significance
const (
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// RoutingDecisionRequest is a single routing request
type RoutingDecisionRequest struct {
	TaskID          string           `json:"task_id,omitempty"`
	TaskType        string           `json:"task_type"`
	UserTier        string           `json:"user_tier,omitempty"`
	EstimatedTokens int              `json:"estimated_tokens,omitempty"`
	Priority        BusinessPriority `json:"priority,omitempty"`

	// Request-level overrides take precedence over task metadata
	MaxLatencyMs       *float64 `json:"max_latency_ms,omitempty"`
	MaxCostPer1K       *float64 `json:"max_cost_per_1k,omitempty"`
	PreferredProvider  string   `json:"preferred_provider,omitempty"`
	PreferredModelType string   `json:"preferred_model_type,omitempty"`
	RequiresLocal      bool     `json:"requires_local,omitempty"`
}

// CacheKey identifies requests that may share a cached decision. Every
// request-level override is part of the key.
func (r *RoutingDecisionRequest) CacheKey() CacheKey {
	return CacheKey{
		TaskType:           r.TaskType,
		UserTier:           r.UserTier,
		EstimatedTokens:    r.EstimatedTokens,
		Priority:           r.Priority,
		MaxLatencyMs:       overrideValue(r.MaxLatencyMs),
		MaxCostPer1K:       overrideValue(r.MaxCostPer1K),
		PreferredProvider:  r.PreferredProvider,
		PreferredModelType: r.PreferredModelType,
		RequiresLocal:      r.RequiresLocal,
	}
}

// NoOverride marks an unset numeric override in a CacheKey
const NoOverride = -1.0

func overrideValue(v *float64) float64 {
	if v == nil {
		return NoOverride
	}
	return *v
}

// CacheKey is the decision cache key
type CacheKey struct {
	TaskType        string
	UserTier        string
	EstimatedTokens int
	Priority        BusinessPriority

	MaxLatencyMs       float64
	MaxCostPer1K       float64
	PreferredProvider  string
	PreferredModelType string
	RequiresLocal      bool
}

// FallbackOption is a ranked alternative to the selected model
type FallbackOption struct {
	Provider          string       `json:"provider"`
	Model             string       `json:"model"`
	Score             float64      `json:"score"`
	ExpectedCostPer1K float64      `json:"expected_cost_per_1k"`
	ExpectedLatencyMs float64      `json:"expected_latency_ms"`
	ExpectedQuality   float64      `json:"expected_quality"`
	PrivacyLevel      PrivacyLevel `json:"privacy_level"`
	Reason            string       `json:"reason"`
}

// DecisionMetadata records how a decision was produced
type DecisionMetadata struct {
	PrivacyLevel         PrivacyLevel       `json:"privacy_level"`
	CandidatesConsidered int                `json:"candidates_considered"`
	Scores               map[string]float64 `json:"scores,omitempty"`
	AppliedRules         []string           `json:"applied_rules,omitempty"`
	FallbackRouting      bool               `json:"fallback_routing"`
	CacheHit             bool               `json:"cache_hit"`
	ConstraintsRelaxed   bool               `json:"constraints_relaxed"`
	SelectedPrivacyLevel PrivacyLevel       `json:"selected_privacy_level,omitempty"`
}

// RoutingDecisionResponse is the outcome of routing one request
type RoutingDecisionResponse struct {
	DecisionID       string `json:"decision_id"`
	TaskID           string `json:"task_id,omitempty"`
	TaskType         string `json:"task_type"`
	SelectedProvider string `json:"selected_provider"`
	SelectedModel    string `json:"selected_model"`
	Reasoning        string `json:"reasoning"`

	// Estimates
	ExpectedCost      float64 `json:"expected_cost"`
	ExpectedCostPer1K float64 `json:"expected_cost_per_1k"`
	ExpectedLatencyMs float64 `json:"expected_latency_ms"`
	ExpectedQuality   float64 `json:"expected_quality"`
	Confidence        float64 `json:"confidence"`

	FallbackOptions  []FallbackOption `json:"fallback_options"`
	DecisionMetadata DecisionMetadata `json:"decision_metadata"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Clone returns a deep copy so cached decisions cannot be mutated by callers
func (r *RoutingDecisionResponse) Clone() *RoutingDecisionResponse {
	out := *r
	out.FallbackOptions = append([]FallbackOption(nil), r.FallbackOptions...)
	out.DecisionMetadata.AppliedRules = append([]string(nil), r.DecisionMetadata.AppliedRules...)
	if r.DecisionMetadata.Scores != nil {
		out.DecisionMetadata.Scores = make(map[string]float64, len(r.DecisionMetadata.Scores))
		for k, v := range r.DecisionMetadata.Scores {
			out.DecisionMetadata.Scores[k] = v
		}
	}
	return &out
}

// TaskCompletion is the outcome feedback for a routed task
type TaskCompletion struct {
	TaskID         string    `json:"task_id"`
	TaskType       string    `json:"task_type"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	LatencyMs      float64   `json:"latency_ms"`
	Success        bool      `json:"success"`
	QualityScore   *float64  `json:"quality_score,omitempty"`
	Cost           float64   `json:"cost"`
	TokensUsed     int64     `json:"tokens_used,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	DeploymentMode string    `json:"deployment_mode,omitempty"`
	CompletedAt    time.Time `json:"completed_at,omitempty"`
}

// PerformanceMetric is one completion as persisted by a PerformanceMetricSink
type PerformanceMetric struct {
	TaskType     string    `json:"task_type"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	LatencyMs    float64   `json:"latency_ms"`
	Success      bool      `json:"success"`
	QualityScore *float64  `json:"quality_score,omitempty"`
	Cost         float64   `json:"cost"`
	TokensUsed   int64     `json:"tokens_used,omitempty"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// MetricBucket is the hour-aggregated row keyed by (task type, provider, model, bucket)
type MetricBucket struct {
	TaskType       string    `json:"task_type"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	BucketStart    time.Time `json:"bucket_start"`
	RequestCount   int64     `json:"request_count"`
	SuccessCount   int64     `json:"success_count"`
	TotalLatencyMs float64   `json:"total_latency_ms"`
	TotalQuality   float64   `json:"total_quality"`
	QualitySamples int64     `json:"quality_samples"`
	TotalCost      float64   `json:"total_cost"`

	// Token counts and the latency of the requests that reported them
	TotalTokens    int64   `json:"total_tokens"`
	TokenLatencyMs float64 `json:"token_latency_ms"`
}

// AvgLatencyMs is the mean latency of the bucket
func (b *MetricBucket) AvgLatencyMs() float64 {
	if b.RequestCount == 0 {
		return 0
	}
	return b.TotalLatencyMs / float64(b.RequestCount)
}

// TokensPerSecond is the generation rate over requests that reported token counts
func (b *MetricBucket) TokensPerSecond() float64 {
	if b.TotalTokens == 0 || b.TokenLatencyMs <= 0 {
		return 0
	}
	return float64(b.TotalTokens) / (b.TokenLatencyMs / 1000)
}

// SuccessRate is the share of successful requests in the bucket
func (b *MetricBucket) SuccessRate() float64 {
	if b.RequestCount == 0 {
		return 0
	}
	return float64(b.SuccessCount) / float64(b.RequestCount)
}

// HourBucket truncates t to the start of its UTC hour
func HourBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// RoutingStats is the snapshot returned by the router
type RoutingStats struct {
	TotalRequests         int64                     `json:"total_requests"`
	SuccessfulRoutes      int64                     `json:"successful_routes"`
	FailedRoutes          int64                     `json:"failed_routes"`
	SuccessRate           float64                   `json:"success_rate"`
	ProviderUsage         map[string]int64          `json:"provider_usage"`
	AverageDecisionTimeMs float64                   `json:"average_decision_time_ms"`
	ProviderHealth        map[string]ProviderHealth `json:"provider_health"`
	CacheHits             int64                     `json:"cache_hits"`
	FallbackRoutes        int64                     `json:"fallback_routes"`
	RuleApplications      map[string]int64          `json:"rule_applications"`
}

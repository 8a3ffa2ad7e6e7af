package intelligence

import (
	"fmt"
	"time"
)

// DeploymentMode is the cost/performance trade-off axis a task can run on
type DeploymentMode string

const (
	ModeLocalGPU DeploymentMode = "local_gpu"
	ModeCloudAPI DeploymentMode = "cloud_api"
	ModeHybrid   DeploymentMode = "hybrid"
)

// Modes lists every deployment mode in tie-break order
var Modes = []DeploymentMode{ModeLocalGPU, ModeCloudAPI, ModeHybrid}

// ParseDeploymentMode validates a mode name
func ParseDeploymentMode(s string) (DeploymentMode, error) {
	switch m := DeploymentMode(s); m {
	case ModeLocalGPU, ModeCloudAPI, ModeHybrid:
		return m, nil
	}
	return "", fmt.Errorf("unknown deployment mode %q", s)
}

// Metric names a predicted quantity
type Metric string

const (
	MetricThroughput Metric = "throughput" // tokens per second
	MetricLatency    Metric = "latency"    // milliseconds
	MetricQuality    Metric = "quality"    // [0,1]
	MetricCost       Metric = "cost"       // USD per task
	MetricErrorRate  Metric = "error_rate" // [0,1]
)

// ParseMetric validates a metric name
func ParseMetric(s string) (Metric, error) {
	switch m := Metric(s); m {
	case MetricThroughput, MetricLatency, MetricQuality, MetricCost, MetricErrorRate:
		return m, nil
	}
	return "", fmt.Errorf("unknown metric %q", s)
}

// ForecastMethod selects the predictor's extrapolation
type ForecastMethod string

const (
	MethodExponentialSmoothing ForecastMethod = "exponential_smoothing"
	MethodLinear               ForecastMethod = "linear"
	MethodPolynomial           ForecastMethod = "polynomial"
	MethodDefault              ForecastMethod = "default"
)

// PerformanceSample is one observation for a (task type, deployment mode) pair
type PerformanceSample struct {
	Timestamp time.Time          `json:"timestamp"`
	TaskType  string             `json:"task_type"`
	Mode      DeploymentMode     `json:"deployment_mode"`
	ModelType string             `json:"model_type,omitempty"`
	Metrics   map[Metric]float64 `json:"metrics"`
}

// PredictionRequest selects the series to forecast
type PredictionRequest struct {
	Metric       Metric         `json:"metric"`
	TaskType     string         `json:"task_type"`
	Mode         DeploymentMode `json:"deployment_mode"`
	HorizonHours int            `json:"horizon_hours"`
	ModelType    string         `json:"model_type,omitempty"`
	Method       ForecastMethod `json:"method,omitempty"`
}

// PerformancePrediction is a point forecast with a 95% confidence band
type PerformancePrediction struct {
	Metric         Metric         `json:"metric"`
	TaskType       string         `json:"task_type"`
	Mode           DeploymentMode `json:"deployment_mode"`
	HorizonHours   int            `json:"horizon_hours"`
	PredictedValue float64        `json:"predicted_value"`
	ConfidenceLow  float64        `json:"confidence_low"`
	ConfidenceHigh float64        `json:"confidence_high"`
	Method         ForecastMethod `json:"method"`
	Accuracy       float64        `json:"accuracy"`
	SampleCount    int            `json:"sample_count"`
	CreatedAt      time.Time      `json:"created_at"`
}

// LoadPoint is one load observation, as a percentage of capacity
type LoadPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Load      float64   `json:"load"`
	TaskType  string    `json:"task_type,omitempty"`
}

// LoadForecast covers the requested horizon hour by hour
type LoadForecast struct {
	TaskType                string                   `json:"task_type,omitempty"`
	Points                  []LoadPoint              `json:"points"`
	PeakTime                time.Time                `json:"peak_time"`
	PeakLoad                float64                  `json:"peak_load"`
	AverageLoad             float64                  `json:"average_load"`
	Confidence              float64                  `json:"confidence"`
	Note                    string                   `json:"note,omitempty"`
	HourlyFactors           map[int]float64          `json:"hourly_factors,omitempty"`
	DailyFactors            map[time.Weekday]float64 `json:"daily_factors,omitempty"`
	CapacityRecommendations []string                 `json:"capacity_recommendations"`
	HistoryPoints           int                      `json:"history_points"`
	GeneratedAt             time.Time                `json:"generated_at"`
}

// Complexity of an analysed task
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// TaskPriority of an analysed task
type TaskPriority string

const (
	TaskPriorityLow      TaskPriority = "low"
	TaskPriorityNormal   TaskPriority = "normal"
	TaskPriorityHigh     TaskPriority = "high"
	TaskPriorityUrgent   TaskPriority = "urgent"
	TaskPriorityCritical TaskPriority = "critical"
)

// RiskFactor flags a condition that shifts deployment scores
type RiskFactor string

const (
	RiskHighComplexity     RiskFactor = "high_complexity"
	RiskResourceConstraint RiskFactor = "resource_constraint"
)

// TaskAnalysis is the input describing the task to place
type TaskAnalysis struct {
	TaskID          string       `json:"task_id"`
	TaskType        string       `json:"task_type"`
	Complexity      Complexity   `json:"complexity"`
	Priority        TaskPriority `json:"priority"`
	EstimatedTokens int          `json:"estimated_tokens"`
	ModelType       string       `json:"model_type,omitempty"`
	RiskFactors     []RiskFactor `json:"risk_factors,omitempty"`
}

// HasRisk reports whether the analysis carries the risk factor
func (a *TaskAnalysis) HasRisk(r RiskFactor) bool {
	for _, f := range a.RiskFactors {
		if f == r {
			return true
		}
	}
	return false
}

// CostComparison holds the estimated cost per task for each deployment mode
type CostComparison struct {
	TaskID string                     `json:"task_id"`
	Costs  map[DeploymentMode]float64 `json:"costs"`
}

// Strategy selects the engine's scoring formula
type Strategy string

const (
	StrategyCostOptimal        Strategy = "cost_optimal"
	StrategyPerformanceOptimal Strategy = "performance_optimal"
	StrategyBalanced           Strategy = "balanced"
	StrategyAdaptive           Strategy = "adaptive"
	StrategyLoadBalanced       Strategy = "load_balanced"
)

// ParseStrategy validates a strategy name
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyCostOptimal, StrategyPerformanceOptimal, StrategyBalanced, StrategyAdaptive, StrategyLoadBalanced:
		return st, nil
	}
	return "", fmt.Errorf("unknown routing strategy %q", s)
}

// AlternativeOption is a ranked runner-up deployment mode
type AlternativeOption struct {
	Mode     DeploymentMode `json:"deployment_mode"`
	Score    float64        `json:"score"`
	Pros     []string       `json:"pros"`
	Cons     []string       `json:"cons"`
	UseCases []string       `json:"use_cases"`
}

// DeploymentDecision is the engine's recommendation for one task
type DeploymentDecision struct {
	TaskID              string                     `json:"task_id"`
	RecommendedMode     DeploymentMode             `json:"recommended_mode"`
	Strategy            Strategy                   `json:"strategy"`
	ConfidenceScore     float64                    `json:"confidence_score"`
	ExpectedPerformance map[Metric]float64         `json:"expected_performance"`
	ExpectedCost        float64                    `json:"expected_cost"`
	DecisionFactors     map[string]float64         `json:"decision_factors"`
	ModeScores          map[DeploymentMode]float64 `json:"mode_scores"`
	Alternatives        []AlternativeOption        `json:"alternatives"`
	Reasoning           string                     `json:"reasoning"`
	CreatedAt           time.Time                  `json:"created_at"`
}

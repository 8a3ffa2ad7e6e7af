package intelligence

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tributary-ai/task-router/internal/metrics"
)

var tracer = otel.Tracer("github.com/tributary-ai/task-router/internal/intelligence")

// Performance sub-score weights
const (
	throughputWeight = 0.4
	latencyWeight    = 0.3
	qualityWeight    = 0.3
)

const (
	highLoad = 0.8

	complexityDiscount = 0.9
	elasticityBoost    = 1.1

	maxAlternatives = 2
)

// weights is the blend a strategy applies to the per-mode sub-scores
type weights struct {
	cost, performance, capacity float64
}

// Engine recommends a deployment mode for an analysed task
type Engine struct {
	predictor  *Predictor
	forecaster *Forecaster
	clock      clock.Clock
	metrics    *metrics.Metrics
	logger     *logrus.Logger
}

// NewEngine creates an engine backed by the predictor and forecaster
func NewEngine(predictor *Predictor, forecaster *Forecaster, clk clock.Clock, m *metrics.Metrics, logger *logrus.Logger) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{
		predictor:  predictor,
		forecaster: forecaster,
		clock:      clk,
		metrics:    m,
		logger:     logger,
	}
}

// modeEvaluation carries the sub-scores of one deployment mode
type modeEvaluation struct {
	mode        DeploymentMode
	cost        float64
	costScore   float64
	throughput  float64
	latency     float64
	quality     float64
	accuracy    float64
	performance float64
	headroom    float64
	score       float64
}

// MakeRoutingDecision scores every costed deployment mode under the strategy.
// A nil currentLoad uses the forecast load for the next hour.
func (e *Engine) MakeRoutingDecision(ctx context.Context, analysis TaskAnalysis, costs CostComparison, strategy Strategy, currentLoad *float64) (*DeploymentDecision, error) {
	_, span := tracer.Start(ctx, "engine.make_routing_decision")
	defer span.End()

	if _, err := ParseStrategy(string(strategy)); err != nil {
		return nil, err
	}
	if analysis.TaskType == "" {
		return nil, fmt.Errorf("task analysis requires a task type")
	}

	evals := make([]*modeEvaluation, 0, len(Modes))
	for _, mode := range Modes {
		cost, ok := costs.Costs[mode]
		if !ok {
			continue
		}
		if cost < 0 || math.IsNaN(cost) {
			return nil, fmt.Errorf("invalid cost %v for %s", cost, mode)
		}
		evals = append(evals, &modeEvaluation{mode: mode, cost: cost})
	}
	if len(evals) == 0 {
		return nil, fmt.Errorf("cost comparison covers no deployment mode")
	}

	load := e.resolveLoad(analysis.TaskType, currentLoad)
	w := strategyWeights(strategy, analysis.Priority, load)

	if err := e.predict(analysis, evals); err != nil {
		return nil, err
	}
	scoreCost(evals)
	scorePerformance(evals)

	for _, ev := range evals {
		ev.headroom = headroom(ev.mode, load)
		ev.score = clamp01(w.cost*ev.costScore + w.performance*ev.performance + w.capacity*ev.headroom)
		if ev.mode == ModeLocalGPU && highComplexity(analysis) {
			ev.score = clamp01(ev.score * complexityDiscount)
		}
		if ev.mode == ModeCloudAPI && analysis.HasRisk(RiskResourceConstraint) {
			ev.score = clamp01(ev.score * elasticityBoost)
		}
	}

	// stable sort keeps the Modes order on ties
	sort.SliceStable(evals, func(i, j int) bool {
		return evals[i].score > evals[j].score
	})

	best := evals[0]
	decision := &DeploymentDecision{
		TaskID:          analysis.TaskID,
		RecommendedMode: best.mode,
		Strategy:        strategy,
		ConfidenceScore: clamp01(0.5*best.score + 0.5*best.accuracy),
		ExpectedPerformance: map[Metric]float64{
			MetricThroughput: best.throughput,
			MetricLatency:    best.latency,
			MetricQuality:    best.quality,
		},
		ExpectedCost: best.cost,
		DecisionFactors: map[string]float64{
			"cost_weight":        w.cost,
			"performance_weight": w.performance,
			"capacity_weight":    w.capacity,
			"current_load":       load,
		},
		ModeScores:   make(map[DeploymentMode]float64, len(evals)),
		Alternatives: []AlternativeOption{},
		CreatedAt:    e.clock.Now(),
	}
	for _, ev := range evals {
		decision.ModeScores[ev.mode] = ev.score
		decision.DecisionFactors[string(ev.mode)+"_cost_score"] = ev.costScore
		decision.DecisionFactors[string(ev.mode)+"_performance_score"] = ev.performance
		decision.DecisionFactors[string(ev.mode)+"_capacity_headroom"] = ev.headroom
	}
	for _, ev := range evals[1:] {
		if len(decision.Alternatives) == maxAlternatives {
			break
		}
		profile := modeProfiles[ev.mode]
		decision.Alternatives = append(decision.Alternatives, AlternativeOption{
			Mode:     ev.mode,
			Score:    ev.score,
			Pros:     append([]string(nil), profile.pros...),
			Cons:     append([]string(nil), profile.cons...),
			UseCases: append([]string(nil), profile.useCases...),
		})
	}
	decision.Reasoning = reasoning(decision, best, analysis)

	span.SetAttributes(
		attribute.String("strategy", string(strategy)),
		attribute.String("mode", string(best.mode)),
		attribute.Float64("score", best.score),
	)
	e.metrics.ObserveDeploymentDecision(string(strategy), string(best.mode))

	e.logger.WithFields(logrus.Fields{
		"task_id":    analysis.TaskID,
		"task_type":  analysis.TaskType,
		"strategy":   strategy,
		"mode":       best.mode,
		"score":      best.score,
		"confidence": decision.ConfidenceScore,
		"load":       load,
	}).Info("Deployment mode selected")

	return decision, nil
}

func (e *Engine) resolveLoad(taskType string, currentLoad *float64) float64 {
	if currentLoad != nil {
		return clamp01(*currentLoad)
	}
	if e.forecaster == nil {
		return 0
	}
	return clamp01(e.forecaster.NextHourLoad(taskType) / 100)
}

// strategyWeights returns the cost/performance/capacity blend
func strategyWeights(strategy Strategy, priority TaskPriority, load float64) weights {
	switch strategy {
	case StrategyCostOptimal:
		return weights{cost: 0.7, performance: 0.3}
	case StrategyPerformanceOptimal:
		return weights{cost: 0.3, performance: 0.7}
	case StrategyLoadBalanced:
		return weights{cost: 0.4, performance: 0.3, capacity: 0.3}
	case StrategyAdaptive:
		w := weights{cost: 0.5, performance: 0.5}
		if priority == TaskPriorityUrgent || priority == TaskPriorityCritical {
			w = weights{cost: 0.3, performance: 0.7}
		}
		if load > highLoad {
			w.cost += 0.1
			w.performance -= 0.1
		}
		return w
	default:
		return weights{cost: 0.5, performance: 0.5}
	}
}

// predict fills throughput, latency and quality forecasts for each mode
func (e *Engine) predict(analysis TaskAnalysis, evals []*modeEvaluation) error {
	for _, ev := range evals {
		accuracy := 0.0
		for _, metric := range []Metric{MetricThroughput, MetricLatency, MetricQuality} {
			var value float64
			if e.predictor == nil {
				value = DefaultPrediction(metric, analysis.TaskType, ev.mode)
				accuracy += coldStartAccuracy
			} else {
				pred, err := e.predictor.PredictPerformance(PredictionRequest{
					Metric:       metric,
					TaskType:     analysis.TaskType,
					Mode:         ev.mode,
					HorizonHours: 1,
					Method:       MethodExponentialSmoothing,
				})
				if err != nil {
					return fmt.Errorf("failed to predict %s for %s: %w", metric, ev.mode, err)
				}
				value = pred.PredictedValue
				accuracy += pred.Accuracy
			}
			switch metric {
			case MetricThroughput:
				ev.throughput = value
			case MetricLatency:
				ev.latency = value
			case MetricQuality:
				ev.quality = value
			}
		}
		ev.accuracy = accuracy / 3
	}
	return nil
}

// scoreCost maps each mode's cost to [0,1] relative to the most expensive mode
func scoreCost(evals []*modeEvaluation) {
	maxCost := 0.0
	for _, ev := range evals {
		maxCost = math.Max(maxCost, ev.cost)
	}
	for _, ev := range evals {
		if maxCost == 0 {
			ev.costScore = 1
			continue
		}
		ev.costScore = 1 - ev.cost/maxCost
	}
}

// scorePerformance normalizes throughput to the best mode, latency to the fastest mode
func scorePerformance(evals []*modeEvaluation) {
	maxThroughput, minLatency := 0.0, math.Inf(1)
	for _, ev := range evals {
		maxThroughput = math.Max(maxThroughput, ev.throughput)
		if ev.latency > 0 {
			minLatency = math.Min(minLatency, ev.latency)
		}
	}
	for _, ev := range evals {
		throughput := 0.0
		if maxThroughput > 0 {
			throughput = ev.throughput / maxThroughput
		}
		latency := 1.0
		if ev.latency > 0 && !math.IsInf(minLatency, 1) {
			latency = minLatency / ev.latency
		}
		ev.performance = clamp01(throughputWeight*throughput + latencyWeight*latency + qualityWeight*clamp01(ev.quality))
	}
}

// headroom is the spare capacity of a mode at the given load. Cloud capacity is elastic.
func headroom(mode DeploymentMode, load float64) float64 {
	switch mode {
	case ModeLocalGPU:
		return clamp01(1 - load)
	case ModeHybrid:
		return clamp01(1 - load/2)
	default:
		return 1
	}
}

func reasoning(d *DeploymentDecision, best *modeEvaluation, analysis TaskAnalysis) string {
	parts := []string{
		fmt.Sprintf("%s strategy recommends %s (score %.3f)", d.Strategy, best.mode, best.score),
		fmt.Sprintf("cost $%.4f, cost score %.2f", best.cost, best.costScore),
		fmt.Sprintf("performance score %.2f (throughput %.1f, latency %.0fms, quality %.2f)", best.performance, best.throughput, best.latency, best.quality),
		fmt.Sprintf("load %.0f%%", d.DecisionFactors["current_load"]*100),
	}
	if best.mode == ModeLocalGPU && highComplexity(analysis) {
		parts = append(parts, "local GPU discounted for high complexity")
	}
	if best.mode == ModeCloudAPI && analysis.HasRisk(RiskResourceConstraint) {
		parts = append(parts, "cloud API boosted for resource risk")
	}
	return strings.Join(parts, "; ")
}

func highComplexity(analysis TaskAnalysis) bool {
	return analysis.Complexity == ComplexityHigh || analysis.HasRisk(RiskHighComplexity)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

type modeProfile struct {
	pros, cons, useCases []string
}

var modeProfiles = map[DeploymentMode]modeProfile{
	ModeLocalGPU: {
		pros:     []string{"No per-token cost", "Data stays on-premises", "Predictable latency at low load"},
		cons:     []string{"Fixed capacity", "Lower quality on complex tasks", "Hardware maintenance"},
		useCases: []string{"Sensitive data", "High-volume routine tasks", "Batch processing"},
	},
	ModeCloudAPI: {
		pros:     []string{"Elastic capacity", "Highest model quality", "No infrastructure to run"},
		cons:     []string{"Per-token cost", "Data leaves the network", "Provider rate limits"},
		useCases: []string{"Complex reasoning", "Traffic spikes", "Low-volume tasks"},
	},
	ModeHybrid: {
		pros:     []string{"Balances cost and quality", "Overflow to cloud under load", "Graceful degradation"},
		cons:     []string{"More moving parts", "Split observability", "Inconsistent latency"},
		useCases: []string{"Mixed workloads", "Cost-sensitive production traffic", "Gradual cloud migration"},
	},
}

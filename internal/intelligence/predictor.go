package intelligence

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/tributary-ai/task-router/internal/metrics"
	"github.com/tributary-ai/task-router/internal/ringbuffer"
)

const (
	DefaultPredictorHistory = 1000
	DefaultMinSamples       = 3

	defaultSmoothingAlpha = 0.3
	defaultSmoothingBeta  = 0.1

	// z for a 95% confidence interval
	confidenceZ = 1.96

	coldStartAccuracy = 0.6
	baselineAccuracy  = 0.75
	accuracyAlpha     = 0.3
	maxHorizonHours   = 24 * 7
)

// PredictorConfig tunes the performance predictor
type PredictorConfig struct {
	HistorySize int     `yaml:"history_size"`
	MinSamples  int     `yaml:"min_samples"`
	Alpha       float64 `yaml:"smoothing_alpha"`
	Beta        float64 `yaml:"smoothing_beta"`
}

type accuracyKey struct {
	metric   Metric
	taskType string
	mode     DeploymentMode
}

// Predictor forecasts per-(task type, deployment mode) metrics from recent samples
type Predictor struct {
	history *ringbuffer.Buffer[PerformanceSample]

	mu       sync.RWMutex
	accuracy map[accuracyKey]float64

	config  PredictorConfig
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *logrus.Logger
}

// NewPredictor creates a predictor
func NewPredictor(config PredictorConfig, clk clock.Clock, m *metrics.Metrics, logger *logrus.Logger) *Predictor {
	if config.HistorySize <= 0 {
		config.HistorySize = DefaultPredictorHistory
	}
	if config.MinSamples <= 0 {
		config.MinSamples = DefaultMinSamples
	}
	if config.Alpha <= 0 || config.Alpha > 1 {
		config.Alpha = defaultSmoothingAlpha
	}
	if config.Beta <= 0 || config.Beta > 1 {
		config.Beta = defaultSmoothingBeta
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Predictor{
		history:  ringbuffer.New[PerformanceSample](config.HistorySize),
		accuracy: make(map[accuracyKey]float64),
		config:   config,
		clock:    clk,
		metrics:  m,
		logger:   logger,
	}
}

// AddPerformanceData appends a sample, evicting the oldest when full
func (p *Predictor) AddPerformanceData(sample PerformanceSample) error {
	if sample.TaskType == "" {
		return fmt.Errorf("performance sample requires a task type")
	}
	if _, err := ParseDeploymentMode(string(sample.Mode)); err != nil {
		return err
	}
	if len(sample.Metrics) == 0 {
		return fmt.Errorf("performance sample has no metrics")
	}
	for metric, v := range sample.Metrics {
		if _, err := ParseMetric(string(metric)); err != nil {
			return err
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("metric %s is not finite", metric)
		}
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = p.clock.Now()
	}

	if p.history.Push(sample) {
		p.logger.Debug("Performance history full, oldest sample evicted")
	}
	return nil
}

// SampleCount returns the number of samples held for the pair
func (p *Predictor) SampleCount(taskType string, mode DeploymentMode) int {
	n := 0
	for s := range p.history.All() {
		if s.TaskType == taskType && s.Mode == mode {
			n++
		}
	}
	return n
}

// PredictPerformance forecasts req.Metric req.HorizonHours ahead. Missing history
// yields a default prediction rather than an error.
func (p *Predictor) PredictPerformance(req PredictionRequest) (PerformancePrediction, error) {
	if _, err := ParseMetric(string(req.Metric)); err != nil {
		return PerformancePrediction{}, err
	}
	if _, err := ParseDeploymentMode(string(req.Mode)); err != nil {
		return PerformancePrediction{}, err
	}
	if req.HorizonHours <= 0 {
		req.HorizonHours = 1
	}
	if req.HorizonHours > maxHorizonHours {
		return PerformancePrediction{}, fmt.Errorf("horizon %dh exceeds %dh", req.HorizonHours, maxHorizonHours)
	}
	if req.Method == "" {
		req.Method = MethodExponentialSmoothing
	}

	series := p.series(req)
	pred := PerformancePrediction{
		Metric:       req.Metric,
		TaskType:     req.TaskType,
		Mode:         req.Mode,
		HorizonHours: req.HorizonHours,
		SampleCount:  len(series),
		CreatedAt:    p.clock.Now(),
	}

	if len(series) < p.config.MinSamples {
		pred.PredictedValue = DefaultPrediction(req.Metric, req.TaskType, req.Mode)
		pred.Method = MethodDefault
		pred.Accuracy = coldStartAccuracy
		pred.ConfidenceLow, pred.ConfidenceHigh = confidenceBand(pred.PredictedValue, nil)
		p.metrics.ObservePrediction(string(req.Metric), string(pred.Method))
		return pred, nil
	}

	var value float64
	method := req.Method
	switch req.Method {
	case MethodLinear:
		value = linearForecast(series, req.HorizonHours)
	case MethodPolynomial:
		var err error
		value, err = polynomialForecast(series, req.HorizonHours)
		if err != nil {
			p.logger.WithError(err).WithField("metric", req.Metric).Debug("Polynomial fit failed, using linear regression")
			method = MethodLinear
			value = linearForecast(series, req.HorizonHours)
		}
	case MethodExponentialSmoothing:
		value = HoltForecast(series, p.config.Alpha, p.config.Beta, req.HorizonHours)
	default:
		return PerformancePrediction{}, fmt.Errorf("unknown forecast method %q", req.Method)
	}

	pred.PredictedValue = math.Max(0, value)
	pred.Method = method
	pred.Accuracy = p.accuracyFor(accuracyKey{req.Metric, req.TaskType, req.Mode})
	pred.ConfidenceLow, pred.ConfidenceHigh = confidenceBand(pred.PredictedValue, series)

	p.metrics.ObservePrediction(string(req.Metric), string(method))
	return pred, nil
}

// series returns the metric's values for the request, oldest first
func (p *Predictor) series(req PredictionRequest) []float64 {
	var samples []PerformanceSample
	for s := range p.history.Filter(func(s PerformanceSample) bool {
		if s.TaskType != req.TaskType || s.Mode != req.Mode {
			return false
		}
		if req.ModelType != "" && s.ModelType != req.ModelType {
			return false
		}
		_, ok := s.Metrics[req.Metric]
		return ok
	}) {
		samples = append(samples, s)
	}
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Timestamp.Before(samples[j].Timestamp)
	})

	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.Metrics[req.Metric]
	}
	return values
}

// HoltForecast applies double exponential smoothing and projects h steps ahead.
// The level starts at the first value and the trend at zero.
func HoltForecast(values []float64, alpha, beta float64, h int) float64 {
	if len(values) == 0 {
		return 0
	}
	level, trend := values[0], 0.0
	for _, v := range values[1:] {
		prev := level
		level = alpha*v + (1-alpha)*(level+trend)
		trend = beta*(level-prev) + (1-beta)*trend
	}
	return level + trend*float64(h)
}

func linearForecast(values []float64, h int) float64 {
	n := len(values)
	if n == 1 {
		return values[0]
	}
	x := indexes(n)
	alpha, beta := stat.LinearRegression(x, values, nil, false)
	return alpha + beta*float64(n+h-1)
}

// polynomialForecast fits a degree-2 least-squares polynomial
func polynomialForecast(values []float64, h int) (float64, error) {
	n := len(values)
	if n < 3 {
		return 0, fmt.Errorf("polynomial fit needs 3 points, have %d", n)
	}

	design := mat.NewDense(n, 3, nil)
	for i := 0; i < n; i++ {
		x := float64(i)
		design.Set(i, 0, 1)
		design.Set(i, 1, x)
		design.Set(i, 2, x*x)
	}

	var coef mat.VecDense
	if err := coef.SolveVec(design, mat.NewVecDense(n, append([]float64(nil), values...))); err != nil {
		return 0, fmt.Errorf("polynomial fit: %w", err)
	}

	x := float64(n + h - 1)
	value := coef.AtVec(0) + coef.AtVec(1)*x + coef.AtVec(2)*x*x
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("polynomial fit produced %v", value)
	}
	return value, nil
}

func indexes(n int) []float64 {
	x := make([]float64, n)
	for i := range x {
		x[i] = float64(i)
	}
	return x
}

// confidenceBand returns value ± z·σ/√n, or ±10% with fewer than two points
func confidenceBand(value float64, series []float64) (float64, float64) {
	var margin float64
	if len(series) < 2 {
		margin = math.Abs(value) * 0.1
	} else {
		margin = confidenceZ * stat.StdDev(series, nil) / math.Sqrt(float64(len(series)))
	}
	return math.Max(0, value-margin), value + margin
}

// RecordActual scores a past prediction against the observed value. Accuracy is
// 1 - relative error, smoothed per (metric, task type, mode).
func (p *Predictor) RecordActual(metric Metric, taskType string, mode DeploymentMode, predicted, actual float64) float64 {
	var acc float64
	switch {
	case actual != 0:
		acc = 1 - math.Abs(predicted-actual)/math.Abs(actual)
	case predicted == 0:
		acc = 1
	}
	acc = math.Max(0, math.Min(1, acc))

	key := accuracyKey{metric, taskType, mode}
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.accuracy[key]; ok {
		acc = accuracyAlpha*acc + (1-accuracyAlpha)*prev
	}
	p.accuracy[key] = acc
	return acc
}

func (p *Predictor) accuracyFor(key accuracyKey) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if acc, ok := p.accuracy[key]; ok {
		return acc
	}
	return baselineAccuracy
}

// defaultPredictions are cold-start values per metric and mode
var defaultPredictions = map[Metric]map[DeploymentMode]float64{
	MetricThroughput: {ModeLocalGPU: 50, ModeCloudAPI: 80, ModeHybrid: 65},
	MetricLatency:    {ModeLocalGPU: 800, ModeCloudAPI: 1200, ModeHybrid: 1000},
	MetricQuality:    {ModeLocalGPU: 0.8, ModeCloudAPI: 0.9, ModeHybrid: 0.85},
	MetricCost:       {ModeLocalGPU: 0.002, ModeCloudAPI: 0.01, ModeHybrid: 0.006},
	MetricErrorRate:  {ModeLocalGPU: 0.02, ModeCloudAPI: 0.01, ModeHybrid: 0.015},
}

// DefaultPrediction is the cold-start value. Reasoning and analysis task types
// run slower than the baseline.
func DefaultPrediction(metric Metric, taskType string, mode DeploymentMode) float64 {
	v := defaultPredictions[metric][mode]
	if !heavyTaskType(taskType) {
		return v
	}
	switch metric {
	case MetricLatency:
		return v * 1.5
	case MetricThroughput:
		return v * 0.7
	case MetricCost:
		return v * 1.5
	}
	return v
}

func heavyTaskType(taskType string) bool {
	t := strings.ToLower(taskType)
	return strings.Contains(t, "reasoning") || strings.Contains(t, "analysis")
}

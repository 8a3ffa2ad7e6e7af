package intelligence

import (
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/task-router/internal/metrics"
)

func createTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func createTestPredictor(t *testing.T, config PredictorConfig) (*Predictor, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	return NewPredictor(config, clk, metrics.New(), createTestLogger()), clk
}

func addSeries(t *testing.T, p *Predictor, clk *clock.Mock, taskType string, mode DeploymentMode, metric Metric, values ...float64) {
	t.Helper()
	for _, v := range values {
		clk.Add(time.Minute)
		require.NoError(t, p.AddPerformanceData(PerformanceSample{
			Timestamp: clk.Now(),
			TaskType:  taskType,
			Mode:      mode,
			Metrics:   map[Metric]float64{metric: v},
		}))
	}
}

func TestHoltForecast_TwoSamples(t *testing.T) {
	// level = 0.3*120 + 0.7*100 = 106, trend = 0.1*(106-100) = 0.6
	got := HoltForecast([]float64{100, 120}, 0.3, 0.1, 1)
	assert.InDelta(t, 106.6, got, 1e-9)

	assert.InDelta(t, 106+0.6*3, HoltForecast([]float64{100, 120}, 0.3, 0.1, 3), 1e-9)
	assert.Equal(t, 42.0, HoltForecast([]float64{42}, 0.3, 0.1, 5))
	assert.Equal(t, 0.0, HoltForecast(nil, 0.3, 0.1, 1))
}

func TestPredictPerformance_ExponentialSmoothingTwoSamples(t *testing.T) {
	p, clk := createTestPredictor(t, PredictorConfig{MinSamples: 2})
	addSeries(t, p, clk, "X", ModeLocalGPU, MetricThroughput, 100, 120)

	pred, err := p.PredictPerformance(PredictionRequest{
		Metric:       MetricThroughput,
		TaskType:     "X",
		Mode:         ModeLocalGPU,
		HorizonHours: 1,
		Method:       MethodExponentialSmoothing,
	})
	require.NoError(t, err)

	assert.InDelta(t, 0.3*120+0.7*(0.3*100+0.7*100)+0.6, pred.PredictedValue, 1e-9)
	assert.Equal(t, MethodExponentialSmoothing, pred.Method)
	assert.Equal(t, 2, pred.SampleCount)
}

func TestPredictPerformance_ColdStart(t *testing.T) {
	p, clk := createTestPredictor(t, PredictorConfig{})
	addSeries(t, p, clk, "X", ModeLocalGPU, MetricThroughput, 100, 120)

	pred, err := p.PredictPerformance(PredictionRequest{Metric: MetricThroughput, TaskType: "X", Mode: ModeLocalGPU})
	require.NoError(t, err)

	assert.Equal(t, MethodDefault, pred.Method)
	assert.Equal(t, 50.0, pred.PredictedValue)
	assert.Equal(t, 0.6, pred.Accuracy)
	assert.InDelta(t, 45, pred.ConfidenceLow, 1e-9)
	assert.InDelta(t, 55, pred.ConfidenceHigh, 1e-9)

	pred, err = p.PredictPerformance(PredictionRequest{Metric: MetricLatency, TaskType: "investment_reasoning", Mode: ModeCloudAPI})
	require.NoError(t, err)
	assert.Equal(t, 1800.0, pred.PredictedValue)
}

func TestPredictPerformance_Methods(t *testing.T) {
	tests := []struct {
		name   string
		method ForecastMethod
		values []float64
		h      int
		want   float64
	}{
		{"linear", MethodLinear, []float64{10, 20, 30}, 1, 40},
		{"linear further", MethodLinear, []float64{10, 20, 30}, 4, 70},
		{"polynomial", MethodPolynomial, []float64{0, 1, 4, 9}, 1, 16},
		{"polynomial exact fit", MethodPolynomial, []float64{1, 2, 5}, 2, 17},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, clk := createTestPredictor(t, PredictorConfig{})
			addSeries(t, p, clk, "summary", ModeCloudAPI, MetricLatency, tt.values...)

			pred, err := p.PredictPerformance(PredictionRequest{
				Metric:       MetricLatency,
				TaskType:     "summary",
				Mode:         ModeCloudAPI,
				HorizonHours: tt.h,
				Method:       tt.method,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.method, pred.Method)
			assert.InDelta(t, tt.want, pred.PredictedValue, 1e-6)
		})
	}
}

func TestPredictPerformance_ConfidenceInterval(t *testing.T) {
	p, clk := createTestPredictor(t, PredictorConfig{})
	addSeries(t, p, clk, "summary", ModeHybrid, MetricQuality, 10, 20, 30)

	pred, err := p.PredictPerformance(PredictionRequest{Metric: MetricQuality, TaskType: "summary", Mode: ModeHybrid, Method: MethodLinear})
	require.NoError(t, err)

	// sample standard deviation of 10,20,30 is 10
	margin := 1.96 * 10 / math.Sqrt(3)
	assert.InDelta(t, 40-margin, pred.ConfidenceLow, 1e-9)
	assert.InDelta(t, 40+margin, pred.ConfidenceHigh, 1e-9)

	p, clk = createTestPredictor(t, PredictorConfig{MinSamples: 1})
	addSeries(t, p, clk, "summary", ModeHybrid, MetricQuality, 100)
	pred, err = p.PredictPerformance(PredictionRequest{Metric: MetricQuality, TaskType: "summary", Mode: ModeHybrid})
	require.NoError(t, err)
	assert.InDelta(t, 90, pred.ConfidenceLow, 1e-9)
	assert.InDelta(t, 110, pred.ConfidenceHigh, 1e-9)
}

func TestPredictPerformance_NeverNegative(t *testing.T) {
	series := [][]float64{
		{100, 50, 10, 0},
		{500, 400, 200, 50, 1},
		{3, 2, 1},
		{0, 0, 0},
	}
	methods := []ForecastMethod{MethodExponentialSmoothing, MethodLinear, MethodPolynomial}
	metricsToTest := []Metric{MetricThroughput, MetricLatency, MetricQuality, MetricCost, MetricErrorRate}

	for _, values := range series {
		for _, metric := range metricsToTest {
			p, clk := createTestPredictor(t, PredictorConfig{})
			addSeries(t, p, clk, "summary", ModeLocalGPU, metric, values...)

			for _, method := range methods {
				for _, h := range []int{1, 6, 24, 168} {
					pred, err := p.PredictPerformance(PredictionRequest{
						Metric:       metric,
						TaskType:     "summary",
						Mode:         ModeLocalGPU,
						HorizonHours: h,
						Method:       method,
					})
					require.NoError(t, err)
					if pred.PredictedValue < 0 || pred.ConfidenceLow < 0 {
						t.Errorf("Negative prediction %v (low %v) for %v %s h=%d", pred.PredictedValue, pred.ConfidenceLow, values, method, h)
					}
				}
			}
		}
	}
}

func TestPredictPerformance_FiltersSeries(t *testing.T) {
	p, clk := createTestPredictor(t, PredictorConfig{})
	addSeries(t, p, clk, "summary", ModeLocalGPU, MetricLatency, 100, 100, 100)
	addSeries(t, p, clk, "summary", ModeCloudAPI, MetricLatency, 900, 900, 900)
	addSeries(t, p, clk, "other", ModeLocalGPU, MetricLatency, 5, 5, 5)

	pred, err := p.PredictPerformance(PredictionRequest{Metric: MetricLatency, TaskType: "summary", Mode: ModeLocalGPU})
	require.NoError(t, err)
	assert.InDelta(t, 100, pred.PredictedValue, 1e-9)
	assert.Equal(t, 3, pred.SampleCount)

	require.NoError(t, p.AddPerformanceData(PerformanceSample{
		TaskType:  "summary",
		Mode:      ModeLocalGPU,
		ModelType: "code",
		Metrics:   map[Metric]float64{MetricLatency: 1},
	}))
	pred, err = p.PredictPerformance(PredictionRequest{Metric: MetricLatency, TaskType: "summary", Mode: ModeLocalGPU, ModelType: "code"})
	require.NoError(t, err)
	assert.Equal(t, MethodDefault, pred.Method)
}

func TestPredictor_RingBufferEviction(t *testing.T) {
	p, clk := createTestPredictor(t, PredictorConfig{HistorySize: 5})
	addSeries(t, p, clk, "summary", ModeLocalGPU, MetricLatency, 1, 2, 3, 4, 5, 6, 7, 8)

	assert.Equal(t, 5, p.SampleCount("summary", ModeLocalGPU))

	// oldest samples 1,2,3 are gone
	pred, err := p.PredictPerformance(PredictionRequest{Metric: MetricLatency, TaskType: "summary", Mode: ModeLocalGPU, Method: MethodLinear})
	require.NoError(t, err)
	assert.InDelta(t, 9, pred.PredictedValue, 1e-9)
}

func TestPredictor_RecordActual(t *testing.T) {
	p, clk := createTestPredictor(t, PredictorConfig{})

	assert.InDelta(t, 0.9, p.RecordActual(MetricLatency, "summary", ModeCloudAPI, 90, 100), 1e-9)
	assert.InDelta(t, 0.3*1+0.7*0.9, p.RecordActual(MetricLatency, "summary", ModeCloudAPI, 100, 100), 1e-9)
	assert.Equal(t, 0.0, p.RecordActual(MetricCost, "summary", ModeCloudAPI, 300, 100))
	assert.Equal(t, 1.0, p.RecordActual(MetricErrorRate, "summary", ModeCloudAPI, 0, 0))

	addSeries(t, p, clk, "summary", ModeCloudAPI, MetricLatency, 100, 100, 100)
	pred, err := p.PredictPerformance(PredictionRequest{Metric: MetricLatency, TaskType: "summary", Mode: ModeCloudAPI})
	require.NoError(t, err)
	assert.InDelta(t, 0.93, pred.Accuracy, 1e-9)

	addSeries(t, p, clk, "summary", ModeHybrid, MetricLatency, 100, 100, 100)
	pred, err = p.PredictPerformance(PredictionRequest{Metric: MetricLatency, TaskType: "summary", Mode: ModeHybrid})
	require.NoError(t, err)
	assert.Equal(t, baselineAccuracy, pred.Accuracy)
}

func TestPredictor_Validation(t *testing.T) {
	p, _ := createTestPredictor(t, PredictorConfig{})

	invalid := []PerformanceSample{
		{Mode: ModeLocalGPU, Metrics: map[Metric]float64{MetricLatency: 1}},
		{TaskType: "x", Mode: "gpu", Metrics: map[Metric]float64{MetricLatency: 1}},
		{TaskType: "x", Mode: ModeLocalGPU},
		{TaskType: "x", Mode: ModeLocalGPU, Metrics: map[Metric]float64{"tokens": 1}},
		{TaskType: "x", Mode: ModeLocalGPU, Metrics: map[Metric]float64{MetricLatency: math.NaN()}},
	}
	for i, s := range invalid {
		if err := p.AddPerformanceData(s); err == nil {
			t.Errorf("Expected sample %d to be rejected", i)
		}
	}

	_, err := p.PredictPerformance(PredictionRequest{Metric: "tokens", TaskType: "x", Mode: ModeLocalGPU})
	assert.Error(t, err)
	_, err = p.PredictPerformance(PredictionRequest{Metric: MetricLatency, TaskType: "x", Mode: ModeLocalGPU, HorizonHours: 1000})
	assert.Error(t, err)
}

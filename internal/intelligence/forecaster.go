package intelligence

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/tributary-ai/task-router/internal/metrics"
	"github.com/tributary-ai/task-router/internal/ringbuffer"
)

const (
	DefaultForecasterHistory = 2000
	DefaultForecastHorizon   = 24

	// minimum history before seasonal factors are trusted
	minForecastHistory = 24
	// base level window, in samples
	baseWindow = 24

	staticPatternConfidence = 0.3
	peakRatio               = 1.5
	varianceRatio           = 0.5
)

// ForecasterConfig tunes the load forecaster
type ForecasterConfig struct {
	HistorySize int `yaml:"history_size"`
}

// Forecaster projects load from hour-of-day and day-of-week seasonality
type Forecaster struct {
	history *ringbuffer.Buffer[LoadPoint]
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *logrus.Logger
}

// NewForecaster creates a forecaster
func NewForecaster(config ForecasterConfig, clk clock.Clock, m *metrics.Metrics, logger *logrus.Logger) *Forecaster {
	if config.HistorySize <= 0 {
		config.HistorySize = DefaultForecasterHistory
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Forecaster{
		history: ringbuffer.New[LoadPoint](config.HistorySize),
		clock:   clk,
		metrics: m,
		logger:  logger,
	}
}

// AddLoadPoint records a load observation
func (f *Forecaster) AddLoadPoint(p LoadPoint) error {
	if p.Load < 0 || math.IsNaN(p.Load) || math.IsInf(p.Load, 0) {
		return fmt.Errorf("invalid load %v", p.Load)
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = f.clock.Now()
	}
	f.history.Push(p)
	return nil
}

// Len returns the number of stored points
func (f *Forecaster) Len() int {
	return f.history.Len()
}

// ForecastLoad forecasts hourly load for the next horizonHours. An empty taskType uses all points.
func (f *Forecaster) ForecastLoad(horizonHours int, taskType string) LoadForecast {
	if horizonHours <= 0 {
		horizonHours = DefaultForecastHorizon
	}
	if horizonHours > maxHorizonHours {
		horizonHours = maxHorizonHours
	}

	points := f.points(taskType)
	now := f.clock.Now()
	start := now.Truncate(time.Hour)

	forecast := LoadForecast{
		TaskType:      taskType,
		Points:        make([]LoadPoint, 0, horizonHours),
		HistoryPoints: len(points),
		GeneratedAt:   now,
	}

	if len(points) < minForecastHistory {
		for i := 1; i <= horizonHours; i++ {
			t := start.Add(time.Duration(i) * time.Hour)
			forecast.Points = append(forecast.Points, LoadPoint{Timestamp: t, Load: staticLoad(t.Hour()), TaskType: taskType})
		}
		forecast.Confidence = staticPatternConfidence
		forecast.Note = fmt.Sprintf("insufficient history (%d of %d points), using static day/night pattern", len(points), minForecastHistory)
	} else {
		values := make([]float64, len(points))
		for i, p := range points {
			values[i] = p.Load
		}
		base := stat.Mean(values[len(values)-baseWindow:], nil)
		forecast.HourlyFactors, forecast.DailyFactors = seasonalFactors(points, stat.Mean(values, nil))

		for i := 1; i <= horizonHours; i++ {
			t := start.Add(time.Duration(i) * time.Hour)
			load := base * forecast.HourlyFactors[t.Hour()] * forecast.DailyFactors[t.Weekday()]
			forecast.Points = append(forecast.Points, LoadPoint{Timestamp: t, Load: math.Max(0, load), TaskType: taskType})
		}
		// a full week of history earns full seasonal confidence
		forecast.Confidence = 0.5 + 0.4*math.Min(1, float64(len(points))/float64(24*7))
	}

	summarize(&forecast)
	f.metrics.ObserveForecast(forecast.PeakLoad)

	f.logger.WithFields(logrus.Fields{
		"task_type":  taskType,
		"horizon":    horizonHours,
		"history":    len(points),
		"peak_load":  forecast.PeakLoad,
		"confidence": forecast.Confidence,
	}).Debug("Load forecast generated")

	return forecast
}

// NextHourLoad returns the forecast load for the coming hour
func (f *Forecaster) NextHourLoad(taskType string) float64 {
	forecast := f.ForecastLoad(1, taskType)
	return forecast.Points[0].Load
}

func (f *Forecaster) points(taskType string) []LoadPoint {
	var points []LoadPoint
	for p := range f.history.Filter(func(p LoadPoint) bool {
		return taskType == "" || p.TaskType == taskType
	}) {
		points = append(points, p)
	}
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Timestamp.Before(points[j].Timestamp)
	})
	return points
}

// seasonalFactors returns per-hour and per-weekday means relative to the overall mean.
// Buckets without data get 1.0.
func seasonalFactors(points []LoadPoint, mean float64) (map[int]float64, map[time.Weekday]float64) {
	byHour := make(map[int][]float64)
	byDay := make(map[time.Weekday][]float64)
	for _, p := range points {
		byHour[p.Timestamp.Hour()] = append(byHour[p.Timestamp.Hour()], p.Load)
		byDay[p.Timestamp.Weekday()] = append(byDay[p.Timestamp.Weekday()], p.Load)
	}

	hourly := make(map[int]float64, 24)
	for h := 0; h < 24; h++ {
		hourly[h] = factor(byHour[h], mean)
	}
	daily := make(map[time.Weekday]float64, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		daily[d] = factor(byDay[d], mean)
	}
	return hourly, daily
}

func factor(values []float64, mean float64) float64 {
	if len(values) == 0 || mean == 0 {
		return 1.0
	}
	return stat.Mean(values, nil) / mean
}

// staticLoad is the fallback pattern: work hours, evening, night
func staticLoad(hour int) float64 {
	switch {
	case hour >= 9 && hour <= 17:
		return 80
	case hour >= 18 && hour <= 22:
		return 60
	default:
		return 30
	}
}

// summarize fills peak, average and capacity recommendations
func summarize(forecast *LoadForecast) {
	values := make([]float64, len(forecast.Points))
	for i, p := range forecast.Points {
		values[i] = p.Load
		if i == 0 || p.Load > forecast.PeakLoad {
			forecast.PeakLoad = p.Load
			forecast.PeakTime = p.Timestamp
		}
	}
	forecast.AverageLoad = stat.Mean(values, nil)

	forecast.CapacityRecommendations = []string{}
	if forecast.PeakLoad > peakRatio*forecast.AverageLoad {
		forecast.CapacityRecommendations = append(forecast.CapacityRecommendations,
			fmt.Sprintf("Peak load %.1f at %s exceeds %.1fx the average %.1f: add resources before the peak",
				forecast.PeakLoad, forecast.PeakTime.Format(time.RFC3339), peakRatio, forecast.AverageLoad))
	}
	if variance := populationVariance(values, forecast.AverageLoad); variance > varianceRatio*forecast.AverageLoad {
		forecast.CapacityRecommendations = append(forecast.CapacityRecommendations,
			fmt.Sprintf("Load variance %.1f exceeds %.1fx the average %.1f: enable autoscaling",
				variance, varianceRatio, forecast.AverageLoad))
	}
}

func populationVariance(values []float64, mean float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += (v - mean) * (v - mean)
	}
	return sum / float64(len(values))
}

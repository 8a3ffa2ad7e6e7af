package intelligence

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/task-router/internal/types"
)

const (
	defaultCapacityPerHour = 1000

	// maxBackfillHours bounds the zero-load hours written for one traffic gap
	maxBackfillHours = 7 * 24
)

// FeedConfig maps providers to deployment modes and sets the hourly capacity
// used to express completion counts as load percentages.
type FeedConfig struct {
	LocalProviders  []string `yaml:"local_providers"`
	HybridProviders []string `yaml:"hybrid_providers"`
	CapacityPerHour float64  `yaml:"capacity_per_hour"`
}

// CompletionFeed turns task completions into predictor samples and hourly load points
type CompletionFeed struct {
	predictor  *Predictor
	forecaster *Forecaster
	modes      map[string]DeploymentMode
	capacity   float64
	logger     *logrus.Logger

	mu     sync.Mutex
	hour   time.Time
	counts map[string]int
	known  map[string]struct{}
}

// NewCompletionFeed creates a feed. Either target may be nil.
func NewCompletionFeed(predictor *Predictor, forecaster *Forecaster, config FeedConfig, logger *logrus.Logger) *CompletionFeed {
	if config.CapacityPerHour <= 0 {
		config.CapacityPerHour = defaultCapacityPerHour
	}
	modes := make(map[string]DeploymentMode)
	for _, p := range config.LocalProviders {
		modes[p] = ModeLocalGPU
	}
	for _, p := range config.HybridProviders {
		modes[p] = ModeHybrid
	}
	return &CompletionFeed{
		predictor:  predictor,
		forecaster: forecaster,
		modes:      modes,
		capacity:   config.CapacityPerHour,
		logger:     logger,
		counts:     make(map[string]int),
		known:      make(map[string]struct{}),
	}
}

// ModeFor resolves the deployment mode a completion ran on
func (f *CompletionFeed) ModeFor(c types.TaskCompletion) DeploymentMode {
	if mode, err := ParseDeploymentMode(c.DeploymentMode); err == nil {
		return mode
	}
	if mode, ok := f.modes[c.Provider]; ok {
		return mode
	}
	return ModeCloudAPI
}

// ObserveCompletion records the completion
func (f *CompletionFeed) ObserveCompletion(c types.TaskCompletion) {
	if c.TaskType == "" {
		return
	}
	if f.predictor != nil {
		f.addSample(c)
	}
	if f.forecaster != nil {
		f.countLoad(c)
	}
}

func (f *CompletionFeed) addSample(c types.TaskCompletion) {
	errorRate := 1.0
	if c.Success {
		errorRate = 0
	}
	sample := PerformanceSample{
		Timestamp: c.CompletedAt,
		TaskType:  c.TaskType,
		Mode:      f.ModeFor(c),
		Metrics: map[Metric]float64{
			MetricErrorRate: errorRate,
			MetricCost:      c.Cost,
		},
	}
	if c.Success {
		sample.Metrics[MetricLatency] = c.LatencyMs
		if c.TokensUsed > 0 && c.LatencyMs > 0 {
			sample.Metrics[MetricThroughput] = float64(c.TokensUsed) / (c.LatencyMs / 1000)
		}
	}
	if c.QualityScore != nil {
		sample.Metrics[MetricQuality] = *c.QualityScore
	}
	if err := f.predictor.AddPerformanceData(sample); err != nil {
		f.logger.WithError(err).WithField("task_id", c.TaskID).Debug("Completion not usable as performance sample")
	}
}

// countLoad accumulates completions per task type in the current hour. A completion
// from a later hour closes the previous one: every task type seen so far gets a load
// point for it, and the hours in between are recorded as idle.
func (f *CompletionFeed) countLoad(c types.TaskCompletion) {
	hour := types.HourBucket(c.CompletedAt)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.hour.IsZero() {
		f.hour = hour
	}
	if hour.After(f.hour) {
		f.closeHourLocked(hour)
		f.hour = hour
	}
	// late completions for an already closed hour count toward the current one
	f.counts[c.TaskType]++
	f.known[c.TaskType] = struct{}{}
}

func (f *CompletionFeed) closeHourLocked(next time.Time) {
	taskTypes := make([]string, 0, len(f.known))
	for taskType := range f.known {
		taskTypes = append(taskTypes, taskType)
	}
	sort.Strings(taskTypes)

	for _, taskType := range taskTypes {
		f.addLoad(f.hour, taskType, int64(f.counts[taskType]))
	}
	for _, h := range idleHours(f.hour, next) {
		for _, taskType := range taskTypes {
			f.addLoad(h, taskType, 0)
		}
	}
	f.counts = make(map[string]int)
}

// idleHours lists the hours strictly between from and to, at most maxBackfillHours of them
// ending just before to
func idleHours(from, to time.Time) []time.Time {
	gap := int(to.Sub(from)/time.Hour) - 1
	if gap <= 0 {
		return nil
	}
	if gap > maxBackfillHours {
		gap = maxBackfillHours
	}
	hours := make([]time.Time, 0, gap)
	for i := gap; i >= 1; i-- {
		hours = append(hours, to.Add(-time.Duration(i)*time.Hour))
	}
	return hours
}

func (f *CompletionFeed) addLoad(hour time.Time, taskType string, n int64) {
	if f.forecaster == nil {
		return
	}
	load := math.Min(100, float64(n)/f.capacity*100)
	if err := f.forecaster.AddLoadPoint(LoadPoint{Timestamp: hour, Load: load, TaskType: taskType}); err != nil {
		f.logger.WithError(err).Warn("Failed to record load point")
	}
}

// Flush closes the current hour into load points
func (f *CompletionFeed) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushLocked()
}

func (f *CompletionFeed) flushLocked() {
	taskTypes := make([]string, 0, len(f.counts))
	for taskType := range f.counts {
		taskTypes = append(taskTypes, taskType)
	}
	sort.Strings(taskTypes)
	for _, taskType := range taskTypes {
		f.addLoad(f.hour, taskType, int64(f.counts[taskType]))
	}
	f.counts = make(map[string]int)
}

type loadKey struct {
	taskType string
	hour     time.Time
}

// Replay seeds the predictor and forecaster from persisted hourly buckets.
// Each bucket becomes one performance sample; request counts are summed per
// task type and hour into load points, with zero-load points for the hours a
// task type had no traffic after its first bucket. It returns the number of buckets used.
func (f *CompletionFeed) Replay(buckets []types.MetricBucket) int {
	used := 0
	loads := make(map[loadKey]int64)
	for i := range buckets {
		b := &buckets[i]
		if b.RequestCount == 0 || b.TaskType == "" {
			continue
		}
		used++

		if f.predictor != nil {
			sample := PerformanceSample{
				Timestamp: b.BucketStart,
				TaskType:  b.TaskType,
				Mode:      f.ModeFor(types.TaskCompletion{Provider: b.Provider}),
				Metrics: map[Metric]float64{
					MetricLatency:   b.AvgLatencyMs(),
					MetricErrorRate: 1 - b.SuccessRate(),
					MetricCost:      b.TotalCost / float64(b.RequestCount),
				},
			}
			if b.QualitySamples > 0 {
				sample.Metrics[MetricQuality] = b.TotalQuality / float64(b.QualitySamples)
			}
			if tps := b.TokensPerSecond(); tps > 0 {
				sample.Metrics[MetricThroughput] = tps
			}
			if err := f.predictor.AddPerformanceData(sample); err != nil {
				f.logger.WithError(err).WithField("task_type", b.TaskType).Debug("Bucket not usable as performance sample")
			}
		}
		loads[loadKey{b.TaskType, types.HourBucket(b.BucketStart)}] += b.RequestCount
	}

	if f.forecaster != nil {
		f.replayLoad(loads)
	}
	return used
}

func (f *CompletionFeed) replayLoad(loads map[loadKey]int64) {
	if len(loads) == 0 {
		return
	}
	first := make(map[string]time.Time)
	var last time.Time
	for k := range loads {
		if start, ok := first[k.taskType]; !ok || k.hour.Before(start) {
			first[k.taskType] = k.hour
		}
		if k.hour.After(last) {
			last = k.hour
		}
	}

	// idle hours between a task type's first bucket and the newest bucket count as zero load
	keys := make([]loadKey, 0, len(loads))
	for taskType, start := range first {
		if int(last.Sub(start)/time.Hour) > maxBackfillHours {
			start = last.Add(-maxBackfillHours * time.Hour)
		}
		for h := start; !h.After(last); h = h.Add(time.Hour) {
			keys = append(keys, loadKey{taskType, h})
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].hour.Equal(keys[j].hour) {
			return keys[i].hour.Before(keys[j].hour)
		}
		return keys[i].taskType < keys[j].taskType
	})
	for _, k := range keys {
		f.addLoad(k.hour, k.taskType, loads[k])
	}
}

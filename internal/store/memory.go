package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tributary-ai/task-router/internal/types"
)

type bucketKey struct {
	taskType string
	provider string
	model    string
	bucket   int64
}

// MemoryStore is an in-process RoutingCollaborator used by tests and single-node demos
type MemoryStore struct {
	mu      sync.RWMutex
	tasks   map[string]types.TaskMetadata
	models  map[string]types.ModelCapability
	buckets map[bucketKey]*types.MetricBucket
	clock   clock.Clock
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryStore{
		tasks:   make(map[string]types.TaskMetadata),
		models:  make(map[string]types.ModelCapability),
		buckets: make(map[bucketKey]*types.MetricBucket),
		clock:   clk,
	}
}

func (s *MemoryStore) GetTaskMetadata(ctx context.Context, taskType string) (*types.TaskMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, ok := s.tasks[taskType]
	if !ok {
		return nil, nil
	}
	meta.RequiredFeatures = append([]string(nil), meta.RequiredFeatures...)
	return &meta, nil
}

func (s *MemoryStore) ListTaskMetadata(ctx context.Context, filter types.TaskFilter) ([]types.TaskMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]types.TaskMetadata, 0, len(s.tasks))
	for _, meta := range s.tasks {
		if filter.Matches(&meta) {
			result = append(result, meta)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TaskType < result[j].TaskType })
	return result, nil
}

func (s *MemoryStore) PutTaskMetadata(ctx context.Context, meta *types.TaskMetadata) error {
	if err := meta.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	row := *meta
	row.RequiredFeatures = append([]string(nil), meta.RequiredFeatures...)
	if existing, ok := s.tasks[meta.TaskType]; ok {
		row.CreatedAt = existing.CreatedAt
	} else {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	s.tasks[meta.TaskType] = row
	return nil
}

func (s *MemoryStore) RegisterModel(ctx context.Context, capability types.ModelCapability) (*types.ModelCapability, error) {
	if err := capability.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model capability: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row := capability.Clone()
	row.UpdatedAt = s.clock.Now()
	s.models[row.Key()] = row

	out := row.Clone()
	return &out, nil
}

func (s *MemoryStore) ListAvailable(ctx context.Context, req types.TaskRequirements, privacy types.PrivacyLevel) ([]types.ModelCapability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]types.ModelCapability, 0)
	for _, model := range s.models {
		if matchesRequirements(&model, req, privacy) {
			result = append(result, model.Clone())
		}
	}
	sortByCapability(result)
	return result, nil
}

func (s *MemoryStore) ListModels(ctx context.Context) ([]types.ModelCapability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]types.ModelCapability, 0, len(s.models))
	for _, model := range s.models {
		result = append(result, model.Clone())
	}
	sortByCapability(result)
	return result, nil
}

func (s *MemoryStore) SetAvailability(ctx context.Context, provider, modelID string, available bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := provider + "/" + modelID
	model, ok := s.models[key]
	if !ok {
		return fmt.Errorf("model %s not registered", key)
	}
	model.IsAvailable = available
	model.UpdatedAt = s.clock.Now()
	s.models[key] = model
	return nil
}

func (s *MemoryStore) Record(ctx context.Context, metric types.PerformanceMetric) error {
	if metric.RecordedAt.IsZero() {
		metric.RecordedAt = s.clock.Now()
	}
	row := bucketFor(metric)
	key := bucketKey{row.TaskType, row.Provider, row.Model, row.BucketStart.Unix()}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.buckets[key]
	if !ok {
		s.buckets[key] = &row
		return nil
	}
	existing.RequestCount += row.RequestCount
	existing.SuccessCount += row.SuccessCount
	existing.TotalLatencyMs += row.TotalLatencyMs
	existing.TotalQuality += row.TotalQuality
	existing.QualitySamples += row.QualitySamples
	existing.TotalCost += row.TotalCost
	existing.TotalTokens += row.TotalTokens
	existing.TokenLatencyMs += row.TokenLatencyMs
	return nil
}

func (s *MemoryStore) ListBuckets(ctx context.Context, taskType string, since time.Time) ([]types.MetricBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]types.MetricBucket, 0)
	for _, b := range s.buckets {
		if taskType != "" && b.TaskType != taskType {
			continue
		}
		if b.BucketStart.Before(since) {
			continue
		}
		result = append(result, *b)
	}
	sortBuckets(result)
	return result, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func sortBuckets(rows []types.MetricBucket) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.BucketStart.Equal(b.BucketStart) {
			return a.BucketStart.Before(b.BucketStart)
		}
		if a.TaskType != b.TaskType {
			return a.TaskType < b.TaskType
		}
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		return a.Model < b.Model
	})
}

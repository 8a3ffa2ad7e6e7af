// Package store holds the persistence collaborators the routing core reads
// task contracts and model candidates from, and writes completion metrics to.
package store

import (
	"context"
	"sort"
	"time"

	"github.com/tributary-ai/task-router/internal/types"
)

// TaskMetadataStore stores per-task-type routing contracts
type TaskMetadataStore interface {
	// GetTaskMetadata returns nil and no error when the task type is unknown
	GetTaskMetadata(ctx context.Context, taskType string) (*types.TaskMetadata, error)
	ListTaskMetadata(ctx context.Context, filter types.TaskFilter) ([]types.TaskMetadata, error)
	PutTaskMetadata(ctx context.Context, meta *types.TaskMetadata) error
}

// ModelCapabilityRegistry stores the (provider, model) candidates
type ModelCapabilityRegistry interface {
	RegisterModel(ctx context.Context, capability types.ModelCapability) (*types.ModelCapability, error)

	// ListAvailable returns matching available models ordered by capability score descending.
	// An empty result is not an error.
	ListAvailable(ctx context.Context, req types.TaskRequirements, privacy types.PrivacyLevel) ([]types.ModelCapability, error)

	ListModels(ctx context.Context) ([]types.ModelCapability, error)
	SetAvailability(ctx context.Context, provider, modelID string, available bool) error
}

// PerformanceMetricSink persists completion metrics aggregated per hour bucket
type PerformanceMetricSink interface {
	Record(ctx context.Context, metric types.PerformanceMetric) error
}

// MetricReader reads aggregated metric buckets back
type MetricReader interface {
	ListBuckets(ctx context.Context, taskType string, since time.Time) ([]types.MetricBucket, error)
}

// RoutingCollaborator is everything the routing core needs from persistence
type RoutingCollaborator interface {
	TaskMetadataStore
	ModelCapabilityRegistry
	PerformanceMetricSink
	MetricReader
	Close() error
}

// matchesRequirements applies the registry filter. Zero ceilings mean no ceiling.
func matchesRequirements(c *types.ModelCapability, req types.TaskRequirements, privacy types.PrivacyLevel) bool {
	if !c.IsAvailable {
		return false
	}
	if c.CapabilityScore < req.MinCapabilityScore {
		return false
	}
	if req.MaxCostPer1K > 0 && c.CostPer1K() > req.MaxCostPer1K {
		return false
	}
	if req.MaxLatencyMs > 0 && c.AvgLatencyMs > req.MaxLatencyMs {
		return false
	}
	if !privacy.Allows(c.PrivacyLevel) {
		return false
	}
	return c.SupportsAll(req.RequiredFeatures)
}

func sortByCapability(models []types.ModelCapability) {
	sort.SliceStable(models, func(i, j int) bool {
		if models[i].CapabilityScore != models[j].CapabilityScore {
			return models[i].CapabilityScore > models[j].CapabilityScore
		}
		if models[i].Provider != models[j].Provider {
			return models[i].Provider < models[j].Provider
		}
		return models[i].ModelID < models[j].ModelID
	})
}

func bucketFor(m types.PerformanceMetric) types.MetricBucket {
	b := types.MetricBucket{
		TaskType:       m.TaskType,
		Provider:       m.Provider,
		Model:          m.Model,
		BucketStart:    types.HourBucket(m.RecordedAt),
		RequestCount:   1,
		TotalLatencyMs: m.LatencyMs,
		TotalCost:      m.Cost,
	}
	if m.Success {
		b.SuccessCount = 1
	}
	if m.QualityScore != nil {
		b.TotalQuality = *m.QualityScore
		b.QualitySamples = 1
	}
	if m.Success && m.TokensUsed > 0 {
		b.TotalTokens = m.TokensUsed
		b.TokenLatencyMs = m.LatencyMs
	}
	return b
}

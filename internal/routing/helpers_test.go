package routing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/task-router/internal/store"
	"github.com/tributary-ai/task-router/internal/types"
)

func createTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func testTasks() []types.TaskMetadata {
	return []types.TaskMetadata{
		{
			TaskType:                "summary",
			QualityThreshold:        0.7,
			MinModelCapabilityScore: 0.6,
			MaxAcceptableLatencyMs:  2000,
			MaxAcceptableCostPer1K:  0.05,
			DataSensitivity:         types.SensitivityLow,
			BusinessPriority:        types.PriorityNormal,
		},
		{
			TaskType:                "investment_reasoning",
			QualityThreshold:        0.6,
			MinModelCapabilityScore: 0.5,
			MaxAcceptableLatencyMs:  5000,
			MaxAcceptableCostPer1K:  0.05,
			DataSensitivity:         types.SensitivityConfidential,
			RequiresLocalProcessing: true,
			BusinessPriority:        types.PriorityHigh,
		},
		{
			TaskType:                "client_notes",
			QualityThreshold:        0.5,
			MinModelCapabilityScore: 0.5,
			MaxAcceptableLatencyMs:  5000,
			MaxAcceptableCostPer1K:  0.05,
			DataSensitivity:         types.SensitivityHigh,
			AllowCloudFallback:      false,
		},
	}
}

// Scores for "summary": gpt-4o-mini 0.828, gpt-4o 0.780, claude 0.768, mistral 0.748, llama 0.682
func testModels() []types.ModelCapability {
	return []types.ModelCapability{
		{Provider: "openai", ModelID: "gpt-4o", ModelType: "chat", CapabilityScore: 0.95, CostPer1KInput: 0.005, CostPer1KOutput: 0.015, AvgLatencyMs: 900, PrivacyLevel: types.PrivacyCloud, IsAvailable: true},
		{Provider: "openai", ModelID: "gpt-4o-mini", ModelType: "chat", CapabilityScore: 0.8, CostPer1KInput: 0.00015, CostPer1KOutput: 0.0006, AvgLatencyMs: 400, PrivacyLevel: types.PrivacyCloud, IsAvailable: true},
		{Provider: "anthropic", ModelID: "claude-3-5-sonnet", ModelType: "chat", CapabilityScore: 0.93, CostPer1KInput: 0.003, CostPer1KOutput: 0.015, AvgLatencyMs: 1000, PrivacyLevel: types.PrivacyCloud, IsAvailable: true},
		{Provider: "ollama", ModelID: "llama3-70b", ModelType: "reasoning", CapabilityScore: 0.78, AvgLatencyMs: 1800, PrivacyLevel: types.PrivacyLocal, IsAvailable: true},
		{Provider: "vllm", ModelID: "mistral-7b", ModelType: "chat", CapabilityScore: 0.62, AvgLatencyMs: 500, PrivacyLevel: types.PrivacyLocal, IsAvailable: true},
	}
}

func createTestStore(t *testing.T, tasks []types.TaskMetadata, models []types.ModelCapability) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore(nil)
	for i := range tasks {
		if err := s.PutTaskMetadata(ctx, &tasks[i]); err != nil {
			t.Fatalf("Failed to store task %s: %v", tasks[i].TaskType, err)
		}
	}
	for _, m := range models {
		if _, err := s.RegisterModel(ctx, m); err != nil {
			t.Fatalf("Failed to register %s/%s: %v", m.Provider, m.ModelID, err)
		}
	}
	return s
}

// fakeHealth is a HealthTracker with fixed statuses
type fakeHealth struct {
	mu          sync.Mutex
	statuses    map[string]types.ProviderStatus
	fallback    types.ProviderStatus
	completions []string
	refreshErr  error
}

func newFakeHealth() *fakeHealth {
	return &fakeHealth{statuses: make(map[string]types.ProviderStatus), fallback: types.StatusHealthy}
}

func (f *fakeHealth) set(provider string, status types.ProviderStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[provider] = status
}

func (f *fakeHealth) EnsureFresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.refreshErr
}

func (f *fakeHealth) Status(provider string) types.ProviderStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.statuses[provider]; ok {
		return s
	}
	return f.fallback
}

func (f *fakeHealth) Snapshot() map[string]types.ProviderHealth {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]types.ProviderHealth, len(f.statuses))
	for p, s := range f.statuses {
		out[p] = types.ProviderHealth{Provider: p, Status: s}
	}
	return out
}

func (f *fakeHealth) RecordCompletion(provider string, latencyMs float64, success bool, errMsg string) types.ProviderHealth {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = append(f.completions, provider)
	return types.ProviderHealth{Provider: provider, Status: f.statuses[provider]}
}

// failingRegistry fails every candidate query
type failingRegistry struct {
	store.ModelCapabilityRegistry
}

func (failingRegistry) ListAvailable(ctx context.Context, req types.TaskRequirements, privacy types.PrivacyLevel) ([]types.ModelCapability, error) {
	return nil, errors.New("registry connection refused")
}

// recordingSink captures recorded metrics
type recordingSink struct {
	mu      sync.Mutex
	metrics []types.PerformanceMetric
	err     error
}

func (s *recordingSink) Record(ctx context.Context, metric types.PerformanceMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.metrics = append(s.metrics, metric)
	return nil
}

func floatPtr(v float64) *float64 {
	return &v
}

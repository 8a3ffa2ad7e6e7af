package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/task-router/internal/types"
)

func createTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func createTestSQLStore(t *testing.T, clk clock.Clock) *SQLStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "router.db")
	s, err := OpenSQLStore(context.Background(), DialectSQLite, dsn, clk, createTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testModels() []types.ModelCapability {
	return []types.ModelCapability{
		{Provider: "ollama", ModelID: "llama3-8b", ModelType: "llama", CapabilityScore: 0.72, AvgLatencyMs: 900, PrivacyLevel: types.PrivacyLocal, IsAvailable: true, SupportedFeatures: []string{"json"}},
		{Provider: "vllm", ModelID: "mixtral", ModelType: "mistral", CapabilityScore: 0.78, AvgLatencyMs: 1200, PrivacyLevel: types.PrivacyLocal, IsAvailable: true},
		{Provider: "openai", ModelID: "gpt-4o", ModelType: "gpt", CapabilityScore: 0.95, CostPer1KInput: 0.005, CostPer1KOutput: 0.015, AvgLatencyMs: 1500, PrivacyLevel: types.PrivacyCloud, IsAvailable: true, SupportedFeatures: []string{"json", "tools"}, BenchmarkScores: map[string]float64{"mmlu": 0.88}},
		{Provider: "anthropic", ModelID: "claude-3-haiku", ModelType: "claude", CapabilityScore: 0.82, CostPer1KInput: 0.00025, CostPer1KOutput: 0.00125, AvgLatencyMs: 600, PrivacyLevel: types.PrivacyHybrid, IsAvailable: true},
		{Provider: "openai", ModelID: "gpt-3.5-turbo", ModelType: "gpt", CapabilityScore: 0.65, CostPer1KInput: 0.0005, CostPer1KOutput: 0.0015, AvgLatencyMs: 500, PrivacyLevel: types.PrivacyCloud, IsAvailable: false},
	}
}

// runCollaboratorContract exercises behaviour every backend must share
func runCollaboratorContract(t *testing.T, s RoutingCollaborator, mock *clock.Mock) {
	ctx := context.Background()

	for _, m := range testModels() {
		_, err := s.RegisterModel(ctx, m)
		require.NoError(t, err)
	}

	t.Run("list available orders by capability", func(t *testing.T) {
		models, err := s.ListAvailable(ctx, types.TaskRequirements{MinCapabilityScore: 0.7}, types.PrivacyUnconstrained)
		require.NoError(t, err)
		require.Len(t, models, 4)
		assert.Equal(t, "gpt-4o", models[0].ModelID)
		assert.Equal(t, "claude-3-haiku", models[1].ModelID)
		assert.Equal(t, "mixtral", models[2].ModelID)
		assert.Equal(t, "llama3-8b", models[3].ModelID)
		assert.InDelta(t, 0.88, models[0].BenchmarkScores["mmlu"], 1e-9)
	})

	t.Run("local privacy is exact", func(t *testing.T) {
		models, err := s.ListAvailable(ctx, types.TaskRequirements{}, types.PrivacyLocal)
		require.NoError(t, err)
		require.Len(t, models, 2)
		for _, m := range models {
			assert.Equal(t, types.PrivacyLocal, m.PrivacyLevel)
		}
	})

	t.Run("cloud privacy accepts hybrid", func(t *testing.T) {
		models, err := s.ListAvailable(ctx, types.TaskRequirements{}, types.PrivacyCloud)
		require.NoError(t, err)
		require.Len(t, models, 2)
		assert.Equal(t, "gpt-4o", models[0].ModelID)
		assert.Equal(t, types.PrivacyHybrid, models[1].PrivacyLevel)
	})

	t.Run("cost latency and feature ceilings", func(t *testing.T) {
		models, err := s.ListAvailable(ctx, types.TaskRequirements{MaxCostPer1K: 0.005, MaxLatencyMs: 1000}, types.PrivacyUnconstrained)
		require.NoError(t, err)
		require.Len(t, models, 2)
		assert.Equal(t, "claude-3-haiku", models[0].ModelID)
		assert.Equal(t, "llama3-8b", models[1].ModelID)

		models, err = s.ListAvailable(ctx, types.TaskRequirements{RequiredFeatures: []string{"tools"}}, types.PrivacyUnconstrained)
		require.NoError(t, err)
		require.Len(t, models, 1)
		assert.Equal(t, "gpt-4o", models[0].ModelID)
	})

	t.Run("empty result is not an error", func(t *testing.T) {
		models, err := s.ListAvailable(ctx, types.TaskRequirements{MinCapabilityScore: 0.99}, types.PrivacyUnconstrained)
		require.NoError(t, err)
		assert.Empty(t, models)
	})

	t.Run("availability toggle", func(t *testing.T) {
		require.NoError(t, s.SetAvailability(ctx, "openai", "gpt-4o", false))
		models, err := s.ListAvailable(ctx, types.TaskRequirements{}, types.PrivacyCloud)
		require.NoError(t, err)
		require.Len(t, models, 1)
		assert.Equal(t, "claude-3-haiku", models[0].ModelID)
		require.NoError(t, s.SetAvailability(ctx, "openai", "gpt-4o", true))

		assert.Error(t, s.SetAvailability(ctx, "openai", "missing", true))
	})

	t.Run("register upserts", func(t *testing.T) {
		m := testModels()[0]
		m.CapabilityScore = 0.99
		_, err := s.RegisterModel(ctx, m)
		require.NoError(t, err)

		all, err := s.ListModels(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 5)
		assert.Equal(t, "llama3-8b", all[0].ModelID)
	})

	t.Run("task metadata round trip", func(t *testing.T) {
		meta := &types.TaskMetadata{
			TaskType:                "investment_reasoning",
			QualityThreshold:        0.8,
			MinModelCapabilityScore: 0.7,
			MaxAcceptableLatencyMs:  3000,
			MaxAcceptableCostPer1K:  0.02,
			DataSensitivity:         types.SensitivityConfidential,
			RequiresLocalProcessing: true,
			BusinessPriority:        types.PriorityHigh,
			RequiredFeatures:        []string{"json"},
		}
		require.NoError(t, s.PutTaskMetadata(ctx, meta))
		require.NoError(t, s.PutTaskMetadata(ctx, &types.TaskMetadata{TaskType: "chat", BusinessPriority: types.PriorityLow}))

		got, err := s.GetTaskMetadata(ctx, "investment_reasoning")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.RequiresLocalProcessing)
		assert.Equal(t, types.SensitivityConfidential, got.DataSensitivity)
		assert.Equal(t, []string{"json"}, got.RequiredFeatures)

		missing, err := s.GetTaskMetadata(ctx, "unknown")
		require.NoError(t, err)
		assert.Nil(t, missing)

		local := true
		list, err := s.ListTaskMetadata(ctx, types.TaskFilter{RequiresLocal: &local})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "investment_reasoning", list[0].TaskType)

		all, err := s.ListTaskMetadata(ctx, types.TaskFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		err = s.PutTaskMetadata(ctx, &types.TaskMetadata{TaskType: "bad", QualityThreshold: 2})
		assert.ErrorIs(t, err, types.ErrConfiguration)
	})

	t.Run("metrics aggregate per hour bucket", func(t *testing.T) {
		quality := 0.9
		base := mock.Now()
		metric := types.PerformanceMetric{TaskType: "chat", Provider: "ollama", Model: "llama3-8b", LatencyMs: 100, Success: true, QualityScore: &quality, Cost: 0.001, TokensUsed: 250}

		require.NoError(t, s.Record(ctx, metric))
		mock.Add(10 * time.Minute)
		metric.LatencyMs = 300
		metric.Success = false
		metric.QualityScore = nil
		require.NoError(t, s.Record(ctx, metric))

		mock.Add(time.Hour)
		require.NoError(t, s.Record(ctx, metric))

		buckets, err := s.ListBuckets(ctx, "chat", base.Add(-time.Hour))
		require.NoError(t, err)
		require.Len(t, buckets, 2)

		first := buckets[0]
		assert.Equal(t, int64(2), first.RequestCount)
		assert.Equal(t, int64(1), first.SuccessCount)
		assert.InDelta(t, 200, first.AvgLatencyMs(), 1e-9)
		assert.InDelta(t, 0.5, first.SuccessRate(), 1e-9)
		assert.Equal(t, int64(1), first.QualitySamples)
		assert.InDelta(t, 0.002, first.TotalCost, 1e-9)
		assert.True(t, first.BucketStart.Equal(types.HourBucket(base)))
		// failed requests do not count toward generation rate
		assert.Equal(t, int64(250), first.TotalTokens)
		assert.InDelta(t, 2500, first.TokensPerSecond(), 1e-9)

		assert.Equal(t, int64(1), buckets[1].RequestCount)
		assert.Zero(t, buckets[1].TokensPerSecond())
	})
}

func TestMemoryStore_Contract(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 3, 10, 9, 15, 0, 0, time.UTC))
	runCollaboratorContract(t, NewMemoryStore(mock), mock)
}

func TestSQLStore_Contract(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 3, 10, 9, 15, 0, 0, time.UTC))
	runCollaboratorContract(t, createTestSQLStore(t, mock), mock)
}

func TestSQLStore_MigrateIsIdempotent(t *testing.T) {
	s := createTestSQLStore(t, nil)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Migrate(context.Background()))
}

func TestSQLStore_Rebind(t *testing.T) {
	s := &SQLStore{dialect: DialectPostgres}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)", s.rebind("SELECT a FROM t WHERE x = ? AND y IN (?, ?)"))

	s.dialect = DialectSQLite
	assert.Equal(t, "x = ?", s.rebind("x = ?"))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), BackendConfig{Driver: "mongo"}, nil, createTestLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage driver")
	assert.Equal(t, []string{"memory", "postgres", "sqlite"}, Backends())
}

func TestMemoryStore_RejectsInvalidModel(t *testing.T) {
	s := NewMemoryStore(nil)
	_, err := s.RegisterModel(context.Background(), types.ModelCapability{Provider: "x", ModelID: "y", PrivacyLevel: "public"})
	assert.Error(t, err)
}

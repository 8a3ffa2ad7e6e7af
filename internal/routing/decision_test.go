package routing

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/task-router/internal/types"
)

func createTestDecisionMaker(t *testing.T, cfg DecisionMakerConfig, models []types.ModelCapability) *DecisionMaker {
	t.Helper()
	s := createTestStore(t, testTasks(), models)
	return NewDecisionMaker(s, s, cfg, nil, createTestLogger())
}

func TestMakeRoutingDecision_SelectsHighestScore(t *testing.T) {
	d := createTestDecisionMaker(t, DecisionMakerConfig{}, testModels())

	resp, err := d.MakeRoutingDecision(context.Background(), &types.RoutingDecisionRequest{
		TaskID:          "task-1",
		TaskType:        "summary",
		UserTier:        types.TierPro,
		EstimatedTokens: 2000,
	})
	require.NoError(t, err)

	assert.Equal(t, "openai", resp.SelectedProvider)
	assert.Equal(t, "gpt-4o-mini", resp.SelectedModel)
	assert.InDelta(t, 0.000375*2, resp.ExpectedCost, 1e-12)
	assert.InDelta(t, 0.9, resp.Confidence, 1e-9)
	assert.Equal(t, 5, resp.DecisionMetadata.CandidatesConsidered)
	assert.Equal(t, types.PrivacyUnconstrained, resp.DecisionMetadata.PrivacyLevel)
	assert.NotEmpty(t, resp.DecisionID)

	require.Len(t, resp.FallbackOptions, DefaultMaxFallbacks)
	assert.Equal(t, "gpt-4o", resp.FallbackOptions[0].Model)
	assert.Equal(t, "claude-3-5-sonnet", resp.FallbackOptions[1].Model)
	assert.Equal(t, "mistral-7b", resp.FallbackOptions[2].Model)
	for i := 1; i < len(resp.FallbackOptions); i++ {
		if resp.FallbackOptions[i].Score > resp.FallbackOptions[i-1].Score {
			t.Errorf("Fallbacks not ordered by score: %+v", resp.FallbackOptions)
		}
	}
	for _, f := range resp.FallbackOptions {
		if !strings.Contains(f.Reason, "capability") {
			t.Errorf("Expected threshold reason for %s, got %q", f.Model, f.Reason)
		}
	}
	assert.Contains(t, resp.Reasoning, "Selected openai/gpt-4o-mini")
}

func TestMakeRoutingDecision_Deterministic(t *testing.T) {
	d := createTestDecisionMaker(t, DecisionMakerConfig{}, testModels())
	req := &types.RoutingDecisionRequest{TaskType: "summary", UserTier: types.TierPro, EstimatedTokens: 500}

	first, err := d.MakeRoutingDecision(context.Background(), req)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		resp, err := d.MakeRoutingDecision(context.Background(), req)
		require.NoError(t, err)
		if resp.SelectedProvider != first.SelectedProvider || resp.SelectedModel != first.SelectedModel {
			t.Fatalf("Decision changed on call %d: %s/%s vs %s/%s", i, resp.SelectedProvider, resp.SelectedModel, first.SelectedProvider, first.SelectedModel)
		}
		assert.Equal(t, first.Reasoning, resp.Reasoning)
	}
}

func TestMakeRoutingDecision_TiesBreakByName(t *testing.T) {
	models := []types.ModelCapability{
		{Provider: "zeta", ModelID: "m", CapabilityScore: 0.8, AvgLatencyMs: 100, PrivacyLevel: types.PrivacyCloud, IsAvailable: true},
		{Provider: "alpha", ModelID: "m", CapabilityScore: 0.8, AvgLatencyMs: 100, PrivacyLevel: types.PrivacyCloud, IsAvailable: true},
	}
	d := createTestDecisionMaker(t, DecisionMakerConfig{}, models)

	resp, err := d.MakeRoutingDecision(context.Background(), &types.RoutingDecisionRequest{TaskType: "summary"})
	require.NoError(t, err)
	assert.Equal(t, "alpha", resp.SelectedProvider)
}

func TestMakeRoutingDecision_ConstraintSatisfaction(t *testing.T) {
	d := createTestDecisionMaker(t, DecisionMakerConfig{}, testModels())

	requests := []*types.RoutingDecisionRequest{
		{TaskType: "summary", EstimatedTokens: 1000},
		{TaskType: "summary", MaxCostPer1K: floatPtr(0.0095)},
		{TaskType: "summary", MaxLatencyMs: floatPtr(950)},
		{TaskType: "investment_reasoning"},
	}
	for _, req := range requests {
		resp, err := d.MakeRoutingDecision(context.Background(), req)
		require.NoError(t, err)

		maxCost, maxLatency := 0.05, 2000.0
		if req.TaskType == "investment_reasoning" {
			maxLatency = 5000
		}
		if req.MaxCostPer1K != nil {
			maxCost = *req.MaxCostPer1K
		}
		if req.MaxLatencyMs != nil {
			maxLatency = *req.MaxLatencyMs
		}
		if resp.ExpectedCostPer1K > maxCost {
			t.Errorf("%s: cost %.4f exceeds %.4f", req.TaskType, resp.ExpectedCostPer1K, maxCost)
		}
		if resp.ExpectedLatencyMs > maxLatency {
			t.Errorf("%s: latency %.0f exceeds %.0f", req.TaskType, resp.ExpectedLatencyMs, maxLatency)
		}
		for _, f := range resp.FallbackOptions {
			if f.ExpectedCostPer1K > maxCost || f.ExpectedLatencyMs > maxLatency {
				t.Errorf("Fallback %s/%s violates ceilings", f.Provider, f.Model)
			}
		}
	}
}

func TestMakeRoutingDecision_RequestOverrides(t *testing.T) {
	d := createTestDecisionMaker(t, DecisionMakerConfig{}, testModels())

	// gpt-4o-mini is the only model under 450ms
	resp, err := d.MakeRoutingDecision(context.Background(), &types.RoutingDecisionRequest{
		TaskType:     "summary",
		MaxLatencyMs: floatPtr(450),
	})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", resp.SelectedModel)
	assert.Empty(t, resp.FallbackOptions)
}

func TestMakeRoutingDecision_PrivacyForcesLocal(t *testing.T) {
	d := createTestDecisionMaker(t, DecisionMakerConfig{}, testModels())

	for _, taskType := range []string{"investment_reasoning", "client_notes"} {
		resp, err := d.MakeRoutingDecision(context.Background(), &types.RoutingDecisionRequest{TaskType: taskType})
		require.NoError(t, err)

		assert.Equal(t, types.PrivacyLocal, resp.DecisionMetadata.PrivacyLevel, taskType)
		assert.Equal(t, types.PrivacyLocal, resp.DecisionMetadata.SelectedPrivacyLevel, taskType)
		assert.Contains(t, []string{"ollama", "vllm"}, resp.SelectedProvider)
		for _, f := range resp.FallbackOptions {
			assert.Equal(t, types.PrivacyLocal, f.PrivacyLevel)
		}
	}

	// request-level flag on an unrestricted task
	resp, err := d.MakeRoutingDecision(context.Background(), &types.RoutingDecisionRequest{TaskType: "summary", RequiresLocal: true})
	require.NoError(t, err)
	assert.Equal(t, "vllm", resp.SelectedProvider)
}

func TestMakeRoutingDecision_UnknownTaskType(t *testing.T) {
	d := createTestDecisionMaker(t, DecisionMakerConfig{}, testModels())

	_, err := d.MakeRoutingDecision(context.Background(), &types.RoutingDecisionRequest{TaskType: "missing"})
	require.Error(t, err)
	if !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("Expected configuration error, got %v", err)
	}
	assert.False(t, types.IsRetryable(err))
}

func TestMakeRoutingDecision_NoCandidate(t *testing.T) {
	d := createTestDecisionMaker(t, DecisionMakerConfig{}, testModels())

	_, err := d.MakeRoutingDecision(context.Background(), &types.RoutingDecisionRequest{
		TaskType:     "summary",
		MaxCostPer1K: floatPtr(0.0001),
		MaxLatencyMs: floatPtr(100),
	})
	require.Error(t, err)
	if !errors.Is(err, types.ErrNoCandidate) {
		t.Errorf("Expected no-candidate error, got %v", err)
	}
}

func TestMakeRoutingDecision_ConstraintRelaxation(t *testing.T) {
	d := createTestDecisionMaker(t, DecisionMakerConfig{AllowConstraintRelaxation: true}, testModels())

	resp, err := d.MakeRoutingDecision(context.Background(), &types.RoutingDecisionRequest{
		TaskType:     "summary",
		MaxLatencyMs: floatPtr(300),
	})
	require.NoError(t, err)

	// gpt-4o-mini at 400ms is the smallest overshoot
	assert.Equal(t, "gpt-4o-mini", resp.SelectedModel)
	assert.True(t, resp.DecisionMetadata.ConstraintsRelaxed)
	assert.True(t, strings.HasPrefix(resp.Reasoning, "Constraints relaxed"), resp.Reasoning)
}

func TestMakeRoutingDecision_MaxFallbacksConfigurable(t *testing.T) {
	d := createTestDecisionMaker(t, DecisionMakerConfig{MaxFallbacks: 1}, testModels())

	resp, err := d.MakeRoutingDecision(context.Background(), &types.RoutingDecisionRequest{TaskType: "summary"})
	require.NoError(t, err)
	assert.Len(t, resp.FallbackOptions, 1)
	assert.Equal(t, 5, resp.DecisionMetadata.CandidatesConsidered)
}

func TestMakeRoutingDecision_Preference(t *testing.T) {
	d := createTestDecisionMaker(t, DecisionMakerConfig{}, testModels())

	resp, err := d.MakeRoutingDecision(context.Background(), &types.RoutingDecisionRequest{
		TaskType:          "summary",
		PreferredProvider: "anthropic",
	})
	require.NoError(t, err)

	// claude: 0.768 + 0.05 = 0.818, still below gpt-4o-mini at 0.828
	assert.Equal(t, "gpt-4o-mini", resp.SelectedModel)
	assert.InDelta(t, 0.818, resp.DecisionMetadata.Scores["anthropic/claude-3-5-sonnet"], 1e-9)

	resp, err = d.MakeRoutingDecision(context.Background(), &types.RoutingDecisionRequest{
		TaskType:          "investment_reasoning",
		PreferredProvider: "vllm",
	})
	require.NoError(t, err)
	assert.Equal(t, "vllm", resp.SelectedProvider)
	assert.Contains(t, resp.Reasoning, "matches preferred provider")
}

func TestDeterminePrivacyLevel(t *testing.T) {
	tests := []struct {
		name string
		meta types.TaskMetadata
		req  types.RoutingDecisionRequest
		want types.PrivacyLevel
	}{
		{"requires local", types.TaskMetadata{RequiresLocalProcessing: true}, types.RoutingDecisionRequest{}, types.PrivacyLocal},
		{"request requires local", types.TaskMetadata{}, types.RoutingDecisionRequest{RequiresLocal: true}, types.PrivacyLocal},
		{"confidential without cloud fallback", types.TaskMetadata{DataSensitivity: types.SensitivityConfidential}, types.RoutingDecisionRequest{}, types.PrivacyLocal},
		{"high with cloud fallback", types.TaskMetadata{DataSensitivity: types.SensitivityHigh, AllowCloudFallback: true}, types.RoutingDecisionRequest{}, types.PrivacyUnconstrained},
		{"medium", types.TaskMetadata{DataSensitivity: types.SensitivityMedium}, types.RoutingDecisionRequest{}, types.PrivacyUnconstrained},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeterminePrivacyLevel(&tt.meta, &tt.req); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

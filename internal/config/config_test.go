package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/task-router/internal/intelligence"
	"github.com/tributary-ai/task-router/internal/routing"
	"github.com/tributary-ai/task-router/internal/store"
	"github.com/tributary-ai/task-router/internal/types"
)

const testConfigYAML = `
server:
  port: "9191"
  read_timeout: 10s
router:
  cache_ttl: 2m
  free_tier_cost_ceiling: 0.02
  local_provider: ollama
  max_fallbacks: 2
  allow_constraint_relaxation: true
  provider_priority:
    - provider: ollama
      model: llama3-70b
      privacy_level: local
providers:
  - name: ollama
    kind: openai_compatible
    base_url: http://localhost:11434/v1
  - name: openai
    kind: openai
health:
  check_interval: 30s
catalog:
  task_types:
    - task_type: summary
      min_model_capability_score: 0.6
      max_acceptable_latency_ms: 2000
      max_acceptable_cost_per_1k: 0.05
      data_sensitivity: low
      allow_cloud_fallback: true
      business_priority: normal
  models:
    - provider: ollama
      model_id: llama3-70b
      capability_score: 0.7
      avg_latency_ms: 900
      privacy_level: local
    - provider: openai
      model_id: gpt-4o
      capability_score: 0.9
      cost_per_1k_input: 0.005
      cost_per_1k_output: 0.015
      avg_latency_ms: 800
      privacy_level: cloud
      disabled: true
intelligence:
  default_strategy: cost_optimal
  feed:
    local_providers: [ollama]
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "task-router.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("Expected default port '8080', got %s", cfg.Server.Port)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Expected default log level 'info', got %s", cfg.Logging.Level)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("Expected default read timeout 30s, got %v", cfg.Server.ReadTimeout)
	}

	assert.Equal(t, routing.DefaultCacheTTL, cfg.Router.CacheTTL)
	assert.Equal(t, routing.DefaultFreeTierCostCeiling, cfg.Router.FreeTierCostCeiling)
	assert.Equal(t, routing.DefaultMaxFallbacks, cfg.Router.MaxFallbacks)
	assert.False(t, cfg.Router.AllowRelaxation)
	assert.Equal(t, "memory", cfg.Router.CacheBackend)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, intelligence.StrategyBalanced, cfg.Intelligence.DefaultStrategy)
	assert.Equal(t, intelligence.DefaultMinSamples, cfg.Intelligence.Predictor.MinSamples)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Empty(t, cfg.Providers)
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	t.Setenv("TASK_ROUTER_PORT", "9090")
	t.Setenv("TASK_ROUTER_LOG_LEVEL", "debug")
	t.Setenv("TASK_ROUTER_LOG_FORMAT", "text")
	t.Setenv("TASK_ROUTER_FREE_TIER_COST_CEILING", "0.005")
	t.Setenv("TASK_ROUTER_MAX_FALLBACKS", "5")
	t.Setenv("TASK_ROUTER_DEFAULT_STRATEGY", "load_balanced")
	t.Setenv("TASK_ROUTER_STORAGE_DRIVER", "sqlite")
	t.Setenv("TASK_ROUTER_STORAGE_DSN", "file:routing.db")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Expected port '9090', got %s", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected log level 'debug', got %s", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected log format 'text', got %s", cfg.Logging.Format)
	}
	assert.Equal(t, 0.005, cfg.Router.FreeTierCostCeiling)
	assert.Equal(t, 5, cfg.Router.MaxFallbacks)
	assert.Equal(t, intelligence.StrategyLoadBalanced, cfg.Intelligence.DefaultStrategy)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "file:routing.db", cfg.Storage.DSN)
}

func TestLoadConfig_InvalidEnvironmentNumber(t *testing.T) {
	t.Setenv("TASK_ROUTER_MAX_FALLBACKS", "three")

	_, err := LoadConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_FALLBACKS")
}

func TestLoadConfig_FromFile(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "test-openai-key")

	cfg, err := LoadConfig(writeTestConfig(t, testConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, "9191", cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout, "unset fields keep defaults")

	assert.Equal(t, 2*time.Minute, cfg.Router.CacheTTL)
	assert.Equal(t, 0.02, cfg.Router.FreeTierCostCeiling)
	assert.Equal(t, "ollama", cfg.Router.LocalProvider)
	assert.Equal(t, 2, cfg.Router.MaxFallbacks)
	assert.True(t, cfg.Router.AllowRelaxation)
	require.Len(t, cfg.Router.ProviderPriority, 1)
	assert.Equal(t, types.PrivacyLocal, cfg.Router.ProviderPriority[0].PrivacyLevel)

	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "", cfg.Providers[0].APIKey)
	assert.Equal(t, "test-openai-key", cfg.Providers[1].APIKey)
	assert.Equal(t, []string{"ollama", "openai"}, cfg.GetEnabledProviders())

	assert.Equal(t, 30*time.Second, cfg.Health.CheckInterval)

	require.Len(t, cfg.Catalog.TaskTypes, 1)
	assert.Equal(t, "summary", cfg.Catalog.TaskTypes[0].TaskType)
	assert.True(t, cfg.Catalog.TaskTypes[0].AllowCloudFallback)
	require.Len(t, cfg.Catalog.Models, 2)
	assert.True(t, cfg.Catalog.Models[0].Capability().IsAvailable)
	assert.False(t, cfg.Catalog.Models[1].Capability().IsAvailable)
	assert.InDelta(t, 0.01, cfg.Catalog.Models[1].CostPer1K(), 1e-9)

	assert.Equal(t, intelligence.StrategyCostOptimal, cfg.Intelligence.DefaultStrategy)
	assert.Equal(t, []string{"ollama"}, cfg.Intelligence.Feed.LocalProviders)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Expected error for missing config file")
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "invalid log level",
			yaml:    "logging:\n  level: verbose\n",
			wantErr: "invalid log level",
		},
		{
			name:    "rate limit without rate",
			yaml:    "server:\n  rate_limit:\n    enabled: true\n    requests_per_minute: 0\n",
			wantErr: "requests_per_minute",
		},
		{
			name:    "negative ceiling",
			yaml:    "router:\n  free_tier_cost_ceiling: -1\n",
			wantErr: "cost ceiling",
		},
		{
			name:    "redis without address",
			yaml:    "router:\n  cache_backend: redis\n",
			wantErr: "redis.addr",
		},
		{
			name:    "unknown storage driver",
			yaml:    "storage:\n  driver: mongo\n",
			wantErr: "invalid storage driver",
		},
		{
			name:    "sql driver without dsn",
			yaml:    "storage:\n  driver: postgres\n",
			wantErr: "requires a dsn",
		},
		{
			name:    "unknown provider kind",
			yaml:    "providers:\n  - name: gemini\n    kind: gemini\n",
			wantErr: "unknown kind",
		},
		{
			name:    "openai without key",
			yaml:    "providers:\n  - name: openai\n    kind: openai\n",
			wantErr: "api_key is required",
		},
		{
			name:    "duplicate provider",
			yaml:    "providers:\n  - name: local\n    kind: static\n  - name: local\n    kind: static\n",
			wantErr: "duplicate provider",
		},
		{
			name:    "bad catalog model",
			yaml:    "catalog:\n  models:\n    - provider: x\n      model_id: y\n      capability_score: 1.5\n      privacy_level: cloud\n",
			wantErr: "catalog model 0",
		},
		{
			name:    "bad priority entry",
			yaml:    "router:\n  provider_priority:\n    - provider: ollama\n",
			wantErr: "provider priority entry 0",
		},
		{
			name:    "unknown strategy",
			yaml:    "intelligence:\n  default_strategy: fastest\n",
			wantErr: "strategy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OPENAI_API_KEY", "")

			_, err := LoadConfig(writeTestConfig(t, tt.yaml))
			if err == nil {
				t.Fatalf("Expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestCatalogConfig_Seed(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "test-openai-key")
	cfg, err := LoadConfig(writeTestConfig(t, testConfigYAML))
	require.NoError(t, err)

	ctx := context.Background()
	memory := store.NewMemoryStore(nil)
	require.NoError(t, cfg.Catalog.Seed(ctx, memory, memory))

	meta, err := memory.GetTaskMetadata(ctx, "summary")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, 0.6, meta.MinModelCapabilityScore)

	models, err := memory.ListModels(ctx)
	require.NoError(t, err)
	require.Len(t, models, 2)

	available := map[string]bool{}
	for _, m := range models {
		available[m.Key()] = m.IsAvailable
	}
	assert.True(t, available["ollama/llama3-70b"])
	assert.False(t, available["openai/gpt-4o"])
}

func TestConfig_SaveToFile(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	cfg.Server.Port = "7070"
	cfg.Router.CacheTTL = 90 * time.Second

	path := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, cfg.SaveToFile(path))

	reloaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "7070", reloaded.Server.Port)
	assert.Equal(t, 90*time.Second, reloaded.Router.CacheTTL)
}

func TestConfig_ToServerConfig(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	serverCfg := cfg.ToServerConfig()
	assert.Equal(t, "8080", serverCfg.Port)
	assert.Equal(t, "/metrics", serverCfg.MetricsPath)
	assert.False(t, serverCfg.RateLimit.Enabled)
	assert.Equal(t, 600, serverCfg.RateLimit.RequestsPerMinute)

	cfg.Metrics.Enabled = false
	assert.Empty(t, cfg.ToServerConfig().MetricsPath)
}

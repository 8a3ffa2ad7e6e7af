package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/task-router/internal/health"
	"github.com/tributary-ai/task-router/internal/intelligence"
	"github.com/tributary-ai/task-router/internal/middleware"
	"github.com/tributary-ai/task-router/internal/providers"
	"github.com/tributary-ai/task-router/internal/providers/builtin"
	"github.com/tributary-ai/task-router/internal/routing"
	"github.com/tributary-ai/task-router/internal/server"
	"github.com/tributary-ai/task-router/internal/store"
	"github.com/tributary-ai/task-router/internal/types"
)

const envPrefix = "TASK_ROUTER_"

// Config represents the complete application configuration
type Config struct {
	Server       ServerConfig             `yaml:"server"`
	Router       RouterConfig             `yaml:"router"`
	Storage      StorageConfig            `yaml:"storage"`
	Redis        RedisConfig              `yaml:"redis"`
	Providers    []providers.ProberConfig `yaml:"providers"`
	Health       health.Config            `yaml:"health"`
	Catalog      CatalogConfig            `yaml:"catalog"`
	Intelligence IntelligenceConfig       `yaml:"intelligence"`
	Metrics      MetricsConfig            `yaml:"metrics"`
	Logging      LoggingConfig            `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes"`
	MaxRequestSize  int64         `yaml:"max_request_size"`

	RateLimit middleware.RateLimitConfig `yaml:"rate_limit"`
}

// RouterConfig holds routing configuration
type RouterConfig struct {
	routing.Config `yaml:",inline"`

	// CacheBackend is "memory" or "redis"
	CacheBackend string `yaml:"cache_backend"`
}

// StorageConfig selects the persistence backend
type StorageConfig struct {
	store.BackendConfig `yaml:",inline"`

	// AsyncMetrics puts a BufferedSink in front of the backend's metric writes
	AsyncMetrics bool                     `yaml:"async_metrics"`
	Buffer       store.BufferedSinkConfig `yaml:"buffer"`
}

// RedisConfig holds the shared decision cache connection
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// CatalogConfig seeds task types and models at startup
type CatalogConfig struct {
	TaskTypes []types.TaskMetadata `yaml:"task_types"`
	Models    []CatalogModel       `yaml:"models"`
}

// CatalogModel is a model entry. Models are available unless disabled.
type CatalogModel struct {
	types.ModelCapability `yaml:",inline"`
	Disabled              bool `yaml:"disabled"`
}

// IntelligenceConfig holds predictor, forecaster and deployment engine settings
type IntelligenceConfig struct {
	Predictor       intelligence.PredictorConfig  `yaml:"predictor"`
	Forecaster      intelligence.ForecasterConfig `yaml:"forecaster"`
	Feed            intelligence.FeedConfig       `yaml:"feed"`
	DefaultStrategy intelligence.Strategy         `yaml:"default_strategy"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	config.setDefaults()

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := config.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults sets default configuration values
func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Port:            "8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MaxHeaderBytes:  1 << 20, // 1MB
		MaxRequestSize:  1 << 20,
		RateLimit: middleware.RateLimitConfig{
			RequestsPerMinute: 600,
			BurstSize:         100,
			CleanupInterval:   5 * time.Minute,
		},
	}

	c.Router = RouterConfig{
		Config: routing.Config{
			CacheTTL:            routing.DefaultCacheTTL,
			DecisionTimeout:     2 * time.Second,
			FreeTierCostCeiling: routing.DefaultFreeTierCostCeiling,
			MaxFallbacks:        routing.DefaultMaxFallbacks,
		},
		CacheBackend: "memory",
	}

	c.Storage = StorageConfig{
		BackendConfig: store.BackendConfig{Driver: "memory"},
		Buffer: store.BufferedSinkConfig{
			BufferSize:    1000,
			BatchSize:     50,
			FlushInterval: 5 * time.Second,
			WriteTimeout:  5 * time.Second,
		},
	}

	c.Redis = RedisConfig{
		KeyPrefix: "task-router:decision:",
	}

	c.Health = health.Config{
		CheckInterval:   health.DefaultCheckInterval,
		ProbeTimeout:    health.DefaultProbeTimeout,
		BreakerFailures: 3,
		BreakerCooldown: 30 * time.Second,
	}

	c.Intelligence = IntelligenceConfig{
		Predictor: intelligence.PredictorConfig{
			HistorySize: intelligence.DefaultPredictorHistory,
			MinSamples:  intelligence.DefaultMinSamples,
		},
		Forecaster: intelligence.ForecasterConfig{
			HistorySize: intelligence.DefaultForecasterHistory,
		},
		DefaultStrategy: intelligence.StrategyBalanced,
	}

	c.Metrics = MetricsConfig{
		Enabled: true,
		Path:    "/metrics",
	}

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}
}

// loadFromFile loads configuration from YAML file
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() error {
	if port := os.Getenv(envPrefix + "PORT"); port != "" {
		c.Server.Port = port
	}

	// Provider API keys fill in entries that have none
	openaiKey := os.Getenv("OPENAI_API_KEY")
	anthropicKey := os.Getenv("ANTHROPIC_API_KEY")
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.APIKey != "" {
			continue
		}
		switch p.Kind {
		case "openai":
			p.APIKey = openaiKey
		case "anthropic":
			p.APIKey = anthropicKey
		}
	}

	if level := os.Getenv(envPrefix + "LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv(envPrefix + "LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	if driver := os.Getenv(envPrefix + "STORAGE_DRIVER"); driver != "" {
		c.Storage.Driver = driver
	}
	if dsn := os.Getenv(envPrefix + "STORAGE_DSN"); dsn != "" {
		c.Storage.DSN = dsn
	}

	if addr := os.Getenv(envPrefix + "REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if password := os.Getenv(envPrefix + "REDIS_PASSWORD"); password != "" {
		c.Redis.Password = password
	}
	if backend := os.Getenv(envPrefix + "CACHE_BACKEND"); backend != "" {
		c.Router.CacheBackend = backend
	}

	if v := os.Getenv(envPrefix + "FREE_TIER_COST_CEILING"); v != "" {
		ceiling, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sFREE_TIER_COST_CEILING: %w", envPrefix, err)
		}
		c.Router.FreeTierCostCeiling = ceiling
	}
	if v := os.Getenv(envPrefix + "MAX_FALLBACKS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sMAX_FALLBACKS: %w", envPrefix, err)
		}
		c.Router.MaxFallbacks = n
	}
	if v := os.Getenv(envPrefix + "DEFAULT_STRATEGY"); v != "" {
		c.Intelligence.DefaultStrategy = intelligence.Strategy(v)
	}

	return nil
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate limit requires a positive requests_per_minute")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Router.FreeTierCostCeiling < 0 {
		return fmt.Errorf("free tier cost ceiling cannot be negative")
	}
	if c.Router.MaxFallbacks < 0 {
		return fmt.Errorf("max fallbacks cannot be negative")
	}
	for i, entry := range c.Router.ProviderPriority {
		if entry.Provider == "" || entry.Model == "" {
			return fmt.Errorf("provider priority entry %d needs provider and model", i)
		}
	}
	switch c.Router.CacheBackend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis cache backend requires redis.addr")
		}
	default:
		return fmt.Errorf("invalid cache backend: %s", c.Router.CacheBackend)
	}

	validDriver := false
	for _, driver := range store.Backends() {
		if driver == c.Storage.Driver {
			validDriver = true
		}
	}
	if !validDriver {
		return fmt.Errorf("invalid storage driver %q (supported: %v)", c.Storage.Driver, store.Backends())
	}
	if c.Storage.Driver != "memory" && c.Storage.DSN == "" {
		return fmt.Errorf("storage driver %s requires a dsn", c.Storage.Driver)
	}

	// Probers are built here to surface kind and credential errors at load time
	seen := make(map[string]bool)
	for _, p := range c.Providers {
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
		if _, err := builtin.NewProber(p, nil); err != nil {
			return err
		}
	}

	for i := range c.Catalog.TaskTypes {
		if err := c.Catalog.TaskTypes[i].Validate(); err != nil {
			return fmt.Errorf("catalog task type %d: %w", i, err)
		}
	}
	for i := range c.Catalog.Models {
		if err := c.Catalog.Models[i].Validate(); err != nil {
			return fmt.Errorf("catalog model %d: %w", i, err)
		}
	}

	if _, err := intelligence.ParseStrategy(string(c.Intelligence.DefaultStrategy)); err != nil {
		return err
	}

	return nil
}

// Capability returns the model as it should be registered
func (m CatalogModel) Capability() types.ModelCapability {
	capability := m.ModelCapability.Clone()
	capability.IsAvailable = !m.Disabled
	return capability
}

// Seed writes the catalog into the stores. Existing entries are overwritten.
func (c CatalogConfig) Seed(ctx context.Context, tasks store.TaskMetadataStore, registry store.ModelCapabilityRegistry) error {
	for i := range c.TaskTypes {
		meta := c.TaskTypes[i]
		if err := tasks.PutTaskMetadata(ctx, &meta); err != nil {
			return fmt.Errorf("failed to seed task type %s: %w", meta.TaskType, err)
		}
	}
	for _, m := range c.Models {
		if _, err := registry.RegisterModel(ctx, m.Capability()); err != nil {
			return fmt.Errorf("failed to seed model %s: %w", m.Key(), err)
		}
	}
	return nil
}

// ToServerConfig converts to server.Config
func (c *Config) ToServerConfig() *server.Config {
	metricsPath := ""
	if c.Metrics.Enabled {
		metricsPath = c.Metrics.Path
	}
	return &server.Config{
		Port:           c.Server.Port,
		ReadTimeout:    c.Server.ReadTimeout,
		WriteTimeout:   c.Server.WriteTimeout,
		MaxHeaderBytes: c.Server.MaxHeaderBytes,
		MaxRequestSize: c.Server.MaxRequestSize,
		MetricsPath:    metricsPath,
		RateLimit:      c.Server.RateLimit,
	}
}

// SaveToFile saves the current configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetEnabledProviders returns the names of the probed providers
func (c *Config) GetEnabledProviders() []string {
	var names []string
	for _, p := range c.Providers {
		names = append(names, p.Name)
	}
	return names
}

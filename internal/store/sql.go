package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	_ "github.com/lib/pq" // postgres driver
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // pure Go sqlite driver

	"github.com/tributary-ai/task-router/internal/types"
)

// Dialect selects placeholder syntax
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS task_metadata (
		task_type TEXT PRIMARY KEY,
		description TEXT NOT NULL DEFAULT '',
		quality_threshold DOUBLE PRECISION NOT NULL,
		min_capability_score DOUBLE PRECISION NOT NULL,
		max_latency_ms DOUBLE PRECISION NOT NULL,
		max_cost_per_1k DOUBLE PRECISION NOT NULL,
		data_sensitivity TEXT NOT NULL,
		requires_local BOOLEAN NOT NULL,
		allow_cloud_fallback BOOLEAN NOT NULL,
		business_priority TEXT NOT NULL,
		required_features TEXT NOT NULL,
		preferred_model_type TEXT NOT NULL,
		max_input_tokens INTEGER NOT NULL,
		max_output_tokens INTEGER NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS model_capabilities (
		provider TEXT NOT NULL,
		model_id TEXT NOT NULL,
		model_type TEXT NOT NULL,
		capability_score DOUBLE PRECISION NOT NULL,
		cost_per_1k_input DOUBLE PRECISION NOT NULL,
		cost_per_1k_output DOUBLE PRECISION NOT NULL,
		avg_latency_ms DOUBLE PRECISION NOT NULL,
		privacy_level TEXT NOT NULL,
		is_available BOOLEAN NOT NULL,
		benchmark_scores TEXT NOT NULL,
		supported_features TEXT NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (provider, model_id)
	)`,
	`CREATE TABLE IF NOT EXISTS performance_metrics (
		task_type TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		bucket_start BIGINT NOT NULL,
		request_count BIGINT NOT NULL,
		success_count BIGINT NOT NULL,
		total_latency_ms DOUBLE PRECISION NOT NULL,
		total_quality DOUBLE PRECISION NOT NULL,
		quality_samples BIGINT NOT NULL,
		total_cost DOUBLE PRECISION NOT NULL,
		total_tokens BIGINT NOT NULL DEFAULT 0,
		token_latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		PRIMARY KEY (task_type, provider, model, bucket_start)
	)`,
}

const taskColumns = `task_type, description, quality_threshold, min_capability_score, max_latency_ms,
	max_cost_per_1k, data_sensitivity, requires_local, allow_cloud_fallback, business_priority,
	required_features, preferred_model_type, max_input_tokens, max_output_tokens, created_at, updated_at`

const modelColumns = `provider, model_id, model_type, capability_score, cost_per_1k_input, cost_per_1k_output,
	avg_latency_ms, privacy_level, is_available, benchmark_scores, supported_features, updated_at`

// SQLStore is a RoutingCollaborator backed by database/sql
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	clock   clock.Clock
	logger  *logrus.Logger
}

// OpenSQLStore opens the database and bootstraps the schema
func OpenSQLStore(ctx context.Context, dialect Dialect, dsn string, clk clock.Clock, logger *logrus.Logger) (*SQLStore, error) {
	driver := string(dialect)
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("unsupported sql dialect: %s", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if dialect == DialectSQLite {
		// sqlite allows a single writer
		db.SetMaxOpenConns(1)
	}

	s := NewSQLStore(db, dialect, clk, logger)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an already opened database
func NewSQLStore(db *sql.DB, dialect Dialect, clk clock.Clock, logger *logrus.Logger) *SQLStore {
	if clk == nil {
		clk = clock.New()
	}
	return &SQLStore{db: db, dialect: dialect, clock: clk, logger: logger}
}

// Migrate creates the tables if they do not exist
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	s.logger.WithField("dialect", s.dialect).Debug("Schema ready")
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind turns ? placeholders into $n for postgres
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.TaskMetadata, error) {
	var (
		meta                 types.TaskMetadata
		features             string
		createdAt, updatedAt int64
	)
	err := row.Scan(&meta.TaskType, &meta.Description, &meta.QualityThreshold, &meta.MinModelCapabilityScore,
		&meta.MaxAcceptableLatencyMs, &meta.MaxAcceptableCostPer1K, &meta.DataSensitivity,
		&meta.RequiresLocalProcessing, &meta.AllowCloudFallback, &meta.BusinessPriority,
		&features, &meta.PreferredModelType, &meta.MaxInputTokens, &meta.MaxOutputTokens,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(features), &meta.RequiredFeatures); err != nil {
		return nil, fmt.Errorf("failed to decode required features: %w", err)
	}
	meta.CreatedAt = time.Unix(0, createdAt).UTC()
	meta.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &meta, nil
}

func (s *SQLStore) GetTaskMetadata(ctx context.Context, taskType string) (*types.TaskMetadata, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+taskColumns+` FROM task_metadata WHERE task_type = ?`), taskType)
	meta, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task metadata %s: %w", taskType, err)
	}
	return meta, nil
}

func (s *SQLStore) ListTaskMetadata(ctx context.Context, filter types.TaskFilter) ([]types.TaskMetadata, error) {
	query := `SELECT ` + taskColumns + ` FROM task_metadata WHERE 1 = 1`
	args := make([]any, 0, 3)
	if filter.DataSensitivity != "" {
		query += ` AND data_sensitivity = ?`
		args = append(args, string(filter.DataSensitivity))
	}
	if filter.BusinessPriority != "" {
		query += ` AND business_priority = ?`
		args = append(args, string(filter.BusinessPriority))
	}
	if filter.RequiresLocal != nil {
		query += ` AND requires_local = ?`
		args = append(args, *filter.RequiresLocal)
	}
	query += ` ORDER BY task_type`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list task metadata: %w", err)
	}
	defer rows.Close()

	result := make([]types.TaskMetadata, 0)
	for rows.Next() {
		meta, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task metadata: %w", err)
		}
		result = append(result, *meta)
	}
	return result, rows.Err()
}

func (s *SQLStore) PutTaskMetadata(ctx context.Context, meta *types.TaskMetadata) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	features, err := json.Marshal(nonNil(meta.RequiredFeatures))
	if err != nil {
		return fmt.Errorf("failed to encode required features: %w", err)
	}
	now := s.clock.Now().UnixNano()

	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO task_metadata (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_type) DO UPDATE SET
			description = excluded.description,
			quality_threshold = excluded.quality_threshold,
			min_capability_score = excluded.min_capability_score,
			max_latency_ms = excluded.max_latency_ms,
			max_cost_per_1k = excluded.max_cost_per_1k,
			data_sensitivity = excluded.data_sensitivity,
			requires_local = excluded.requires_local,
			allow_cloud_fallback = excluded.allow_cloud_fallback,
			business_priority = excluded.business_priority,
			required_features = excluded.required_features,
			preferred_model_type = excluded.preferred_model_type,
			max_input_tokens = excluded.max_input_tokens,
			max_output_tokens = excluded.max_output_tokens,
			updated_at = excluded.updated_at`),
		meta.TaskType, meta.Description, meta.QualityThreshold, meta.MinModelCapabilityScore,
		meta.MaxAcceptableLatencyMs, meta.MaxAcceptableCostPer1K, string(meta.DataSensitivity),
		meta.RequiresLocalProcessing, meta.AllowCloudFallback, string(meta.BusinessPriority),
		string(features), meta.PreferredModelType, meta.MaxInputTokens, meta.MaxOutputTokens,
		now, now)
	if err != nil {
		return fmt.Errorf("failed to store task metadata %s: %w", meta.TaskType, err)
	}
	return nil
}

func scanModel(row rowScanner) (*types.ModelCapability, error) {
	var (
		c                    types.ModelCapability
		benchmarks, features string
		updatedAt            int64
	)
	err := row.Scan(&c.Provider, &c.ModelID, &c.ModelType, &c.CapabilityScore, &c.CostPer1KInput,
		&c.CostPer1KOutput, &c.AvgLatencyMs, &c.PrivacyLevel, &c.IsAvailable, &benchmarks, &features, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(benchmarks), &c.BenchmarkScores); err != nil {
		return nil, fmt.Errorf("failed to decode benchmark scores: %w", err)
	}
	if err := json.Unmarshal([]byte(features), &c.SupportedFeatures); err != nil {
		return nil, fmt.Errorf("failed to decode supported features: %w", err)
	}
	c.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &c, nil
}

func (s *SQLStore) RegisterModel(ctx context.Context, capability types.ModelCapability) (*types.ModelCapability, error) {
	if err := capability.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model capability: %w", err)
	}
	benchmarks := capability.BenchmarkScores
	if benchmarks == nil {
		benchmarks = map[string]float64{}
	}
	benchmarkJSON, err := json.Marshal(benchmarks)
	if err != nil {
		return nil, fmt.Errorf("failed to encode benchmark scores: %w", err)
	}
	featureJSON, err := json.Marshal(nonNil(capability.SupportedFeatures))
	if err != nil {
		return nil, fmt.Errorf("failed to encode supported features: %w", err)
	}
	now := s.clock.Now()

	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO model_capabilities (`+modelColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, model_id) DO UPDATE SET
			model_type = excluded.model_type,
			capability_score = excluded.capability_score,
			cost_per_1k_input = excluded.cost_per_1k_input,
			cost_per_1k_output = excluded.cost_per_1k_output,
			avg_latency_ms = excluded.avg_latency_ms,
			privacy_level = excluded.privacy_level,
			is_available = excluded.is_available,
			benchmark_scores = excluded.benchmark_scores,
			supported_features = excluded.supported_features,
			updated_at = excluded.updated_at`),
		capability.Provider, capability.ModelID, capability.ModelType, capability.CapabilityScore,
		capability.CostPer1KInput, capability.CostPer1KOutput, capability.AvgLatencyMs,
		string(capability.PrivacyLevel), capability.IsAvailable, string(benchmarkJSON), string(featureJSON),
		now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to register model %s: %w", capability.Key(), err)
	}

	s.logger.WithFields(logrus.Fields{
		"provider": capability.Provider,
		"model":    capability.ModelID,
	}).Debug("Model capability registered")

	out := capability.Clone()
	out.UpdatedAt = now.UTC()
	return &out, nil
}

func (s *SQLStore) ListAvailable(ctx context.Context, req types.TaskRequirements, privacy types.PrivacyLevel) ([]types.ModelCapability, error) {
	query := `SELECT ` + modelColumns + ` FROM model_capabilities WHERE is_available = ? AND capability_score >= ?`
	args := []any{true, req.MinCapabilityScore}
	if req.MaxCostPer1K > 0 {
		query += ` AND (cost_per_1k_input + cost_per_1k_output) / 2 <= ?`
		args = append(args, req.MaxCostPer1K)
	}
	if req.MaxLatencyMs > 0 {
		query += ` AND avg_latency_ms <= ?`
		args = append(args, req.MaxLatencyMs)
	}
	switch privacy {
	case types.PrivacyLocal:
		query += ` AND privacy_level = ?`
		args = append(args, string(types.PrivacyLocal))
	case types.PrivacyCloud:
		query += ` AND privacy_level IN (?, ?)`
		args = append(args, string(types.PrivacyCloud), string(types.PrivacyHybrid))
	}
	query += ` ORDER BY capability_score DESC, provider, model_id`

	models, err := s.queryModels(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	// feature matching is done in Go since features are stored as JSON
	result := models[:0]
	for _, m := range models {
		if m.SupportsAll(req.RequiredFeatures) {
			result = append(result, m)
		}
	}
	return result, nil
}

func (s *SQLStore) ListModels(ctx context.Context) ([]types.ModelCapability, error) {
	return s.queryModels(ctx, `SELECT `+modelColumns+` FROM model_capabilities ORDER BY capability_score DESC, provider, model_id`)
}

func (s *SQLStore) queryModels(ctx context.Context, query string, args ...any) ([]types.ModelCapability, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query model capabilities: %w", err)
	}
	defer rows.Close()

	result := make([]types.ModelCapability, 0)
	for rows.Next() {
		c, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model capability: %w", err)
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

func (s *SQLStore) SetAvailability(ctx context.Context, provider, modelID string, available bool) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE model_capabilities SET is_available = ?, updated_at = ? WHERE provider = ? AND model_id = ?`),
		available, s.clock.Now().UnixNano(), provider, modelID)
	if err != nil {
		return fmt.Errorf("failed to update availability of %s/%s: %w", provider, modelID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("model %s/%s not registered", provider, modelID)
	}
	return nil
}

func (s *SQLStore) Record(ctx context.Context, metric types.PerformanceMetric) error {
	if metric.RecordedAt.IsZero() {
		metric.RecordedAt = s.clock.Now()
	}
	b := bucketFor(metric)

	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO performance_metrics
		(task_type, provider, model, bucket_start, request_count, success_count, total_latency_ms, total_quality, quality_samples, total_cost,
		total_tokens, token_latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_type, provider, model, bucket_start) DO UPDATE SET
			request_count = performance_metrics.request_count + excluded.request_count,
			success_count = performance_metrics.success_count + excluded.success_count,
			total_latency_ms = performance_metrics.total_latency_ms + excluded.total_latency_ms,
			total_quality = performance_metrics.total_quality + excluded.total_quality,
			quality_samples = performance_metrics.quality_samples + excluded.quality_samples,
			total_cost = performance_metrics.total_cost + excluded.total_cost,
			total_tokens = performance_metrics.total_tokens + excluded.total_tokens,
			token_latency_ms = performance_metrics.token_latency_ms + excluded.token_latency_ms`),
		b.TaskType, b.Provider, b.Model, b.BucketStart.Unix(), b.RequestCount, b.SuccessCount,
		b.TotalLatencyMs, b.TotalQuality, b.QualitySamples, b.TotalCost, b.TotalTokens, b.TokenLatencyMs)
	if err != nil {
		return fmt.Errorf("failed to record performance metric: %w", err)
	}
	return nil
}

func (s *SQLStore) ListBuckets(ctx context.Context, taskType string, since time.Time) ([]types.MetricBucket, error) {
	query := `SELECT task_type, provider, model, bucket_start, request_count, success_count,
		total_latency_ms, total_quality, quality_samples, total_cost, total_tokens, token_latency_ms
		FROM performance_metrics WHERE bucket_start >= ?`
	args := []any{since.Unix()}
	if taskType != "" {
		query += ` AND task_type = ?`
		args = append(args, taskType)
	}
	query += ` ORDER BY bucket_start, task_type, provider, model`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query metric buckets: %w", err)
	}
	defer rows.Close()

	result := make([]types.MetricBucket, 0)
	for rows.Next() {
		var (
			b      types.MetricBucket
			bucket int64
		)
		if err := rows.Scan(&b.TaskType, &b.Provider, &b.Model, &bucket, &b.RequestCount, &b.SuccessCount,
			&b.TotalLatencyMs, &b.TotalQuality, &b.QualitySamples, &b.TotalCost, &b.TotalTokens, &b.TokenLatencyMs); err != nil {
			return nil, fmt.Errorf("failed to scan metric bucket: %w", err)
		}
		b.BucketStart = time.Unix(bucket, 0).UTC()
		result = append(result, b)
	}
	return result, rows.Err()
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

package types

import (
	"fmt"
	"time"
)

// SensitivityLevel classifies how sensitive the data handled by a task type is
type SensitivityLevel string

const (
	SensitivityLow          SensitivityLevel = "low"
	SensitivityMedium       SensitivityLevel = "medium"
	SensitivityHigh         SensitivityLevel = "high"
	SensitivityConfidential SensitivityLevel = "confidential"
)

// BusinessPriority is the business importance of a task type
type BusinessPriority string

const (
	PriorityLow      BusinessPriority = "low"
	PriorityNormal   BusinessPriority = "normal"
	PriorityHigh     BusinessPriority = "high"
	PriorityCritical BusinessPriority = "critical"
)

// TaskMetadata is the per-task-type contract a routing decision must satisfy
type TaskMetadata struct {
	TaskType    string `json:"task_type" yaml:"task_type"`
	Description string `json:"description,omitempty" yaml:"description"`

	// Quality and capability floor
	QualityThreshold        float64 `json:"quality_threshold" yaml:"quality_threshold"`
	MinModelCapabilityScore float64 `json:"min_model_capability_score" yaml:"min_model_capability_score"`

	// Ceilings
	MaxAcceptableLatencyMs float64 `json:"max_acceptable_latency_ms" yaml:"max_acceptable_latency_ms"`
	MaxAcceptableCostPer1K float64 `json:"max_acceptable_cost_per_1k" yaml:"max_acceptable_cost_per_1k"`

	// Privacy
	DataSensitivity         SensitivityLevel `json:"data_sensitivity" yaml:"data_sensitivity"`
	RequiresLocalProcessing bool             `json:"requires_local_processing" yaml:"requires_local_processing"`
	AllowCloudFallback      bool             `json:"allow_cloud_fallback" yaml:"allow_cloud_fallback"`

	BusinessPriority   BusinessPriority `json:"business_priority" yaml:"business_priority"`
	RequiredFeatures   []string         `json:"required_features,omitempty" yaml:"required_features"`
	PreferredModelType string           `json:"preferred_model_type,omitempty" yaml:"preferred_model_type"`

	// Token limits
	MaxInputTokens  int `json:"max_input_tokens,omitempty" yaml:"max_input_tokens"`
	MaxOutputTokens int `json:"max_output_tokens,omitempty" yaml:"max_output_tokens"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Validate checks that the metadata row is usable for routing
func (m *TaskMetadata) Validate() error {
	if m.TaskType == "" {
		return NewConfigurationError("", "task type is required")
	}
	if m.QualityThreshold < 0 || m.QualityThreshold > 1 {
		return NewConfigurationError(m.TaskType, fmt.Sprintf("quality threshold %.2f outside [0,1]", m.QualityThreshold))
	}
	if m.MinModelCapabilityScore < 0 || m.MinModelCapabilityScore > 1 {
		return NewConfigurationError(m.TaskType, fmt.Sprintf("min capability score %.2f outside [0,1]", m.MinModelCapabilityScore))
	}
	if m.MaxAcceptableLatencyMs < 0 || m.MaxAcceptableCostPer1K < 0 {
		return NewConfigurationError(m.TaskType, "latency and cost ceilings must not be negative")
	}
	switch m.DataSensitivity {
	case "", SensitivityLow, SensitivityMedium, SensitivityHigh, SensitivityConfidential:
	default:
		return NewConfigurationError(m.TaskType, fmt.Sprintf("unknown data sensitivity %q", m.DataSensitivity))
	}
	switch m.BusinessPriority {
	case "", PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
	default:
		return NewConfigurationError(m.TaskType, fmt.Sprintf("unknown business priority %q", m.BusinessPriority))
	}
	if m.MaxInputTokens < 0 || m.MaxOutputTokens < 0 {
		return NewConfigurationError(m.TaskType, "token limits must not be negative")
	}
	return nil
}

// IsSensitive reports whether the data must stay local unless cloud fallback is allowed
func (m *TaskMetadata) IsSensitive() bool {
	return m.DataSensitivity == SensitivityHigh || m.DataSensitivity == SensitivityConfidential
}

// TaskFilter narrows TaskMetadataStore.List results. Zero values match everything.
type TaskFilter struct {
	DataSensitivity  SensitivityLevel `json:"data_sensitivity,omitempty"`
	BusinessPriority BusinessPriority `json:"business_priority,omitempty"`
	RequiresLocal    *bool            `json:"requires_local,omitempty"`
}

// Matches reports whether the metadata satisfies the filter
func (f TaskFilter) Matches(m *TaskMetadata) bool {
	if f.DataSensitivity != "" && m.DataSensitivity != f.DataSensitivity {
		return false
	}
	if f.BusinessPriority != "" && m.BusinessPriority != f.BusinessPriority {
		return false
	}
	if f.RequiresLocal != nil && m.RequiresLocalProcessing != *f.RequiresLocal {
		return false
	}
	return true
}

// TaskRequirements are the effective constraints used to query the capability registry
type TaskRequirements struct {
	MinCapabilityScore float64  `json:"min_capability_score"`
	MaxCostPer1K       float64  `json:"max_cost_per_1k"`
	MaxLatencyMs       float64  `json:"max_latency_ms"`
	RequiredFeatures   []string `json:"required_features,omitempty"`
}

package types

import "time"

// ProviderStatus is the health state of a provider
type ProviderStatus string

const (
	StatusUnchecked   ProviderStatus = "unchecked"
	StatusHealthy     ProviderStatus = "healthy"
	StatusDegraded    ProviderStatus = "degraded"
	StatusUnavailable ProviderStatus = "unavailable"
	StatusMaintenance ProviderStatus = "maintenance"
)

// Routable reports whether a provider in this state may be chosen as a healthy substitute
func (s ProviderStatus) Routable() bool {
	return s == StatusHealthy || s == StatusUnchecked
}

// ProviderHealth is the last-known health of a provider
type ProviderHealth struct {
	Provider            string         `json:"provider"`
	Status              ProviderStatus `json:"status"`
	LatencyMs           float64        `json:"latency_ms"`
	SuccessRate         float64        `json:"success_rate"`
	LastCheck           time.Time      `json:"last_check"`
	ErrorMessage        string         `json:"error_message,omitempty"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
}

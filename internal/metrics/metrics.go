// Package metrics exposes routing, health and forecasting metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tributary-ai/task-router/internal/types"
)

const namespace = "task_router"

var healthStatuses = []types.ProviderStatus{
	types.StatusUnchecked,
	types.StatusHealthy,
	types.StatusDegraded,
	types.StatusUnavailable,
	types.StatusMaintenance,
}

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	routingRequests   *prometheus.CounterVec
	routingDecisions  *prometheus.CounterVec
	ruleApplications  *prometheus.CounterVec
	decisionDuration  *prometheus.HistogramVec
	completions       *prometheus.CounterVec
	completionLatency *prometheus.HistogramVec

	providerStatus      *prometheus.GaugeVec
	providerSuccessRate *prometheus.GaugeVec
	providerLatency     *prometheus.GaugeVec

	predictions       *prometheus.CounterVec
	deploymentChoices *prometheus.CounterVec
	forecastPeakLoad  prometheus.Gauge
}

// New creates the collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		routingRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "requests_total",
			Help:      "Routing requests by outcome (routed, cache_hit, fallback, failed)",
		}, []string{"outcome"}),

		routingDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "decisions_total",
			Help:      "Routing decisions by selected provider and model",
		}, []string{"task_type", "provider", "model"}),

		ruleApplications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "rule_applications_total",
			Help:      "Business rule substitutions",
		}, []string{"rule"}),

		decisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "decision_duration_seconds",
			Help:      "Time spent producing a routing decision",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"outcome"}),

		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "completions_total",
			Help:      "Reported task completions",
		}, []string{"provider", "success"}),

		completionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "completion_latency_seconds",
			Help:      "Reported task latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),

		providerStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "status",
			Help:      "1 for the provider's current health status",
		}, []string{"provider", "status"}),

		providerSuccessRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "success_rate",
			Help:      "Exponential moving average of provider success",
		}, []string{"provider"}),

		providerLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "latency_ms",
			Help:      "Exponential moving average of provider latency",
		}, []string{"provider"}),

		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intelligence",
			Name:      "predictions_total",
			Help:      "Performance predictions by method",
		}, []string{"metric", "method"}),

		deploymentChoices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intelligence",
			Name:      "deployment_decisions_total",
			Help:      "Deployment mode recommendations by strategy",
		}, []string{"strategy", "mode"}),

		forecastPeakLoad: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "intelligence",
			Name:      "forecast_peak_load",
			Help:      "Peak load of the most recent forecast",
		}),
	}

	m.registry.MustRegister(
		m.routingRequests,
		m.routingDecisions,
		m.ruleApplications,
		m.decisionDuration,
		m.completions,
		m.completionLatency,
		m.providerStatus,
		m.providerSuccessRate,
		m.providerLatency,
		m.predictions,
		m.deploymentChoices,
		m.forecastPeakLoad,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRouting records one RouteTask call
func (m *Metrics) ObserveRouting(outcome string, duration time.Duration, resp *types.RoutingDecisionResponse) {
	if m == nil {
		return
	}
	m.routingRequests.WithLabelValues(outcome).Inc()
	m.decisionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	if resp != nil {
		m.routingDecisions.WithLabelValues(resp.TaskType, resp.SelectedProvider, resp.SelectedModel).Inc()
	}
}

// ObserveRule records a business rule substitution
func (m *Metrics) ObserveRule(rule string) {
	if m == nil {
		return
	}
	m.ruleApplications.WithLabelValues(rule).Inc()
}

// ObserveCompletion records a task completion report
func (m *Metrics) ObserveCompletion(c types.TaskCompletion) {
	if m == nil {
		return
	}
	success := "false"
	if c.Success {
		success = "true"
	}
	m.completions.WithLabelValues(c.Provider, success).Inc()
	m.completionLatency.WithLabelValues(c.Provider).Observe(c.LatencyMs / 1000)
}

// ObserveHealth publishes a provider's health record
func (m *Metrics) ObserveHealth(h types.ProviderHealth) {
	if m == nil {
		return
	}
	for _, status := range healthStatuses {
		value := 0.0
		if status == h.Status {
			value = 1
		}
		m.providerStatus.WithLabelValues(h.Provider, string(status)).Set(value)
	}
	m.providerSuccessRate.WithLabelValues(h.Provider).Set(h.SuccessRate)
	m.providerLatency.WithLabelValues(h.Provider).Set(h.LatencyMs)
}

// ObservePrediction counts a performance prediction
func (m *Metrics) ObservePrediction(metric, method string) {
	if m == nil {
		return
	}
	m.predictions.WithLabelValues(metric, method).Inc()
}

// ObserveDeploymentDecision counts a deployment recommendation
func (m *Metrics) ObserveDeploymentDecision(strategy, mode string) {
	if m == nil {
		return
	}
	m.deploymentChoices.WithLabelValues(strategy, mode).Inc()
}

// ObserveForecast records the peak of the latest load forecast
func (m *Metrics) ObserveForecast(peak float64) {
	if m == nil {
		return
	}
	m.forecastPeakLoad.Set(peak)
}

// Package health tracks provider health from periodic probes and task
// completion feedback.
package health

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/tributary-ai/task-router/internal/providers"
	"github.com/tributary-ai/task-router/internal/types"
)

const (
	// emaAlpha weights the newest observation in success-rate and latency averages
	emaAlpha = 0.1

	unavailableBelow = 0.5
	degradedBelow    = 0.8

	DefaultCheckInterval = 60 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
	maxProbeTimeout      = 5 * time.Second
)

var tracer = otel.Tracer("github.com/tributary-ai/task-router/internal/health")

// Config holds monitor settings
type Config struct {
	CheckInterval time.Duration `yaml:"check_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`

	// Breaker opens after this many consecutive probe failures
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// Observer is notified after each status evaluation
type Observer interface {
	ObserveHealth(health types.ProviderHealth)
}

// Monitor tracks the health of every known provider.
// EMA updates are serialized through mu.
type Monitor struct {
	mu       sync.RWMutex
	health   map[string]*types.ProviderHealth
	probers  map[string]providers.Prober
	breakers map[string]*gobreaker.CircuitBreaker

	sweepMu   sync.Mutex
	lastSweep time.Time

	config    Config
	clock     clock.Clock
	logger    *logrus.Logger
	observers []Observer
}

// NewMonitor creates a monitor for the given probers
func NewMonitor(config Config, probers []providers.Prober, clk clock.Clock, logger *logrus.Logger) *Monitor {
	if config.CheckInterval <= 0 {
		config.CheckInterval = DefaultCheckInterval
	}
	if config.ProbeTimeout <= 0 || config.ProbeTimeout > maxProbeTimeout {
		config.ProbeTimeout = DefaultProbeTimeout
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = 3
	}
	if config.BreakerCooldown <= 0 {
		config.BreakerCooldown = 30 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}

	m := &Monitor{
		health:   make(map[string]*types.ProviderHealth),
		probers:  make(map[string]providers.Prober),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		config:   config,
		clock:    clk,
		logger:   logger,
	}
	for _, p := range probers {
		m.AddProber(p)
	}
	return m
}

// AddObserver registers an observer for health evaluations
func (m *Monitor) AddObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// AddProber registers a provider probe. The provider starts UNCHECKED.
func (m *Monitor) AddProber(p providers.Prober) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := p.Name()
	m.probers[name] = p
	m.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     m.config.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= m.config.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.WithFields(logrus.Fields{
				"provider": name,
				"from":     from.String(),
				"to":       to.String(),
			}).Warn("Probe circuit breaker state changed")
		},
	})
	m.entry(name)

	m.logger.WithField("provider", name).Info("Provider registered for health checks")
}

// entry returns the record for provider, creating it UNCHECKED. Caller holds mu.
func (m *Monitor) entry(provider string) *types.ProviderHealth {
	h, ok := m.health[provider]
	if !ok {
		h = &types.ProviderHealth{
			Provider:    provider,
			Status:      types.StatusUnchecked,
			SuccessRate: 1.0,
		}
		m.health[provider] = h
	}
	return h
}

// EnsureFresh sweeps when the last sweep is older than the check interval.
// Concurrent callers share a single sweep.
func (m *Monitor) EnsureFresh(ctx context.Context) error {
	if !m.stale() {
		return nil
	}

	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()
	if !m.stale() {
		return nil
	}
	return m.sweepLocked(ctx)
}

func (m *Monitor) stale() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSweep.IsZero() || m.clock.Since(m.lastSweep) >= m.config.CheckInterval
}

// Sweep probes every provider now
func (m *Monitor) Sweep(ctx context.Context) error {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()
	return m.sweepLocked(ctx)
}

func (m *Monitor) sweepLocked(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "health.sweep")
	defer span.End()

	m.mu.RLock()
	targets := make([]providers.Prober, 0, len(m.probers))
	for name, p := range m.probers {
		if m.health[name].Status == types.StatusMaintenance {
			continue
		}
		targets = append(targets, p)
	}
	m.mu.RUnlock()

	span.SetAttributes(attribute.Int("providers", len(targets)))

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range targets {
		g.Go(func() error {
			m.probe(gctx, p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.lastSweep = m.clock.Now()
	m.mu.Unlock()
	return nil
}

// probe runs one probe under the probe timeout and records the outcome
func (m *Monitor) probe(ctx context.Context, p providers.Prober) {
	name := p.Name()

	m.mu.RLock()
	breaker := m.breakers[name]
	m.mu.RUnlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	start := m.clock.Now()
	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, p.Probe(probeCtx)
	})
	latency := float64(m.clock.Since(start).Milliseconds())

	if err == nil {
		m.update(name, "", func(h *types.ProviderHealth) {
			applySuccess(h, latency)
			h.ErrorMessage = ""
		})
		return
	}
	if ctx.Err() != nil {
		// the caller gave up, not the provider
		return
	}

	// a plain probe error counts as one failure; a timeout or an open breaker takes the provider out
	var forced types.ProviderStatus
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(probeCtx.Err(), context.DeadlineExceeded):
		err = types.NewProbeTimeoutError(name, err)
		forced = types.StatusUnavailable
	case breaker.State() == gobreaker.StateOpen:
		// already open, or tripped by this failure
		forced = types.StatusUnavailable
	}
	// probe errors stop here, the status carries them
	m.logger.WithError(err).WithFields(logrus.Fields{
		"provider":      name,
		"breaker_state": breaker.State().String(),
	}).Warn("Health probe failed")

	m.update(name, forced, func(h *types.ProviderHealth) {
		applyFailure(h)
		h.ErrorMessage = err.Error()
	})
}

// RecordCompletion feeds one completed call into the provider's EMAs
func (m *Monitor) RecordCompletion(provider string, latencyMs float64, success bool, errMsg string) types.ProviderHealth {
	return m.update(provider, "", func(h *types.ProviderHealth) {
		if success {
			applySuccess(h, latencyMs)
			h.ErrorMessage = ""
		} else {
			applyFailure(h)
			h.ErrorMessage = errMsg
		}
	})
}

// update applies mutate and re-derives the status from the success rate unless forced is set.
// Providers in maintenance keep that status.
func (m *Monitor) update(provider string, forced types.ProviderStatus, mutate func(h *types.ProviderHealth)) types.ProviderHealth {
	m.mu.Lock()
	h := m.entry(provider)
	mutate(h)
	switch {
	case h.Status == types.StatusMaintenance:
	case forced != "":
		h.Status = forced
	default:
		h.Status = StatusFor(h.SuccessRate)
	}
	h.LastCheck = m.clock.Now()
	snapshot := *h
	observers := m.observers
	m.mu.Unlock()

	for _, o := range observers {
		o.ObserveHealth(snapshot)
	}
	return snapshot
}

func applySuccess(h *types.ProviderHealth, latencyMs float64) {
	h.SuccessRate = clampRate(h.SuccessRate*(1-emaAlpha) + emaAlpha)
	latencyMs = math.Max(0, latencyMs)
	if h.LatencyMs == 0 {
		h.LatencyMs = latencyMs
	} else {
		h.LatencyMs = h.LatencyMs*(1-emaAlpha) + latencyMs*emaAlpha
	}
	h.ConsecutiveFailures = 0
}

func applyFailure(h *types.ProviderHealth) {
	h.SuccessRate = clampRate(h.SuccessRate * (1 - emaAlpha))
	h.ConsecutiveFailures++
}

func clampRate(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// StatusFor classifies a success rate
func StatusFor(successRate float64) types.ProviderStatus {
	switch {
	case successRate < unavailableBelow:
		return types.StatusUnavailable
	case successRate < degradedBelow:
		return types.StatusDegraded
	default:
		return types.StatusHealthy
	}
}

// SetMaintenance puts a provider in or out of maintenance. Leaving maintenance re-derives status from the success rate.
func (m *Monitor) SetMaintenance(provider string, enabled bool) types.ProviderHealth {
	m.mu.Lock()
	h := m.entry(provider)
	if enabled {
		h.Status = types.StatusMaintenance
	} else if h.Status == types.StatusMaintenance {
		h.Status = StatusFor(h.SuccessRate)
	}
	h.LastCheck = m.clock.Now()
	snapshot := *h
	observers := m.observers
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"provider":    provider,
		"maintenance": enabled,
	}).Info("Provider maintenance mode changed")

	for _, o := range observers {
		o.ObserveHealth(snapshot)
	}
	return snapshot
}

// Status returns the last-known status, UNCHECKED for unknown providers
func (m *Monitor) Status(provider string) types.ProviderStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if h, ok := m.health[provider]; ok {
		return h.Status
	}
	return types.StatusUnchecked
}

// Health returns a copy of the provider's record
func (m *Monitor) Health(provider string) (types.ProviderHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.health[provider]
	if !ok {
		return types.ProviderHealth{}, false
	}
	return *h, true
}

// Snapshot copies all records
func (m *Monitor) Snapshot() map[string]types.ProviderHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]types.ProviderHealth, len(m.health))
	for name, h := range m.health {
		out[name] = *h
	}
	return out
}

// Providers lists the probed provider names
func (m *Monitor) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.probers))
	for name := range m.probers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run sweeps on every check interval until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.Ticker(m.config.CheckInterval)
	defer ticker.Stop()

	if err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
		m.logger.WithError(err).Warn("Initial health sweep failed")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				m.logger.WithError(err).Warn("Health sweep failed")
			}
		}
	}
}

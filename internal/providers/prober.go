// Package providers defines the health probes the router uses to check
// upstream model-serving backends.
package providers

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Prober checks whether a provider endpoint is serving
type Prober interface {
	Name() string
	Probe(ctx context.Context) error
}

// ProberConfig describes one provider endpoint to probe
type ProberConfig struct {
	Name    string        `yaml:"name"`
	Kind    string        `yaml:"kind"` // "openai", "openai_compatible", "anthropic", "static"
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	OrgID   string        `yaml:"org_id"`
	Timeout time.Duration `yaml:"timeout"`

	// ExpectModels fails the probe when the endpoint does not list these models
	ExpectModels []string `yaml:"expect_models"`
}

// StaticProber reports a fixed result. It stands in for providers without a probe endpoint.
type StaticProber struct {
	name  string
	mu    sync.RWMutex
	err   error
	delay time.Duration
	calls int
}

// NewStaticProber returns a prober that always succeeds until SetError is called
func NewStaticProber(name string) *StaticProber {
	return &StaticProber{name: name}
}

func (p *StaticProber) Name() string {
	return p.name
}

// SetError makes subsequent probes fail with err (nil restores success)
func (p *StaticProber) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// SetDelay makes subsequent probes wait before answering
func (p *StaticProber) SetDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
}

// Calls returns how many probes were made
func (p *StaticProber) Calls() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.calls
}

func (p *StaticProber) Probe(ctx context.Context) error {
	p.mu.Lock()
	p.calls++
	err, delay := p.err, p.delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return fmt.Errorf("%s probe failed: %w", p.name, err)
	}
	return nil
}

// MissingModels returns the expected models absent from served
func MissingModels(expected, served []string) []string {
	have := make(map[string]bool, len(served))
	for _, id := range served {
		have[id] = true
	}
	var missing []string
	for _, id := range expected {
		if !have[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

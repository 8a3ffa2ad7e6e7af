// Package builtin maps configured prober kinds to their constructors.
package builtin

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/task-router/internal/providers"
	"github.com/tributary-ai/task-router/internal/providers/anthropic"
	"github.com/tributary-ai/task-router/internal/providers/openai"
)

// Factory builds a prober from its configuration
type Factory func(config providers.ProberConfig, logger *logrus.Logger) (providers.Prober, error)

var factories = map[string]Factory{
	"openai": func(config providers.ProberConfig, logger *logrus.Logger) (providers.Prober, error) {
		if config.APIKey == "" {
			return nil, fmt.Errorf("provider %s: api_key is required", config.Name)
		}
		return openai.NewProber(config, logger), nil
	},
	"openai_compatible": func(config providers.ProberConfig, logger *logrus.Logger) (providers.Prober, error) {
		if config.BaseURL == "" {
			return nil, fmt.Errorf("provider %s: base_url is required", config.Name)
		}
		return openai.NewProber(config, logger), nil
	},
	"anthropic": func(config providers.ProberConfig, logger *logrus.Logger) (providers.Prober, error) {
		if config.APIKey == "" {
			return nil, fmt.Errorf("provider %s: api_key is required", config.Name)
		}
		return anthropic.NewProber(config, logger), nil
	},
	"static": func(config providers.ProberConfig, logger *logrus.Logger) (providers.Prober, error) {
		return providers.NewStaticProber(config.Name), nil
	},
}

// Kinds lists the supported prober kinds
func Kinds() []string {
	kinds := make([]string, 0, len(factories))
	for kind := range factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// NewProber builds the prober for config.Kind
func NewProber(config providers.ProberConfig, logger *logrus.Logger) (providers.Prober, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	factory, ok := factories[config.Kind]
	if !ok {
		return nil, fmt.Errorf("provider %s: unknown kind %q (supported: %v)", config.Name, config.Kind, Kinds())
	}
	return factory(config, logger)
}

// NewProbers builds all configured probers
func NewProbers(configs []providers.ProberConfig, logger *logrus.Logger) ([]providers.Prober, error) {
	probers := make([]providers.Prober, 0, len(configs))
	for _, config := range configs {
		p, err := NewProber(config, logger)
		if err != nil {
			return nil, err
		}
		probers = append(probers, p)
	}
	return probers, nil
}

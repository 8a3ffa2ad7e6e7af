package anthropic

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/task-router/internal/providers"
)

// Prober checks the Anthropic API through the models endpoint, which costs no tokens
type Prober struct {
	name   string
	client *anthropic.Client
	config providers.ProberConfig
	logger *logrus.Logger
}

// NewProber creates a prober for the configured endpoint
func NewProber(config providers.ProberConfig, logger *logrus.Logger) *Prober {
	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		// the monitor owns retry and timeout policy
		option.WithMaxRetries(0),
	}

	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	if config.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(config.Timeout))
	}

	client := anthropic.NewClient(opts...)

	name := config.Name
	if name == "" {
		name = "anthropic"
	}

	return &Prober{
		name:   name,
		client: &client,
		config: config,
		logger: logger,
	}
}

func (p *Prober) Name() string {
	return p.name
}

// Probe lists models and verifies the expected ones are served
func (p *Prober) Probe(ctx context.Context) error {
	page, err := p.client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		p.logger.WithError(err).WithField("provider", p.name).Debug("Model listing failed")
		return fmt.Errorf("%s health check failed: %w", p.name, err)
	}

	if len(p.config.ExpectModels) > 0 {
		served := make([]string, 0, len(page.Data))
		for _, m := range page.Data {
			served = append(served, m.ID)
		}
		if missing := providers.MissingModels(p.config.ExpectModels, served); len(missing) > 0 {
			return fmt.Errorf("%s health check failed: models not served: %v", p.name, missing)
		}
	}

	p.logger.WithField("provider", p.name).Debug("Health check passed")
	return nil
}

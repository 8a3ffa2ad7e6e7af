package openai

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/task-router/internal/providers"
)

// Prober checks OpenAI and OpenAI-compatible servers (vLLM, Ollama, LM Studio)
// through the models endpoint.
type Prober struct {
	name   string
	client *openai.Client
	config providers.ProberConfig
	logger *logrus.Logger
}

// NewProber creates a prober for the configured endpoint
func NewProber(config providers.ProberConfig, logger *logrus.Logger) *Prober {
	clientConfig := openai.DefaultConfig(config.APIKey)

	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if config.OrgID != "" {
		clientConfig.OrgID = config.OrgID
	}
	if config.Timeout > 0 {
		clientConfig.HTTPClient = &http.Client{Timeout: config.Timeout}
	}

	name := config.Name
	if name == "" {
		name = "openai"
	}

	return &Prober{
		name:   name,
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
		logger: logger,
	}
}

func (p *Prober) Name() string {
	return p.name
}

// Probe lists models and verifies the expected ones are served
func (p *Prober) Probe(ctx context.Context) error {
	list, err := p.client.ListModels(ctx)
	if err != nil {
		p.logger.WithError(err).WithField("provider", p.name).Debug("Model listing failed")
		return fmt.Errorf("%s health check failed: %w", p.name, err)
	}

	if len(p.config.ExpectModels) > 0 {
		served := make([]string, 0, len(list.Models))
		for _, m := range list.Models {
			served = append(served, m.ID)
		}
		if missing := providers.MissingModels(p.config.ExpectModels, served); len(missing) > 0 {
			return fmt.Errorf("%s health check failed: models not served: %v", p.name, missing)
		}
	}

	p.logger.WithField("provider", p.name).Debug("Health check passed")
	return nil
}

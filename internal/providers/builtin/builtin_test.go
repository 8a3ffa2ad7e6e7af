package builtin

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/task-router/internal/providers"
)

func TestNewProber(t *testing.T) {
	logger := logrus.New()

	tests := []struct {
		name    string
		config  providers.ProberConfig
		wantErr bool
	}{
		{"openai", providers.ProberConfig{Name: "openai", Kind: "openai", APIKey: "k"}, false},
		{"openai without key", providers.ProberConfig{Name: "openai", Kind: "openai"}, true},
		{"local server", providers.ProberConfig{Name: "ollama", Kind: "openai_compatible", BaseURL: "http://localhost:11434/v1"}, false},
		{"local server without url", providers.ProberConfig{Name: "ollama", Kind: "openai_compatible"}, true},
		{"anthropic", providers.ProberConfig{Name: "anthropic", Kind: "anthropic", APIKey: "k"}, false},
		{"static", providers.ProberConfig{Name: "edge", Kind: "static"}, false},
		{"unknown kind", providers.ProberConfig{Name: "x", Kind: "grpc"}, true},
		{"missing name", providers.ProberConfig{Kind: "static"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProber(tt.config, logger)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.config.Name, p.Name())
		})
	}
}

func TestKinds(t *testing.T) {
	assert.Equal(t, []string{"anthropic", "openai", "openai_compatible", "static"}, Kinds())
}

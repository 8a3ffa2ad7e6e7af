package anthropic

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/task-router/internal/providers"
)

func createTestProber(t *testing.T, handler http.HandlerFunc, expect ...string) *Prober {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	return NewProber(providers.ProberConfig{
		Name:         "anthropic",
		Kind:         "anthropic",
		APIKey:       "test-api-key",
		BaseURL:      server.URL,
		Timeout:      2 * time.Second,
		ExpectModels: expect,
	}, logger)
}

const modelsBody = `{
	"data": [
		{"id": "claude-3-haiku-20240307", "type": "model", "display_name": "Claude 3 Haiku", "created_at": "2024-03-07T00:00:00Z"}
	],
	"has_more": false,
	"first_id": "claude-3-haiku-20240307",
	"last_id": "claude-3-haiku-20240307"
}`

func modelsHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("Expected path /v1/models, got %s", r.URL.Path)
		}
		if got := r.Header.Get("X-Api-Key"); got != "test-api-key" {
			t.Errorf("Expected api key header, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(modelsBody))
	}
}

func TestProber_Name(t *testing.T) {
	p := createTestProber(t, modelsHandler(t))
	if p.Name() != "anthropic" {
		t.Errorf("Expected name 'anthropic', got %s", p.Name())
	}
}

func TestProber_ProbeSuccess(t *testing.T) {
	p := createTestProber(t, modelsHandler(t), "claude-3-haiku-20240307")
	if err := p.Probe(context.Background()); err != nil {
		t.Fatalf("Expected probe to pass, got %v", err)
	}
}

func TestProber_ProbeMissingModel(t *testing.T) {
	p := createTestProber(t, modelsHandler(t), "claude-opus")
	if err := p.Probe(context.Background()); err == nil {
		t.Fatal("Expected probe to fail when expected model is not listed")
	}
}

func TestProber_ProbeUnauthorized(t *testing.T) {
	calls := 0
	p := createTestProber(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	})

	if err := p.Probe(context.Background()); err == nil {
		t.Fatal("Expected probe to fail on 401")
	}
	if calls != 1 {
		t.Errorf("Expected a single attempt, got %d", calls)
	}
}

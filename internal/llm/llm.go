package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Request is one prompt sent to a text-generation backend.
type Request struct {
	System string
	Prompt string
	// JSON asks the backend for a JSON object response. Callers still
	// validate the result themselves.
	JSON bool
}

// Generator completes prompts.
type Generator interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Backend names a Generator implementation.
type Backend string

const (
	BackendOpenAI Backend = "openai"
	BackendOllama Backend = "ollama"
)

// Config selects and configures a backend.
type Config struct {
	Backend Backend
	Model   string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// New builds the Generator named by cfg.Backend.
func New(cfg Config) (Generator, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	httpClient := &http.Client{Timeout: timeout}

	switch cfg.Backend {
	case BackendOpenAI, "":
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			return nil, fmt.Errorf("openai backend requires an api key")
		}
		return NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model, httpClient), nil
	case BackendOllama:
		return NewOllama(cfg.BaseURL, cfg.Model, httpClient)
	default:
		return nil, fmt.Errorf("unknown llm backend %q", cfg.Backend)
	}
}

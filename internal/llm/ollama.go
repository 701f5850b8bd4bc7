package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

const defaultOllamaModel = "llama3.1"

// Ollama talks to a local Ollama server.
type Ollama struct {
	client *api.Client
	model  string
}

// NewOllama creates an Ollama generator. An empty baseURL falls back to
// OLLAMA_HOST.
func NewOllama(baseURL, model string, httpClient *http.Client) (*Ollama, error) {
	if model == "" {
		model = defaultOllamaModel
	}
	if baseURL == "" {
		client, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("ollama client from environment: %w", err)
		}
		return &Ollama{client: client, model: model}, nil
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse ollama url: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Ollama{client: api.NewClient(u, httpClient), model: model}, nil
}

// Complete runs a non-streaming chat request.
func (o *Ollama) Complete(ctx context.Context, req Request) (string, error) {
	stream := false
	chat := &api.ChatRequest{
		Model: o.model,
		Messages: []api.Message{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.Prompt},
		},
		Stream: &stream,
	}
	if req.JSON {
		chat.Format = json.RawMessage(`"json"`)
	}

	var sb strings.Builder
	err := o.client.Chat(ctx, chat, func(resp api.ChatResponse) error {
		sb.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	return sb.String(), nil
}

package ollama

import (
	"context"
	"fmt"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/engramd/engram/memory"
)

// Generator implements memory.Generator using a local Ollama model.
type Generator struct {
	client *api.Client
	model  string
}

// NewGenerator creates a Generator for the given model.
func NewGenerator(model string) (*Generator, error) {
	if model == "" {
		model = "llama3.2:3b"
	}
	cli, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama client: %w", err)
	}
	return &Generator{client: cli, model: model}, nil
}

// Generate runs a single non-streaming completion.
func (g *Generator) Generate(ctx context.Context, system, prompt string) (string, error) {
	var responseBuilder strings.Builder
	stream := false
	req := &api.GenerateRequest{
		Model:  g.model,
		Prompt: prompt,
		System: system,
		Stream: &stream,
		Options: map[string]any{
			"temperature": 0.3,
		},
	}

	err := g.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		responseBuilder.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", memory.NewProviderTimeoutError("ollama generate", err)
		}
		return "", memory.NewProviderUnavailableError("ollama generate", err)
	}

	return strings.TrimSpace(responseBuilder.String()), nil
}

package ollama

import (
	"context"
	"fmt"

	"github.com/ollama/ollama/api"

	"github.com/engramd/engram/memory"
)

type Model string

const (
	ModelMXBAI Model = "mxbai-embed-large"
)

type embedder struct {
	client *api.Client
	model  Model
}

// NewEmbedder returns a memory.Embedder backed by a local Ollama instance.
func NewEmbedder(model Model) (memory.Embedder, error) {
	cli, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, err
	}
	return &embedder{client: cli, model: model}, nil
}

func (e *embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embed(ctx, &api.EmbedRequest{
		Model: string(e.model),
		Input: text,
	})
	if err != nil {
		return nil, memory.NewProviderUnavailableError("ollama embed", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, memory.NewProviderUnavailableError("ollama embed: empty response", nil)
	}
	return resp.Embeddings[0], nil
}

func (e *embedder) String() string {
	return fmt.Sprintf("ollama embedder (%s)", e.model)
}

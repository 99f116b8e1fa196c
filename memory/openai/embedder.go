package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"

	"github.com/engramd/engram/memory"
)

// Embedder implements memory.Embedder using the OpenAI embeddings API.
// Transient failures (rate limits, server errors) are retried with
// exponential backoff before surfacing as a provider error.
type Embedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewEmbedder creates an Embedder. If model is empty, text-embedding-3-small
// is used. baseURL overrides the API endpoint for compatible servers.
func NewEmbedder(apiKey, baseURL, model string) (*Embedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}

	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}

	return &Embedder{
		client: openai.NewClientWithConfig(config),
		model:  openai.EmbeddingModel(model),
	}, nil
}

// Embed returns the embedding vector for the given text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.MaxInterval = 10 * time.Second
	eb.MaxElapsedTime = 30 * time.Second

	var vec []float32
	operation := func() error {
		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: []string{text},
			Model: e.model,
		})
		if err != nil {
			var apiErr *openai.APIError
			if errors.As(err, &apiErr) {
				// Retry rate limits and server errors only.
				if apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500 {
					return err
				}
				return backoff.Permanent(err)
			}
			return err
		}
		if len(resp.Data) == 0 {
			return backoff.Permanent(fmt.Errorf("empty embedding response"))
		}
		vec = resp.Data[0].Embedding
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(eb, 3), ctx)); err != nil {
		if ctx.Err() != nil {
			return nil, memory.NewProviderTimeoutError("openai embed", err)
		}
		return nil, memory.NewProviderUnavailableError("openai embed", err)
	}
	return vec, nil
}

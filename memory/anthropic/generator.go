package anthropic

import (
	"context"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"

	"github.com/engramd/engram/memory"
)

// Generator implements memory.Generator using the Anthropic Messages API.
type Generator struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
	logger    zerolog.Logger
}

// NewGenerator creates a Generator with the given API key and model.
func NewGenerator(apiKey, model string, maxTokens int64, logger zerolog.Logger) (*Generator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if maxTokens <= 0 {
		maxTokens = 512
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Generator{
		client:    &client,
		model:     model,
		maxTokens: maxTokens,
		logger:    logger.With().Str("component", "anthropic_generator").Logger(),
	}, nil
}

// Generate runs a single completion for the prompt.
func (g *Generator) Generate(ctx context.Context, system, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: g.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	message, err := g.client.Messages.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return "", memory.NewProviderTimeoutError("anthropic generate", err)
		}
		return "", memory.NewProviderUnavailableError("anthropic generate", err)
	}

	var b strings.Builder
	for _, blockUnion := range message.Content {
		if block, ok := blockUnion.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(block.Text)
		}
	}

	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", memory.NewProviderUnavailableError("anthropic generate: empty response", nil)
	}

	g.logger.Debug().Int("chars", len(text)).Msg("generation complete")
	return text, nil
}

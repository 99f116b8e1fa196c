package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Summarizer turns retrieved context into a short synthesis for the caller.
// It is pure formatting around the Generator capability; when generation
// fails the retrieval response still carries the ranked results and the
// summary is simply absent.
type Summarizer struct {
	generator Generator
	logger    zerolog.Logger
}

// NewSummarizer creates a Summarizer over the given Generator.
func NewSummarizer(generator Generator, logger zerolog.Logger) *Summarizer {
	return &Summarizer{
		generator: generator,
		logger:    logger.With().Str("component", "summarizer").Logger(),
	}
}

const summarySystemPrompt = `You are a memory assistant. You are given a user's question and fragments of their stored memories and past conversation.

Rules:
- Answer only from the provided fragments; do not invent facts.
- Be concise: a few sentences at most.
- Write in plain prose, no markdown, no lists.
- If the fragments do not answer the question, say so briefly.`

// Summarize produces a synthesis of the merged context for the query.
// Returns an empty string when no generator is configured or there is
// nothing to summarize.
func (s *Summarizer) Summarize(ctx context.Context, queryText, mergedContext string) (string, error) {
	if s.generator == nil || strings.TrimSpace(mergedContext) == "" {
		return "", nil
	}

	prompt := fmt.Sprintf(`Question:
%s

Memory fragments:
%s

Answer the question using only the fragments above.`, queryText, mergedContext)

	summary, err := s.generator.Generate(ctx, summarySystemPrompt, prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(summary), nil
}
